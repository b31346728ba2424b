package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	httperrors "github.com/gokatarajesh/quiz-live/pkg/http/errors"
	"github.com/gokatarajesh/quiz-live/pkg/http/ws"
)

// Grant is what the relay hands out for a host or participant seat.
type Grant struct {
	SessionCode   string `json:"sessionCode"`
	ParticipantID string `json:"participantId"`
	Name          string `json:"name"`
	Token         string `json:"token"`
}

type CreateSessionRequest struct {
	HostName string `json:"hostName"`
}

type ValidateSessionRequest struct {
	SessionCode string `json:"sessionCode"`
	Name        string `json:"name"`
}

// AnswerRequest is one scored submission. Token is sent as the bearer
// credential, not in the body.
type AnswerRequest struct {
	Token           string `json:"-"`
	ParticipantID   string `json:"participantId"`
	Name            string `json:"name"`
	SessionCode     string `json:"sessionCode"`
	QuestionID      string `json:"questionId"`
	SelectedOption  string `json:"selectedOption"`
	Correct         bool   `json:"correct"`
	ClientTimestamp int64  `json:"clientTimestamp"`
}

// AnswerResult carries the server message and the elapsed time in
// milliseconds used for tie-breaks.
type AnswerResult struct {
	Message     string `json:"message"`
	ElapsedTime int64  `json:"elapsedTime"`
	Correct     bool   `json:"correct"`
	Score       int    `json:"score"`
}

// Elapsed returns ElapsedTime as a duration.
func (r AnswerResult) Elapsed() time.Duration {
	return time.Duration(r.ElapsedTime) * time.Millisecond
}

// ValidationError is a rejected session entry. It is returned before any
// connection is attempted.
type ValidationError struct {
	Code    string
	Message string
	Field   string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// StatusError is a non-2xx answer that is not a validation failure.
type StatusError struct {
	Status int
	Body   httperrors.ErrorResponse
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d %s: %s", e.Status, e.Body.Error, e.Body.Message)
}

// Client talks to the session and scoring endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

func New(baseURL string, httpClient *http.Client, logger zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger.With().Str("component", "api_client").Logger(),
	}
}

// CreateSession opens a new session with the caller as host.
func (c *Client) CreateSession(ctx context.Context, hostName string) (Grant, error) {
	var g Grant
	if err := c.post(ctx, "/v1/sessions", "", CreateSessionRequest{HostName: hostName}, &g); err != nil {
		return Grant{}, fmt.Errorf("create session: %w", err)
	}
	return g, nil
}

// ValidateSession checks that code exists and name is free. Rejections come
// back as *ValidationError.
func (c *Client) ValidateSession(ctx context.Context, code, name string) (Grant, error) {
	if strings.TrimSpace(code) == "" {
		return Grant{}, &ValidationError{Code: httperrors.ErrCodeMissingField, Message: "session code is required", Field: "sessionCode"}
	}
	if strings.TrimSpace(name) == "" {
		return Grant{}, &ValidationError{Code: httperrors.ErrCodeMissingField, Message: "name is required", Field: "name"}
	}

	var g Grant
	err := c.post(ctx, "/v1/sessions/validate", "", ValidateSessionRequest{SessionCode: code, Name: name}, &g)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Status >= 400 && se.Status < 500 {
			return Grant{}, &ValidationError{Code: se.Body.Error, Message: se.Body.Message, Field: se.Body.Field}
		}
		return Grant{}, fmt.Errorf("validate session: %w", err)
	}
	return g, nil
}

// SubmitAnswer sends one answer for scoring.
func (c *Client) SubmitAnswer(ctx context.Context, req AnswerRequest) (AnswerResult, error) {
	var res AnswerResult
	if err := c.post(ctx, "/v1/answers", req.Token, req, &res); err != nil {
		return AnswerResult{}, fmt.Errorf("submit answer: %w", err)
	}
	return res, nil
}

// Leaderboard fetches the current ranking over HTTP.
func (c *Client) Leaderboard(ctx context.Context, code string) ([]ws.LeaderboardEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/sessions/"+code+"/leaderboard", nil)
	if err != nil {
		return nil, err
	}
	var out ws.LeaderboardPayload
	if err := c.do(req, &out); err != nil {
		return nil, fmt.Errorf("fetch leaderboard: %w", err)
	}
	return out.Entries, nil
}

func (c *Client) post(ctx context.Context, path, token string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body := httperrors.Decode(resp)
		c.logger.Debug().
			Str("path", req.URL.Path).
			Int("status", resp.StatusCode).
			Str("code", body.Error).
			Msg("request rejected")
		return &StatusError{Status: resp.StatusCode, Body: body}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
