package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httperrors "github.com/gokatarajesh/quiz-live/pkg/http/errors"
)

func TestValidateSessionReturnsGrant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/sessions/validate", r.URL.Path)
		var req ValidateSessionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "ABC123", req.SessionCode)
		assert.Equal(t, "ada", req.Name)

		_ = json.NewEncoder(w).Encode(Grant{SessionCode: "ABC123", ParticipantID: "p-1", Name: "ada", Token: "tok"})
	}))
	defer srv.Close()

	c := New(srv.URL+"/", srv.Client(), zerolog.Nop())
	g, err := c.ValidateSession(context.Background(), "ABC123", "ada")
	require.NoError(t, err)
	assert.Equal(t, "p-1", g.ParticipantID)
	assert.Equal(t, "tok", g.Token)
}

func TestValidateSessionRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httperrors.RespondConflict(w, httperrors.ErrCodeNameTaken, "name already in use")
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client(), zerolog.Nop())
	_, err := c.ValidateSession(context.Background(), "ABC123", "ada")

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, httperrors.ErrCodeNameTaken, verr.Code)
	assert.Equal(t, "name already in use", verr.Message)
}

func TestValidateSessionRequiresFields(t *testing.T) {
	c := New("http://127.0.0.1:1", nil, zerolog.Nop())

	_, err := c.ValidateSession(context.Background(), " ", "ada")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "sessionCode", verr.Field)

	_, err = c.ValidateSession(context.Background(), "ABC123", "")
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "name", verr.Field)
}

func TestValidateSessionServerErrorIsNotValidation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httperrors.RespondInternalError(w, "boom")
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client(), zerolog.Nop())
	_, err := c.ValidateSession(context.Background(), "ABC123", "ada")
	require.Error(t, err)

	var verr *ValidationError
	assert.False(t, errors.As(err, &verr))
	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusInternalServerError, serr.Status)
}

func TestSubmitAnswerSendsBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.NotContains(t, body, "Token")
		assert.Equal(t, "q1", body["questionId"])
		assert.Equal(t, true, body["correct"])

		_ = json.NewEncoder(w).Encode(AnswerResult{Message: "Correct!", ElapsedTime: 4200, Correct: true, Score: 130})
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client(), zerolog.Nop())
	res, err := c.SubmitAnswer(context.Background(), AnswerRequest{
		Token:          "tok",
		ParticipantID:  "p-1",
		Name:           "ada",
		SessionCode:    "ABC123",
		QuestionID:     "q1",
		SelectedOption: "b",
		Correct:        true,
	})
	require.NoError(t, err)
	assert.Equal(t, "Correct!", res.Message)
	assert.Equal(t, 4200*time.Millisecond, res.Elapsed())
}

func TestLeaderboard(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/sessions/ABC123/leaderboard", r.URL.Path)
		_, _ = w.Write([]byte(`{"entries":[{"name":"ada","score":150,"rank":1}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client(), zerolog.Nop())
	entries, err := c.Leaderboard(context.Background(), "ABC123")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ada", entries[0].Name)
}
