package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gokatarajesh/quiz-live/internal/api"
	"github.com/gokatarajesh/quiz-live/internal/auth/jwt"
	"github.com/gokatarajesh/quiz-live/internal/metrics"
	httperrors "github.com/gokatarajesh/quiz-live/pkg/http/errors"
	"github.com/gokatarajesh/quiz-live/pkg/http/ws"
)

const codeAttempts = 5

// CreateSession handles POST /v1/sessions
func (r *Relay) CreateSession(w http.ResponseWriter, req *http.Request) {
	var body api.CreateSessionRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		httperrors.RespondBadRequest(w, httperrors.ErrCodeInvalidRequest, "Invalid JSON payload")
		return
	}
	name := strings.TrimSpace(body.HostName)
	if name == "" {
		httperrors.RespondValidationError(w, httperrors.ErrCodeMissingField, "Host name is required", "hostName")
		return
	}

	hostID := uuid.NewString()
	var code string
	for i := 0; i < codeAttempts; i++ {
		candidate := newSessionCode()
		err := r.store.CreateSession(req.Context(), candidate, hostID, name, r.clock.Now())
		if errors.Is(err, ErrSessionExists) {
			continue
		}
		if err != nil {
			r.logger.Error().Err(err).Msg("failed to create session")
			httperrors.RespondError(w, http.StatusServiceUnavailable, httperrors.ErrCodeSessionCreationFailed, "Could not create session")
			return
		}
		code = candidate
		break
	}
	if code == "" {
		httperrors.RespondError(w, http.StatusServiceUnavailable, httperrors.ErrCodeSessionCreationFailed, "Could not allocate a session code")
		return
	}

	token, err := r.tokens.Issue(jwt.Seat{ParticipantID: hostID, Name: name, SessionCode: code, Role: jwt.RoleHost})
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to issue host token")
		httperrors.RespondInternalError(w, "Could not issue token")
		return
	}

	r.logger.Info().Str("session_code", code).Str("host", name).Msg("session created")
	respondJSON(w, http.StatusCreated, api.Grant{SessionCode: code, ParticipantID: hostID, Name: name, Token: token})
}

// ValidateSession handles POST /v1/sessions/validate
func (r *Relay) ValidateSession(w http.ResponseWriter, req *http.Request) {
	var body api.ValidateSessionRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		httperrors.RespondBadRequest(w, httperrors.ErrCodeInvalidRequest, "Invalid JSON payload")
		return
	}
	code := strings.ToUpper(strings.TrimSpace(body.SessionCode))
	name := strings.TrimSpace(body.Name)
	if code == "" {
		httperrors.RespondValidationError(w, httperrors.ErrCodeMissingField, "Session code is required", "sessionCode")
		return
	}
	if name == "" {
		httperrors.RespondValidationError(w, httperrors.ErrCodeMissingField, "Name is required", "name")
		return
	}

	exists, ended, err := r.store.SessionStatus(req.Context(), code)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to read session")
		httperrors.RespondError(w, http.StatusServiceUnavailable, httperrors.ErrCodeServiceUnavailable, "Session lookup failed")
		return
	}
	if !exists {
		httperrors.RespondNotFound(w, httperrors.ErrCodeInvalidSessionCode, "Session not found")
		return
	}
	if ended {
		httperrors.RespondConflict(w, httperrors.ErrCodeQuizEnded, "The quiz has already ended")
		return
	}

	participantID := uuid.NewString()
	if err := r.store.ClaimName(req.Context(), code, name, participantID); err != nil {
		if errors.Is(err, ErrNameTaken) {
			httperrors.RespondError(w, http.StatusConflict, httperrors.ErrCodeNameTaken, "That name is already in use")
			return
		}
		r.logger.Error().Err(err).Msg("failed to claim name")
		httperrors.RespondError(w, http.StatusServiceUnavailable, httperrors.ErrCodeJoinFailed, "Could not join session")
		return
	}

	token, err := r.tokens.Issue(jwt.Seat{ParticipantID: participantID, Name: name, SessionCode: code, Role: jwt.RoleParticipant})
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to issue participant token")
		httperrors.RespondInternalError(w, "Could not issue token")
		return
	}

	respondJSON(w, http.StatusOK, api.Grant{SessionCode: code, ParticipantID: participantID, Name: name, Token: token})
}

// SubmitAnswer handles POST /v1/answers
func (r *Relay) SubmitAnswer(w http.ResponseWriter, req *http.Request) {
	claims, ok := r.bearerClaims(w, req)
	if !ok {
		return
	}
	if claims.IsHost() {
		httperrors.RespondForbidden(w, httperrors.ErrCodeForbidden, "Hosts cannot answer")
		return
	}

	var body api.AnswerRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		httperrors.RespondBadRequest(w, httperrors.ErrCodeInvalidRequest, "Invalid JSON payload")
		return
	}
	if body.QuestionID == "" {
		httperrors.RespondValidationError(w, httperrors.ErrCodeMissingField, "Question id is required", "questionId")
		return
	}

	ctx := req.Context()
	code := claims.SessionCode
	started, err := r.store.QuestionStart(ctx, code, body.QuestionID)
	if errors.Is(err, ErrQuestionUnknown) {
		httperrors.RespondConflict(w, httperrors.ErrCodeQuestionNotActive, "Question has not started")
		return
	}
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to read question start")
		httperrors.RespondError(w, http.StatusServiceUnavailable, httperrors.ErrCodeSubmitFailed, "Could not record answer")
		return
	}

	elapsed := r.clock.Now().Sub(started)
	if elapsed < 0 {
		elapsed = 0
	}

	correct := body.Correct
	var limit int
	if q, found, err := r.store.Question(ctx, code, body.QuestionID); err != nil {
		r.logger.Warn().Err(err).Msg("question lookup failed, trusting client correctness")
	} else if found {
		correct = body.SelectedOption == q.CorrectAnswer
		limit = q.TimeLimitSeconds
	}

	answer := Answer{
		ParticipantID: claims.ParticipantID,
		Name:          claims.Name,
		QuestionID:    body.QuestionID,
		Option:        body.SelectedOption,
		Correct:       correct,
		Score:         r.scorer.Score(correct, elapsed, time.Duration(limit)*time.Second),
		ElapsedMillis: elapsed.Milliseconds(),
	}
	stored, duplicate, err := r.store.RecordAnswer(ctx, code, answer)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to record answer")
		httperrors.RespondError(w, http.StatusServiceUnavailable, httperrors.ErrCodeSubmitFailed, "Could not record answer")
		return
	}

	switch {
	case duplicate:
		r.metrics.Answer(metrics.AnswerDuplicate)
	case stored.Correct:
		r.metrics.Answer(metrics.AnswerCorrect)
	default:
		r.metrics.Answer(metrics.AnswerIncorrect)
	}

	if !duplicate {
		r.publishRank(ctx, code, claims.Name)
	}

	respondJSON(w, http.StatusOK, api.AnswerResult{
		Message:     answerMessage(stored),
		ElapsedTime: stored.ElapsedMillis,
		Correct:     stored.Correct,
		Score:       stored.Score,
	})
}

// Leaderboard handles GET /v1/sessions/{code}/leaderboard
func (r *Relay) Leaderboard(w http.ResponseWriter, req *http.Request) {
	code := strings.ToUpper(req.PathValue("code"))
	exists, _, err := r.store.SessionStatus(req.Context(), code)
	if err != nil {
		httperrors.RespondError(w, http.StatusServiceUnavailable, httperrors.ErrCodeLeaderboardFetchFailed, "Leaderboard unavailable")
		return
	}
	if !exists {
		httperrors.RespondNotFound(w, httperrors.ErrCodeInvalidSessionCode, "Session not found")
		return
	}

	entries, err := r.store.Leaderboard(req.Context(), code)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to load leaderboard")
		httperrors.RespondError(w, http.StatusServiceUnavailable, httperrors.ErrCodeLeaderboardFetchFailed, "Leaderboard unavailable")
		return
	}
	respondJSON(w, http.StatusOK, ws.LeaderboardPayload{Entries: entries})
}

func (r *Relay) publishRank(ctx context.Context, code, name string) {
	rank, err := r.store.Rank(ctx, code, name)
	if err != nil {
		r.logger.Warn().Err(err).Str("name", name).Msg("failed to compute rank")
		return
	}
	if err := r.Broadcast(ctx, ws.RankTopic(code, name), rank); err != nil {
		r.logger.Warn().Err(err).Str("name", name).Msg("failed to publish rank")
	}
}

func (r *Relay) bearerClaims(w http.ResponseWriter, req *http.Request) (*jwt.Claims, bool) {
	header := req.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		httperrors.RespondUnauthorized(w, httperrors.ErrCodeAuthenticationRequired, "Authentication required")
		return nil, false
	}
	claims, err := r.tokens.Validate(token)
	if err != nil {
		code := httperrors.ErrCodeInvalidToken
		if errors.Is(err, jwt.ErrExpiredToken) {
			code = httperrors.ErrCodeTokenExpired
		}
		httperrors.RespondUnauthorized(w, code, "Invalid token")
		return nil, false
	}
	return claims, true
}

func answerMessage(a Answer) string {
	if a.Correct {
		return fmt.Sprintf("Correct! +%d points", a.Score)
	}
	return "Answer recorded"
}

func newSessionCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
