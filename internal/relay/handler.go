package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/gokatarajesh/quiz-live/internal/auth/jwt"
	"github.com/gokatarajesh/quiz-live/internal/server"
	httperrors "github.com/gokatarajesh/quiz-live/pkg/http/errors"
	"github.com/gokatarajesh/quiz-live/pkg/http/ws"
)

// HandleWebSocket upgrades the HTTP connection to WebSocket and authenticates the seat.
func (r *Relay) HandleWebSocket(w http.ResponseWriter, req *http.Request) {
	token := req.URL.Query().Get("token")
	if token == "" {
		httperrors.RespondUnauthorized(w, httperrors.ErrCodeInvalidToken, "Missing token")
		return
	}

	claims, err := r.tokens.Validate(token)
	if err != nil {
		r.logger.Warn().Err(err).Msg("WebSocket token validation failed")
		code := httperrors.ErrCodeInvalidToken
		if errors.Is(err, jwt.ErrExpiredToken) {
			code = httperrors.ErrCodeTokenExpired
		}
		httperrors.RespondUnauthorized(w, code, "Invalid token")
		return
	}

	conn, err := server.WSUpgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	r.HandleConnection(conn, claims)
}

// HandleConnection serves one authenticated socket until it closes.
func (r *Relay) HandleConnection(conn *websocket.Conn, claims *jwt.Claims) {
	connID := uuid.NewString()
	logger := r.logger.With().
		Str("conn_id", connID).
		Str("session_code", claims.SessionCode).
		Str("name", claims.Name).
		Logger()

	wsConn := ws.NewConnection(conn, logger)
	r.hub.RegisterConnection(connID, wsConn)
	r.metrics.ConnectionOpened()
	logger.Debug().Str("role", claims.Role).Msg("connection opened")

	go wsConn.WritePump()

	err := wsConn.ReadPump(func(msg ws.Message) error {
		return r.handleMessage(context.Background(), connID, claims, msg)
	})
	if err != nil {
		logger.Debug().Err(err).Msg("connection dropped")
	}

	r.hub.UnregisterConnection(connID)
	r.metrics.ConnectionClosed()
}

func (r *Relay) handleMessage(ctx context.Context, connID string, claims *jwt.Claims, msg ws.Message) error {
	switch msg.Type {
	case ws.TypeSubscribe:
		return r.handleSubscribe(connID, claims, msg)
	case ws.TypeUnsubscribe:
		r.hub.Unsubscribe(connID, msg.Topic)
		return nil
	case ws.TypePublish:
		return r.handlePublish(ctx, connID, claims, msg)
	case ws.TypePing:
		return r.hub.SendTo(connID, ws.Message{Type: ws.TypePong, RequestID: msg.RequestID})
	default:
		return r.sendError(connID, msg.RequestID, httperrors.ErrCodeUnknownMessageType, fmt.Sprintf("Unknown message type: %s", msg.Type))
	}
}

func (r *Relay) handleSubscribe(connID string, claims *jwt.Claims, msg ws.Message) error {
	d, ok := ws.ParseDestination(msg.Topic)
	if !ok || d.Command {
		return r.sendError(connID, msg.RequestID, httperrors.ErrCodeUnknownDestination, fmt.Sprintf("Cannot subscribe to %q", msg.Topic))
	}
	if d.Code != claims.SessionCode {
		return r.sendError(connID, msg.RequestID, httperrors.ErrCodeForbidden, "Topic belongs to another session")
	}
	if d.Kind == ws.TopicRank && !claims.IsHost() && d.Name != claims.Name {
		return r.sendError(connID, msg.RequestID, httperrors.ErrCodeForbidden, "Rank topic belongs to another participant")
	}
	r.hub.Subscribe(connID, msg.Topic)
	return nil
}

func (r *Relay) handlePublish(ctx context.Context, connID string, claims *jwt.Claims, msg ws.Message) error {
	d, ok := ws.ParseDestination(msg.Topic)
	if !ok {
		return r.sendError(connID, msg.RequestID, httperrors.ErrCodeUnknownDestination, fmt.Sprintf("Unknown destination %q", msg.Topic))
	}
	if d.Code != claims.SessionCode {
		return r.sendError(connID, msg.RequestID, httperrors.ErrCodeForbidden, "Destination belongs to another session")
	}

	if !d.Command {
		if d.Kind != ws.TopicQuestions || !claims.IsHost() {
			return r.sendError(connID, msg.RequestID, httperrors.ErrCodeForbidden, "Only the host may publish the question set")
		}
		return r.handleQuestionSet(ctx, connID, claims, msg)
	}

	switch d.Kind {
	case ws.CommandJoin:
		return r.handlePresence(ctx, connID, claims, msg, ws.TopicParticipantJoined)
	case ws.CommandLeave:
		return r.handlePresence(ctx, connID, claims, msg, ws.TopicParticipantLeft)
	case ws.CommandNextQuestion:
		return r.handleNextQuestion(ctx, connID, claims, msg)
	case ws.CommandLeaderboard:
		return r.handleLeaderboard(ctx, connID, claims, msg)
	default:
		return r.sendError(connID, msg.RequestID, httperrors.ErrCodeUnknownDestination, fmt.Sprintf("Unknown command %q", d.Kind))
	}
}

func (r *Relay) handleQuestionSet(ctx context.Context, connID string, claims *jwt.Claims, msg ws.Message) error {
	var set ws.QuestionSetPayload
	if err := json.Unmarshal(msg.Payload, &set); err != nil {
		return r.sendError(connID, msg.RequestID, httperrors.ErrCodeInvalidPayload, "Invalid question set payload")
	}

	code := claims.SessionCode
	run := r.Runner(code)
	if set.QuizEnded {
		run.End()
		if err := r.store.MarkEnded(ctx, code, r.clock.Now()); err != nil {
			r.logger.Error().Err(err).Str("session_code", code).Msg("failed to mark session ended")
		}
	} else {
		if err := run.SetQuestions(set.Questions); err != nil {
			return r.sendError(connID, msg.RequestID, httperrors.ErrCodeQuizEnded, err.Error())
		}
		if err := r.store.SaveQuestions(ctx, code, set.Questions); err != nil {
			r.logger.Error().Err(err).Str("session_code", code).Msg("failed to cache question set")
		}
	}

	return r.publish(ctx, msg.Topic, ws.Message{Type: ws.TypeEvent, Topic: msg.Topic, Payload: msg.Payload})
}

func (r *Relay) handlePresence(ctx context.Context, connID string, claims *jwt.Claims, msg ws.Message, kind string) error {
	if claims.IsHost() {
		return r.sendError(connID, msg.RequestID, httperrors.ErrCodeForbidden, "Hosts do not join their own session")
	}

	// Identity comes from the token, not the payload.
	p := ws.ParticipantPayload{
		Name:          claims.Name,
		SessionCode:   claims.SessionCode,
		ParticipantID: claims.ParticipantID,
		At:            r.clock.Now().UnixMilli(),
	}
	if kind == ws.TopicParticipantLeft {
		if err := r.store.ReleaseName(ctx, claims.SessionCode, claims.Name, claims.ParticipantID); err != nil {
			r.logger.Warn().Err(err).Str("name", claims.Name).Msg("failed to release name")
		}
	}
	return r.Broadcast(ctx, ws.SessionTopic(claims.SessionCode, kind), p)
}

func (r *Relay) handleNextQuestion(ctx context.Context, connID string, claims *jwt.Claims, msg ws.Message) error {
	if !claims.IsHost() {
		return r.sendError(connID, msg.RequestID, httperrors.ErrCodeForbidden, "Only the host may advance questions")
	}
	var next ws.NextQuestionPayload
	if err := json.Unmarshal(msg.Payload, &next); err != nil {
		return r.sendError(connID, msg.RequestID, httperrors.ErrCodeInvalidPayload, "Invalid next-question payload")
	}

	run := r.Runner(claims.SessionCode)
	q, err := run.Question(next.Index)
	if err != nil {
		return r.sendError(connID, msg.RequestID, runnerErrorCode(err), err.Error())
	}
	// Answers may arrive as soon as current-question is out.
	if err := r.store.StartQuestion(ctx, claims.SessionCode, q.ID, r.clock.Now()); err != nil {
		r.logger.Error().Err(err).Str("question_id", q.ID).Msg("failed to record question start")
	}
	if _, err := run.Next(next.Index); err != nil {
		return r.sendError(connID, msg.RequestID, runnerErrorCode(err), err.Error())
	}
	return nil
}

func runnerErrorCode(err error) string {
	if errors.Is(err, ErrSessionEnded) {
		return httperrors.ErrCodeQuizEnded
	}
	return httperrors.ErrCodeQuestionNotActive
}

func (r *Relay) handleLeaderboard(ctx context.Context, connID string, claims *jwt.Claims, msg ws.Message) error {
	entries, err := r.store.Leaderboard(ctx, claims.SessionCode)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to load leaderboard")
		return r.sendError(connID, msg.RequestID, httperrors.ErrCodeLeaderboardFetchFailed, "Leaderboard unavailable")
	}
	return r.Broadcast(ctx, ws.SessionTopic(claims.SessionCode, ws.TopicLeaderboard), ws.LeaderboardPayload{Entries: entries})
}

func (r *Relay) sendError(connID, requestID, code, message string) error {
	errPayload := ws.ErrorPayload{
		Code:    code,
		Message: message,
	}
	msg := ws.Message{Type: ws.TypeError, RequestID: requestID}
	msg.Payload, _ = json.Marshal(errPayload)
	return r.hub.SendTo(connID, msg)
}
