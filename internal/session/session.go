package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/gokatarajesh/quiz-live/internal/api"
	"github.com/gokatarajesh/quiz-live/internal/conn"
	"github.com/gokatarajesh/quiz-live/internal/host"
	"github.com/gokatarajesh/quiz-live/internal/metrics"
	"github.com/gokatarajesh/quiz-live/internal/quiz"
	"github.com/gokatarajesh/quiz-live/internal/submission"
	"github.com/gokatarajesh/quiz-live/internal/subscription"
	"github.com/gokatarajesh/quiz-live/pkg/http/ws"
)

var (
	ErrAlreadyOpen = errors.New("session: already open")
	ErrNotOpen     = errors.New("session: not open")
	ErrWrongRole   = errors.New("session: operation not available for this role")
)

// Collaborator is the HTTP side of the platform.
type Collaborator interface {
	CreateSession(ctx context.Context, hostName string) (api.Grant, error)
	ValidateSession(ctx context.Context, code, name string) (api.Grant, error)
	SubmitAnswer(ctx context.Context, req api.AnswerRequest) (api.AnswerResult, error)
}

// Options describe the seat being opened. Code is ignored for hosts; the
// collaborator assigns one.
type Options struct {
	Role         subscription.Role
	Code         string
	Name         string
	WebSocketURL string

	Backoff           conn.Backoff
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration

	// Transport overrides the WebSocket transport.
	Transport conn.Transport
	Clock     clockwork.Clock
	Metrics   *metrics.Client
}

// Session owns everything a single quiz seat needs: the identity, the one
// broker connection, topic bindings and the role controllers.
type Session struct {
	opts   Options
	api    Collaborator
	store  IdentityStore
	logger zerolog.Logger

	mu        sync.Mutex
	identity  Identity
	registry  *subscription.Registry
	manager   *conn.Manager
	machine   *quiz.Machine
	submitter *submission.Controller
	host      *host.Controller
	open      bool
}

func New(opts Options, collab Collaborator, store IdentityStore, logger zerolog.Logger) *Session {
	if store == nil {
		store = NewMemoryStore()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Session{
		opts:   opts,
		api:    collab,
		store:  store,
		logger: logger.With().Str("component", "session").Str("role", string(opts.Role)).Logger(),
	}
}

// Open resolves the identity, binds topics and connects. Validation
// failures are returned before any transport work; a failed first dial is
// not an error because the reconnect loop takes over.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.open {
		s.mu.Unlock()
		return ErrAlreadyOpen
	}
	s.mu.Unlock()

	id, err := s.resolveIdentity(ctx)
	if err != nil {
		return err
	}
	if err := s.store.Save(ctx, id); err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	logger := s.logger.With().Str("session_code", id.SessionCode).Str("name", id.Name).Logger()

	registry := subscription.NewRegistry(s.opts.Metrics, logger)
	transport := s.opts.Transport
	if transport == nil {
		transport = conn.NewWebSocketTransport(s.opts.WebSocketURL, s.token, logger)
	}
	manager := conn.NewManager(transport, registry, registry.Dispatch, conn.Options{
		Backoff:           s.opts.Backoff,
		HeartbeatInterval: s.opts.HeartbeatInterval,
		DialTimeout:       s.opts.DialTimeout,
		Clock:             s.opts.Clock,
		Metrics:           s.opts.Metrics,
	}, logger)

	s.mu.Lock()
	s.identity = id
	s.registry = registry
	s.manager = manager
	s.open = true
	s.mu.Unlock()

	switch id.Role {
	case subscription.RoleHost:
		err = s.bindHost(id, registry, manager, logger)
	default:
		err = s.bindParticipant(id, registry, manager, logger)
	}
	if err != nil {
		manager.Disconnect()
		s.mu.Lock()
		s.open = false
		s.identity = Identity{}
		s.registry, s.manager, s.machine = nil, nil, nil
		s.submitter, s.host = nil, nil
		s.mu.Unlock()
		if derr := s.store.Delete(ctx, id.SessionCode); derr != nil {
			logger.Warn().Err(derr).Msg("drop identity failed")
		}
		return fmt.Errorf("open session: %w", err)
	}

	if err := manager.Connect(ctx); err != nil {
		logger.Warn().Err(err).Msg("initial connect failed, reconnecting in background")
	}
	logger.Info().Msg("session opened")
	return nil
}

func (s *Session) resolveIdentity(ctx context.Context) (Identity, error) {
	if s.opts.Role == subscription.RoleHost {
		g, err := s.api.CreateSession(ctx, s.opts.Name)
		if err != nil {
			return Identity{}, err
		}
		return identityFromGrant(g, s.opts.Name, subscription.RoleHost), nil
	}

	stored, ok, err := s.store.Load(ctx, s.opts.Code)
	if err != nil {
		s.logger.Warn().Err(err).Msg("identity store unavailable")
	}
	if ok && stored.Name == s.opts.Name && stored.Role == subscription.RoleParticipant && stored.Token != "" {
		s.logger.Debug().Str("session_code", stored.SessionCode).Msg("reusing stored identity")
		return stored, nil
	}

	g, err := s.api.ValidateSession(ctx, s.opts.Code, s.opts.Name)
	if err != nil {
		return Identity{}, err
	}
	return identityFromGrant(g, s.opts.Name, subscription.RoleParticipant), nil
}

func identityFromGrant(g api.Grant, name string, role subscription.Role) Identity {
	if g.Name != "" {
		name = g.Name
	}
	return Identity{
		Name:          name,
		SessionCode:   g.SessionCode,
		ParticipantID: g.ParticipantID,
		Token:         g.Token,
		Role:          role,
	}
}

func (s *Session) bindParticipant(id Identity, registry *subscription.Registry, manager *conn.Manager, logger zerolog.Logger) error {
	machine := quiz.NewMachine(s.opts.Metrics, logger)
	submitter := submission.NewController(machine, s.api, submission.Identity{
		ParticipantID: id.ParticipantID,
		Name:          id.Name,
		SessionCode:   id.SessionCode,
		Token:         id.Token,
	}, s.opts.Clock, s.opts.Metrics, logger)

	s.mu.Lock()
	s.machine = machine
	s.submitter = submitter
	s.mu.Unlock()

	apply := func(decode func(json.RawMessage) (quiz.Event, error)) subscription.Handler {
		return func(raw json.RawMessage) error {
			e, err := decode(raw)
			if err != nil {
				return err
			}
			// Rejections are logged and counted by the machine.
			_ = machine.Apply(e)
			return nil
		}
	}

	err := registry.Declare(subscription.RoleParticipant, id.SessionCode, id.Name, map[string]subscription.Handler{
		ws.TopicQuestions:       apply(decodeQuestionSet),
		ws.TopicCurrentQuestion: apply(decodeCurrentQuestion),
		ws.TopicTimer:           apply(decodeTimer),
		ws.TopicRank:            apply(decodeRank),
		ws.TopicLeaderboard: func(raw json.RawMessage) error {
			p, err := decodeLeaderboard(raw)
			if err != nil {
				return err
			}
			_ = machine.Apply(quiz.LeaderboardPublished{Entries: toEntries(p.Entries)})
			return nil
		},
	})
	if err != nil {
		return err
	}

	join := ws.ParticipantPayload{Name: id.Name, SessionCode: id.SessionCode, ParticipantID: id.ParticipantID}
	manager.OnChange(func(c conn.Change) {
		if c.To != conn.StateConnected {
			return
		}
		if err := manager.Publish(ws.CommandDestination(id.SessionCode, ws.CommandJoin), join); err != nil {
			logger.Warn().Err(err).Msg("publish join failed")
		}
	})

	machine.OnChange(func(prev, next quiz.State) {
		if next.Ended && !prev.Ended {
			go s.onQuizEnded(id, manager, logger)
		}
	})
	return nil
}

func (s *Session) bindHost(id Identity, registry *subscription.Registry, manager *conn.Manager, logger zerolog.Logger) error {
	ctrl := host.NewController(id.SessionCode, manager, s.opts.Clock, logger)

	s.mu.Lock()
	s.host = ctrl
	s.mu.Unlock()

	return registry.Declare(subscription.RoleHost, id.SessionCode, "", map[string]subscription.Handler{
		ws.TopicParticipantJoined: func(raw json.RawMessage) error {
			p, err := decodeParticipant(raw)
			if err != nil {
				return err
			}
			ctrl.OnParticipantJoined(p)
			return nil
		},
		ws.TopicParticipantLeft: func(raw json.RawMessage) error {
			p, err := decodeParticipant(raw)
			if err != nil {
				return err
			}
			ctrl.OnParticipantLeft(p)
			return nil
		},
		ws.TopicLeaderboard: func(raw json.RawMessage) error {
			p, err := decodeLeaderboard(raw)
			if err != nil {
				return err
			}
			ctrl.OnLeaderboard(p)
			return nil
		},
	})
}

func (s *Session) onQuizEnded(id Identity, manager *conn.Manager, logger zerolog.Logger) {
	if err := manager.Publish(ws.CommandDestination(id.SessionCode, ws.CommandLeaderboard), struct{}{}); err != nil {
		logger.Warn().Err(err).Msg("request leaderboard failed")
	}
	if err := s.store.Delete(context.Background(), id.SessionCode); err != nil {
		logger.Warn().Err(err).Msg("drop identity failed")
	}
}

// Close leaves the session, tears the connection down and forgets the
// identity. It is safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return nil
	}
	s.open = false
	id := s.identity
	manager := s.manager
	s.mu.Unlock()

	if id.Role == subscription.RoleParticipant && manager.State() == conn.StateConnected {
		leave := ws.ParticipantPayload{Name: id.Name, SessionCode: id.SessionCode, ParticipantID: id.ParticipantID}
		if err := manager.Publish(ws.CommandDestination(id.SessionCode, ws.CommandLeave), leave); err != nil {
			s.logger.Debug().Err(err).Msg("publish leave failed")
		}
	}
	manager.Disconnect()

	if err := s.store.Delete(ctx, id.SessionCode); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	s.logger.Info().Str("session_code", id.SessionCode).Msg("session closed")
	return nil
}

// Submit sends an answer for the current question.
func (s *Session) Submit(ctx context.Context, option string) (bool, error) {
	sub, err := s.participant()
	if err != nil {
		return false, err
	}
	return sub.Submit(ctx, option)
}

// Select records a local option choice.
func (s *Session) Select(option string) error {
	sub, err := s.participant()
	if err != nil {
		return err
	}
	return sub.Select(option)
}

func (s *Session) participant() (*submission.Controller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil, ErrNotOpen
	}
	if s.submitter == nil {
		return nil, ErrWrongRole
	}
	return s.submitter, nil
}

// Identity returns the resolved identity. It is zero before Open.
func (s *Session) Identity() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Machine returns the participant state machine, or nil for hosts.
func (s *Session) Machine() *quiz.Machine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine
}

// Host returns the host controller, or nil for participants.
func (s *Session) Host() *host.Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host
}

// Connection returns the connection manager, or nil before Open.
func (s *Session) Connection() *conn.Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manager
}

// Topics returns the bound topics.
func (s *Session) Topics() []string {
	s.mu.Lock()
	r := s.registry
	s.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.Topics()
}

func (s *Session) token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity.Token
}
