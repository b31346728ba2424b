package jwt

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
)

// Roles carried in session tokens.
const (
	RoleHost        = "host"
	RoleParticipant = "participant"
)

// Claims bind a token to one seat in one session.
type Claims struct {
	ParticipantID string `json:"participant_id"`
	Name          string `json:"name"`
	SessionCode   string `json:"session_code"`
	Role          string `json:"role"`
	jwt.RegisteredClaims
}

// IsHost reports whether the token belongs to the session host.
func (c *Claims) IsHost() bool {
	return c.Role == RoleHost
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrNoSecret     = errors.New("token secret is empty")
)

// TokenConfig holds JWT signing configuration.
type TokenConfig struct {
	Secret []byte
	TTL    time.Duration // default: 6 hours
	Issuer string
	Clock  clockwork.Clock
}

// Manager issues and validates session tokens.
type Manager struct {
	secret []byte
	ttl    time.Duration
	issuer string
	clock  clockwork.Clock
}

// NewManager creates a JWT token manager.
func NewManager(cfg TokenConfig) (*Manager, error) {
	if len(cfg.Secret) == 0 {
		return nil, ErrNoSecret
	}
	if cfg.TTL == 0 {
		cfg.TTL = 6 * time.Hour
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "quiz-live"
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	return &Manager{
		secret: cfg.Secret,
		ttl:    cfg.TTL,
		issuer: cfg.Issuer,
		clock:  cfg.Clock,
	}, nil
}

// Seat is the data a session token is issued for.
type Seat struct {
	ParticipantID string
	Name          string
	SessionCode   string
	Role          string
}

// Issue signs a token for the seat.
func (m *Manager) Issue(seat Seat) (string, error) {
	now := m.clock.Now()
	claims := Claims{
		ParticipantID: seat.ParticipantID,
		Name:          seat.Name,
		SessionCode:   seat.SessionCode,
		Role:          seat.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   seat.ParticipantID,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Validate parses and validates a session token.
func (m *Manager) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.clock.Now), jwt.WithIssuer(m.issuer))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.SessionCode == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
