// Package session issues, validates and lazily rotates the application's
// own access/refresh session token pair.
package session

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	gojose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"
	"go.uber.org/zap"

	"github.com/studynest/batchline/internal/domain"
	"github.com/studynest/batchline/internal/repository"
)

// Pair is a freshly issued access/refresh cookie pair.
type Pair struct {
	AccessToken  string
	RefreshToken string
}

// Claims is the access token payload beyond the registered claims.
type Claims struct {
	Role string `json:"role,omitempty"`
}

// Manager authenticates inbound session tokens and performs single-use
// refresh rotation.
type Manager struct {
	users        repository.UserRepository
	secret       []byte
	accessTTL    time.Duration
	refreshBytes int
	logger       *zap.Logger
}

// NewManager wires the session manager.
func NewManager(users repository.UserRepository, secret string, accessTTL time.Duration, refreshBytes int, logger *zap.Logger) *Manager {
	if refreshBytes < 32 {
		refreshBytes = 32
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		users:        users,
		secret:       []byte(secret),
		accessTTL:    accessTTL,
		refreshBytes: refreshBytes,
		logger:       logger,
	}
}

// Issue creates a fresh pair for the user and persists the refresh token,
// replacing whatever was stored before (login path).
func (m *Manager) Issue(ctx context.Context, user domain.User) (Pair, error) {
	pair, err := m.newPair(user)
	if err != nil {
		return Pair{}, err
	}
	if err := m.users.SetSessionToken(ctx, user.ID, pair.RefreshToken); err != nil {
		return Pair{}, fmt.Errorf("persist session token: %w", err)
	}
	return pair, nil
}

// Authenticate resolves the user behind an inbound token pair.
//
// When the access token is merely expired and the presented refresh token
// matches the stored one, a rotated Pair is returned alongside the user and
// the caller must set the new cookies. The rotation is a conditional update
// on the stored value, so of two racing requests exactly one succeeds.
func (m *Manager) Authenticate(ctx context.Context, accessToken, refreshToken string) (domain.User, *Pair, error) {
	if accessToken == "" || refreshToken == "" {
		return domain.User{}, nil, domain.ErrSessionMissing
	}

	parsed, err := gojwt.ParseSigned(accessToken, []gojose.SignatureAlgorithm{gojose.HS256})
	if err != nil {
		return domain.User{}, nil, domain.ErrSessionInvalid
	}

	var std gojwt.Claims
	var custom Claims
	if err := parsed.Claims(m.secret, &std, &custom); err != nil {
		return domain.User{}, nil, domain.ErrSessionInvalid
	}

	userID, err := strconv.ParseInt(std.Subject, 10, 64)
	if err != nil {
		return domain.User{}, nil, domain.ErrSessionInvalid
	}

	switch err := std.Validate(gojwt.Expected{Time: time.Now()}); {
	case err == nil:
		user, err := m.users.GetByID(ctx, userID)
		if err != nil {
			return domain.User{}, nil, domain.ErrSessionInvalid
		}
		return user, nil, nil
	case errors.Is(err, gojwt.ErrExpired):
		return m.rotate(ctx, userID, refreshToken)
	default:
		return domain.User{}, nil, domain.ErrSessionInvalid
	}
}

func (m *Manager) rotate(ctx context.Context, userID int64, presented string) (domain.User, *Pair, error) {
	user, err := m.users.GetByID(ctx, userID)
	if err != nil {
		return domain.User{}, nil, domain.ErrSessionInvalid
	}

	if user.SessionRefreshToken == "" ||
		subtle.ConstantTimeCompare([]byte(user.SessionRefreshToken), []byte(presented)) != 1 {
		m.logger.Warn("session refresh token mismatch",
			zap.Int64("user_id", userID),
		)
		return domain.User{}, nil, domain.ErrSessionReuse
	}

	pair, err := m.newPair(user)
	if err != nil {
		return domain.User{}, nil, err
	}

	swapped, err := m.users.RotateSessionToken(ctx, user.ID, presented, pair.RefreshToken)
	if err != nil {
		return domain.User{}, nil, fmt.Errorf("rotate session: %w", err)
	}
	if !swapped {
		// A concurrent request rotated first; this one fails observably.
		return domain.User{}, nil, domain.ErrSessionInvalid
	}

	user.SessionRefreshToken = pair.RefreshToken
	return user, &pair, nil
}

func (m *Manager) newPair(user domain.User) (Pair, error) {
	access, err := m.signAccessToken(user)
	if err != nil {
		return Pair{}, err
	}
	return Pair{AccessToken: access, RefreshToken: randomToken(m.refreshBytes)}, nil
}

func (m *Manager) signAccessToken(user domain.User) (string, error) {
	signer, err := gojose.NewSigner(
		gojose.SigningKey{Algorithm: gojose.HS256, Key: m.secret},
		(&gojose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("new signer: %w", err)
	}

	now := time.Now().UTC()
	std := gojwt.Claims{
		Subject:   strconv.FormatInt(user.ID, 10),
		IssuedAt:  gojwt.NewNumericDate(now),
		NotBefore: gojwt.NewNumericDate(now),
		Expiry:    gojwt.NewNumericDate(now.Add(m.accessTTL)),
	}
	custom := Claims{Role: user.Role}

	token, err := gojwt.Signed(signer).Claims(std).Claims(custom).Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize access token: %w", err)
	}
	return token, nil
}

func randomToken(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
