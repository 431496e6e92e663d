package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/studynest/batchline/internal/domain"
	"github.com/studynest/batchline/internal/session"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestManager(t *testing.T, users *memoryUserRepo, ttl time.Duration) *session.Manager {
	t.Helper()
	return session.NewManager(users, testSecret, ttl, 32, zap.NewNop())
}

func TestAuthenticateMissingTokens(t *testing.T) {
	users := &memoryUserRepo{user: domain.User{ID: 7, Phone: "+100"}}
	manager := newTestManager(t, users, time.Minute)

	_, _, err := manager.Authenticate(context.Background(), "", "")
	require.ErrorIs(t, err, domain.ErrSessionMissing)

	_, _, err = manager.Authenticate(context.Background(), "sometoken", "")
	require.ErrorIs(t, err, domain.ErrSessionMissing)
}

func TestAuthenticateValidToken(t *testing.T) {
	users := &memoryUserRepo{user: domain.User{ID: 7, Phone: "+100", Role: "user"}}
	manager := newTestManager(t, users, time.Minute)

	pair, err := manager.Issue(context.Background(), users.user)
	require.NoError(t, err)
	require.Len(t, pair.RefreshToken, 64)

	user, rotated, err := manager.Authenticate(context.Background(), pair.AccessToken, pair.RefreshToken)
	require.NoError(t, err)
	require.Nil(t, rotated)
	require.Equal(t, int64(7), user.ID)
}

func TestAuthenticateTamperedToken(t *testing.T) {
	users := &memoryUserRepo{user: domain.User{ID: 7}}
	manager := newTestManager(t, users, time.Minute)

	pair, err := manager.Issue(context.Background(), users.user)
	require.NoError(t, err)

	tampered := pair.AccessToken[:len(pair.AccessToken)-4] + "xxxx"
	_, _, err = manager.Authenticate(context.Background(), tampered, pair.RefreshToken)
	require.ErrorIs(t, err, domain.ErrSessionInvalid)
}

func TestRotationOnExpiredToken(t *testing.T) {
	users := &memoryUserRepo{user: domain.User{ID: 7, Role: "user"}}
	// Mint tokens already past the validation leeway.
	expiredManager := newTestManager(t, users, -2*time.Minute)
	manager := newTestManager(t, users, time.Minute)

	stale, err := expiredManager.Issue(context.Background(), users.user)
	require.NoError(t, err)

	user, rotated, err := manager.Authenticate(context.Background(), stale.AccessToken, stale.RefreshToken)
	require.NoError(t, err)
	require.NotNil(t, rotated)
	require.Equal(t, int64(7), user.ID)
	require.NotEqual(t, stale.RefreshToken, rotated.RefreshToken)
	require.Equal(t, rotated.RefreshToken, users.user.SessionRefreshToken)

	// The rotated access token must authenticate without another rotation.
	_, again, err := manager.Authenticate(context.Background(), rotated.AccessToken, rotated.RefreshToken)
	require.NoError(t, err)
	require.Nil(t, again)

	// Single-use: the pre-rotation refresh token fails hard afterwards.
	_, _, err = manager.Authenticate(context.Background(), stale.AccessToken, stale.RefreshToken)
	require.ErrorIs(t, err, domain.ErrSessionReuse)
}

func TestRotationMismatchFailsHard(t *testing.T) {
	users := &memoryUserRepo{user: domain.User{ID: 7, SessionRefreshToken: "stored-value"}}
	expiredManager := newTestManager(t, users, -2*time.Minute)
	manager := newTestManager(t, users, time.Minute)

	stale, err := expiredManager.Issue(context.Background(), users.user)
	require.NoError(t, err)

	// Reset the stored token so the presented one no longer matches.
	users.user.SessionRefreshToken = "stored-value"

	_, _, err = manager.Authenticate(context.Background(), stale.AccessToken, stale.RefreshToken)
	require.ErrorIs(t, err, domain.ErrSessionReuse)
}

func TestRotationLostRaceFails(t *testing.T) {
	users := &memoryUserRepo{user: domain.User{ID: 7}, loseRotation: true}
	expiredManager := newTestManager(t, users, -2*time.Minute)
	manager := newTestManager(t, users, time.Minute)

	stale, err := expiredManager.Issue(context.Background(), users.user)
	require.NoError(t, err)

	_, _, err = manager.Authenticate(context.Background(), stale.AccessToken, stale.RefreshToken)
	require.ErrorIs(t, err, domain.ErrSessionInvalid)
}

func TestDeletedUserFails(t *testing.T) {
	users := &memoryUserRepo{user: domain.User{ID: 7}}
	manager := newTestManager(t, users, time.Minute)

	pair, err := manager.Issue(context.Background(), users.user)
	require.NoError(t, err)

	users.deleted = true
	_, _, err = manager.Authenticate(context.Background(), pair.AccessToken, pair.RefreshToken)
	require.ErrorIs(t, err, domain.ErrSessionInvalid)
}

type memoryUserRepo struct {
	user         domain.User
	deleted      bool
	loseRotation bool
}

func (m *memoryUserRepo) GetByID(ctx context.Context, userID int64) (domain.User, error) {
	if m.deleted || userID != m.user.ID {
		return domain.User{}, domain.ErrUserNotFound
	}
	return m.user, nil
}

func (m *memoryUserRepo) GetByPhone(ctx context.Context, phone string) (domain.User, error) {
	if m.deleted {
		return domain.User{}, domain.ErrUserNotFound
	}
	return m.user, nil
}

func (m *memoryUserRepo) Create(ctx context.Context, user domain.User) (domain.User, error) {
	m.user = user
	return m.user, nil
}

func (m *memoryUserRepo) UpdateProviderCredential(ctx context.Context, userID int64, accessToken, refreshToken string) error {
	m.user.ProviderAccessToken = accessToken
	m.user.ProviderRefreshToken = refreshToken
	return nil
}

func (m *memoryUserRepo) SetSessionToken(ctx context.Context, userID int64, refreshToken string) error {
	m.user.SessionRefreshToken = refreshToken
	return nil
}

func (m *memoryUserRepo) RotateSessionToken(ctx context.Context, userID int64, current, next string) (bool, error) {
	if m.loseRotation {
		return false, nil
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return false, ctx.Err()
	}
	if m.user.SessionRefreshToken != current {
		return false, nil
	}
	m.user.SessionRefreshToken = next
	return true, nil
}
