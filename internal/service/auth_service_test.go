package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/studynest/batchline/internal/adapter/provider"
	"github.com/studynest/batchline/internal/domain"
	"github.com/studynest/batchline/internal/service"
	"github.com/studynest/batchline/internal/session"
)

func newAuthFixture(t *testing.T) (*service.AuthService, *authUserRepo, *authBatchRepo, *authProvider, *stubThrottle) {
	t.Helper()
	users := &authUserRepo{byPhone: map[string]*domain.User{}}
	batches := &authBatchRepo{}
	upstream := &authProvider{
		otps: map[string]string{"+15550001111": "123456"},
		purchased: []provider.Batch{
			{ID: "b-1", Name: "Algebra", Thumbnail: "https://cdn/a.png"},
		},
	}
	throttle := &stubThrottle{allowed: true}
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	sessions := session.NewManager(users, "0123456789abcdef0123456789abcdef", 15*time.Minute, 32, zap.NewNop())

	svc := service.NewAuthService(users, batches, upstream, sessions, throttle, 30*time.Second, node, zap.NewNop())
	return svc, users, batches, upstream, throttle
}

func TestRequestOTPThrottled(t *testing.T) {
	svc, _, _, upstream, throttle := newAuthFixture(t)
	throttle.allowed = false

	err := svc.RequestOTP(context.Background(), "+15550001111")

	var apiErr *service.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "slow_down", apiErr.Code)
	require.Equal(t, http.StatusTooManyRequests, apiErr.Status)
	require.Zero(t, upstream.otpRequests)
}

func TestRequestOTPRelays(t *testing.T) {
	svc, _, _, upstream, _ := newAuthFixture(t)

	require.NoError(t, svc.RequestOTP(context.Background(), " +15550001111 "))
	require.Equal(t, 1, upstream.otpRequests)
}

func TestVerifyOTPCreatesUserAndSession(t *testing.T) {
	svc, users, batches, _, _ := newAuthFixture(t)

	result, err := svc.VerifyOTP(context.Background(), "+15550001111", "123456")
	require.NoError(t, err)
	require.NotEmpty(t, result.Tokens.AccessToken)
	require.NotEmpty(t, result.Tokens.RefreshToken)

	created := users.byPhone["+15550001111"]
	require.NotNil(t, created)
	require.Equal(t, "at-provider", created.ProviderAccessToken)
	require.Equal(t, result.Tokens.RefreshToken, created.SessionRefreshToken)

	// Purchased batches were mirrored with this user's credential enrolled.
	require.Len(t, batches.upserted, 1)
	require.Equal(t, "b-1", batches.upserted[0].ExternalID)
	require.Len(t, batches.tokens, 1)
	require.Equal(t, created.ID, batches.tokens[0].OwnerID)
	require.Equal(t, "rt-provider", batches.tokens[0].RefreshToken)
	require.True(t, batches.tokens[0].Valid)
	require.Len(t, batches.entitlements, 1)
}

func TestVerifyOTPUpdatesExistingUser(t *testing.T) {
	svc, users, _, _, _ := newAuthFixture(t)
	users.byPhone["+15550001111"] = &domain.User{
		ID:                   7,
		Phone:                "+15550001111",
		ProviderAccessToken:  "at-stale",
		ProviderRefreshToken: "rt-stale",
	}

	result, err := svc.VerifyOTP(context.Background(), "+15550001111", "123456")
	require.NoError(t, err)
	require.Equal(t, int64(7), result.User.ID)

	stored := users.byPhone["+15550001111"]
	require.Equal(t, "at-provider", stored.ProviderAccessToken)
	require.Equal(t, "rt-provider", stored.ProviderRefreshToken)
}

func TestVerifyOTPWrongCode(t *testing.T) {
	svc, users, _, _, _ := newAuthFixture(t)

	_, err := svc.VerifyOTP(context.Background(), "+15550001111", "999999")

	var apiErr *service.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "invalid_grant", apiErr.Code)
	require.Empty(t, users.byPhone)
}

func TestVerifyOTPSurvivesBatchSyncFailure(t *testing.T) {
	svc, _, _, upstream, _ := newAuthFixture(t)
	upstream.purchasedErr = errors.New("status=503")

	result, err := svc.VerifyOTP(context.Background(), "+15550001111", "123456")
	require.NoError(t, err)
	require.NotEmpty(t, result.Tokens.RefreshToken)
}

func TestLogoutClearsSessionToken(t *testing.T) {
	svc, users, _, _, _ := newAuthFixture(t)
	users.byPhone["+15550001111"] = &domain.User{ID: 7, Phone: "+15550001111", SessionRefreshToken: "live"}

	require.NoError(t, svc.Logout(context.Background(), 7))
	require.Empty(t, users.byPhone["+15550001111"].SessionRefreshToken)
}

type stubThrottle struct {
	allowed bool
}

func (s *stubThrottle) Allow(ctx context.Context, phone string, interval time.Duration) (bool, error) {
	return s.allowed, nil
}

type authProvider struct {
	otps         map[string]string
	purchased    []provider.Batch
	purchasedErr error
	otpRequests  int
}

func (p *authProvider) RequestOTP(ctx context.Context, phone string) error {
	p.otpRequests++
	return nil
}

func (p *authProvider) VerifyOTP(ctx context.Context, phone, code, correlationID string) (*domain.Credential, error) {
	if p.otps[phone] != code {
		return nil, fmt.Errorf("status=401: %w", provider.ErrUnauthorized)
	}
	return &domain.Credential{AccessToken: "at-provider", RefreshToken: "rt-provider", CorrelationID: correlationID}, nil
}

func (p *authProvider) Refresh(ctx context.Context, refreshToken, correlationID string) (*domain.Credential, error) {
	return nil, errors.New("not implemented")
}

func (p *authProvider) PurchasedBatches(ctx context.Context, accessToken string) ([]provider.Batch, error) {
	if p.purchasedErr != nil {
		return nil, p.purchasedErr
	}
	return p.purchased, nil
}

func (p *authProvider) FetchResource(ctx context.Context, accessToken, correlationID, locator string) (json.RawMessage, error) {
	return nil, errors.New("not implemented")
}

type authUserRepo struct {
	mu      sync.Mutex
	byPhone map[string]*domain.User
}

func (r *authUserRepo) find(userID int64) *domain.User {
	for _, u := range r.byPhone {
		if u.ID == userID {
			return u
		}
	}
	return nil
}

func (r *authUserRepo) GetByID(ctx context.Context, userID int64) (domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u := r.find(userID); u != nil {
		return *u, nil
	}
	return domain.User{}, domain.ErrUserNotFound
}

func (r *authUserRepo) GetByPhone(ctx context.Context, phone string) (domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.byPhone[phone]; ok {
		return *u, nil
	}
	return domain.User{}, domain.ErrUserNotFound
}

func (r *authUserRepo) Create(ctx context.Context, user domain.User) (domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := user
	r.byPhone[user.Phone] = &stored
	return stored, nil
}

func (r *authUserRepo) UpdateProviderCredential(ctx context.Context, userID int64, accessToken, refreshToken string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := r.find(userID)
	if u == nil {
		return domain.ErrUserNotFound
	}
	u.ProviderAccessToken = accessToken
	u.ProviderRefreshToken = refreshToken
	return nil
}

func (r *authUserRepo) SetSessionToken(ctx context.Context, userID int64, refreshToken string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := r.find(userID)
	if u == nil {
		return domain.ErrUserNotFound
	}
	u.SessionRefreshToken = refreshToken
	return nil
}

func (r *authUserRepo) RotateSessionToken(ctx context.Context, userID int64, current, next string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := r.find(userID)
	if u == nil || u.SessionRefreshToken != current {
		return false, nil
	}
	u.SessionRefreshToken = next
	return true, nil
}

type authBatchRepo struct {
	mu           sync.Mutex
	upserted     []domain.Batch
	tokens       []domain.EnrolledToken
	entitlements [][2]int64
}

func (r *authBatchRepo) GetByExternalID(ctx context.Context, externalID string) (domain.Batch, error) {
	return domain.Batch{}, domain.ErrBatchNotFound
}

func (r *authBatchRepo) Upsert(ctx context.Context, batch domain.Batch) (domain.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.upserted {
		if b.ExternalID == batch.ExternalID {
			return b, nil
		}
	}
	r.upserted = append(r.upserted, batch)
	return batch, nil
}

func (r *authBatchRepo) ListActiveTokens(ctx context.Context) ([]domain.EnrolledToken, error) {
	return nil, nil
}

func (r *authBatchRepo) ListTokens(ctx context.Context, batchID int64) ([]domain.EnrolledToken, error) {
	return nil, nil
}

func (r *authBatchRepo) UpsertToken(ctx context.Context, token domain.EnrolledToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, t := range r.tokens {
		if t.BatchID == token.BatchID && t.OwnerID == token.OwnerID {
			r.tokens[i] = token
			return nil
		}
	}
	r.tokens = append(r.tokens, token)
	return nil
}

func (r *authBatchRepo) FanOutCredential(ctx context.Context, ownerID int64, oldRefreshToken string, cred domain.Credential) (int64, error) {
	return 0, nil
}

func (r *authBatchRepo) InvalidateCredential(ctx context.Context, ownerID int64, refreshToken string) (int, error) {
	return 0, nil
}

func (r *authBatchRepo) DeleteCredential(ctx context.Context, ownerID int64, refreshToken string) error {
	return nil
}

func (r *authBatchRepo) DeleteToken(ctx context.Context, batchID, ownerID int64) error {
	return nil
}

func (r *authBatchRepo) ListEntitled(ctx context.Context, userID int64) ([]domain.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Batch(nil), r.upserted...), nil
}

func (r *authBatchRepo) AddEntitlement(ctx context.Context, userID, batchID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entitlements = append(r.entitlements, [2]int64{userID, batchID})
	return nil
}

func (r *authBatchRepo) RemoveEntitlement(ctx context.Context, userID, batchID int64) error {
	return nil
}
