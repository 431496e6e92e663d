package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/studynest/batchline/internal/adapter/provider"
	"github.com/studynest/batchline/internal/domain"
	"github.com/studynest/batchline/internal/service"
)

func TestFetchContentPrunesRejectedCredentials(t *testing.T) {
	repo := &contentBatchRepo{
		batch: domain.Batch{ID: 1, ExternalID: "ext-1"},
		tokens: []domain.EnrolledToken{
			{BatchID: 1, OwnerID: 10, AccessToken: "at-stale", CorrelationID: "c-10", Valid: true},
			{BatchID: 1, OwnerID: 20, AccessToken: "at-live", CorrelationID: "c-20", Valid: true},
		},
	}
	upstream := &contentProvider{
		responses: map[string]json.RawMessage{"at-live": json.RawMessage(`{"url":"https://cdn/x"}`)},
	}

	svc := service.NewContentService(repo, upstream, zap.NewNop())
	raw, err := svc.FetchContent(context.Background(), "ext-1", "lesson-7")
	require.NoError(t, err)
	require.JSONEq(t, `{"url":"https://cdn/x"}`, string(raw))

	// The rejected owner is gone from the batch and no longer entitled.
	require.Len(t, repo.tokens, 1)
	require.Equal(t, int64(20), repo.tokens[0].OwnerID)
	require.Equal(t, [][2]int64{{10, 1}}, repo.removedEntitlements)
}

func TestFetchContentExhaustionReportsUnavailable(t *testing.T) {
	repo := &contentBatchRepo{
		batch: domain.Batch{ID: 1, ExternalID: "ext-1"},
		tokens: []domain.EnrolledToken{
			{BatchID: 1, OwnerID: 10, AccessToken: "at-1", CorrelationID: "c-1", Valid: true},
			{BatchID: 1, OwnerID: 20, AccessToken: "at-2", CorrelationID: "c-2", Valid: true},
		},
	}
	upstream := &contentProvider{} // every token rejected

	svc := service.NewContentService(repo, upstream, zap.NewNop())
	_, err := svc.FetchContent(context.Background(), "ext-1", "lesson-7")
	require.ErrorIs(t, err, domain.ErrBatchUnavailable)
	require.Empty(t, repo.tokens)
}

func TestFetchContentSkipsUnusableTokens(t *testing.T) {
	repo := &contentBatchRepo{
		batch: domain.Batch{ID: 1, ExternalID: "ext-1"},
		tokens: []domain.EnrolledToken{
			{BatchID: 1, OwnerID: 10, AccessToken: "", CorrelationID: "c-1", Valid: true},
			{BatchID: 1, OwnerID: 20, AccessToken: "at-2", CorrelationID: "", Valid: true},
			{BatchID: 1, OwnerID: 30, AccessToken: "at-3", CorrelationID: "c-3", Valid: false},
		},
	}
	upstream := &contentProvider{}

	svc := service.NewContentService(repo, upstream, zap.NewNop())
	_, err := svc.FetchContent(context.Background(), "ext-1", "lesson-7")
	require.ErrorIs(t, err, domain.ErrBatchUnavailable)
	require.Zero(t, upstream.fetches)
	// Skipped tokens are never pruned.
	require.Len(t, repo.tokens, 3)
}

func TestFetchContentAbortsOnTransientFailure(t *testing.T) {
	repo := &contentBatchRepo{
		batch: domain.Batch{ID: 1, ExternalID: "ext-1"},
		tokens: []domain.EnrolledToken{
			{BatchID: 1, OwnerID: 10, AccessToken: "at-1", CorrelationID: "c-1", Valid: true},
			{BatchID: 1, OwnerID: 20, AccessToken: "at-2", CorrelationID: "c-2", Valid: true},
		},
	}
	upstream := &contentProvider{transient: map[string]bool{"at-1": true}}

	svc := service.NewContentService(repo, upstream, zap.NewNop())
	_, err := svc.FetchContent(context.Background(), "ext-1", "lesson-7")
	require.Error(t, err)
	require.NotErrorIs(t, err, domain.ErrBatchUnavailable)
	// A non-authorization failure must not cost anyone their credential,
	// and must not spend the sibling token either.
	require.Len(t, repo.tokens, 2)
	require.Equal(t, 1, upstream.fetches)
}

func TestFetchContentUnknownBatch(t *testing.T) {
	repo := &contentBatchRepo{batch: domain.Batch{ID: 1, ExternalID: "ext-1"}}
	svc := service.NewContentService(repo, &contentProvider{}, zap.NewNop())

	_, err := svc.FetchContent(context.Background(), "ext-other", "lesson-7")
	require.ErrorIs(t, err, domain.ErrBatchNotFound)
}

type contentProvider struct {
	responses map[string]json.RawMessage
	transient map[string]bool
	fetches   int
}

func (p *contentProvider) FetchResource(ctx context.Context, accessToken, correlationID, locator string) (json.RawMessage, error) {
	p.fetches++
	if p.transient[accessToken] {
		return nil, errors.New("status=502")
	}
	if raw, ok := p.responses[accessToken]; ok {
		return raw, nil
	}
	return nil, fmt.Errorf("status=401: %w", provider.ErrUnauthorized)
}

func (p *contentProvider) RequestOTP(ctx context.Context, phone string) error { return nil }

func (p *contentProvider) VerifyOTP(ctx context.Context, phone, code, correlationID string) (*domain.Credential, error) {
	return nil, errors.New("not implemented")
}

func (p *contentProvider) Refresh(ctx context.Context, refreshToken, correlationID string) (*domain.Credential, error) {
	return nil, errors.New("not implemented")
}

func (p *contentProvider) PurchasedBatches(ctx context.Context, accessToken string) ([]provider.Batch, error) {
	return nil, nil
}

type contentBatchRepo struct {
	batch               domain.Batch
	tokens              []domain.EnrolledToken
	removedEntitlements [][2]int64
}

func (r *contentBatchRepo) GetByExternalID(ctx context.Context, externalID string) (domain.Batch, error) {
	if externalID != r.batch.ExternalID {
		return domain.Batch{}, domain.ErrBatchNotFound
	}
	return r.batch, nil
}

func (r *contentBatchRepo) Upsert(ctx context.Context, batch domain.Batch) (domain.Batch, error) {
	return batch, nil
}

func (r *contentBatchRepo) ListActiveTokens(ctx context.Context) ([]domain.EnrolledToken, error) {
	return nil, nil
}

func (r *contentBatchRepo) ListTokens(ctx context.Context, batchID int64) ([]domain.EnrolledToken, error) {
	return append([]domain.EnrolledToken(nil), r.tokens...), nil
}

func (r *contentBatchRepo) UpsertToken(ctx context.Context, token domain.EnrolledToken) error {
	return nil
}

func (r *contentBatchRepo) FanOutCredential(ctx context.Context, ownerID int64, oldRefreshToken string, cred domain.Credential) (int64, error) {
	return 0, nil
}

func (r *contentBatchRepo) InvalidateCredential(ctx context.Context, ownerID int64, refreshToken string) (int, error) {
	return 0, nil
}

func (r *contentBatchRepo) DeleteCredential(ctx context.Context, ownerID int64, refreshToken string) error {
	return nil
}

func (r *contentBatchRepo) DeleteToken(ctx context.Context, batchID, ownerID int64) error {
	kept := r.tokens[:0]
	for _, t := range r.tokens {
		if !(t.BatchID == batchID && t.OwnerID == ownerID) {
			kept = append(kept, t)
		}
	}
	r.tokens = kept
	return nil
}

func (r *contentBatchRepo) ListEntitled(ctx context.Context, userID int64) ([]domain.Batch, error) {
	return nil, nil
}

func (r *contentBatchRepo) AddEntitlement(ctx context.Context, userID, batchID int64) error {
	return nil
}

func (r *contentBatchRepo) RemoveEntitlement(ctx context.Context, userID, batchID int64) error {
	r.removedEntitlements = append(r.removedEntitlements, [2]int64{userID, batchID})
	return nil
}
