package repository

import (
	"context"

	"github.com/studynest/batchline/internal/domain"
)

// UserRepository exposes persistence for platform users.
type UserRepository interface {
	GetByID(ctx context.Context, userID int64) (domain.User, error)
	GetByPhone(ctx context.Context, phone string) (domain.User, error)
	Create(ctx context.Context, user domain.User) (domain.User, error)
	// UpdateProviderCredential overwrites the user's cached upstream
	// access/refresh pair.
	UpdateProviderCredential(ctx context.Context, userID int64, accessToken, refreshToken string) error
	// SetSessionToken unconditionally replaces the stored application
	// refresh token (login path).
	SetSessionToken(ctx context.Context, userID int64, refreshToken string) error
	// RotateSessionToken replaces the stored application refresh token only
	// if it still equals current. Returns false when the conditional update
	// matched no row, i.e. a concurrent rotation won.
	RotateSessionToken(ctx context.Context, userID int64, current, next string) (bool, error)
}

// BatchRepository manages batches, their enrolled provider credentials and
// user entitlements. Enrolled-token writes are single predicate updates
// matched by (owner_id, refresh_token) or owner_id, never by position.
type BatchRepository interface {
	GetByExternalID(ctx context.Context, externalID string) (domain.Batch, error)
	Upsert(ctx context.Context, batch domain.Batch) (domain.Batch, error)
	// ListActiveTokens returns every enrolled token across active batches.
	ListActiveTokens(ctx context.Context) ([]domain.EnrolledToken, error)
	// ListTokens returns a batch's enrolled tokens ordered most recently
	// updated first; the order is the fallback iteration order.
	ListTokens(ctx context.Context, batchID int64) ([]domain.EnrolledToken, error)
	UpsertToken(ctx context.Context, token domain.EnrolledToken) error
	// FanOutCredential atomically rewrites every enrolled token matching
	// (ownerID, oldRefreshToken) across all batches with the refreshed
	// credential, restoring validity and resetting the failure count.
	// Returns the number of rewritten entries.
	FanOutCredential(ctx context.Context, ownerID int64, oldRefreshToken string, cred domain.Credential) (int64, error)
	// InvalidateCredential marks every matching enrolled token invalid and
	// bumps its failure count, returning the highest count reached.
	InvalidateCredential(ctx context.Context, ownerID int64, refreshToken string) (int, error)
	// DeleteCredential removes every enrolled token matching the pair.
	DeleteCredential(ctx context.Context, ownerID int64, refreshToken string) error
	// DeleteToken removes a single (batch, owner) entry.
	DeleteToken(ctx context.Context, batchID, ownerID int64) error

	ListEntitled(ctx context.Context, userID int64) ([]domain.Batch, error)
	AddEntitlement(ctx context.Context, userID, batchID int64) error
	RemoveEntitlement(ctx context.Context, userID, batchID int64) error
}
