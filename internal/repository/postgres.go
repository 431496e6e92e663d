package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/studynest/batchline/internal/domain"
)

// Compile-time interface assertions.
var (
	_ UserRepository  = (*PostgresUserRepo)(nil)
	_ BatchRepository = (*PostgresBatchRepo)(nil)
)

// PostgresUserRepo implements UserRepository on pgx.
type PostgresUserRepo struct {
	db *pgxpool.Pool
}

func NewPostgresUserRepo(pool *pgxpool.Pool) *PostgresUserRepo {
	return &PostgresUserRepo{db: pool}
}

const selectUserSQL = `SELECT id, name, phone, role, provider_access_token, provider_refresh_token, session_refresh_token, created_at, updated_at
FROM users`

func (r *PostgresUserRepo) GetByID(ctx context.Context, userID int64) (domain.User, error) {
	row := r.db.QueryRow(ctx, selectUserSQL+` WHERE id = $1`, userID)
	return scanUser(row)
}

func (r *PostgresUserRepo) GetByPhone(ctx context.Context, phone string) (domain.User, error) {
	row := r.db.QueryRow(ctx, selectUserSQL+` WHERE phone = $1`, phone)
	return scanUser(row)
}

const insertUserSQL = `INSERT INTO users (id, name, phone, role, provider_access_token, provider_refresh_token, session_refresh_token)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id, name, phone, role, provider_access_token, provider_refresh_token, session_refresh_token, created_at, updated_at`

func (r *PostgresUserRepo) Create(ctx context.Context, user domain.User) (domain.User, error) {
	row := r.db.QueryRow(ctx, insertUserSQL,
		user.ID,
		user.Name,
		user.Phone,
		user.Role,
		user.ProviderAccessToken,
		user.ProviderRefreshToken,
		user.SessionRefreshToken,
	)
	created, err := scanUser(row)
	if err != nil {
		return domain.User{}, fmt.Errorf("create user: %w", err)
	}
	return created, nil
}

func (r *PostgresUserRepo) UpdateProviderCredential(ctx context.Context, userID int64, accessToken, refreshToken string) error {
	const query = `UPDATE users SET provider_access_token = $2, provider_refresh_token = $3, updated_at = now() WHERE id = $1`
	if _, err := r.db.Exec(ctx, query, userID, accessToken, refreshToken); err != nil {
		return fmt.Errorf("update provider credential: %w", err)
	}
	return nil
}

func (r *PostgresUserRepo) SetSessionToken(ctx context.Context, userID int64, refreshToken string) error {
	const query = `UPDATE users SET session_refresh_token = $2, updated_at = now() WHERE id = $1`
	if _, err := r.db.Exec(ctx, query, userID, refreshToken); err != nil {
		return fmt.Errorf("set session token: %w", err)
	}
	return nil
}

func (r *PostgresUserRepo) RotateSessionToken(ctx context.Context, userID int64, current, next string) (bool, error) {
	// Conditional swap: the losing racer matches zero rows.
	const query = `UPDATE users SET session_refresh_token = $3, updated_at = now()
WHERE id = $1 AND session_refresh_token = $2`
	tag, err := r.db.Exec(ctx, query, userID, current, next)
	if err != nil {
		return false, fmt.Errorf("rotate session token: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanUser(row pgx.Row) (domain.User, error) {
	var u domain.User
	if err := row.Scan(
		&u.ID,
		&u.Name,
		&u.Phone,
		&u.Role,
		&u.ProviderAccessToken,
		&u.ProviderRefreshToken,
		&u.SessionRefreshToken,
		&u.CreatedAt,
		&u.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, domain.ErrUserNotFound
		}
		return domain.User{}, fmt.Errorf("scan user: %w", err)
	}
	return u, nil
}

// PostgresBatchRepo implements BatchRepository on pgx.
type PostgresBatchRepo struct {
	db *pgxpool.Pool
}

func NewPostgresBatchRepo(pool *pgxpool.Pool) *PostgresBatchRepo {
	return &PostgresBatchRepo{db: pool}
}

const selectBatchSQL = `SELECT id, external_id, name, thumbnail, active, created_at, updated_at FROM batches`

func (r *PostgresBatchRepo) GetByExternalID(ctx context.Context, externalID string) (domain.Batch, error) {
	row := r.db.QueryRow(ctx, selectBatchSQL+` WHERE external_id = $1`, externalID)
	return scanBatch(row)
}

const upsertBatchSQL = `INSERT INTO batches (id, external_id, name, thumbnail, active)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (external_id) DO UPDATE SET name = EXCLUDED.name, thumbnail = EXCLUDED.thumbnail, active = EXCLUDED.active, updated_at = now()
RETURNING id, external_id, name, thumbnail, active, created_at, updated_at`

func (r *PostgresBatchRepo) Upsert(ctx context.Context, batch domain.Batch) (domain.Batch, error) {
	row := r.db.QueryRow(ctx, upsertBatchSQL, batch.ID, batch.ExternalID, batch.Name, batch.Thumbnail, batch.Active)
	stored, err := scanBatch(row)
	if err != nil {
		return domain.Batch{}, fmt.Errorf("upsert batch: %w", err)
	}
	return stored, nil
}

const selectTokenSQL = `SELECT batch_id, owner_id, access_token, refresh_token, valid, correlation_id, failure_count, updated_at
FROM enrolled_tokens`

func (r *PostgresBatchRepo) ListActiveTokens(ctx context.Context) ([]domain.EnrolledToken, error) {
	const query = selectTokenSQL + `
WHERE batch_id IN (SELECT id FROM batches WHERE active)
ORDER BY batch_id, owner_id`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list active tokens: %w", err)
	}
	defer rows.Close()
	return collectTokens(rows)
}

func (r *PostgresBatchRepo) ListTokens(ctx context.Context, batchID int64) ([]domain.EnrolledToken, error) {
	// Most recently refreshed credential first; deterministic tie-break on
	// owner so the fallback order never depends on storage order.
	const query = selectTokenSQL + ` WHERE batch_id = $1 ORDER BY updated_at DESC, owner_id`
	rows, err := r.db.Query(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()
	return collectTokens(rows)
}

const upsertTokenSQL = `INSERT INTO enrolled_tokens (batch_id, owner_id, access_token, refresh_token, valid, correlation_id, failure_count)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (batch_id, owner_id) DO UPDATE SET
	access_token = EXCLUDED.access_token,
	refresh_token = EXCLUDED.refresh_token,
	valid = EXCLUDED.valid,
	correlation_id = EXCLUDED.correlation_id,
	failure_count = EXCLUDED.failure_count,
	updated_at = now()`

func (r *PostgresBatchRepo) UpsertToken(ctx context.Context, token domain.EnrolledToken) error {
	if _, err := r.db.Exec(ctx, upsertTokenSQL,
		token.BatchID,
		token.OwnerID,
		token.AccessToken,
		token.RefreshToken,
		token.Valid,
		token.CorrelationID,
		token.FailureCount,
	); err != nil {
		return fmt.Errorf("upsert enrolled token: %w", err)
	}
	return nil
}

func (r *PostgresBatchRepo) FanOutCredential(ctx context.Context, ownerID int64, oldRefreshToken string, cred domain.Credential) (int64, error) {
	// A single statement matched on the pre-refresh value keeps the
	// refresh+fan-out unit atomic against concurrent readers.
	const query = `UPDATE enrolled_tokens
SET access_token = $3, refresh_token = $4, correlation_id = $5, valid = true, failure_count = 0, updated_at = now()
WHERE owner_id = $1 AND refresh_token = $2`
	tag, err := r.db.Exec(ctx, query, ownerID, oldRefreshToken, cred.AccessToken, cred.RefreshToken, cred.CorrelationID)
	if err != nil {
		return 0, fmt.Errorf("fan out credential: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresBatchRepo) InvalidateCredential(ctx context.Context, ownerID int64, refreshToken string) (int, error) {
	const query = `UPDATE enrolled_tokens
SET valid = false, failure_count = failure_count + 1, updated_at = now()
WHERE owner_id = $1 AND refresh_token = $2
RETURNING failure_count`
	rows, err := r.db.Query(ctx, query, ownerID, refreshToken)
	if err != nil {
		return 0, fmt.Errorf("invalidate credential: %w", err)
	}
	defer rows.Close()

	highest := 0
	for rows.Next() {
		var count int
		if err := rows.Scan(&count); err != nil {
			return 0, fmt.Errorf("scan failure count: %w", err)
		}
		if count > highest {
			highest = count
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("invalidate credential rows: %w", err)
	}
	return highest, nil
}

func (r *PostgresBatchRepo) DeleteCredential(ctx context.Context, ownerID int64, refreshToken string) error {
	const query = `DELETE FROM enrolled_tokens WHERE owner_id = $1 AND refresh_token = $2`
	if _, err := r.db.Exec(ctx, query, ownerID, refreshToken); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

func (r *PostgresBatchRepo) DeleteToken(ctx context.Context, batchID, ownerID int64) error {
	const query = `DELETE FROM enrolled_tokens WHERE batch_id = $1 AND owner_id = $2`
	if _, err := r.db.Exec(ctx, query, batchID, ownerID); err != nil {
		return fmt.Errorf("delete enrolled token: %w", err)
	}
	return nil
}

func (r *PostgresBatchRepo) ListEntitled(ctx context.Context, userID int64) ([]domain.Batch, error) {
	const query = selectBatchSQL + `
WHERE id IN (SELECT batch_id FROM entitlements WHERE user_id = $1)
ORDER BY name`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list entitled batches: %w", err)
	}
	defer rows.Close()

	var batches []domain.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("entitled batch rows: %w", err)
	}
	return batches, nil
}

func (r *PostgresBatchRepo) AddEntitlement(ctx context.Context, userID, batchID int64) error {
	const query = `INSERT INTO entitlements (user_id, batch_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`
	if _, err := r.db.Exec(ctx, query, userID, batchID); err != nil {
		return fmt.Errorf("add entitlement: %w", err)
	}
	return nil
}

func (r *PostgresBatchRepo) RemoveEntitlement(ctx context.Context, userID, batchID int64) error {
	const query = `DELETE FROM entitlements WHERE user_id = $1 AND batch_id = $2`
	if _, err := r.db.Exec(ctx, query, userID, batchID); err != nil {
		return fmt.Errorf("remove entitlement: %w", err)
	}
	return nil
}

func scanBatch(row pgx.Row) (domain.Batch, error) {
	var b domain.Batch
	if err := row.Scan(&b.ID, &b.ExternalID, &b.Name, &b.Thumbnail, &b.Active, &b.CreatedAt, &b.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Batch{}, domain.ErrBatchNotFound
		}
		return domain.Batch{}, fmt.Errorf("scan batch: %w", err)
	}
	return b, nil
}

func collectTokens(rows pgx.Rows) ([]domain.EnrolledToken, error) {
	var tokens []domain.EnrolledToken
	for rows.Next() {
		var t domain.EnrolledToken
		if err := rows.Scan(
			&t.BatchID,
			&t.OwnerID,
			&t.AccessToken,
			&t.RefreshToken,
			&t.Valid,
			&t.CorrelationID,
			&t.FailureCount,
			&t.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan enrolled token: %w", err)
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("enrolled token rows: %w", err)
	}
	return tokens, nil
}
