// Package reconciler implements the batch credential sweep: deduplicate
// provider credentials across batches, refresh each distinct credential
// exactly once, and fan the result back out to every referencing entry.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/studynest/batchline/internal/adapter/cache"
	"github.com/studynest/batchline/internal/adapter/provider"
	"github.com/studynest/batchline/internal/domain"
	"github.com/studynest/batchline/internal/repository"
)

// Summary is the per-sweep outcome, counts only.
type Summary struct {
	BatchesSeen int
	Credentials int
	Refreshed   int
	Failed      int
	Pruned      int
	Elapsed     time.Duration
}

// Notifier receives the completion summary of a sweep.
type Notifier interface {
	SweepCompleted(ctx context.Context, summary Summary)
}

// Options bound the sweep's concurrency and failure policy.
type Options struct {
	Workers       int
	Timeout       time.Duration
	FailureLimit  int
	LeaseDuration time.Duration
}

// Reconciler runs the externally triggered credential sweep.
type Reconciler struct {
	batches  repository.BatchRepository
	users    repository.UserRepository
	provider provider.Client
	lock     cache.SweepLock
	notifier Notifier
	opts     Options
	logger   *zap.Logger
	tracer   trace.Tracer
}

// credentialKey identifies a distinct provider credential. Two enrolled
// tokens with the same key share one upstream refresh token, so refreshing
// one invalidates the other's copy; the sweep must touch each key once.
type credentialKey struct {
	ownerID      int64
	refreshToken string
}

type credentialWork struct {
	key      credentialKey
	batchIDs []int64
}

// New wires the reconciler.
func New(batches repository.BatchRepository, users repository.UserRepository, client provider.Client, lock cache.SweepLock, notifier Notifier, opts Options, logger *zap.Logger) *Reconciler {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.FailureLimit < 1 {
		opts.FailureLimit = 1
	}
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = opts.Timeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		batches:  batches,
		users:    users,
		provider: client,
		lock:     lock,
		notifier: notifier,
		opts:     opts,
		logger:   logger,
		tracer:   otel.Tracer("github.com/studynest/batchline/internal/reconciler"),
	}
}

// Sweep refreshes every distinct valid credential referenced by an active
// batch, exactly once per credential, and fans the results out. A failure
// on one credential never aborts the rest of the sweep.
func (r *Reconciler) Sweep(ctx context.Context) (Summary, error) {
	ctx, span := r.tracer.Start(ctx, "Reconciler.Sweep")
	defer span.End()

	holder := uuid.NewString()
	if r.lock != nil {
		acquired, err := r.lock.Acquire(ctx, holder, r.opts.LeaseDuration)
		if err != nil {
			return Summary{}, err
		}
		if !acquired {
			return Summary{}, domain.ErrSweepInProgress
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.lock.Release(releaseCtx, holder); err != nil {
				r.logger.Warn("release sweep lock", zap.Error(err))
			}
		}()
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	start := time.Now()
	tokens, err := r.batches.ListActiveTokens(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("load active tokens: %w", err)
	}

	work, batchesSeen := dedupe(tokens)

	var (
		mu      sync.Mutex
		summary = Summary{BatchesSeen: batchesSeen, Credentials: len(work)}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)
	for _, item := range work {
		g.Go(func() error {
			outcome := r.refreshOne(gctx, item)
			mu.Lock()
			switch outcome {
			case refreshOK:
				summary.Refreshed++
			case refreshFailed:
				summary.Failed++
			case refreshPruned:
				summary.Failed++
				summary.Pruned++
			}
			mu.Unlock()
			// Per-credential failures are absorbed; only context death
			// stops the group.
			return gctx.Err()
		})
	}
	err = g.Wait()
	summary.Elapsed = time.Since(start)

	if r.notifier != nil {
		r.notifier.SweepCompleted(context.WithoutCancel(ctx), summary)
	}
	r.logger.Info("sweep completed",
		zap.Int("batches", summary.BatchesSeen),
		zap.Int("credentials", summary.Credentials),
		zap.Int("refreshed", summary.Refreshed),
		zap.Int("failed", summary.Failed),
		zap.Int("pruned", summary.Pruned),
		zap.Duration("elapsed", summary.Elapsed),
	)

	if err != nil {
		return summary, fmt.Errorf("sweep interrupted: %w", err)
	}
	return summary, nil
}

type refreshOutcome int

const (
	refreshOK refreshOutcome = iota
	refreshFailed
	refreshPruned
)

func (r *Reconciler) refreshOne(ctx context.Context, item credentialWork) refreshOutcome {
	correlationID := uuid.NewString()
	cred, err := r.provider.Refresh(ctx, item.key.refreshToken, correlationID)
	if err != nil {
		r.logger.Warn("credential refresh rejected",
			zap.Int64("owner_id", item.key.ownerID),
			zap.Int("batches", len(item.batchIDs)),
			zap.Error(err),
		)
		count, invErr := r.batches.InvalidateCredential(ctx, item.key.ownerID, item.key.refreshToken)
		if invErr != nil {
			r.logger.Error("invalidate credential", zap.Int64("owner_id", item.key.ownerID), zap.Error(invErr))
			return refreshFailed
		}
		if count >= r.opts.FailureLimit {
			if delErr := r.batches.DeleteCredential(ctx, item.key.ownerID, item.key.refreshToken); delErr != nil {
				r.logger.Error("prune credential", zap.Int64("owner_id", item.key.ownerID), zap.Error(delErr))
				return refreshFailed
			}
			return refreshPruned
		}
		return refreshFailed
	}

	// Fan-out matches on the pre-refresh token value so every sibling
	// entry, in every affected batch, flips in one statement.
	updated, err := r.batches.FanOutCredential(ctx, item.key.ownerID, item.key.refreshToken, *cred)
	if err != nil {
		r.logger.Error("fan out credential", zap.Int64("owner_id", item.key.ownerID), zap.Error(err))
		return refreshFailed
	}
	if updated == 0 {
		r.logger.Warn("fan out matched no entries", zap.Int64("owner_id", item.key.ownerID))
	}

	if err := r.users.UpdateProviderCredential(ctx, item.key.ownerID, cred.AccessToken, cred.RefreshToken); err != nil {
		r.logger.Error("update user credential cache", zap.Int64("owner_id", item.key.ownerID), zap.Error(err))
	}
	return refreshOK
}

// dedupe groups enrolled tokens by (owner, refresh token), keeping only
// entries that are currently valid and carry a refresh token. First
// encounter creates the work item; later encounters only append batch ids.
func dedupe(tokens []domain.EnrolledToken) ([]credentialWork, int) {
	seen := make(map[credentialKey]int)
	batchSet := make(map[int64]struct{})
	var work []credentialWork

	for _, t := range tokens {
		batchSet[t.BatchID] = struct{}{}
		if t.RefreshToken == "" || !t.Valid {
			continue
		}
		key := credentialKey{ownerID: t.OwnerID, refreshToken: t.RefreshToken}
		if idx, ok := seen[key]; ok {
			work[idx].batchIDs = append(work[idx].batchIDs, t.BatchID)
			continue
		}
		seen[key] = len(work)
		work = append(work, credentialWork{key: key, batchIDs: []int64{t.BatchID}})
	}
	return work, len(batchSet)
}

// IsBusy reports whether err is the overlapping-sweep signal.
func IsBusy(err error) bool {
	return errors.Is(err, domain.ErrSweepInProgress)
}
