package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/studynest/batchline/internal/adapter/provider"
	"github.com/studynest/batchline/internal/domain"
	"github.com/studynest/batchline/internal/repository"
)

// ContentService serves provider content for a batch by trying each of the
// batch's valid credentials until one works, pruning credentials the
// provider rejects as unauthorized.
type ContentService struct {
	batches  repository.BatchRepository
	provider provider.Client
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewContentService wires dependencies.
func NewContentService(batches repository.BatchRepository, client provider.Client, logger *zap.Logger) *ContentService {
	return &ContentService{
		batches:  batches,
		provider: client,
		logger:   logger,
		tracer:   otel.Tracer("github.com/studynest/batchline/internal/service"),
	}
}

// FetchContent resolves the batch by its external id and iterates its
// credentials, most recently updated first.
//
// A provider authorization rejection prunes that credential (the enrolled
// token and, best effort, the owner's entitlement) and moves on. Any other
// failure aborts immediately: it is not attributable to the credential, so
// trying siblings would only repeat it. Exhaustion yields
// domain.ErrBatchUnavailable so callers can tell "nobody has a working
// credential" apart from a transient fault.
func (s *ContentService) FetchContent(ctx context.Context, externalBatchID, locator string) (json.RawMessage, error) {
	ctx, span := s.tracer.Start(ctx, "ContentService.FetchContent")
	defer span.End()

	batch, err := s.batches.GetByExternalID(ctx, externalBatchID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	tokens, err := s.batches.ListTokens(ctx, batch.ID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	for _, token := range tokens {
		if !token.Valid || token.AccessToken == "" || token.CorrelationID == "" {
			continue
		}

		raw, err := s.provider.FetchResource(ctx, token.AccessToken, token.CorrelationID, locator)
		if err == nil {
			return raw, nil
		}
		if !errors.Is(err, provider.ErrUnauthorized) {
			span.RecordError(err)
			return nil, fmt.Errorf("fetch content %s: %w", locator, err)
		}

		s.logger.Info("pruning rejected credential",
			zap.Int64("batch_id", batch.ID),
			zap.Int64("owner_id", token.OwnerID),
		)
		if err := s.batches.DeleteToken(ctx, batch.ID, token.OwnerID); err != nil {
			span.RecordError(err)
			return nil, err
		}
		if err := s.batches.RemoveEntitlement(ctx, token.OwnerID, batch.ID); err != nil {
			// Best effort; the entitlement row is advisory.
			s.logger.Warn("remove entitlement", zap.Int64("owner_id", token.OwnerID), zap.Error(err))
		}
	}

	return nil, domain.ErrBatchUnavailable
}
