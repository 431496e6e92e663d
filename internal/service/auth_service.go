package service

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/studynest/batchline/internal/adapter/cache"
	"github.com/studynest/batchline/internal/adapter/provider"
	"github.com/studynest/batchline/internal/domain"
	"github.com/studynest/batchline/internal/repository"
	"github.com/studynest/batchline/internal/session"
)

const defaultRole = "user"

// AuthService handles the OTP login handshake with the upstream provider
// and the lifecycle of application sessions.
type AuthService struct {
	users       repository.UserRepository
	batches     repository.BatchRepository
	provider    provider.Client
	sessions    *session.Manager
	throttle    cache.OTPThrottle
	otpInterval time.Duration
	snowflake   *snowflake.Node
	logger      *zap.Logger
	tracer      trace.Tracer
}

// NewAuthService wires dependencies.
func NewAuthService(users repository.UserRepository, batches repository.BatchRepository, client provider.Client, sessions *session.Manager, throttle cache.OTPThrottle, otpInterval time.Duration, node *snowflake.Node, logger *zap.Logger) *AuthService {
	return &AuthService{
		users:       users,
		batches:     batches,
		provider:    client,
		sessions:    sessions,
		throttle:    throttle,
		otpInterval: otpInterval,
		snowflake:   node,
		logger:      logger,
		tracer:      otel.Tracer("github.com/studynest/batchline/internal/service"),
	}
}

// RequestOTP relays an OTP issuance to the provider, throttled per phone.
func (s *AuthService) RequestOTP(ctx context.Context, phone string) error {
	ctx, span := s.startSpan(ctx, "AuthService.RequestOTP")
	defer span.End()

	phone = strings.TrimSpace(phone)
	if phone == "" {
		return newAPIError("invalid_request", "Phone is required.", http.StatusBadRequest)
	}

	if s.throttle != nil {
		allowed, err := s.throttle.Allow(ctx, phone, s.otpInterval)
		if err != nil {
			span.RecordError(err)
			return err
		}
		if !allowed {
			return newAPIError("slow_down", "OTP already requested, try again shortly.", http.StatusTooManyRequests)
		}
	}

	if err := s.provider.RequestOTP(ctx, phone); err != nil {
		span.RecordError(err)
		return newAPIError("provider_error", "Could not send OTP.", http.StatusBadGateway)
	}
	return nil
}

// SessionResult is what a successful login yields.
type SessionResult struct {
	User   domain.User
	Tokens session.Pair
}

// VerifyOTP completes the login: it exchanges the OTP for a provider
// credential, creates or refreshes the User, synchronizes the purchased
// batch list and issues an application session.
func (s *AuthService) VerifyOTP(ctx context.Context, phone, code string) (*SessionResult, error) {
	ctx, span := s.startSpan(ctx, "AuthService.VerifyOTP")
	defer span.End()

	phone = strings.TrimSpace(phone)
	code = strings.TrimSpace(code)
	if phone == "" || code == "" {
		return nil, newAPIError("invalid_request", "Phone and code are required.", http.StatusBadRequest)
	}

	correlationID := uuid.NewString()
	cred, err := s.provider.VerifyOTP(ctx, phone, code, correlationID)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, provider.ErrUnauthorized) {
			return nil, newAPIError("invalid_grant", "Wrong phone or OTP.", http.StatusBadRequest)
		}
		return nil, newAPIError("provider_error", "OTP verification failed upstream.", http.StatusBadGateway)
	}

	user, err := s.users.GetByPhone(ctx, phone)
	switch {
	case errors.Is(err, domain.ErrUserNotFound):
		user, err = s.users.Create(ctx, domain.User{
			ID:                   s.snowflake.Generate().Int64(),
			Name:                 phone,
			Phone:                phone,
			Role:                 defaultRole,
			ProviderAccessToken:  cred.AccessToken,
			ProviderRefreshToken: cred.RefreshToken,
		})
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		s.audit("user.created", "user_id", user.ID)
	case err != nil:
		span.RecordError(err)
		return nil, err
	default:
		if err := s.users.UpdateProviderCredential(ctx, user.ID, cred.AccessToken, cred.RefreshToken); err != nil {
			span.RecordError(err)
			return nil, err
		}
		user.ProviderAccessToken = cred.AccessToken
		user.ProviderRefreshToken = cred.RefreshToken
	}

	if err := s.syncPurchasedBatches(ctx, user, *cred); err != nil {
		// Batch sync is best effort at login; the reconciler repairs later.
		s.logger.Warn("sync purchased batches", zap.Int64("user_id", user.ID), zap.Error(err))
	}

	pair, err := s.sessions.Issue(ctx, user)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	user.SessionRefreshToken = pair.RefreshToken

	s.audit("otp.login.success", "user_id", user.ID)
	return &SessionResult{User: user, Tokens: pair}, nil
}

// syncPurchasedBatches mirrors the provider's purchased-batch list into the
// store: batch rows, this user's enrolled token on each, and entitlements.
func (s *AuthService) syncPurchasedBatches(ctx context.Context, user domain.User, cred domain.Credential) error {
	purchased, err := s.provider.PurchasedBatches(ctx, cred.AccessToken)
	if err != nil {
		return err
	}

	for _, pb := range purchased {
		batch, err := s.batches.Upsert(ctx, domain.Batch{
			ID:         s.snowflake.Generate().Int64(),
			ExternalID: pb.ID,
			Name:       pb.Name,
			Thumbnail:  pb.Thumbnail,
			Active:     true,
		})
		if err != nil {
			return err
		}
		if err := s.batches.UpsertToken(ctx, domain.EnrolledToken{
			BatchID:       batch.ID,
			OwnerID:       user.ID,
			AccessToken:   cred.AccessToken,
			RefreshToken:  cred.RefreshToken,
			Valid:         true,
			CorrelationID: cred.CorrelationID,
		}); err != nil {
			return err
		}
		if err := s.batches.AddEntitlement(ctx, user.ID, batch.ID); err != nil {
			return err
		}
	}
	return nil
}

// Logout invalidates the stored session refresh token.
func (s *AuthService) Logout(ctx context.Context, userID int64) error {
	ctx, span := s.startSpan(ctx, "AuthService.Logout")
	defer span.End()

	if err := s.users.SetSessionToken(ctx, userID, ""); err != nil {
		span.RecordError(err)
		return err
	}
	s.audit("session.logout", "user_id", userID)
	return nil
}

// EntitledBatches lists the batches the user may access.
func (s *AuthService) EntitledBatches(ctx context.Context, userID int64) ([]domain.Batch, error) {
	ctx, span := s.startSpan(ctx, "AuthService.EntitledBatches")
	defer span.End()

	batches, err := s.batches.ListEntitled(ctx, userID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return batches, nil
}

func (s *AuthService) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s == nil || s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}

func (s *AuthService) audit(event string, attrs ...any) {
	logger := s.logger
	if logger == nil {
		return
	}
	fields := make([]zap.Field, 0, len(attrs)/2+2)
	fields = append(fields, zap.String("event", event), zap.Time("timestamp", time.Now().UTC()))
	for i := 0; i+1 < len(attrs); i += 2 {
		key, ok := attrs[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, zap.Any(key, attrs[i+1]))
	}
	logger.Info("audit", fields...)
}
