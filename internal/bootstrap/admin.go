package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/studynest/batchline/internal/config"
	"github.com/studynest/batchline/internal/domain"
	"github.com/studynest/batchline/internal/repository"
)

const adminRole = "admin"

// EnsureAdmin pre-provisions the admin user when ADMIN_PHONE is set.
func EnsureAdmin(lc fx.Lifecycle, cfg config.Config, users repository.UserRepository, node *snowflake.Node, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return ensureAdmin(ctx, cfg, users, node, logger)
		},
	})
}

func ensureAdmin(ctx context.Context, cfg config.Config, users repository.UserRepository, node *snowflake.Node, logger *zap.Logger) error {
	phone := strings.TrimSpace(cfg.AdminPhone)
	if phone == "" {
		return nil
	}

	if _, err := users.GetByPhone(ctx, phone); err == nil {
		return nil
	} else if !errors.Is(err, domain.ErrUserNotFound) {
		return fmt.Errorf("bootstrap lookup admin: %w", err)
	}

	created, err := users.Create(ctx, domain.User{
		ID:    node.Generate().Int64(),
		Name:  cfg.AdminName,
		Phone: phone,
		Role:  adminRole,
	})
	if err != nil {
		return fmt.Errorf("bootstrap create admin: %w", err)
	}

	if logger != nil {
		logger.Info("bootstrap admin user created",
			zap.String("phone", created.Phone),
			zap.Int64("user_id", created.ID),
		)
	}
	return nil
}
