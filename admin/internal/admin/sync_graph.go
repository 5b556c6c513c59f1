package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/malbeclabs/referrals/engine/pkg/hierarchy"
)

type UserSource interface {
	List(ctx context.Context, after uuid.UUID, limit int) ([]hierarchy.User, error)
}

type UserGraph interface {
	InitializeSchema(ctx context.Context) error
	SyncUsers(ctx context.Context, users []hierarchy.User) error
}

type SyncGraphConfig struct {
	BatchSize int
	DryRun    bool
}

// SyncGraph mirrors every user and parent edge from Postgres into Neo4j.
func SyncGraph(ctx context.Context, log *slog.Logger, src UserSource, graph UserGraph, cfg SyncGraphConfig) (int, error) {
	if cfg.BatchSize <= 0 {
		return 0, errors.New("batch size must be positive")
	}
	if !cfg.DryRun {
		if err := graph.InitializeSchema(ctx); err != nil {
			return 0, fmt.Errorf("failed to initialize graph schema: %w", err)
		}
	}

	var after uuid.UUID
	total := 0
	for {
		users, err := src.List(ctx, after, cfg.BatchSize)
		if err != nil {
			return total, fmt.Errorf("failed to list users: %w", err)
		}
		if len(users) == 0 {
			break
		}
		if cfg.DryRun {
			log.Info("admin: [dry run] would sync users", "count", len(users))
		} else if err := graph.SyncUsers(ctx, users); err != nil {
			return total, fmt.Errorf("failed to sync users after %s: %w", after, err)
		}
		total += len(users)
		after = users[len(users)-1].ID
		if len(users) < cfg.BatchSize {
			break
		}
	}

	log.Info("admin: graph sync complete", "users", total, "dry_run", cfg.DryRun)
	return total, nil
}
