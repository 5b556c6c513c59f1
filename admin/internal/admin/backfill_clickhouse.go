package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/malbeclabs/referrals/engine/pkg/ledger"
)

// DonationSource pages through successful donations.
type DonationSource interface {
	ListSuccessful(ctx context.Context, after uuid.UUID, limit int) ([]ledger.Donation, error)
	Programs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error)
}

type DonationSink interface {
	Mirror(ctx context.Context, donations []ledger.Donation, programNames map[uuid.UUID]string) error
}

type BackfillClickHouseConfig struct {
	BatchSize int
	DryRun    bool
}

// BackfillClickHouse copies every successful donation from Postgres into the analytics
// mirror. Rows are replaced by donation id, so reruns are safe.
func BackfillClickHouse(ctx context.Context, log *slog.Logger, src DonationSource, dst DonationSink, cfg BackfillClickHouseConfig) (int, error) {
	if cfg.BatchSize <= 0 {
		return 0, errors.New("batch size must be positive")
	}

	var after uuid.UUID
	total := 0
	for {
		batch, err := src.ListSuccessful(ctx, after, cfg.BatchSize)
		if err != nil {
			return total, fmt.Errorf("failed to list donations: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		var programIDs []uuid.UUID
		for _, d := range batch {
			if d.ProgramID != nil {
				programIDs = append(programIDs, *d.ProgramID)
			}
		}
		names, err := src.Programs(ctx, programIDs)
		if err != nil {
			return total, fmt.Errorf("failed to load programs: %w", err)
		}

		if cfg.DryRun {
			log.Info("admin: [dry run] would mirror donations", "count", len(batch), "after", after)
		} else if err := dst.Mirror(ctx, batch, names); err != nil {
			return total, fmt.Errorf("failed to mirror batch after %s: %w", after, err)
		}

		total += len(batch)
		after = batch[len(batch)-1].ID
		log.Info("admin: backfill progress", "mirrored", total)
		if len(batch) < cfg.BatchSize {
			break
		}
	}

	log.Info("admin: backfill complete", "donations", total, "dry_run", cfg.DryRun)
	return total, nil
}
