package rollup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/malbeclabs/referrals/engine/pkg/codes"
	"github.com/malbeclabs/referrals/engine/pkg/engineerr"
	"github.com/malbeclabs/referrals/engine/pkg/ledger"
)

type StoreConfig struct {
	Logger   *slog.Logger
	Postgres *pgxpool.Pool
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Postgres == nil {
		return errors.New("postgres pool is required")
	}
	return nil
}

// PostgresStore keeps code and user counters in the same database as the ledger so a
// rollup commits or aborts as a whole.
type PostgresStore struct {
	log *slog.Logger
	cfg StoreConfig
}

func NewStore(cfg StoreConfig) (*PostgresStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &PostgresStore{log: cfg.Logger, cfg: cfg}, nil
}

func (s *PostgresStore) ApplyRollup(ctx context.Context, app Application) error {
	return pgx.BeginTxFunc(ctx, s.cfg.Postgres, pgx.TxOptions{}, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE donations SET rolled_up = TRUE, updated_at = NOW() WHERE id = $1 AND NOT rolled_up`, app.DonationID)
		if err != nil {
			return fmt.Errorf("failed to mark donation rolled up: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM donations WHERE id = $1)`, app.DonationID).Scan(&exists); err != nil {
				return fmt.Errorf("failed to check donation: %w", err)
			}
			if !exists {
				return fmt.Errorf("donation %s: %w", app.DonationID, engineerr.ErrNotFound)
			}
			return fmt.Errorf("donation %s: %w", app.DonationID, engineerr.ErrAlreadyRolledUp)
		}

		if app.CodeID != nil {
			_, err := tx.Exec(ctx, `
				UPDATE referral_codes SET
					total_donations = total_donations + 1,
					total_amount = total_amount + $2,
					last_used_at = GREATEST(COALESCE(last_used_at, $3), $3),
					updated_at = NOW()
				WHERE id = $1`, *app.CodeID, app.Amount, app.UsedAt.UTC())
			if err != nil {
				return fmt.Errorf("failed to increment code counters: %w", err)
			}
		}

		if len(app.UserIDs) > 0 {
			_, err := tx.Exec(ctx, `
				UPDATE users SET
					total_donations_referred = total_donations_referred + 1,
					total_amount_referred = total_amount_referred + $2,
					updated_at = NOW()
				WHERE id = ANY($1)`, app.UserIDs, app.Amount)
			if err != nil {
				return fmt.Errorf("failed to increment user counters: %w", err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) OverwriteCodeCounters(ctx context.Context, codeID uuid.UUID, c codes.Counters) error {
	tag, err := s.cfg.Postgres.Exec(ctx, `
		UPDATE referral_codes SET total_donations = $2, total_amount = $3, last_used_at = $4, updated_at = NOW()
		WHERE id = $1`, codeID, c.TotalDonations, c.TotalAmount, c.LastUsedAt)
	if err != nil {
		return fmt.Errorf("failed to overwrite code counters: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("referral code %s: %w", codeID, engineerr.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) OverwriteUserCounters(ctx context.Context, userID uuid.UUID, t ledger.Totals) error {
	tag, err := s.cfg.Postgres.Exec(ctx, `
		UPDATE users SET total_donations_referred = $2, total_amount_referred = $3, updated_at = NOW()
		WHERE id = $1`, userID, t.Count, t.Amount)
	if err != nil {
		return fmt.Errorf("failed to overwrite user counters: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", userID, engineerr.ErrUserNotFound)
	}
	return nil
}

func (s *PostgresStore) ListCodeIDs(ctx context.Context, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	rows, err := s.cfg.Postgres.Query(ctx, `SELECT id FROM referral_codes WHERE id > $1 ORDER BY id LIMIT $2`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list referral code ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("failed to scan referral code ids: %w", err)
	}
	return ids, nil
}
