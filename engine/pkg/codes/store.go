package codes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/malbeclabs/referrals/engine/pkg/engineerr"
	"github.com/malbeclabs/referrals/engine/pkg/postgres"
)

const (
	constraintCodeKey        = "referral_codes_code_key"
	constraintOwnerActiveKey = "referral_codes_owner_active_key"
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

// PostgresStore persists referral codes.
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

const codeColumns = `id, code, owner_id, parent_code_id, active, total_donations, total_amount, last_used_at, created_at, updated_at`

func scanCode(row pgx.Row) (*ReferralCode, error) {
	var c ReferralCode
	if err := row.Scan(&c.ID, &c.Code, &c.OwnerID, &c.ParentCodeID, &c.Active, &c.TotalDonations, &c.TotalAmount, &c.LastUsedAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) getOne(ctx context.Context, what string, sql string, args ...any) (*ReferralCode, error) {
	c, err := scanCode(s.cfg.Postgres.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("referral code %s: %w", what, engineerr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get referral code: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) GetByID(ctx context.Context, id uuid.UUID) (*ReferralCode, error) {
	return s.getOne(ctx, id.String(), `SELECT `+codeColumns+` FROM referral_codes WHERE id = $1`, id)
}

func (s *PostgresStore) GetByCode(ctx context.Context, code string) (*ReferralCode, error) {
	return s.getOne(ctx, code, `SELECT `+codeColumns+` FROM referral_codes WHERE code = $1`, Canonical(code))
}

func (s *PostgresStore) ActiveForOwner(ctx context.Context, ownerID uuid.UUID) (*ReferralCode, error) {
	return s.getOne(ctx, "for owner "+ownerID.String(), `SELECT `+codeColumns+` FROM referral_codes WHERE owner_id = $1 AND active`, ownerID)
}

func (s *PostgresStore) ActiveForOwners(ctx context.Context, ownerIDs []uuid.UUID) ([]ReferralCode, error) {
	if len(ownerIDs) == 0 {
		return nil, nil
	}
	return s.query(ctx, `SELECT `+codeColumns+` FROM referral_codes WHERE owner_id = ANY($1) AND active ORDER BY code`, ownerIDs)
}

func (s *PostgresStore) ForOwners(ctx context.Context, ownerIDs []uuid.UUID) ([]ReferralCode, error) {
	if len(ownerIDs) == 0 {
		return nil, nil
	}
	return s.query(ctx, `SELECT `+codeColumns+` FROM referral_codes WHERE owner_id = ANY($1) ORDER BY code`, ownerIDs)
}

func (s *PostgresStore) ActiveChildren(ctx context.Context, parentID uuid.UUID) ([]ReferralCode, error) {
	return s.query(ctx, `SELECT `+codeColumns+` FROM referral_codes WHERE parent_code_id = $1 AND active ORDER BY code`, parentID)
}

func (s *PostgresStore) query(ctx context.Context, sql string, args ...any) ([]ReferralCode, error) {
	rows, err := s.cfg.Postgres.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query referral codes: %w", err)
	}
	defer rows.Close()

	var out []ReferralCode
	for rows.Next() {
		c, err := scanCode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan referral code: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate referral codes: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Insert(ctx context.Context, c ReferralCode) error {
	s.log.Debug("codes/store: inserting referral code", "code", c.Code, "owner_id", c.OwnerID)
	_, err := s.cfg.Postgres.Exec(ctx, `
		INSERT INTO referral_codes (id, code, owner_id, parent_code_id, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, Canonical(c.Code), c.OwnerID, c.ParentCodeID, c.Active, c.CreatedAt, c.UpdatedAt)
	switch {
	case err == nil:
		return nil
	case postgres.IsUniqueViolation(err, constraintCodeKey):
		return fmt.Errorf("code %s: %w", c.Code, ErrDuplicateCode)
	case postgres.IsUniqueViolation(err, constraintOwnerActiveKey):
		return fmt.Errorf("owner %s: %w", c.OwnerID, engineerr.ErrDuplicateActiveCode)
	default:
		return fmt.Errorf("failed to insert referral code: %w", err)
	}
}

func (s *PostgresStore) Deactivate(ctx context.Context, id uuid.UUID) error {
	tag, err := s.cfg.Postgres.Exec(ctx, `UPDATE referral_codes SET active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate referral code: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("referral code %s: %w", id, engineerr.ErrNotFound)
	}
	return nil
}
