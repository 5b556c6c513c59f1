package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/malbeclabs/referrals/engine/pkg/engineerr"
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

// Store is the Postgres-backed donation ledger.
type Store struct {
	log *slog.Logger
	cfg StoreConfig
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{log: cfg.Logger, cfg: cfg}, nil
}

const donationColumns = `id, amount, status, program_id, referral_code_id, attributed_user_id, rolled_up, donor_name, created_at, paid_at`

func scanDonation(row pgx.Row) (*Donation, error) {
	var d Donation
	var status string
	if err := row.Scan(&d.ID, &d.Amount, &status, &d.ProgramID, &d.ReferralCodeID, &d.AttributedUserID, &d.RolledUp, &d.DonorName, &d.CreatedAt, &d.PaidAt); err != nil {
		return nil, err
	}
	d.Status = Status(status)
	return &d, nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Donation, error) {
	d, err := scanDonation(s.cfg.Postgres.QueryRow(ctx, `SELECT `+donationColumns+` FROM donations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("donation %s: %w", id, engineerr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get donation: %w", err)
	}
	return d, nil
}

// Insert records a donation as fed by the payment flow.
func (s *Store) Insert(ctx context.Context, d Donation) error {
	if d.Amount <= 0 {
		return fmt.Errorf("donation amount must be positive, got %d", d.Amount)
	}
	if !d.Status.Valid() {
		return fmt.Errorf("unknown donation status %q", d.Status)
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	s.log.Debug("ledger/store: inserting donation", "id", d.ID, "amount", d.Amount, "status", d.Status)
	_, err := s.cfg.Postgres.Exec(ctx, `
		INSERT INTO donations (id, amount, status, program_id, referral_code_id, attributed_user_id, rolled_up, donor_name, created_at, paid_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.ID, d.Amount, string(d.Status), d.ProgramID, d.ReferralCodeID, d.AttributedUserID, d.RolledUp, d.DonorName, d.CreatedAt, d.PaidAt)
	if err != nil {
		return fmt.Errorf("failed to insert donation: %w", err)
	}
	return nil
}

func (s *Store) InsertProgram(ctx context.Context, p Program) error {
	_, err := s.cfg.Postgres.Exec(ctx, `INSERT INTO programs (id, name) VALUES ($1, $2)`, p.ID, p.Name)
	if err != nil {
		return fmt.Errorf("failed to insert program: %w", err)
	}
	return nil
}

// Programs returns the names of the given programs keyed by id.
func (s *Store) Programs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	out := make(map[uuid.UUID]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.cfg.Postgres.Query(ctx, `SELECT id, name FROM programs WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query programs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("failed to scan program: %w", err)
		}
		out[id] = name
	}
	return out, rows.Err()
}

// UpdateStatus moves a donation to next, stamping paid_at on success.
func (s *Store) UpdateStatus(ctx context.Context, id uuid.UUID, next Status, at time.Time) error {
	return pgx.BeginTxFunc(ctx, s.cfg.Postgres, pgx.TxOptions{}, func(tx pgx.Tx) error {
		var current string
		err := tx.QueryRow(ctx, `SELECT status FROM donations WHERE id = $1 FOR UPDATE`, id).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("donation %s: %w", id, engineerr.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to lock donation: %w", err)
		}
		if !Status(current).CanTransition(next) {
			return fmt.Errorf("%s -> %s: %w", current, next, engineerr.ErrInvalidTransition)
		}

		var paidAt *time.Time
		if next == StatusSuccess {
			t := at.UTC()
			paidAt = &t
		}
		_, err = tx.Exec(ctx, `UPDATE donations SET status = $2, paid_at = COALESCE($3, paid_at), updated_at = NOW() WHERE id = $1`,
			id, string(next), paidAt)
		if err != nil {
			return fmt.Errorf("failed to update donation status: %w", err)
		}
		return nil
	})
}

// SetAttribution records the code used and the user credited, but only the first time.
// It reports whether this call wrote the attribution.
func (s *Store) SetAttribution(ctx context.Context, id uuid.UUID, codeID uuid.UUID, userID uuid.UUID) (bool, error) {
	tag, err := s.cfg.Postgres.Exec(ctx, `
		UPDATE donations SET referral_code_id = $2, attributed_user_id = $3, updated_at = NOW()
		WHERE id = $1 AND attributed_user_id IS NULL`, id, codeID, userID)
	if err != nil {
		return false, fmt.Errorf("failed to set attribution: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// ListSuccessful pages through successful donations ordered by id.
func (s *Store) ListSuccessful(ctx context.Context, after uuid.UUID, limit int) ([]Donation, error) {
	rows, err := s.cfg.Postgres.Query(ctx,
		`SELECT `+donationColumns+` FROM donations WHERE status = 'success' AND id > $1 ORDER BY id LIMIT $2`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list donations: %w", err)
	}
	defer rows.Close()

	var out []Donation
	for rows.Next() {
		d, err := scanDonation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan donation: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// LastUsed returns the time of the most recent successful donation through codeID.
func (s *Store) LastUsed(ctx context.Context, codeID uuid.UUID) (*time.Time, error) {
	var t *time.Time
	err := s.cfg.Postgres.QueryRow(ctx,
		`SELECT MAX(COALESCE(paid_at, created_at)) FROM donations WHERE status = 'success' AND referral_code_id = $1`, codeID).Scan(&t)
	if err != nil {
		return nil, fmt.Errorf("failed to get last use: %w", err)
	}
	return t, nil
}

// TotalsByAttributedUsers sums successful donations credited to any of userIDs.
func (s *Store) TotalsByAttributedUsers(ctx context.Context, userIDs []uuid.UUID) (Totals, error) {
	var t Totals
	if len(userIDs) == 0 {
		return t, nil
	}
	err := s.cfg.Postgres.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(amount), 0)::bigint FROM donations
		WHERE status = 'success' AND attributed_user_id = ANY($1)`, userIDs).Scan(&t.Count, &t.Amount)
	if err != nil {
		return t, fmt.Errorf("failed to sum attributed donations: %w", err)
	}
	return t, nil
}

// where renders the success/code/window predicate for the donations table under alias.
func where(alias string, f Filter) (string, []any) {
	col := func(c string) string {
		if alias == "" {
			return c
		}
		return alias + "." + c
	}
	clauses := []string{col("status") + " = 'success'", col("referral_code_id") + " = ANY($1)"}
	args := []any{f.CodeIDs}
	if f.Start != nil {
		args = append(args, f.Start.UTC())
		clauses = append(clauses, col("created_at")+" >= $"+strconv.Itoa(len(args)))
	}
	if f.End != nil {
		args = append(args, f.End.UTC())
		clauses = append(clauses, col("created_at")+" < $"+strconv.Itoa(len(args)))
	}
	return strings.Join(clauses, " AND "), args
}

func (s *Store) Totals(ctx context.Context, f Filter) (Totals, error) {
	var t Totals
	if len(f.CodeIDs) == 0 {
		return t, nil
	}
	clause, args := where("", f)
	err := s.cfg.Postgres.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(amount), 0)::bigint FROM donations WHERE `+clause, args...).Scan(&t.Count, &t.Amount)
	if err != nil {
		return t, fmt.Errorf("failed to sum donations: %w", err)
	}
	return t, nil
}

func (s *Store) TotalsByCode(ctx context.Context, f Filter) (map[uuid.UUID]Totals, error) {
	out := make(map[uuid.UUID]Totals)
	if len(f.CodeIDs) == 0 {
		return out, nil
	}
	clause, args := where("", f)
	rows, err := s.cfg.Postgres.Query(ctx, `
		SELECT referral_code_id, COUNT(*), COALESCE(SUM(amount), 0)::bigint FROM donations
		WHERE `+clause+` GROUP BY referral_code_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to sum donations by code: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		var t Totals
		if err := rows.Scan(&id, &t.Count, &t.Amount); err != nil {
			return nil, fmt.Errorf("failed to scan code totals: %w", err)
		}
		out[id] = t
	}
	return out, rows.Err()
}

func (s *Store) Monthly(ctx context.Context, f Filter, limit int) ([]MonthBucket, error) {
	if len(f.CodeIDs) == 0 || limit <= 0 {
		return nil, nil
	}
	clause, args := where("", f)
	args = append(args, limit)
	rows, err := s.cfg.Postgres.Query(ctx, `
		SELECT EXTRACT(YEAR FROM month)::int, EXTRACT(MONTH FROM month)::int, cnt, amt FROM (
			SELECT date_trunc('month', created_at AT TIME ZONE 'UTC') AS month,
				COUNT(*) AS cnt, COALESCE(SUM(amount), 0)::bigint AS amt
			FROM donations WHERE `+clause+`
			GROUP BY 1 ORDER BY 1 DESC LIMIT $`+strconv.Itoa(len(args))+`
		) recent ORDER BY month ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query monthly totals: %w", err)
	}
	defer rows.Close()

	var out []MonthBucket
	for rows.Next() {
		var b MonthBucket
		var month int
		if err := rows.Scan(&b.Year, &month, &b.Count, &b.Amount); err != nil {
			return nil, fmt.Errorf("failed to scan monthly totals: %w", err)
		}
		b.Month = time.Month(month)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) TopPrograms(ctx context.Context, f Filter, limit int) ([]ProgramTotal, error) {
	if len(f.CodeIDs) == 0 || limit <= 0 {
		return nil, nil
	}
	clause, args := where("d", f)
	args = append(args, limit)
	rows, err := s.cfg.Postgres.Query(ctx, `
		SELECT p.id, p.name, COUNT(*), COALESCE(SUM(d.amount), 0)::bigint AS amt
		FROM donations d JOIN programs p ON p.id = d.program_id
		WHERE `+clause+`
		GROUP BY p.id, p.name
		ORDER BY amt DESC, p.name ASC
		LIMIT $`+strconv.Itoa(len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query top programs: %w", err)
	}
	defer rows.Close()

	var out []ProgramTotal
	for rows.Next() {
		var p ProgramTotal
		if err := rows.Scan(&p.ProgramID, &p.Name, &p.Count, &p.Amount); err != nil {
			return nil, fmt.Errorf("failed to scan program totals: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
