package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/referrals/engine/pkg/clickhouse"
)

type AnalyticsConfig struct {
	Logger     *slog.Logger
	ClickHouse clickhouse.Client
	Clock      clockwork.Clock
}

func (cfg *AnalyticsConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ClickHouse == nil {
		return errors.New("clickhouse connection is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// AnalyticsStore mirrors donations into ClickHouse's fact_donations table and answers the
// Reader aggregations from it. Rows are replaced by donation id, latest ingest wins.
type AnalyticsStore struct {
	log *slog.Logger
	cfg AnalyticsConfig
}

func NewAnalyticsStore(cfg AnalyticsConfig) (*AnalyticsStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &AnalyticsStore{log: cfg.Logger, cfg: cfg}, nil
}

// Mirror writes the current state of donations. programNames resolves program ids to names.
func (s *AnalyticsStore) Mirror(ctx context.Context, donations []Donation, programNames map[uuid.UUID]string) error {
	if len(donations) == 0 {
		return nil
	}
	s.log.Debug("ledger/analytics: mirroring donations", "count", len(donations))

	conn, err := s.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	batch, err := conn.PrepareBatch(ctx, `INSERT INTO fact_donations
		(donation_id, amount, status, referral_code_id, attributed_user_id, program_id, program_name, created_at, ingested_at)`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	defer batch.Close()

	now := s.cfg.Clock.Now().UTC()
	for _, d := range donations {
		var programName string
		if d.ProgramID != nil {
			programName = programNames[*d.ProgramID]
		}
		if err := batch.Append(
			d.ID,
			d.Amount,
			string(d.Status),
			d.ReferralCodeID,
			d.AttributedUserID,
			d.ProgramID,
			programName,
			d.CreatedAt.UTC(),
			now,
		); err != nil {
			return fmt.Errorf("failed to append donation %s: %w", d.ID, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

func analyticsWhere(f Filter) (string, []any) {
	placeholders := make([]string, len(f.CodeIDs))
	args := make([]any, 0, len(f.CodeIDs)+2)
	for i, id := range f.CodeIDs {
		placeholders[i] = "?"
		args = append(args, id.String())
	}
	clauses := []string{
		"status = 'success'",
		fmt.Sprintf("referral_code_id IN (%s)", strings.Join(placeholders, ",")),
	}
	if f.Start != nil {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.Start.UTC())
	}
	if f.End != nil {
		clauses = append(clauses, "created_at < ?")
		args = append(args, f.End.UTC())
	}
	return strings.Join(clauses, " AND "), args
}

func (s *AnalyticsStore) Totals(ctx context.Context, f Filter) (Totals, error) {
	var t Totals
	if len(f.CodeIDs) == 0 {
		return t, nil
	}
	byCode, err := s.TotalsByCode(ctx, f)
	if err != nil {
		return t, err
	}
	for _, ct := range byCode {
		t = t.Add(ct)
	}
	return t, nil
}

func (s *AnalyticsStore) TotalsByCode(ctx context.Context, f Filter) (map[uuid.UUID]Totals, error) {
	out := make(map[uuid.UUID]Totals)
	if len(f.CodeIDs) == 0 {
		return out, nil
	}
	clause, args := analyticsWhere(f)

	conn, err := s.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.Query(ctx, `
		SELECT assumeNotNull(referral_code_id) AS code_id, count() AS cnt, sum(amount) AS amt
		FROM fact_donations FINAL
		WHERE `+clause+`
		GROUP BY code_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to sum donations by code: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		var cnt uint64
		var amt int64
		if err := rows.Scan(&id, &cnt, &amt); err != nil {
			return nil, fmt.Errorf("failed to scan code totals: %w", err)
		}
		out[id] = Totals{Count: int64(cnt), Amount: amt}
	}
	return out, rows.Err()
}

func (s *AnalyticsStore) Monthly(ctx context.Context, f Filter, limit int) ([]MonthBucket, error) {
	if len(f.CodeIDs) == 0 || limit <= 0 {
		return nil, nil
	}
	clause, args := analyticsWhere(f)
	args = append(args, limit)

	conn, err := s.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.Query(ctx, `
		SELECT month, cnt, amt FROM (
			SELECT toStartOfMonth(created_at) AS month, count() AS cnt, sum(amount) AS amt
			FROM fact_donations FINAL
			WHERE `+clause+`
			GROUP BY month ORDER BY month DESC LIMIT ?
		) ORDER BY month ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query monthly totals: %w", err)
	}
	defer rows.Close()

	var out []MonthBucket
	for rows.Next() {
		var month time.Time
		var cnt uint64
		var amt int64
		if err := rows.Scan(&month, &cnt, &amt); err != nil {
			return nil, fmt.Errorf("failed to scan monthly totals: %w", err)
		}
		out = append(out, MonthBucket{Year: month.Year(), Month: month.Month(), Count: int64(cnt), Amount: amt})
	}
	return out, rows.Err()
}

func (s *AnalyticsStore) TopPrograms(ctx context.Context, f Filter, limit int) ([]ProgramTotal, error) {
	if len(f.CodeIDs) == 0 || limit <= 0 {
		return nil, nil
	}
	clause, args := analyticsWhere(f)
	args = append(args, limit)

	conn, err := s.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.Query(ctx, `
		SELECT assumeNotNull(program_id) AS pid, any(program_name) AS name, count() AS cnt, sum(amount) AS amt
		FROM fact_donations FINAL
		WHERE `+clause+` AND program_id IS NOT NULL
		GROUP BY pid
		ORDER BY amt DESC, name ASC
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query top programs: %w", err)
	}
	defer rows.Close()

	var out []ProgramTotal
	for rows.Next() {
		var p ProgramTotal
		var cnt uint64
		if err := rows.Scan(&p.ProgramID, &p.Name, &cnt, &p.Amount); err != nil {
			return nil, fmt.Errorf("failed to scan program totals: %w", err)
		}
		p.Count = int64(cnt)
		out = append(out, p)
	}
	return out, rows.Err()
}
