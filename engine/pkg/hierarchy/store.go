package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

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

// Store is the Postgres-backed user directory.
type Store struct {
	log *slog.Logger
	cfg StoreConfig
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

const userColumns = `id, name, region, role, parent_id, total_donations_referred, total_amount_referred, created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	var role string
	if err := row.Scan(&u.ID, &u.Name, &u.Region, &role, &u.ParentID, &u.TotalDonationsReferred, &u.TotalAmountReferred, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.Role = Role(role)
	return &u, nil
}

func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	row := s.cfg.Postgres.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, engineerr.ErrUserNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

func (s *Store) Children(ctx context.Context, id uuid.UUID) ([]User, error) {
	return s.query(ctx, `SELECT `+userColumns+` FROM users WHERE parent_id = $1 ORDER BY name, id`, id)
}

// List returns users ordered by id, starting after the given id. Use uuid.Nil for the first page.
func (s *Store) List(ctx context.Context, after uuid.UUID, limit int) ([]User, error) {
	return s.query(ctx, `SELECT `+userColumns+` FROM users WHERE id > $1 ORDER BY id LIMIT $2`, after, limit)
}

func (s *Store) query(ctx context.Context, sql string, args ...any) ([]User, error) {
	rows, err := s.cfg.Postgres.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate users: %w", err)
	}
	return users, nil
}

// Insert creates a user. Counters start at zero regardless of the values on u.
func (s *Store) Insert(ctx context.Context, u User) error {
	if !u.Role.Valid() {
		return fmt.Errorf("unknown role %q", u.Role)
	}
	s.log.Debug("hierarchy/store: inserting user", "id", u.ID, "role", u.Role)
	_, err := s.cfg.Postgres.Exec(ctx,
		`INSERT INTO users (id, name, region, role, parent_id) VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.Name, u.Region, string(u.Role), u.ParentID)
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// SetParent moves a user under a new parent, or to the top level when parentID is nil.
// It refuses a move that would make the user its own ancestor.
func (s *Store) SetParent(ctx context.Context, id uuid.UUID, parentID *uuid.UUID) error {
	if parentID != nil {
		if *parentID == id {
			return engineerr.NewCycle(engineerr.TreeUsers, id, []uuid.UUID{id}, id)
		}
		chain, err := Ancestors(ctx, s.log, s, *parentID)
		if err != nil {
			return err
		}
		for _, a := range chain {
			if a.ID == id {
				return engineerr.NewCycle(engineerr.TreeUsers, id, []uuid.UUID{*parentID, a.ID}, id)
			}
		}
	}

	tag, err := s.cfg.Postgres.Exec(ctx, `UPDATE users SET parent_id = $2, updated_at = NOW() WHERE id = $1`, id, parentID)
	if err != nil {
		return fmt.Errorf("failed to set parent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", id, engineerr.ErrUserNotFound)
	}
	return nil
}
