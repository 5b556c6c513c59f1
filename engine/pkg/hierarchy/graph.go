package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/malbeclabs/referrals/engine/pkg/engineerr"
	"github.com/malbeclabs/referrals/engine/pkg/neo4j"
)

type GraphConfig struct {
	Logger *slog.Logger
	Neo4j  neo4j.Client
}

func (cfg *GraphConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Neo4j == nil {
		return errors.New("neo4j client is required")
	}
	return nil
}

// Graph mirrors the user hierarchy into Neo4j as (:User)-[:REPORTS_TO]->(:User) and serves
// the Directory interface from it.
type Graph struct {
	log *slog.Logger
	cfg GraphConfig
}

func NewGraph(cfg GraphConfig) (*Graph, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Graph{log: cfg.Logger, cfg: cfg}, nil
}

const graphUserReturn = `u.id AS id, u.name AS name, u.region AS region, u.role AS role,
	u.total_donations_referred AS total_donations_referred, u.total_amount_referred AS total_amount_referred,
	u.created_at AS created_at, u.updated_at AS updated_at, p.id AS parent_id`

// InitializeSchema creates the uniqueness constraint on user ids.
func (g *Graph) InitializeSchema(ctx context.Context) error {
	session, err := g.cfg.Neo4j.Session(ctx)
	if err != nil {
		return fmt.Errorf("failed to open neo4j session: %w", err)
	}
	defer session.Close(ctx)

	res, err := session.Run(ctx, `CREATE CONSTRAINT user_id_unique IF NOT EXISTS FOR (u:User) REQUIRE u.id IS UNIQUE`, nil)
	if err != nil {
		return fmt.Errorf("failed to create user constraint: %w", err)
	}
	if _, err := res.Consume(ctx); err != nil {
		return fmt.Errorf("failed to create user constraint: %w", err)
	}
	return nil
}

func (g *Graph) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	users, err := g.read(ctx,
		`MATCH (u:User {id: $id}) OPTIONAL MATCH (u)-[:REPORTS_TO]->(p:User) RETURN `+graphUserReturn,
		map[string]any{"id": id.String()})
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("user %s: %w", id, engineerr.ErrUserNotFound)
	}
	return &users[0], nil
}

func (g *Graph) Children(ctx context.Context, id uuid.UUID) ([]User, error) {
	return g.read(ctx,
		`MATCH (u:User)-[:REPORTS_TO]->(p:User {id: $id}) RETURN `+graphUserReturn+` ORDER BY u.name, u.id`,
		map[string]any{"id": id.String()})
}

func (g *Graph) read(ctx context.Context, cypher string, params map[string]any) ([]User, error) {
	session, err := g.cfg.Neo4j.Session(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open neo4j session: %w", err)
	}
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.Transaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		users := make([]User, 0, len(records))
		for _, rec := range records {
			u, err := userFromRecord(rec.AsMap())
			if err != nil {
				return nil, err
			}
			users = append(users, u)
		}
		return users, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query neo4j users: %w", err)
	}
	return out.([]User), nil
}

func userFromRecord(m map[string]any) (User, error) {
	var u User
	id, err := uuid.Parse(asString(m["id"]))
	if err != nil {
		return u, fmt.Errorf("invalid user id in graph: %w", err)
	}
	u.ID = id
	u.Name = asString(m["name"])
	u.Region = asString(m["region"])
	u.Role = Role(asString(m["role"]))
	u.TotalDonationsReferred = asInt64(m["total_donations_referred"])
	u.TotalAmountReferred = asInt64(m["total_amount_referred"])
	u.CreatedAt = asTime(m["created_at"])
	u.UpdatedAt = asTime(m["updated_at"])
	if p := asString(m["parent_id"]); p != "" {
		pid, err := uuid.Parse(p)
		if err != nil {
			return u, fmt.Errorf("invalid parent id in graph: %w", err)
		}
		u.ParentID = &pid
	}
	return u, nil
}

// SyncUsers upserts users and replaces their REPORTS_TO edge. Parents referenced before they
// are synced are created as placeholder nodes and filled in when they arrive.
func (g *Graph) SyncUsers(ctx context.Context, users []User) error {
	if len(users) == 0 {
		return nil
	}
	g.log.Debug("hierarchy/graph: syncing users", "count", len(users))

	rows := make([]map[string]any, 0, len(users))
	for _, u := range users {
		var parent any
		if u.ParentID != nil {
			parent = u.ParentID.String()
		}
		rows = append(rows, map[string]any{
			"id":                       u.ID.String(),
			"name":                     u.Name,
			"region":                   u.Region,
			"role":                     string(u.Role),
			"parent_id":                parent,
			"total_donations_referred": u.TotalDonationsReferred,
			"total_amount_referred":    u.TotalAmountReferred,
			"created_at":               u.CreatedAt.UTC(),
			"updated_at":               u.UpdatedAt.UTC(),
		})
	}

	session, err := g.cfg.Neo4j.Session(ctx)
	if err != nil {
		return fmt.Errorf("failed to open neo4j session: %w", err)
	}
	defer session.Close(ctx)

	_, err = session.ExecuteWrite(ctx, func(tx neo4j.Transaction) (any, error) {
		res, err := tx.Run(ctx, `
			UNWIND $rows AS row
			MERGE (u:User {id: row.id})
			SET u.name = row.name, u.region = row.region, u.role = row.role,
				u.total_donations_referred = row.total_donations_referred,
				u.total_amount_referred = row.total_amount_referred,
				u.created_at = row.created_at, u.updated_at = row.updated_at
			WITH u, row
			OPTIONAL MATCH (u)-[old:REPORTS_TO]->(:User)
			DELETE old
			WITH DISTINCT u, row
			WHERE row.parent_id IS NOT NULL
			MERGE (p:User {id: row.parent_id})
			MERGE (u)-[:REPORTS_TO]->(p)`,
			map[string]any{"rows": rows})
		if err != nil {
			return nil, err
		}
		_, err = res.Consume(ctx)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("failed to sync users to neo4j: %w", err)
	}
	return nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func asTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case interface{ Time() time.Time }:
		return t.Time().UTC()
	}
	return time.Time{}
}
