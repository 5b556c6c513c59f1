package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/malbeclabs/referrals/engine/pkg/codes"
	"github.com/malbeclabs/referrals/engine/pkg/ledger"
	"github.com/malbeclabs/referrals/engine/pkg/rollup"
)

type Recomputer interface {
	RecomputeOne(ctx context.Context, codeID uuid.UUID) (codes.Counters, error)
	RecomputeUser(ctx context.Context, userID uuid.UUID) (ledger.Totals, error)
	RecomputeAll(ctx context.Context) (rollup.Summary, error)
}

// RecomputeAll recomputes every code and prints the summary as JSON. Individual failures are
// reported but only a failed run returns an error.
func RecomputeAll(ctx context.Context, log *slog.Logger, r Recomputer, out io.Writer) error {
	summary, err := r.RecomputeAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to recompute codes: %w", err)
	}
	if len(summary.Failures) > 0 {
		log.Warn("admin: some codes failed to recompute", "failed", len(summary.Failures), "total", summary.Total)
	}
	return writeJSON(out, summary)
}

func RecomputeCode(ctx context.Context, r Recomputer, codeID uuid.UUID, out io.Writer) error {
	c, err := r.RecomputeOne(ctx, codeID)
	if err != nil {
		return fmt.Errorf("failed to recompute code %s: %w", codeID, err)
	}
	return writeJSON(out, c)
}

func RecomputeUser(ctx context.Context, r Recomputer, userID uuid.UUID, out io.Writer) error {
	t, err := r.RecomputeUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to recompute user %s: %w", userID, err)
	}
	return writeJSON(out, t)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
