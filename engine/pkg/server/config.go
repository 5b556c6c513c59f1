package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/malbeclabs/referrals/engine/pkg/attribution"
	"github.com/malbeclabs/referrals/engine/pkg/codes"
	"github.com/malbeclabs/referrals/engine/pkg/ledger"
	"github.com/malbeclabs/referrals/engine/pkg/reporting"
	"github.com/malbeclabs/referrals/engine/pkg/rollup"
)

// VersionInfo contains build-time version information.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// API is the engine surface the HTTP handlers serve.
type API interface {
	Attribute(ctx context.Context, donationID uuid.UUID, code string) (*attribution.Result, error)
	OnDonationSuccess(ctx context.Context, donationID uuid.UUID) (rollup.Outcome, error)
	RecomputeOne(ctx context.Context, codeID uuid.UUID) (codes.Counters, error)
	RecomputeUser(ctx context.Context, userID uuid.UUID) (ledger.Totals, error)
	PerformanceMetrics(ctx context.Context, userID uuid.UUID, window reporting.Window, includeSubtree bool) (*reporting.Metrics, error)
	HierarchyPerformance(ctx context.Context, userID uuid.UUID, window reporting.Window) ([]reporting.MemberPerformance, error)
	BuildPerformanceTree(ctx context.Context, rootUserID uuid.UUID, window reporting.Window) (*reporting.TreeNode, error)
	CreateReferralCode(ctx context.Context, userID uuid.UUID, parentCodeID *uuid.UUID) (*codes.ReferralCode, error)
	ResolveCode(ctx context.Context, code string) (*codes.ReferralCode, error)
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Logger            *slog.Logger
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	VersionInfo       VersionInfo
	API               API
	// Ready is checked by /readyz. Optional.
	Ready Pinger
	// CORSOrigins are the allowed browser origins. Empty disables CORS headers.
	CORSOrigins []string
	// RequestsPerMinute limits /api/v1 per client IP. Zero disables the limit.
	RequestsPerMinute int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.API == nil {
		return errors.New("api is required")
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return nil
}
