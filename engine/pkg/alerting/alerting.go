// Package alerting reports data-integrity failures to operators.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/malbeclabs/referrals/engine/pkg/engineerr"
)

// Notifier receives hierarchy corruption found while serving op.
type Notifier interface {
	CorruptHierarchy(ctx context.Context, op string, err *engineerr.CorruptHierarchyError)
	Flush(timeout time.Duration) bool
}

type Nop struct{}

func (Nop) CorruptHierarchy(context.Context, string, *engineerr.CorruptHierarchyError) {}
func (Nop) Flush(time.Duration) bool { return true }

type SentryConfig struct {
	Logger      *slog.Logger
	DSN         string
	Environment string
	Release     string
}

func (cfg *SentryConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DSN == "" {
		return errors.New("sentry dsn is required")
	}
	return nil
}

// Sentry sends each corruption as an error event tagged with the tree and operation.
type Sentry struct {
	log *slog.Logger
	hub *sentry.Hub
}

func NewSentry(cfg SentryConfig) (*Sentry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sentry client: %w", err)
	}
	return &Sentry{log: cfg.Logger, hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

func (s *Sentry) CorruptHierarchy(_ context.Context, op string, err *engineerr.CorruptHierarchyError) {
	path := make([]string, len(err.Path))
	for i, id := range err.Path {
		path[i] = id.String()
	}
	s.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		scope.SetTag("op", op)
		scope.SetTag("tree", string(err.Tree))
		scope.SetContext("hierarchy", sentry.Context{
			"start":  err.Start.String(),
			"path":   path,
			"reason": err.Reason,
		})
		if id := s.hub.CaptureException(err); id != nil {
			s.log.Debug("alerting: sent corrupt hierarchy event", "event_id", string(*id), "op", op)
		}
	})
}

func (s *Sentry) Flush(timeout time.Duration) bool {
	return s.hub.Flush(timeout)
}
