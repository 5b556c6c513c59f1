package referralstesting

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// Closer is a test container that can be torn down.
type Closer interface {
	Close()
}

// SharedDB starts a test container on first use and hands the same instance to every test
// in the package. Packages mixing pure unit tests with database tests only pay for the
// container when a database test runs.
type SharedDB[T Closer] struct {
	start func(ctx context.Context, log *slog.Logger) (T, error)

	once    sync.Once
	db      T
	err     error
	started bool
}

func NewSharedDB[T Closer](start func(ctx context.Context, log *slog.Logger) (T, error)) *SharedDB[T] {
	return &SharedDB[T]{start: start}
}

// Get returns the shared container, starting it if needed. Set SKIP_CONTAINER_TESTS to skip
// database tests on machines without docker.
func (s *SharedDB[T]) Get(t *testing.T) T {
	t.Helper()
	SkipWithoutContainers(t)
	s.once.Do(func() {
		s.db, s.err = s.start(context.Background(), NewLogger())
		s.started = s.err == nil
	})
	require.NoError(t, s.err, "failed to start shared test container")
	return s.db
}

// Close tears the container down if it was started. Call it from TestMain after m.Run.
func (s *SharedDB[T]) Close() {
	if s.started {
		s.db.Close()
	}
}
