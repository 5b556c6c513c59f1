package admin

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/malbeclabs/referrals/engine/pkg/clickhouse"
	clickhousetesting "github.com/malbeclabs/referrals/engine/pkg/clickhouse/testing"
	referralstesting "github.com/malbeclabs/referrals/utils/pkg/testing"
)

var sharedClickHouse = referralstesting.NewSharedDB(func(ctx context.Context, log *slog.Logger) (*clickhousetesting.DB, error) {
	return clickhousetesting.NewDB(ctx, log, nil)
})

func TestMain(m *testing.M) {
	code := m.Run()
	sharedClickHouse.Close()
	os.Exit(code)
}

func testClickHouse(t *testing.T) clickhouse.Client {
	return clickhousetesting.NewTestClient(t, sharedClickHouse.Get(t))
}
