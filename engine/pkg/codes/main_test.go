package codes_test

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	postgrestesting "github.com/malbeclabs/referrals/engine/pkg/postgres/testing"
	referralstesting "github.com/malbeclabs/referrals/utils/pkg/testing"
)

var sharedDB = referralstesting.NewSharedDB(func(ctx context.Context, log *slog.Logger) (*postgrestesting.DB, error) {
	return postgrestesting.NewDB(ctx, log, nil)
})

func TestMain(m *testing.M) {
	code := m.Run()
	sharedDB.Close()
	os.Exit(code)
}

func testPool(t *testing.T) *pgxpool.Pool {
	return postgrestesting.NewTestPool(t, sharedDB.Get(t))
}
