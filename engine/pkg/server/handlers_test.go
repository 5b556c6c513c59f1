package server

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/malbeclabs/referrals/engine/pkg/engineerr"
	"github.com/malbeclabs/referrals/engine/pkg/reporting"
)

func TestReferrals_Server_StatusFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{engineerr.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("user x: %w", engineerr.ErrUserNotFound), http.StatusNotFound},
		{engineerr.ErrInactive, http.StatusUnprocessableEntity},
		{engineerr.ErrParentCodeRequired, http.StatusUnprocessableEntity},
		{engineerr.ErrNotSuccessful, http.StatusUnprocessableEntity},
		{reporting.ErrInvalidWindow, http.StatusUnprocessableEntity},
		{engineerr.ErrDuplicateActiveCode, http.StatusConflict},
		{engineerr.ErrCorruptHierarchy, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestReferrals_Server_ParseTime(t *testing.T) {
	t.Parallel()

	got, err := parseTime("")
	require.NoError(t, err)
	require.Nil(t, got)

	got, err = parseTime("2025-02-01")
	require.NoError(t, err)
	require.True(t, got.Equal(time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)))

	got, err = parseTime("2025-02-01T05:30:00+05:30")
	require.NoError(t, err)
	require.True(t, got.Equal(time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)))

	_, err = parseTime("01/02/2025")
	require.ErrorContains(t, err, "invalid time")
}

func TestReferrals_Server_RateLimiter_Allow(t *testing.T) {
	t.Parallel()

	rl := newRateLimiter(rate.Every(time.Second), 2)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.lastScan = now

	ok, _ := rl.allow("10.0.0.1", now)
	require.True(t, ok)
	ok, _ = rl.allow("10.0.0.1", now)
	require.True(t, ok)
	ok, wait := rl.allow("10.0.0.1", now)
	require.False(t, ok)
	require.Equal(t, time.Second, wait)

	ok, _ = rl.allow("10.0.0.2", now)
	require.True(t, ok, "buckets are per client")

	ok, _ = rl.allow("10.0.0.1", now.Add(time.Second))
	require.True(t, ok)

	rl.allow("10.0.0.3", now.Add(10*time.Minute))
	require.Len(t, rl.limiters, 1, "idle buckets are dropped")
}
