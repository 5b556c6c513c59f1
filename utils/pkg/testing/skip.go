package referralstesting

import (
	"os"
	"testing"
)

func SkipWithoutContainers(t *testing.T) {
	t.Helper()
	if os.Getenv("SKIP_CONTAINER_TESTS") != "" {
		t.Skip("SKIP_CONTAINER_TESTS is set")
	}
}
