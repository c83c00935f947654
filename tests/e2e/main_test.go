package e2e

import (
	"flag"
	"os"
	"testing"

	"github.com/iwork/iwork/tests/testutil"
)

// TestMain builds and boots a real server. -short skips the suite.
func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(0)
	}
	os.Exit(testutil.Run(m))
}
