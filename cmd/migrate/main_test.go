package main

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/luonghoangminh88-hub/smsflex/internal/storage/postgres"
)

func testPostgresDSN(t *testing.T) string {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("SMSFLEX_POSTGRES_TEST_DSN"))
	if dsn == "" {
		t.Skip("postgres dsn is not available")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	store, err := postgres.Open(ctx, dsn)
	if err != nil {
		t.Skipf("postgres is not available: %v", err)
	}
	_ = store.Close()
	return dsn
}

func TestRunMigratePaths(t *testing.T) {
	dsn := testPostgresDSN(t)

	for _, args := range [][]string{
		{"-direction=status"},
		{"-direction=up"},
		{"-direction=down", "-steps=1"},
		{"-direction=up", "-steps=1"},
	} {
		var out bytes.Buffer
		if err := run(append(args, "-dsn="+dsn), &out); err != nil {
			t.Fatalf("run %v failed: %v", args, err)
		}
		if !strings.Contains(out.String(), "ok") && !strings.Contains(out.String(), "status") {
			t.Fatalf("unexpected output for %v: %q", args, out.String())
		}
	}

	var out bytes.Buffer
	if err := run([]string{"-direction=list", "-dsn=" + dsn}, &out); err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !strings.Contains(out.String(), "[x]") {
		t.Fatalf("expected applied migrations in list, got %q", out.String())
	}
}

func TestRunMissingDSN(t *testing.T) {
	t.Setenv(dsnEnv, "")

	err := run([]string{"-direction=status"}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), dsnEnv) {
		t.Fatalf("expected missing dsn error, got %v", err)
	}
}

func TestRunUnsupportedDirection(t *testing.T) {
	err := run([]string{"-direction=sideways", "-dsn=postgres://localhost/none"}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "unsupported direction") {
		t.Fatalf("expected unsupported direction error, got %v", err)
	}
}

func TestFailExits(t *testing.T) {
	if os.Getenv("MIGRATE_TEST_FAIL_EXIT") == "1" {
		fail("forced failure %d", 42)
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestFailExits")
	cmd.Env = append(os.Environ(), "MIGRATE_TEST_FAIL_EXIT=1")
	err := cmd.Run()
	if err == nil {
		t.Fatal("expected subprocess to exit with error")
	}
	if exitErr, ok := err.(*exec.ExitError); !ok || exitErr.ExitCode() == 0 {
		t.Fatalf("expected non-zero exit code, got %v", err)
	}
}
