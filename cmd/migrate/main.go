package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/luonghoangminh88-hub/smsflex/internal/storage/postgres"
)

const (
	defaultTimeout = 30 * time.Second
	dsnEnv         = "SMSFLEX_POSTGRES_DSN"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fail("%v", err)
	}
}

func run(args []string, out io.Writer) error {
	var (
		direction string
		steps     int
		dsn       string
	)

	flags := flag.NewFlagSet("migrate", flag.ContinueOnError)
	flags.StringVar(&direction, "direction", "up", "migration direction: up|down|status|list")
	flags.IntVar(&steps, "steps", 0, "number of migrations to apply/rollback (0=all for up, 1 for down)")
	flags.StringVar(&dsn, "dsn", "", "PostgreSQL DSN (fallback: "+dsnEnv+")")
	if err := flags.Parse(args); err != nil {
		return err
	}

	direction = strings.ToLower(strings.TrimSpace(direction))
	switch direction {
	case "up", "down", "status", "list":
	default:
		return fmt.Errorf("unsupported direction: %s (use up|down|status|list)", direction)
	}

	if strings.TrimSpace(dsn) == "" {
		dsn = strings.TrimSpace(os.Getenv(dsnEnv))
	}
	if dsn == "" {
		return fmt.Errorf("%s (or -dsn) is required", dsnEnv)
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	store, err := postgres.Open(ctx, dsn)
	if err != nil {
		return fmt.Errorf("open postgres store: %w", err)
	}
	defer store.Close()

	switch direction {
	case "up":
		if err := store.MigrateUp(ctx, steps); err != nil {
			return fmt.Errorf("migrate up failed: %w", err)
		}
	case "down":
		if steps <= 0 {
			steps = 1
		}
		if err := store.MigrateDown(ctx, steps); err != nil {
			return fmt.Errorf("migrate down failed: %w", err)
		}
	case "list":
		migrations, err := store.Migrations(ctx)
		if err != nil {
			return fmt.Errorf("list migrations failed: %w", err)
		}
		for _, m := range migrations {
			mark := " "
			if m.Applied {
				mark = "x"
			}
			_, _ = fmt.Fprintf(out, "[%s] %04d %s\n", mark, m.Version, m.Name)
		}
		return nil
	}

	version, count, err := store.MigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("migration status failed: %w", err)
	}
	_, _ = fmt.Fprintf(out, "migrate %s ok: version=%d applied=%d\n", direction, version, count)
	return nil
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
