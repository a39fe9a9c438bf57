package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/tabletalk/tabletalk/internal/config"
	ledgerpostgres "github.com/tabletalk/tabletalk/internal/ledger/postgres"
	"github.com/tabletalk/tabletalk/internal/migrations"
)

func main() {
	direction := flag.String("direction", "up", "migration direction: up|down|status")
	steps := flag.Int("steps", 0, "number of migration steps; 0 means all for up, 1 for down")
	flag.Parse()

	cfg, err := config.Load("tabletalk-migrate", migrateLookup)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if cfg.Ledger.DSN == "" {
		fmt.Fprintln(os.Stderr, "TABLETALK_LEDGER_DSN is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := ledgerpostgres.Open(ctx, ledgerpostgres.DBConfig{DSN: cfg.Ledger.DSN, ApplicationName: cfg.Service.Name, MaxOpenConns: 1})
	if err != nil {
		fmt.Fprintf(os.Stderr, "database open error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	runner := migrations.NewRunner()
	switch *direction {
	case "up":
		applied, err := runner.Up(ctx, db, *steps)
		if err != nil {
			fmt.Fprintf(os.Stderr, "migration up failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("applied %d migration(s)\n", applied)
	case "down":
		applied, err := runner.Down(ctx, db, *steps)
		if err != nil {
			fmt.Fprintf(os.Stderr, "migration down failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("rolled back %d migration(s)\n", applied)
	case "status":
		states, err := runner.Status(ctx, db)
		if err != nil {
			fmt.Fprintf(os.Stderr, "migration status failed: %v\n", err)
			os.Exit(1)
		}
		printStatus(os.Stdout, states)
	default:
		fmt.Fprintf(os.Stderr, "invalid direction: %s\n", *direction)
		os.Exit(1)
	}
}

func printStatus(w io.Writer, states []migrations.State) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "VERSION\tNAME\tSTATE")
	for _, state := range states {
		label := "pending"
		if state.Applied {
			label = "applied"
		}
		_, _ = fmt.Fprintf(tw, "%06d\t%s\t%s\n", state.Version, state.Name, label)
	}
	_ = tw.Flush()
}

// migrateLookup pins the settings this tool depends on so unrelated
// service settings such as the language model key are not required.
func migrateLookup(key string) (string, bool) {
	switch key {
	case "TABLETALK_LEDGER_BACKEND":
		return "postgres", true
	case "TABLETALK_AI_TRANSLATE_ENABLED", "TABLETALK_OBJECTSTORE_ENABLED":
		return "false", true
	}
	return os.LookupEnv(key)
}
