package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"manuscripthub/internal/migrate"
	"manuscripthub/internal/substrate"
	"manuscripthub/internal/util"
	"manuscripthub/pkg/sqldb"
)

func main() {
	dir := flag.String("dir", os.Getenv("MIGRATIONS_DIR"), "read scripts from this directory instead of the embedded set")
	list := flag.Bool("list", false, "print the scripts in apply order and exit")
	flag.Parse()

	logger := util.InitLogger(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	source := migrate.Source(*dir)
	if *list {
		names, err := migrate.Scripts(source)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(strings.Join(names, "\n"))
		return
	}

	var s substrate.Settings
	s.ApplyEnv()
	s.Normalize()
	if strings.TrimSpace(s.DatabaseURL) == "" {
		fmt.Fprintln(os.Stderr, "FATAL: missing required environment: DATABASE_URL")
		os.Exit(1)
	}
	slow, err := s.SlowQuery()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: invalid SLOW_QUERY_THRESHOLD: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	db, err := sqldb.Open(ctx, sqldb.Config{Driver: s.DatabaseDriver, DSN: s.DatabaseURL, SlowThreshold: slow, ConnectAttempts: 3})
	if err != nil {
		logger.Error("database_open_failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	report, err := migrate.New(db, source).Run(ctx)
	logger.Info("migrations_finished",
		"applied", len(report.Applied),
		"skipped", len(report.Skipped),
		"failed", len(report.Failed),
	)
	if err != nil {
		logger.Error("migrations_failed", "scripts", report.Failed, "err", err)
		db.Close()
		os.Exit(1)
	}
}
