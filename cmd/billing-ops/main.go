// Package main implements billing-ops, the operator CLI for billingsync.
//
// Usage:
//
//	go run ./cmd/billing-ops --list
//	go run ./cmd/billing-ops --task=sync-plans
//	go run ./cmd/billing-ops --task=sync-plans --dry-run
//	go run ./cmd/billing-ops --task=list-plans
//	go run ./cmd/billing-ops --task=purge-events --retention=720h
//	go run ./cmd/billing-ops --task=reset-mappings
//	go run ./cmd/billing-ops --task=migrate
//
// Settings come from the environment (or .env via godotenv). Outside
// APP_ENV=local, *_SSM_PARAM pointers are resolved first.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultRuntime()))
}

// run parses args and executes one task. It returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer, rt runtime) int {
	fs := flag.NewFlagSet("billing-ops", flag.ContinueOnError)
	fs.SetOutput(stderr)
	taskFlag := fs.String("task", "", "Task to execute (see --list)")
	listFlag := fs.Bool("list", false, "List all available tasks and exit")
	dryRunFlag := fs.Bool("dry-run", false, "Describe the task without changing anything")
	retentionFlag := fs.Duration("retention", defaultRetention, "Age after which archived event payloads are purged")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: billing-ops [flags]\n\n")
		fmt.Fprintf(stderr, "Run billingsync maintenance tasks.\n\n")
		fmt.Fprintf(stderr, "Flags:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nUse --list to see all available tasks.\n")
	}

	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *listFlag {
		printAvailableTasks(stdout)
		return 0
	}

	if *taskFlag == "" {
		fmt.Fprintf(stderr, "error: --task is required\n\n")
		fs.Usage()
		return 1
	}

	task, ok := tasks[*taskFlag]
	if !ok {
		fmt.Fprintf(stderr, "error: unknown task %q\n\n", *taskFlag)
		printAvailableTasks(stderr)
		return 1
	}
	if *retentionFlag <= 0 {
		fmt.Fprintf(stderr, "error: --retention must be positive, got %s\n", *retentionFlag)
		return 1
	}

	if rt.loadDotenv != nil {
		_ = rt.loadDotenv()
	}

	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := loadOpsConfig(rt)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	opts := taskOptions{
		DryRun:    *dryRunFlag,
		Retention: *retentionFlag,
		Now:       rt.now(),
	}

	start := time.Now()
	if err := task.run(ctx, cfg, opts, rt, logger, stdout); err != nil {
		logger.Error("task execution failed", "task", *taskFlag, "error", err)
		return 1
	}
	logger.Info("task execution succeeded",
		"task", *taskFlag,
		"dry_run", opts.DryRun,
		"duration", time.Since(start),
	)
	return 0
}

func defaultRuntime() runtime {
	return runtime{
		loadDotenv: func() error { return godotenv.Load() },
		now:        time.Now,
		openDB:     openDatabase,
		migrate:    migrateDatabase,
		httpClient: nil,
	}
}
