// Package main runs one compliance scan over active medications and exits.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/telecare/telemed/internal/app"
	"github.com/telecare/telemed/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	patientFlag := flag.String("patient-id", "", "scan only this patient")
	workers := flag.Int("workers", 0, "concurrent patient scans (default from config)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if *workers <= 0 {
		*workers = cfg.Compliance.ScanWorkers
	}

	logger, err := cfg.Log.NewLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	var patients []uuid.UUID
	if *patientFlag != "" {
		id, err := uuid.Parse(*patientFlag)
		if err != nil {
			return fmt.Errorf("invalid -patient-id: %w", err)
		}
		patients = []uuid.UUID{id}
	} else {
		patients, err = a.Compliance.ActivePatients(ctx)
		if err != nil {
			return err
		}
	}

	start := time.Now()
	logger.Info("scan started", zap.Int("patients", len(patients)), zap.Int("workers", *workers))

	report, failed, err := scanPatients(ctx, a.Compliance, patients, *workers, logger)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}

	logger.Info("scan finished",
		zap.Int("evaluated", report.Evaluated),
		zap.Int("created", report.Created.Total()),
		zap.Duration("duration", time.Since(start)))

	if err := writeSummary(os.Stdout, report, failed); err != nil {
		return err
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d patient scans failed", len(failed))
	}
	return nil
}
