package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/telecare/telemed/internal/domain/compliance"
	"github.com/telecare/telemed/pkg/workerpool"
)

// scanner is the part of compliance.Service the job drives.
type scanner interface {
	ActivePatients(ctx context.Context) ([]uuid.UUID, error)
	Scan(ctx context.Context, patientID *uuid.UUID, actor *compliance.Actor) (*compliance.ScanReport, error)
}

// scanPatients evaluates each patient's medications on a worker pool and
// merges the per-patient reports. Failed patients are returned separately.
func scanPatients(ctx context.Context, svc scanner, patients []uuid.UUID, workers int, logger *zap.Logger) (*compliance.ScanReport, []uuid.UUID, error) {
	cfg := workerpool.DefaultConfig()
	if workers > 0 {
		cfg.Workers = workers
	}
	cfg.MaxRetries = 1

	results, err := workerpool.Run(ctx, cfg, patients, uuid.UUID.String,
		func(ctx context.Context, patientID uuid.UUID) (*compliance.ScanReport, error) {
			return svc.Scan(ctx, &patientID, nil)
		}, logger)

	report := compliance.NewScanReport()
	var failed []uuid.UUID
	for _, r := range results {
		if r.Err != nil {
			logger.Error("patient scan failed",
				zap.String("patient_id", r.TaskID),
				zap.Int("attempts", r.Attempts),
				zap.Error(r.Err))
			failed = append(failed, r.Payload)
			continue
		}
		report.Merge(r.Value)
	}
	return report, failed, err
}

func writeSummary(w io.Writer, report *compliance.ScanReport, failed []uuid.UUID) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "evaluated\t%d\n", report.Evaluated)
	for _, r := range compliance.Reasons {
		fmt.Fprintf(tw, "%s\t%d\n", r, report.Created[r])
	}
	fmt.Fprintf(tw, "total\t%d\n", report.Created.Total())
	fmt.Fprintf(tw, "skipped\t%d\n", len(report.Skipped))
	fmt.Fprintf(tw, "failed medications\t%d\n", len(report.Failures))
	fmt.Fprintf(tw, "failed patients\t%d\n", len(failed))
	return tw.Flush()
}
