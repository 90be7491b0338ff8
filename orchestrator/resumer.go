package main

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

type dueResumer interface {
	ResumeDue(ctx context.Context, limit int) (int, error)
}

// runResumer advances waiting runs whose deadline passed until ctx ends.
func runResumer(ctx context.Context, logger *slog.Logger, runs dueResumer, interval time.Duration, batch int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		advanced, err := runs.ResumeDue(ctx, batch)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			logger.Warn("resume due runs failed", "error", err)
			continue
		}
		if advanced > 0 {
			logger.Info("resumed due runs", "advanced", advanced)
		}
	}
}
