// Package jobs holds the background task types and the asynq worker wiring.
package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskShortageScan re-nets confirmed plan requirements against stock.
	TaskShortageScan = "forge:plan:shortage_scan"
)

// ShortageScanPayload parameterises a shortage scan run.
type ShortageScanPayload struct {
	Reason string `json:"reason"`
}

// NewShortageScanTask constructs the asynq task.
func NewShortageScanTask(payload ShortageScanPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskShortageScan, data), nil
}

// ShortageRescanner re-nets confirmed material requirements and refreshes
// shortage alerts. Satisfied by *planning.Service.
type ShortageRescanner interface {
	RescanShortages(ctx context.Context) (int, error)
}

// NewShortageScanHandler builds the handler for TaskShortageScan tasks.
func NewShortageScanHandler(rescanner ShortageRescanner, metrics *Metrics, logger *slog.Logger) asynq.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, t *asynq.Task) error {
		var payload ShortageScanPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		tracker := metrics.Track("shortage_scan")
		count, err := rescanner.RescanShortages(ctx)
		if err != nil {
			logger.Error("shortage scan failed", slog.Any("error", err))
			return tracker.End(err)
		}
		metrics.SetShortages(count)
		logger.Info("shortage scan finished", slog.Int("shortages", count), slog.String("reason", payload.Reason))
		return tracker.End(nil)
	}
}
