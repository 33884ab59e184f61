package runner

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"dupscan/internal/errors"
	"dupscan/internal/logger"
	"dupscan/internal/metrics"
	"dupscan/internal/metrics/datadog"
)

// MetricsFlushEvery is the datadog submission period.
const MetricsFlushEvery = 60 * time.Second

// SetupMetrics installs the metrics backend named by backend and returns the
// function that flushes and uninstalls it.
//
// backend falls back to $METRICS_BACKEND, and extra tags come from tags or,
// when empty, $METRICS_TAGS. A backend that fails to start is logged and
// metrics stay disabled; only an unknown name is an error.
func SetupMetrics(ctx context.Context, job, backend, tags string, log *zap.SugaredLogger) (func(), error) {
	log = logger.Or(log)
	if backend == "" {
		backend = os.Getenv("METRICS_BACKEND")
	}
	if tags == "" {
		tags = os.Getenv("METRICS_TAGS")
	}
	if job == "" {
		job = DefaultJob
	}

	switch backend {
	case "", "none":
		log.Debugw("metrics disabled", "backend", backend)
		return func() {}, nil

	case "datadog":
		extra := datadog.ParseTagsCSV(tags)
		b, err := datadog.NewBackend(ctx, datadog.Options{
			JobName:    job,
			Tags:       extra,
			FlushEvery: MetricsFlushEvery,
		})
		if err != nil {
			log.Warnw("metrics: datadog backend failed to start; metrics disabled", "error", err)
			return func() {}, nil
		}
		log.Infow("metrics enabled", "backend", backend, "job", job, "tags", extra)
		metrics.SetBackend(b)
		return func() {
			// Close stops the flush loop and submits what is left.
			if err := b.Close(); err != nil {
				log.Warnw("metrics: datadog close", "error", err)
			}
			metrics.SetBackend(nil)
		}, nil

	default:
		return nil, errors.WithHint(
			errors.NewConfigurationError("unknown metrics backend %q", backend),
			"use datadog or none",
		)
	}
}
