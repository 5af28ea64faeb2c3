package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"sqlbulk/internal/metrics"
	"sqlbulk/internal/metrics/datadog"
)

// metricsBackend is what initMetrics needs from a backend besides the
// metrics.Backend methods.
type metricsBackend interface {
	Close() error
}

// Seams for tests.
var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		return datadog.NewBackend(ctx, opts)
	}
	setMetricsBackend = func(b any) {
		mb, _ := b.(metrics.Backend)
		metrics.SetBackend(mb)
	}
)

// initMetrics wires the selected backend into the metrics facade. The
// returned cleanup is never nil and is safe to call on every path.
func initMetrics(ctx context.Context, log zerolog.Logger, jobName, backend, tagsCSV string) (func(), error) {
	nop := func() {}

	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", "none", "noop":
		log.Debug().Msg("metrics disabled")
		return nop, nil

	case "datadog", "dd":
		tags := datadog.ParseTagsCSV(tagsCSV)
		b, err := newDatadogBackend(ctx, datadog.Options{
			JobName:    jobName,
			Tags:       tags,
			FlushEvery: 60 * time.Second,
		})
		if err != nil {
			// Metrics never fail a run.
			log.Warn().Err(err).Msg("metrics: datadog backend unavailable; metrics disabled")
			return nop, nil
		}
		setMetricsBackend(b)
		log.Debug().Str("backend", "datadog").Str("job", jobName).Strs("tags", tags).Msg("metrics enabled")

		return func() {
			if err := b.Close(); err != nil {
				log.Error().Err(err).Msg("metrics: datadog close error")
			}
			setMetricsBackend(nil)
		}, nil
	}
	return nop, fmt.Errorf("unknown metrics backend %q (want none|datadog)", backend)
}
