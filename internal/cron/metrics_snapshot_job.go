package cron

import (
	"context"
	"fmt"

	"github.com/angelmondragon/shopbilling/pkg/logger"
)

type snapshotRebuilder interface {
	Rebuild(ctx context.Context) error
}

// NewMetricsSnapshotJob rebuilds every configured metrics window so
// snapshots advance even when no billing events arrive.
func NewMetricsSnapshotJob(logg *logger.Logger, aggregator snapshotRebuilder) (Job, error) {
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	if aggregator == nil {
		return nil, fmt.Errorf("aggregator required")
	}
	return &metricsSnapshotJob{logg: logg, aggregator: aggregator}, nil
}

type metricsSnapshotJob struct {
	logg       *logger.Logger
	aggregator snapshotRebuilder
}

func (j *metricsSnapshotJob) Name() string { return "metrics-snapshot" }

func (j *metricsSnapshotJob) Run(ctx context.Context) error {
	if err := j.aggregator.Rebuild(ctx); err != nil {
		return fmt.Errorf("rebuild metrics snapshots: %w", err)
	}
	return nil
}
