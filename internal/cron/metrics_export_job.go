package cron

import (
	"context"
	"fmt"

	"github.com/angelmondragon/shopbilling/pkg/logger"
)

type snapshotExporter interface {
	ExportPending(ctx context.Context) (int, error)
}

func NewMetricsExportJob(logg *logger.Logger, exporter snapshotExporter) (Job, error) {
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	if exporter == nil {
		return nil, fmt.Errorf("exporter required")
	}
	return &metricsExportJob{logg: logg, exporter: exporter}, nil
}

type metricsExportJob struct {
	logg     *logger.Logger
	exporter snapshotExporter
}

func (j *metricsExportJob) Name() string { return "metrics-export" }

func (j *metricsExportJob) Run(ctx context.Context) error {
	exported, err := j.exporter.ExportPending(ctx)
	logCtx := j.logg.WithField(ctx, "exported", exported)
	if err != nil {
		return fmt.Errorf("export metrics snapshots: %w", err)
	}
	if exported > 0 {
		j.logg.Info(logCtx, "metrics snapshots exported")
	}
	return nil
}
