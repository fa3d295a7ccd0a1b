package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/shopbilling/pkg/logger"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type consumer interface {
	Run(ctx context.Context) error
}

type aggregator interface {
	Run(ctx context.Context, refresh time.Duration) error
}

type dependency struct {
	name   string
	pinger pinger
}

type ServiceParams struct {
	Logger       *logger.Logger
	Dependencies []dependency
	Consumer     consumer
	Aggregator   aggregator
	Refresh      time.Duration
}

// Service consumes subscription changes and keeps revenue snapshots fresh.
type Service struct {
	logg       *logger.Logger
	deps       []dependency
	consumer   consumer
	aggregator aggregator
	refresh    time.Duration
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Consumer == nil {
		return nil, errors.New("subscription consumer is required")
	}
	if params.Aggregator == nil {
		return nil, errors.New("metrics aggregator is required")
	}
	if params.Refresh <= 0 {
		return nil, errors.New("refresh interval must be positive")
	}
	for _, dep := range params.Dependencies {
		if dep.pinger == nil {
			return nil, fmt.Errorf("%s client is required", dep.name)
		}
	}
	return &Service{
		logg:       params.Logger,
		deps:       params.Dependencies,
		consumer:   params.Consumer,
		aggregator: params.Aggregator,
		refresh:    params.Refresh,
	}, nil
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	for _, dep := range s.deps {
		if err := pingDependency(ctx, s.logg, dep.name, dep.pinger.Ping); err != nil {
			return err
		}
	}
	s.logg.Info(ctx, "all worker dependencies are ready")
	return nil
}

func pingDependency(ctx context.Context, logg *logger.Logger, name string, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		logg.Error(ctx, fmt.Sprintf("%s ping failed", name), err)
		return fmt.Errorf("%s ping failed: %w", name, err)
	}
	return nil
}

// Run blocks until ctx ends or either loop stops. The first loop to stop
// cancels the other.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- s.consumer.Run(runCtx)
	}()
	go func() {
		errCh <- s.aggregator.Run(runCtx, s.refresh)
	}()

	select {
	case <-ctx.Done():
		s.logg.Info(ctx, "worker context canceled")
		cancel()
		<-errCh
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		cancel()
		<-errCh
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logg.Error(ctx, "worker loop stopped unexpectedly", err)
			return err
		}
		return err
	}
}
