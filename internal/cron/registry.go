package cron

import (
	"context"
	"time"
)

// Job is a scheduled task run inside the cron worker.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

type entry struct {
	job   Job
	every time.Duration
}

// Registry tracks jobs and how often each should run. A zero cadence means
// every cycle.
type Registry struct {
	entries []entry
}

func NewRegistry(jobs ...Job) *Registry {
	registry := &Registry{}
	for _, job := range jobs {
		registry.Register(job, 0)
	}
	return registry
}

// Register adds job to run at most once per every.
func (r *Registry) Register(job Job, every time.Duration) {
	if job == nil {
		return
	}
	if every < 0 {
		every = 0
	}
	r.entries = append(r.entries, entry{job: job, every: every})
}

// Jobs returns the registered jobs in registration order.
func (r *Registry) Jobs() []Job {
	jobs := make([]Job, len(r.entries))
	for i, e := range r.entries {
		jobs[i] = e.job
	}
	return jobs
}

func (r *Registry) snapshot() []entry {
	out := make([]entry, len(r.entries))
	copy(out, r.entries)
	return out
}
