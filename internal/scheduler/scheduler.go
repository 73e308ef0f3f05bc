// Package scheduler drives the proactive loop: a fixed-interval ticker
// sweeps expired approvals and evaluates every startup's rules. Tenants
// evaluate concurrently through a bounded worker pool; the stored rows
// are the only authoritative state, so multiple instances can tick the
// same database safely.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"pulseline/internal/approval"
	"pulseline/internal/heartbeat"
	"pulseline/internal/repo"
	"pulseline/internal/workflow"
)

const (
	defaultInterval = time.Minute
	defaultWorkers  = 4
)

type Scheduler struct {
	Repo      repo.Repo
	Evaluator heartbeat.Evaluator
	Approvals approval.Manager
	Runner    workflow.Runner
	Interval  time.Duration
	Workers   int
}

// Run ticks until the context is cancelled. The first tick fires
// immediately.
func (s Scheduler) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one full pass: expiry sweeps, then rule evaluation for
// every startup. A failing tenant is logged and skipped, never fatal.
func (s Scheduler) Tick(ctx context.Context) {
	if n, err := s.Approvals.ExpireSweep(ctx); err != nil {
		log.Printf("scheduler: action expiry sweep failed: %v", err)
	} else if n > 0 {
		log.Printf("scheduler: expired %d stale action approvals", n)
	}
	if n, err := s.Runner.ExpireSweep(ctx); err != nil {
		log.Printf("scheduler: workflow expiry sweep failed: %v", err)
	} else if n > 0 {
		log.Printf("scheduler: expired %d stale workflow approvals", n)
	}

	startups, err := s.Repo.ListStartups(ctx)
	if err != nil {
		log.Printf("scheduler: list startups failed: %v", err)
		return
	}

	workers := s.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for _, st := range startups {
		if st.Status != "active" {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if v := recover(); v != nil {
					log.Printf("scheduler: panic evaluating %s: %v", id, v)
				}
			}()
			if _, err := s.Evaluator.EvaluateStartup(ctx, id); err != nil {
				log.Printf("scheduler: evaluate %s failed: %v", id, err)
			}
		}(st.ID)
	}
	wg.Wait()
}
