// Package maintenance runs the periodic housekeeping pass: expired-item
// garbage collection and stuck task claim recovery. Reads never mutate the
// stores, so this pass is the only place decayed rows actually get deleted.
package maintenance

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ogyrec-o/rune-companion/internal/storage"
)

// Options tune the maintenance service.
type Options struct {
	// Schedule is a cron expression (robfig/cron syntax, @every accepted).
	// Default "@every 10m".
	Schedule string
	// ClaimLease is how long an in_progress claim may sit untouched before
	// it is considered orphaned. Default 10m.
	ClaimLease time.Duration
}

func (o *Options) normalize() {
	if o.Schedule == "" {
		o.Schedule = "@every 10m"
	}
	if o.ClaimLease <= 0 {
		o.ClaimLease = 10 * time.Minute
	}
}

// Stats reports what one pass removed or recovered.
type Stats struct {
	MemoriesSwept  int
	FactsSwept     int
	ClaimsReleased int
}

// Service owns the cron schedule. Construct with New, then Start/Stop.
type Service struct {
	memories storage.MemoryStore
	facts    storage.FactStore
	tasks    storage.TaskStore
	opts     Options
	cron     *cron.Cron
}

// New creates a maintenance service over the given stores. tasks may be nil
// when no scheduler is running.
func New(memories storage.MemoryStore, facts storage.FactStore, tasks storage.TaskStore, opts Options) *Service {
	opts.normalize()
	return &Service{
		memories: memories,
		facts:    facts,
		tasks:    tasks,
		opts:     opts,
		cron:     cron.New(),
	}
}

// Start registers the schedule and launches the cron runner.
func (s *Service) Start() error {
	_, err := s.cron.AddFunc(s.opts.Schedule, func() {
		if _, err := s.RunOnce(context.Background(), time.Now()); err != nil {
			log.Printf("maintenance: pass failed: %v", err)
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	log.Printf("maintenance: scheduled %q", s.opts.Schedule)
	return nil
}

// Stop halts the cron runner and waits for a running pass to finish.
func (s *Service) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// RunOnce executes a single maintenance pass. Each step is independent; a
// failing step is logged and the pass continues. The first error is returned
// for the caller's benefit.
func (s *Service) RunOnce(ctx context.Context, now time.Time) (Stats, error) {
	var stats Stats
	var firstErr error

	n, err := s.memories.SweepExpired(ctx, now)
	if err != nil {
		log.Printf("maintenance: memory sweep failed: %v", err)
		firstErr = err
	}
	stats.MemoriesSwept = n

	n, err = s.facts.SweepExpired(ctx, now)
	if err != nil {
		log.Printf("maintenance: fact sweep failed: %v", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	stats.FactsSwept = n

	if s.tasks != nil {
		n, err = s.tasks.ReleaseStuckClaims(ctx, s.opts.ClaimLease, now)
		if err != nil {
			log.Printf("maintenance: claim release failed: %v", err)
			if firstErr == nil {
				firstErr = err
			}
		}
		stats.ClaimsReleased = n
	}

	log.Printf("maintenance: pass done memories=%d facts=%d claims=%d",
		stats.MemoriesSwept, stats.FactsSwept, stats.ClaimsReleased)
	return stats, firstErr
}
