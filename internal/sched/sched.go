// Package sched runs the periodic jobs: host polling, transcript scraping,
// idle sweeping, orphan reaping, heartbeats, and storage snapshots.
package sched

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jiunbae/aily/internal/bus"
	"github.com/jiunbae/aily/internal/config"
	"github.com/jiunbae/aily/internal/db"
	"github.com/jiunbae/aily/internal/models"
	"github.com/jiunbae/aily/internal/registry"
	"github.com/jiunbae/aily/internal/router"
	"github.com/jiunbae/aily/internal/scrape"
	"github.com/jiunbae/aily/internal/store"
)

// heartbeatInterval is the system heartbeat cadence.
const heartbeatInterval = 25 * time.Second

// degradeThreshold is how many consecutive failures escalate a component.
const degradeThreshold = 3

// Executor is the polling subset of hostexec.
type Executor interface {
	ListSessions(ctx context.Context, host string) ([]string, error)
	WorkingDir(ctx context.Context, host, name string) (string, error)
}

// Scheduler owns the cron table and the per-component health counters.
type Scheduler struct {
	cfg      *config.Config
	registry *registry.Registry
	store    *store.Store
	exec     Executor
	router   *router.Router
	scraper  *scrape.Scraper
	bus      *bus.Bus

	cron *cron.Cron

	mu       sync.Mutex
	failures map[string]int
}

// Opts holds parameters for creating a Scheduler.
type Opts struct {
	Config   *config.Config
	Registry *registry.Registry
	Store    *store.Store
	Executor Executor
	Router   *router.Router
	Scraper  *scrape.Scraper // optional; disables the scrape job when nil
	Bus      *bus.Bus
}

// New creates a Scheduler.
func New(opts Opts) (*Scheduler, error) {
	if opts.Config == nil || opts.Registry == nil || opts.Store == nil ||
		opts.Executor == nil || opts.Router == nil || opts.Bus == nil {
		return nil, fmt.Errorf("sched: config, registry, store, executor, router, and bus are required")
	}
	return &Scheduler{
		cfg:      opts.Config,
		registry: opts.Registry,
		store:    opts.Store,
		exec:     opts.Executor,
		router:   opts.Router,
		scraper:  opts.Scraper,
		bus:      opts.Bus,
		cron:     cron.New(),
		failures: make(map[string]int),
	}, nil
}

// Start registers all jobs and starts the cron loop. Jobs stop when ctx is
// cancelled via Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	jobs := []struct {
		name string
		spec string
		fn   func(context.Context) error
	}{
		{"host_poller", every(s.cfg.PollInterval()), s.pollHosts},
		{"idle_sweeper", "@every 60s", s.sweepIdle},
		{"orphan_reaper", "@every 5m", s.reapOrphans},
		{"heartbeat", every(heartbeatInterval), s.heartbeat},
		{"snapshot", every(time.Duration(s.cfg.Storage.BackupEveryHrs) * time.Hour), s.snapshot},
	}
	if s.scraper != nil {
		jobs = append(jobs, struct {
			name string
			spec string
			fn   func(context.Context) error
		}{"transcript_scraper", every(s.cfg.ScrapeInterval()), s.scrapeAll})
	}

	for _, j := range jobs {
		job := j
		_, err := s.cron.AddFunc(job.spec, func() {
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.runJob(ctx, job.name, job.fn)
		})
		if err != nil {
			return fmt.Errorf("sched: register %s: %w", job.name, err)
		}
	}

	s.cron.Start()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the cron loop, waiting for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func every(d time.Duration) string {
	return fmt.Sprintf("@every %s", d)
}

// runJob executes one job, tracking consecutive failures per component.
// Three in a row escalate to the bus as component.degraded.
func (s *Scheduler) runJob(ctx context.Context, name string, fn func(context.Context) error) {
	err := fn(ctx)

	s.mu.Lock()
	if err != nil {
		s.failures[name]++
	} else {
		s.failures[name] = 0
	}
	count := s.failures[name]
	s.mu.Unlock()

	if err != nil {
		log.Printf("sched: %s: %v", name, err)
	}
	if count == degradeThreshold {
		s.bus.Publish(bus.Event{
			Type: bus.EventComponentDegraded,
			Payload: map[string]interface{}{
				"component": name,
				"failures":  count,
				"error":     err.Error(),
			},
		})
	}
}

// heartbeat publishes the periodic liveness event.
func (s *Scheduler) heartbeat(context.Context) error {
	s.bus.Publish(bus.Event{Type: bus.EventHeartbeat})
	return nil
}

// sweepIdle demotes quiet active sessions to idle.
func (s *Scheduler) sweepIdle(context.Context) error {
	demoted, err := s.registry.SweepIdle(s.cfg.IdleAfter())
	if err != nil {
		return err
	}
	if len(demoted) > 0 {
		log.Printf("sched: idle sweep demoted %d sessions", len(demoted))
	}
	return nil
}

// reapOrphans archives threads of orphans past the retention window.
func (s *Scheduler) reapOrphans(ctx context.Context) error {
	stale, err := s.registry.StaleOrphans(s.cfg.OrphanRetention())
	if err != nil {
		return err
	}
	for _, sess := range stale {
		log.Printf("sched: reaping orphan %q", sess.Name)
		s.router.ArchiveOrphan(ctx, sess.Name)
	}
	return nil
}

// snapshot writes a compressed backup of the database file.
func (s *Scheduler) snapshot(context.Context) error {
	retain := time.Duration(s.cfg.Storage.BackupRetainDay) * 24 * time.Hour
	path, err := db.Snapshot(s.cfg.Storage.Path, s.cfg.Storage.BackupDir, retain)
	if err != nil {
		return err
	}
	log.Printf("sched: snapshot written to %s", path)
	return nil
}

// scrapeAll runs one incremental scrape across all live scrapeable
// sessions.
func (s *Scheduler) scrapeAll(ctx context.Context) error {
	sessions, err := s.registry.List(registry.Filter{Live: true})
	if err != nil {
		return err
	}
	var firstErr error
	for i := range sessions {
		sess := sessions[i]
		if sess.Host == "" || sess.Host == models.HostUnknown {
			continue
		}
		if _, err := s.scraper.Scrape(ctx, &sess); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
