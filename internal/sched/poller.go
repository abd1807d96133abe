package sched

import (
	"context"
	"log"

	"github.com/jiunbae/aily/internal/models"
	"github.com/jiunbae/aily/internal/registry"
	"github.com/jiunbae/aily/internal/relay"
)

// pollHosts reconciles live multiplexer sessions with the registry: new
// names are registered, known ones get ssh_seen, missing ones ssh_missing,
// and an unreachable host downs every session it carried.
func (s *Scheduler) pollHosts(ctx context.Context) error {
	known, err := s.registry.List(registry.Filter{})
	if err != nil {
		return err
	}
	knownByHost := make(map[string][]models.Session)
	for _, sess := range known {
		knownByHost[sess.Host] = append(knownByHost[sess.Host], sess)
	}

	var firstErr error
	for _, host := range s.cfg.SSHHosts {
		live, err := s.exec.ListSessions(ctx, host)
		if err != nil {
			if relay.KindOf(err) == relay.KindUnreachable {
				s.markHostDown(host, knownByHost[host])
			} else if firstErr == nil {
				firstErr = err
			}
			continue
		}

		liveSet := make(map[string]bool, len(live))
		for _, name := range live {
			if s.isInfra(name) || !models.ValidSessionName(name) {
				continue
			}
			liveSet[name] = true
			s.observeLive(ctx, host, name)
		}

		for _, sess := range knownByHost[host] {
			if liveSet[sess.Name] || sess.Status == models.StatusArchived {
				continue
			}
			if _, _, err := s.registry.Transition(sess.Name, registry.EventSSHMissing); err != nil {
				log.Printf("sched: ssh_missing for %q: %v", sess.Name, err)
			}
		}
	}
	return firstErr
}

// observeLive records one live session sighting, discovering the working
// directory for sessions seen the first time.
func (s *Scheduler) observeLive(ctx context.Context, host, name string) {
	existing, err := s.registry.Get(name)
	isNew := err != nil

	if _, err := s.registry.Upsert(registry.Observation{
		Name:   name,
		Host:   host,
		Source: registry.SourceSSHPoll,
	}); err != nil {
		log.Printf("sched: upsert %q: %v", name, err)
		return
	}
	if _, _, err := s.registry.Transition(name, registry.EventSSHSeen); err != nil {
		log.Printf("sched: ssh_seen for %q: %v", name, err)
	}

	if isNew || existing.WorkingDir == "" {
		if wd, err := s.exec.WorkingDir(ctx, host, name); err == nil && wd != "" {
			_, _ = s.registry.Upsert(registry.Observation{
				Name:       name,
				WorkingDir: wd,
				Source:     registry.SourceSSHPoll,
			})
		}
	}
	if isNew && s.cfg.ThreadSync {
		// Lifecycle sync: a freshly discovered session gets its threads.
		sess, err := s.registry.Get(name)
		if err == nil {
			s.router.EnsureThreads(ctx, sess.Name, sess.Host, sess.WorkingDir)
		}
	}
}

// markHostDown transitions every live session on an unreachable host.
func (s *Scheduler) markHostDown(host string, sessions []models.Session) {
	log.Printf("sched: host %s unreachable, downing %d sessions", host, len(sessions))
	for _, sess := range sessions {
		if !sess.Live() {
			continue
		}
		if _, _, err := s.registry.Transition(sess.Name, registry.EventHostDown); err != nil {
			log.Printf("sched: host_down for %q: %v", sess.Name, err)
		}
	}
}

func (s *Scheduler) isInfra(name string) bool {
	for _, infra := range s.cfg.InfraSessions {
		if name == infra {
			return true
		}
	}
	return false
}
