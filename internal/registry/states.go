package registry

import (
	"log"
	"time"

	"github.com/jiunbae/aily/internal/bus"
	"github.com/jiunbae/aily/internal/models"
	"github.com/jiunbae/aily/internal/relay"
)

// Event drives a session status transition.
type Event string

const (
	EventSSHSeen        Event = "ssh_seen"
	EventSSHMissing     Event = "ssh_missing"
	EventMsgInbound     Event = "msg_inbound"
	EventAskQuestion    Event = "ask_question"
	EventLifecycleClose Event = "lifecycle_close"
	EventHostDown       Event = "host_down"
	EventOpError        Event = "op_error" // session-attributable operation failure
)

// transitions is the status state machine. A missing entry means the event
// is ignored in that state. archived is terminal for everything.
var transitions = map[string]map[Event]string{
	models.StatusActive: {
		EventSSHSeen:        models.StatusActive,
		EventSSHMissing:     models.StatusOrphaned,
		EventMsgInbound:     models.StatusActive,
		EventAskQuestion:    models.StatusWaiting,
		EventLifecycleClose: models.StatusArchived,
		EventHostDown:       models.StatusUnreachable,
		EventOpError:        models.StatusError,
	},
	models.StatusWaiting: {
		EventSSHSeen:        models.StatusActive,
		EventSSHMissing:     models.StatusOrphaned,
		EventMsgInbound:     models.StatusActive,
		EventAskQuestion:    models.StatusWaiting,
		EventLifecycleClose: models.StatusArchived,
		EventHostDown:       models.StatusUnreachable,
		EventOpError:        models.StatusError,
	},
	models.StatusIdle: {
		EventSSHSeen:        models.StatusActive,
		EventSSHMissing:     models.StatusOrphaned,
		EventMsgInbound:     models.StatusActive,
		EventAskQuestion:    models.StatusWaiting,
		EventLifecycleClose: models.StatusArchived,
		EventHostDown:       models.StatusUnreachable,
		EventOpError:        models.StatusError,
	},
	models.StatusOrphaned: {
		EventSSHSeen:        models.StatusActive,
		EventLifecycleClose: models.StatusArchived,
	},
	models.StatusUnreachable: {
		EventSSHSeen:        models.StatusActive,
		EventLifecycleClose: models.StatusArchived,
	},
	models.StatusError: {
		EventSSHSeen:        models.StatusActive,
		EventSSHMissing:     models.StatusOrphaned,
		EventMsgInbound:     models.StatusActive,
		EventLifecycleClose: models.StatusArchived,
		EventHostDown:       models.StatusUnreachable,
	},
	models.StatusArchived: {},
}

// Transition applies event to the named session. Invalid transitions are
// ignored and logged, not errors. Returns (old, new) status.
func (r *Registry) Transition(name string, event Event) (string, string, error) {
	sess, err := r.Get(name)
	if err != nil {
		return "", "", err
	}
	old := sess.Status

	next, ok := transitions[old][event]
	if !ok || next == old {
		if !ok {
			log.Printf("registry: ignoring %s in state %s for %q", event, old, name)
		}
		// Liveness events still refresh the activity clock.
		if event == EventSSHSeen || event == EventMsgInbound {
			_ = r.TouchActivity(name, time.Time{})
		}
		return old, old, nil
	}

	updates := map[string]interface{}{
		"status":           next,
		"last_activity_at": time.Now().UTC(),
	}
	if next == models.StatusArchived {
		now := time.Now().UTC()
		updates["archived_at"] = &now
	}
	if err := r.db.Model(&models.Session{}).Where("name = ?", name).Updates(updates).Error; err != nil {
		return old, old, relay.Wrap(relay.KindStorage, err, "registry: transition %q", name)
	}

	log.Printf("registry: %q %s -> %s (%s)", name, old, next, event)
	r.bus.Publish(bus.Event{
		Type:        bus.EventSessionStatus,
		SessionName: name,
		Payload: map[string]interface{}{
			"name": name, "old": old, "new": next, "event": string(event),
		},
	})
	return old, next, nil
}

// SweepIdle demotes active sessions with no activity inside window to idle.
// Returns the names demoted.
func (r *Registry) SweepIdle(window time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-window)
	var stale []models.Session
	err := r.db.Where("status = ? AND last_activity_at < ?", models.StatusActive, cutoff).
		Find(&stale).Error
	if err != nil {
		return nil, relay.Wrap(relay.KindStorage, err, "registry: idle sweep")
	}
	var demoted []string
	for _, s := range stale {
		if err := r.db.Model(&models.Session{}).Where("name = ?", s.Name).
			Update("status", models.StatusIdle).Error; err != nil {
			return demoted, relay.Wrap(relay.KindStorage, err, "registry: demote %q", s.Name)
		}
		demoted = append(demoted, s.Name)
		r.bus.Publish(bus.Event{
			Type:        bus.EventSessionStatus,
			SessionName: s.Name,
			Payload: map[string]interface{}{
				"name": s.Name, "old": models.StatusActive, "new": models.StatusIdle, "event": "idle_sweep",
			},
		})
	}
	return demoted, nil
}

// StaleOrphans returns orphaned sessions whose last activity is older than
// retention. The orphan reaper archives their threads.
func (r *Registry) StaleOrphans(retention time.Duration) ([]models.Session, error) {
	cutoff := time.Now().UTC().Add(-retention)
	var out []models.Session
	err := r.db.Where("status = ? AND last_activity_at < ?", models.StatusOrphaned, cutoff).
		Find(&out).Error
	if err != nil {
		return nil, relay.Wrap(relay.KindStorage, err, "registry: stale orphans")
	}
	return out, nil
}
