// Package registry is the authoritative table of known sessions. It merges
// observations from SSH polling, platform events, hook webhooks, and user
// actions, and guards every status change with a state machine.
package registry

import (
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/jiunbae/aily/internal/bus"
	"github.com/jiunbae/aily/internal/models"
	"github.com/jiunbae/aily/internal/relay"
)

// ObservationSource identifies where an upsert came from.
type ObservationSource string

const (
	SourceSSHPoll  ObservationSource = "ssh_poll"
	SourcePlatform ObservationSource = "platform"
	SourceHook     ObservationSource = "hook"
	SourceUser     ObservationSource = "user"
)

// Observation is one sighting of a session. Zero-valued fields are left
// untouched on merge; the newest non-zero write wins.
type Observation struct {
	Name       string
	Host       string
	AgentType  string
	WorkingDir string
	Source     ObservationSource
	SeenAt     time.Time
}

// Filter narrows List results.
type Filter struct {
	Status string
	Host   string
	Live   bool // only active/waiting/idle
	Limit  int
}

// Registry owns Session records. All writes go through it so the state
// machine and the event bus stay consistent.
type Registry struct {
	db  *gorm.DB
	bus *bus.Bus
}

// New creates a Registry.
func New(gdb *gorm.DB, b *bus.Bus) (*Registry, error) {
	if gdb == nil {
		return nil, fmt.Errorf("registry: db is required")
	}
	if b == nil {
		return nil, fmt.Errorf("registry: bus is required")
	}
	return &Registry{db: gdb, bus: b}, nil
}

// Upsert merges an observation into the registry, creating the session if
// it is new. The initial status is active when the observation proves a
// live multiplexer session, else orphaned.
func (r *Registry) Upsert(obs Observation) (*models.Session, error) {
	if !models.ValidSessionName(obs.Name) {
		return nil, relay.Errorf(relay.KindInvalidArg, "registry: invalid session name %q", obs.Name)
	}
	if obs.SeenAt.IsZero() {
		obs.SeenAt = time.Now().UTC()
	}

	var sess models.Session
	err := r.db.Where("name = ?", obs.Name).First(&sess).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		return r.create(obs)
	case err != nil:
		return nil, relay.Wrap(relay.KindStorage, err, "registry: lookup %q", obs.Name)
	}

	updates := map[string]interface{}{"last_activity_at": obs.SeenAt}
	if obs.Host != "" && obs.Host != sess.Host {
		updates["host"] = obs.Host
	}
	if obs.AgentType != "" && obs.AgentType != models.AgentUnknown && obs.AgentType != sess.AgentType {
		updates["agent_type"] = obs.AgentType
	}
	if obs.WorkingDir != "" && obs.WorkingDir != sess.WorkingDir {
		updates["working_dir"] = obs.WorkingDir
	}
	if err := r.db.Model(&sess).Updates(updates).Error; err != nil {
		return nil, relay.Wrap(relay.KindStorage, err, "registry: update %q", obs.Name)
	}
	if len(updates) > 1 {
		r.publish(bus.EventSessionUpdated, &sess)
	}
	return &sess, nil
}

func (r *Registry) create(obs Observation) (*models.Session, error) {
	status := models.StatusOrphaned
	host := obs.Host
	if obs.Source == SourceSSHPoll || obs.Source == SourceUser {
		status = models.StatusActive
	}
	if host == "" {
		host = models.HostUnknown
	}
	agent := obs.AgentType
	if agent == "" {
		agent = models.AgentUnknown
	}
	sess := models.Session{
		Name:           obs.Name,
		Host:           host,
		AgentType:      agent,
		Status:         status,
		WorkingDir:     obs.WorkingDir,
		LastActivityAt: obs.SeenAt,
	}
	if err := r.db.Create(&sess).Error; err != nil {
		return nil, relay.Wrap(relay.KindStorage, err, "registry: create %q", obs.Name)
	}
	log.Printf("registry: discovered session %q on %s (%s)", obs.Name, host, status)
	r.publish(bus.EventSessionCreated, &sess)
	return &sess, nil
}

// Get returns the named session.
func (r *Registry) Get(name string) (*models.Session, error) {
	var sess models.Session
	err := r.db.Where("name = ?", name).First(&sess).Error
	if err == gorm.ErrRecordNotFound {
		return nil, relay.Errorf(relay.KindNotFound, "registry: session %q not found", name)
	}
	if err != nil {
		return nil, relay.Wrap(relay.KindStorage, err, "registry: get %q", name)
	}
	return &sess, nil
}

// List returns sessions matching the filter, most recently active first.
func (r *Registry) List(f Filter) ([]models.Session, error) {
	q := r.db.Model(&models.Session{}).Order("last_activity_at DESC")
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Host != "" {
		q = q.Where("host = ?", f.Host)
	}
	if f.Live {
		q = q.Where("status IN ?", []string{models.StatusActive, models.StatusWaiting, models.StatusIdle})
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []models.Session
	if err := q.Find(&out).Error; err != nil {
		return nil, relay.Wrap(relay.KindStorage, err, "registry: list")
	}
	return out, nil
}

// Delete removes the session record entirely.
func (r *Registry) Delete(name string) error {
	res := r.db.Where("name = ?", name).Delete(&models.Session{})
	if res.Error != nil {
		return relay.Wrap(relay.KindStorage, res.Error, "registry: delete %q", name)
	}
	if res.RowsAffected == 0 {
		return relay.Errorf(relay.KindNotFound, "registry: session %q not found", name)
	}
	r.bus.Publish(bus.Event{Type: bus.EventSessionDeleted, SessionName: name})
	return nil
}

// TouchActivity bumps last_activity_at without a status change.
func (r *Registry) TouchActivity(name string, at time.Time) error {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return r.db.Model(&models.Session{}).
		Where("name = ?", name).
		Update("last_activity_at", at).Error
}

// SetPreview records the latest message preview shown in session lists.
func (r *Registry) SetPreview(name, preview string) error {
	const max = 200
	if len(preview) > max {
		preview = preview[:max]
	}
	return r.db.Model(&models.Session{}).
		Where("name = ?", name).
		Update("last_message_preview", preview).Error
}

// SetTranscriptPath records where the session's agent transcript lives.
func (r *Registry) SetTranscriptPath(name, path string) error {
	return r.db.Model(&models.Session{}).
		Where("name = ?", name).
		Update("transcript_path", path).Error
}

func (r *Registry) publish(t bus.EventType, sess *models.Session) {
	r.bus.Publish(bus.Event{
		Type:        t,
		SessionName: sess.Name,
		Payload: map[string]interface{}{
			"name":       sess.Name,
			"host":       sess.Host,
			"status":     sess.Status,
			"agent_type": sess.AgentType,
		},
	})
}
