package store

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jiunbae/aily/internal/models"
	"github.com/jiunbae/aily/internal/relay"
)

// Binding returns the thread binding for a (platform, session) pair.
func (s *Store) Binding(platform, sessionName string) (*models.ThreadBinding, error) {
	var b models.ThreadBinding
	err := s.db.Where("platform = ? AND session_name = ?", platform, sessionName).First(&b).Error
	if err == gorm.ErrRecordNotFound {
		return nil, relay.Errorf(relay.KindNotFound, "store: no %s binding for %q", platform, sessionName)
	}
	if err != nil {
		return nil, relay.Wrap(relay.KindStorage, err, "store: binding %s/%q", platform, sessionName)
	}
	return &b, nil
}

// BindingByThread resolves a thread ref back to its session name.
func (s *Store) BindingByThread(platform, threadRef string) (*models.ThreadBinding, error) {
	var b models.ThreadBinding
	err := s.db.Where("platform = ? AND thread_ref = ?", platform, threadRef).First(&b).Error
	if err == gorm.ErrRecordNotFound {
		return nil, relay.Errorf(relay.KindNotFound, "store: no %s binding for thread %s", platform, threadRef)
	}
	if err != nil {
		return nil, relay.Wrap(relay.KindStorage, err, "store: binding by thread %s/%s", platform, threadRef)
	}
	return &b, nil
}

// SaveBinding creates or rebinds the (platform, session) -> thread map.
func (s *Store) SaveBinding(platform, sessionName, threadRef, channelID string) error {
	var b models.ThreadBinding
	err := s.db.Where("platform = ? AND session_name = ?", platform, sessionName).First(&b).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		b = models.ThreadBinding{
			Platform:    platform,
			SessionName: sessionName,
			ThreadRef:   threadRef,
			ChannelID:   channelID,
		}
		if err := s.db.Create(&b).Error; err != nil {
			return relay.Wrap(relay.KindStorage, err, "store: create binding %s/%q", platform, sessionName)
		}
		return nil
	case err != nil:
		return relay.Wrap(relay.KindStorage, err, "store: save binding %s/%q", platform, sessionName)
	}
	updates := map[string]interface{}{"thread_ref": threadRef, "archived": false, "updated_at": time.Now().UTC()}
	if channelID != "" {
		updates["channel_id"] = channelID
	}
	if err := s.db.Model(&b).Updates(updates).Error; err != nil {
		return relay.Wrap(relay.KindStorage, err, "store: rebind %s/%q", platform, sessionName)
	}
	return nil
}

// MarkBindingArchived flips the archived flag without dropping the binding.
func (s *Store) MarkBindingArchived(platform, sessionName string, archived bool) error {
	return s.db.Model(&models.ThreadBinding{}).
		Where("platform = ? AND session_name = ?", platform, sessionName).
		Update("archived", archived).Error
}

// DeleteBinding removes the binding entirely (cleanup policy "delete").
func (s *Store) DeleteBinding(platform, sessionName string) error {
	return s.db.Where("platform = ? AND session_name = ?", platform, sessionName).
		Delete(&models.ThreadBinding{}).Error
}

// BindingsFor lists all bindings for one session.
func (s *Store) BindingsFor(sessionName string) ([]models.ThreadBinding, error) {
	var out []models.ThreadBinding
	if err := s.db.Where("session_name = ?", sessionName).Find(&out).Error; err != nil {
		return nil, relay.Wrap(relay.KindStorage, err, "store: bindings for %q", sessionName)
	}
	return out, nil
}

// Preference helpers double as the scrape offset tracker.

// GetPreference returns the stored value for key, or "".
func (s *Store) GetPreference(key string) (string, error) {
	var p models.Preference
	err := s.db.Where("key = ?", key).First(&p).Error
	if err == gorm.ErrRecordNotFound {
		return "", nil
	}
	if err != nil {
		return "", relay.Wrap(relay.KindStorage, err, "store: preference %q", key)
	}
	return p.Value, nil
}

// SetPreference upserts a key/value pair.
func (s *Store) SetPreference(key, value string) error {
	p := models.Preference{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	err := s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&p).Error
	if err != nil {
		return relay.Wrap(relay.KindStorage, err, "store: set preference %q", key)
	}
	return nil
}

// Preferences returns all user-facing preference rows (internal offset keys
// under "jsonl_offset:" are filtered out).
func (s *Store) Preferences() (map[string]string, error) {
	var rows []models.Preference
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, relay.Wrap(relay.KindStorage, err, "store: preferences")
	}
	out := make(map[string]string, len(rows))
	for _, p := range rows {
		if len(p.Key) >= 13 && p.Key[:13] == "jsonl_offset:" {
			continue
		}
		out[p.Key] = p.Value
	}
	return out, nil
}
