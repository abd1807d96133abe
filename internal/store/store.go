// Package store is the persistent append-only message log with
// cross-source deduplication, backward paging, and full-text search.
package store

import (
	"context"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jiunbae/aily/internal/bus"
	"github.com/jiunbae/aily/internal/models"
	"github.com/jiunbae/aily/internal/relay"
)

// commitWindow bounds how long appends are batched before one commit.
// Batching keeps the fsync rate sane under bursts.
const commitWindow = 50 * time.Millisecond

// maxBatch caps one commit's row count.
const maxBatch = 64

// Append input plus its reply channel.
type appendReq struct {
	msg   models.Message
	reply chan appendRes
}

type appendRes struct {
	id  uint
	err error
}

// Store owns message records. A single writer goroutine serialises all
// inserts; readers work on snapshots.
type Store struct {
	db      *gorm.DB
	bus     *bus.Bus
	writeCh chan appendReq
	done    chan struct{}
}

// New creates a Store and starts its writer. Call Close to flush and stop.
func New(gdb *gorm.DB, b *bus.Bus) (*Store, error) {
	if gdb == nil {
		return nil, fmt.Errorf("store: db is required")
	}
	s := &Store{
		db:      gdb,
		bus:     b,
		writeCh: make(chan appendReq, maxBatch),
		done:    make(chan struct{}),
	}
	go s.writer()
	return s, nil
}

// Close flushes pending writes and stops the writer.
func (s *Store) Close() {
	close(s.writeCh)
	<-s.done
}

// IsDuplicate reports whether err carries the duplicate relay kind.
func IsDuplicate(err error) bool { return relay.Is(err, relay.KindDuplicate) }

// Append stores a message, returning its id. A message whose dedup key is
// already present returns a duplicate error and no write happens.
func (s *Store) Append(ctx context.Context, msg models.Message) (uint, error) {
	if msg.SessionName == "" {
		return 0, relay.Errorf(relay.KindInvalidArg, "store: message without session")
	}
	if !models.ValidRole(msg.Role) {
		return 0, relay.Errorf(relay.KindInvalidArg, "store: invalid role %q", msg.Role)
	}
	if !models.ValidSource(msg.Source) {
		return 0, relay.Errorf(relay.KindInvalidArg, "store: invalid source %q", msg.Source)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.IngestedAt.IsZero() {
		msg.IngestedAt = time.Now().UTC()
	}
	if msg.DedupHash == "" {
		msg.DedupHash = DedupHash(msg.SessionName, msg.Role, msg.Source, msg.ExternalID, msg.Content, msg.Timestamp)
	}

	req := appendReq{msg: msg, reply: make(chan appendRes, 1)}
	select {
	case s.writeCh <- req:
	case <-ctx.Done():
		return 0, relay.Wrap(relay.KindCancelled, ctx.Err(), "store: enqueue append")
	}
	select {
	case res := <-req.reply:
		return res.id, res.err
	case <-ctx.Done():
		// The write may still commit; the caller sees cancellation.
		return 0, relay.Wrap(relay.KindCancelled, ctx.Err(), "store: await append")
	}
}

// writer drains the append channel, batching whatever arrives within the
// commit window into a single transaction.
func (s *Store) writer() {
	defer close(s.done)
	for {
		first, ok := <-s.writeCh
		if !ok {
			return
		}
		batch := []appendReq{first}
		timer := time.NewTimer(commitWindow)
	gather:
		for len(batch) < maxBatch {
			select {
			case req, ok := <-s.writeCh:
				if !ok {
					break gather
				}
				batch = append(batch, req)
			case <-timer.C:
				break gather
			}
		}
		timer.Stop()
		s.commit(batch)
	}
}

// commit inserts a batch in one transaction. Conflicting dedup hashes are
// skipped row-by-row so one duplicate cannot poison the batch.
func (s *Store) commit(batch []appendReq) {
	results := make([]appendRes, len(batch))
	err := s.db.Transaction(func(tx *gorm.DB) error {
		for i := range batch {
			m := batch[i].msg
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&m)
			if res.Error != nil {
				results[i] = appendRes{err: relay.Wrap(relay.KindStorage, res.Error, "store: insert")}
				continue
			}
			if res.RowsAffected == 0 {
				results[i] = appendRes{err: relay.Errorf(relay.KindDuplicate,
					"store: duplicate message in %q", m.SessionName)}
				continue
			}
			results[i] = appendRes{id: m.ID}
			batch[i].msg = m
		}
		return nil
	})
	for i := range batch {
		if err != nil && results[i].err == nil {
			results[i] = appendRes{err: relay.Wrap(relay.KindStorage, err, "store: commit")}
		}
		batch[i].reply <- results[i]
		if results[i].err == nil && s.bus != nil {
			m := batch[i].msg
			s.bus.Publish(bus.Event{
				Type:        bus.EventMessageNew,
				SessionName: m.SessionName,
				Payload: map[string]interface{}{
					"id":           m.ID,
					"session_name": m.SessionName,
					"role":         m.Role,
					"source":       m.Source,
					"content":      m.Content,
					"external_id":  m.ExternalID,
					"author":       m.Author,
					"timestamp":    m.Timestamp,
				},
			})
		}
	}
	if err != nil {
		log.Printf("store: batch commit failed: %v", err)
	}
}

// Page returns messages for a session, newest first, with the total count.
// offset is the classical form; use PageAfter for cursor streaming.
func (s *Store) Page(sessionName string, limit, offset int) ([]models.Message, int64, error) {
	if limit <= 0 {
		limit = 50
	}
	var total int64
	if err := s.db.Model(&models.Message{}).
		Where("session_name = ?", sessionName).Count(&total).Error; err != nil {
		return nil, 0, relay.Wrap(relay.KindStorage, err, "store: count %q", sessionName)
	}
	var msgs []models.Message
	err := s.db.Where("session_name = ?", sessionName).
		Order("timestamp DESC, id DESC").
		Limit(limit).Offset(offset).
		Find(&msgs).Error
	if err != nil {
		return nil, 0, relay.Wrap(relay.KindStorage, err, "store: page %q", sessionName)
	}
	return msgs, total, nil
}

// PageAfter returns up to limit messages with id greater than cursor, in
// ascending order. Cursor 0 starts from the beginning.
func (s *Store) PageAfter(sessionName string, cursor uint, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var msgs []models.Message
	err := s.db.Where("session_name = ? AND id > ?", sessionName, cursor).
		Order("id ASC").Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, relay.Wrap(relay.KindStorage, err, "store: page after %d in %q", cursor, sessionName)
	}
	return msgs, nil
}

// LastExternalID returns the most recent external id stored for a session
// and source, or "" when that source has stored none.
func (s *Store) LastExternalID(sessionName, source string) (string, error) {
	var msg models.Message
	err := s.db.Where("session_name = ? AND source = ? AND external_id != ''", sessionName, source).
		Order("timestamp DESC, id DESC").
		First(&msg).Error
	if err == gorm.ErrRecordNotFound {
		return "", nil
	}
	if err != nil {
		return "", relay.Wrap(relay.KindStorage, err, "store: last external id %q/%s", sessionName, source)
	}
	return msg.ExternalID, nil
}

// CountBySession returns the message count for one session.
func (s *Store) CountBySession(sessionName string) (int64, error) {
	var n int64
	err := s.db.Model(&models.Message{}).Where("session_name = ?", sessionName).Count(&n).Error
	if err != nil {
		return 0, relay.Wrap(relay.KindStorage, err, "store: count %q", sessionName)
	}
	return n, nil
}
