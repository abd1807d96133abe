package db

import (
	"fmt"
	"log"

	"gorm.io/gorm"

	"github.com/jiunbae/aily/internal/models"
)

// SchemaVersion is bumped whenever the schema changes shape in a way
// AutoMigrate alone cannot express.
const SchemaVersion = 1

// Migrate creates or updates all tables, the full-text index, and the
// schema version sentinel.
func Migrate(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(
		&models.Session{},
		&models.Message{},
		&models.ThreadBinding{},
		&models.Preference{},
		&models.SchemaMeta{},
	); err != nil {
		return fmt.Errorf("db: auto migrate: %w", err)
	}

	if err := migrateFTS(gdb); err != nil {
		return err
	}

	// Upsert the sentinel row.
	var meta models.SchemaMeta
	err := gdb.First(&meta).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		if err := gdb.Create(&models.SchemaMeta{Version: SchemaVersion}).Error; err != nil {
			return fmt.Errorf("db: write schema sentinel: %w", err)
		}
	case err != nil:
		return fmt.Errorf("db: read schema sentinel: %w", err)
	case meta.Version != SchemaVersion:
		if err := gdb.Model(&meta).Update("version", SchemaVersion).Error; err != nil {
			return fmt.Errorf("db: bump schema sentinel: %w", err)
		}
	}
	return nil
}

// migrateFTS creates the external-content FTS5 index over messages.content
// and the triggers that keep it in sync. gorm has no FTS support, so this
// is raw SQL. FTS5 availability depends on the sqlite build (the
// sqlite_fts5 tag); without it search degrades to a LIKE scan, so a
// missing module is logged rather than fatal.
func migrateFTS(gdb *gorm.DB) error {
	stmts := []string{
		`CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
			content, session_name UNINDEXED, content='messages', content_rowid='id')`,
		`CREATE TRIGGER IF NOT EXISTS messages_fts_insert AFTER INSERT ON messages BEGIN
			INSERT INTO messages_fts(rowid, content, session_name)
			VALUES (new.id, new.content, new.session_name);
		END`,
		`CREATE TRIGGER IF NOT EXISTS messages_fts_delete AFTER DELETE ON messages BEGIN
			INSERT INTO messages_fts(messages_fts, rowid, content, session_name)
			VALUES ('delete', old.id, old.content, old.session_name);
		END`,
	}
	for i, s := range stmts {
		if err := gdb.Exec(s).Error; err != nil {
			if i == 0 {
				log.Printf("db: fts5 unavailable, search falls back to LIKE: %v", err)
				return nil
			}
			return fmt.Errorf("db: fts migrate: %w", err)
		}
	}
	return nil
}

// HasFTS reports whether the messages_fts table exists.
func HasFTS(gdb *gorm.DB) bool {
	var n int64
	gdb.Raw(`SELECT count(*) FROM sqlite_master WHERE type='table' AND name='messages_fts'`).Scan(&n)
	return n > 0
}
