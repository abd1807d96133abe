package models

import "time"

// Preference is a per-user dashboard UI preference, stored as a key/value
// pair. Also used internally for scrape offsets (keys under "jsonl_offset:").
type Preference struct {
	Key       string `gorm:"primaryKey;size:128"`
	Value     string `gorm:"type:text;not null"`
	UpdatedAt time.Time
}

// SchemaMeta is the migration version sentinel row.
type SchemaMeta struct {
	ID        uint `gorm:"primaryKey"`
	Version   int  `gorm:"not null"`
	UpdatedAt time.Time
}
