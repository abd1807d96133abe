package models

import "time"

// ThreadBinding maps a (platform, session name) pair to the platform's
// thread identifier: a Discord thread channel ID, or a Slack parent ts.
type ThreadBinding struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	Platform    string `gorm:"size:16;not null;uniqueIndex:idx_binding_platform_session,priority:1"`
	SessionName string `gorm:"size:64;not null;uniqueIndex:idx_binding_platform_session,priority:2"`
	ThreadRef   string `gorm:"size:128;not null;index"`
	ChannelID   string `gorm:"size:128"`
	Archived    bool   `gorm:"default:false"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
