package owners

import (
	"strings"
	"time"
)

// Profile maps an authenticated subject to the canonical owner identifier the
// collection is keyed by.
type Profile struct {
	OwnerID     string    `gorm:"column:owner_id;primaryKey;size:190;not null"`
	Email       string    `gorm:"column:email;size:320"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing owner profiles.
func (Profile) TableName() string {
	return "owner_profiles"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
