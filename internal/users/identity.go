package users

import (
	"strings"
	"time"
)

// Identity records a user the repository has seen through a session token.
type Identity struct {
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// RoleGrant gives a user a workflow role independent of what their token claims.
type RoleGrant struct {
	UserID    string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Role      string `gorm:"column:role;primaryKey;size:32;not null"`
	GrantedBy string `gorm:"column:granted_by;size:190;not null;default:''"`
	CreatedAt int64  `gorm:"column:created_at_s;not null"`
}

// TableName exposes the table backing role grants.
func (RoleGrant) TableName() string {
	return "user_role_grants"
}

// Models lists the tables owned by the users package.
func Models() []any {
	return []any{&Identity{}, &RoleGrant{}}
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
