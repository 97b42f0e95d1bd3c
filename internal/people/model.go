package people

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidRole indicates a role outside the canonical set.
	ErrInvalidRole = errors.New("invalid role")
)

// Role identifies a person's permission level on a site.
type Role string

const (
	// RoleAdministrator grants full control over a site.
	RoleAdministrator Role = "administrator"
	// RoleEditor can publish and manage all content.
	RoleEditor Role = "editor"
	// RoleAuthor can publish and manage their own content.
	RoleAuthor Role = "author"
	// RoleContributor can write but not publish.
	RoleContributor Role = "contributor"
	// RoleFollower receives updates without write access.
	RoleFollower Role = "follower"
	// RoleViewer can read private content.
	RoleViewer Role = "viewer"
)

var canonicalRoles = map[Role]struct{}{
	RoleAdministrator: {},
	RoleEditor:        {},
	RoleAuthor:        {},
	RoleContributor:   {},
	RoleFollower:      {},
	RoleViewer:        {},
}

// ParseRole validates raw input against the canonical role set. It is meant
// for API boundaries; the merge path stores remote-provided roles verbatim.
func ParseRole(rawInput string) (Role, error) {
	normalized := Role(strings.ToLower(strings.TrimSpace(rawInput)))
	if _, ok := canonicalRoles[normalized]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, rawInput)
	}
	return normalized, nil
}

// String returns the role slug.
func (r Role) String() string {
	return string(r)
}

// Known reports whether the role belongs to the canonical set.
func (r Role) Known() bool {
	_, ok := canonicalRoles[r]
	return ok
}

// Person is one member of a site's team as the remote reports it.
// Person is comparable; the merge uses == as its full-value dirty check, so
// every field participates in change detection.
type Person struct {
	SiteID      int64
	UserID      int64
	Username    string
	DisplayName string
	Email       string
	AvatarURL   string
	Role        Role
}

// RoleDefinition describes one role a site offers, as returned by the remote
// role catalog.
type RoleDefinition struct {
	Role        Role   `json:"role"`
	DisplayName string `json:"display_name"`
}

// TeamMember mirrors a Person in local storage. The composite primary key
// keeps at most one row per (site, user) pair.
type TeamMember struct {
	SiteID      int64     `gorm:"column:site_id;primaryKey;autoIncrement:false;not null"`
	UserID      int64     `gorm:"column:user_id;primaryKey;autoIncrement:false;not null"`
	Username    string    `gorm:"column:username;size:190;not null"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	Email       string    `gorm:"column:email;size:320"`
	AvatarURL   string    `gorm:"column:avatar_url;size:512"`
	Role        string    `gorm:"column:role;size:64;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (TeamMember) TableName() string {
	return "team_members"
}

// Person converts the stored row to its domain value. Bookkeeping columns do
// not participate.
func (m TeamMember) Person() Person {
	return Person{
		SiteID:      m.SiteID,
		UserID:      m.UserID,
		Username:    m.Username,
		DisplayName: m.DisplayName,
		Email:       m.Email,
		AvatarURL:   m.AvatarURL,
		Role:        Role(m.Role),
	}
}

func newTeamMember(person Person) TeamMember {
	return TeamMember{
		SiteID:      person.SiteID,
		UserID:      person.UserID,
		Username:    person.Username,
		DisplayName: person.DisplayName,
		Email:       person.Email,
		AvatarURL:   person.AvatarURL,
		Role:        person.Role.String(),
	}
}

// SyncState records the last successful team refresh for a site.
type SyncState struct {
	SiteID          int64 `gorm:"column:site_id;primaryKey;autoIncrement:false;not null"`
	SyncedAtSeconds int64 `gorm:"column:synced_at_s;not null"`
	MemberCount     int64 `gorm:"column:member_count;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (SyncState) TableName() string {
	return "team_sync_states"
}

// SyncedAt exposes the refresh instant as a time value.
func (s SyncState) SyncedAt() time.Time {
	return time.Unix(s.SyncedAtSeconds, 0).UTC()
}
