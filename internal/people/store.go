package people

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the persistence boundary for mirrored team members. Implementations
// keep at most one record per (site, user) pair and report query failures
// explicitly; deciding whether a failure degrades to an empty result belongs
// to the caller.
type Store interface {
	// TeamBySite returns every stored member of the site ordered by user id.
	TeamBySite(ctx context.Context, siteID int64) ([]Person, error)
	// Find returns the stored member and whether one exists.
	Find(ctx context.Context, siteID, userID int64) (Person, bool, error)
	// Apply commits a merge changeset and the site's sync state in a single
	// transaction, returning the committed state. An empty removal set must
	// not issue a delete.
	Apply(ctx context.Context, changes Changeset, syncedAt time.Time) (SyncState, error)
	// SetRole overwrites the stored member's role, leaving every other field
	// untouched. A missing row is not an error.
	SetRole(ctx context.Context, siteID, userID int64, role Role) error
	// LastSync returns the site's sync state and whether the site has ever
	// completed a refresh.
	LastSync(ctx context.Context, siteID int64) (SyncState, bool, error)
}

var errMissingStoreDatabase = errors.New("database handle is required")

// SQLStore persists team members through GORM.
type SQLStore struct {
	db *gorm.DB
}

// NewSQLStore wraps the provided database handle.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if db == nil {
		return nil, errMissingStoreDatabase
	}
	return &SQLStore{db: db}, nil
}

// TeamBySite returns every stored member of the site ordered by user id.
func (s *SQLStore) TeamBySite(ctx context.Context, siteID int64) ([]Person, error) {
	var rows []TeamMember
	if err := s.db.WithContext(ctx).
		Where("site_id = ?", siteID).
		Order("user_id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query team members: %w", err)
	}
	team := make([]Person, 0, len(rows))
	for _, row := range rows {
		team = append(team, row.Person())
	}
	return team, nil
}

// Find returns the stored member and whether one exists.
func (s *SQLStore) Find(ctx context.Context, siteID, userID int64) (Person, bool, error) {
	var row TeamMember
	err := s.db.WithContext(ctx).
		Where("site_id = ? AND user_id = ?", siteID, userID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Person{}, false, nil
	}
	if err != nil {
		return Person{}, false, fmt.Errorf("lookup team member: %w", err)
	}
	return row.Person(), true, nil
}

// Apply commits the changeset's deletes and upserts plus the site's sync
// state in one transaction. The member count is recomputed inside the
// transaction so the sync row always reflects the committed team.
func (s *SQLStore) Apply(ctx context.Context, changes Changeset, syncedAt time.Time) (SyncState, error) {
	var committed SyncState
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(changes.RemovedUserIDs) > 0 {
			if err := tx.
				Where("site_id = ? AND user_id IN ?", changes.SiteID, changes.RemovedUserIDs).
				Delete(&TeamMember{}).Error; err != nil {
				return fmt.Errorf("delete removed members: %w", err)
			}
		}

		for _, person := range changes.Upserts {
			row := newTeamMember(person)
			if err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "site_id"}, {Name: "user_id"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"username", "display_name", "email", "avatar_url", "role", "updated_at",
				}),
			}).Create(&row).Error; err != nil {
				return fmt.Errorf("upsert member %d: %w", person.UserID, err)
			}
		}

		var memberCount int64
		if err := tx.Model(&TeamMember{}).
			Where("site_id = ?", changes.SiteID).
			Count(&memberCount).Error; err != nil {
			return fmt.Errorf("count team members: %w", err)
		}

		sync := SyncState{
			SiteID:          changes.SiteID,
			SyncedAtSeconds: syncedAt.UTC().Unix(),
			MemberCount:     memberCount,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "site_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"synced_at_s", "member_count"}),
		}).Create(&sync).Error; err != nil {
			return fmt.Errorf("record sync state: %w", err)
		}
		committed = sync
		return nil
	})
	if err != nil {
		return SyncState{}, err
	}
	return committed, nil
}

// SetRole overwrites the stored member's role.
func (s *SQLStore) SetRole(ctx context.Context, siteID, userID int64, role Role) error {
	err := s.db.WithContext(ctx).
		Model(&TeamMember{}).
		Where("site_id = ? AND user_id = ?", siteID, userID).
		Update("role", role.String()).Error
	if err != nil {
		return fmt.Errorf("set member role: %w", err)
	}
	return nil
}

// LastSync returns the site's sync state and whether the site ever synced.
func (s *SQLStore) LastSync(ctx context.Context, siteID int64) (SyncState, bool, error) {
	var state SyncState
	err := s.db.WithContext(ctx).
		Where("site_id = ?", siteID).
		Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SyncState{}, false, nil
	}
	if err != nil {
		return SyncState{}, false, fmt.Errorf("lookup sync state: %w", err)
	}
	return state, true, nil
}
