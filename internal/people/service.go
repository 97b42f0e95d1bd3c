package people

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sitekit/teamsync/internal/observability"
	"go.uber.org/zap"
)

var (
	errMissingStore      = errors.New("store is required")
	errMissingRemote     = errors.New("remote client is required")
	errMissingIDProvider = errors.New("id provider is required")
	errInvalidSiteID     = errors.New("site identifier must be positive")
	errInvalidUserID     = errors.New("user identifier must be positive")
	errMissingRole       = errors.New("role is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew  = "people.service.new"
	opRefreshTeam = "people.refresh_team"
	opTeam        = "people.team"
	opMember      = "people.member"
	opUpdateRole  = "people.update_role"
	opSettleRole  = "people.settle_role_update"
	opSiteRoles   = "people.site_roles"
	opLastSync    = "people.last_sync"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// RemoteClient is the site's authoritative API. FetchTeam returns the full
// current team, PushRole reports one member's role change, FetchRoles returns
// the site's role catalog.
type RemoteClient interface {
	FetchTeam(ctx context.Context, siteID int64) ([]Person, error)
	PushRole(ctx context.Context, siteID, userID int64, role Role) error
	FetchRoles(ctx context.Context, siteID int64) ([]RoleDefinition, error)
}

type IDProvider interface {
	NewID() (string, error)
}

const (
	roleCacheTTL           = 10 * time.Minute
	roleCachePurgeInterval = 15 * time.Minute
)

type ServiceConfig struct {
	Store      Store
	Remote     RemoteClient
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service keeps a local mirror of site teams in sync with the remote and
// applies role changes optimistically.
type Service struct {
	store      Store
	remote     RemoteClient
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	roleCache  *cache.Cache

	// mu guards inflight, the latest update id per member. Rollbacks hold it
	// across the restore so a newer registration is never clobbered.
	mu       sync.Mutex
	inflight map[memberKey]string
}

type memberKey struct {
	siteID int64
	userID int64
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.Remote == nil {
		return nil, newServiceError(opServiceNew, "missing_remote", errMissingRemote)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		store:      cfg.Store,
		remote:     cfg.Remote,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		roleCache:  cache.New(roleCacheTTL, roleCachePurgeInterval),
		inflight:   make(map[memberKey]string),
	}, nil
}

// RefreshSummary reports what one team refresh changed.
type RefreshSummary struct {
	SiteID   int64     `json:"site_id"`
	Added    int       `json:"added"`
	Updated  int       `json:"updated"`
	Removed  int       `json:"removed"`
	TeamSize int64     `json:"team_size"`
	SyncedAt time.Time `json:"synced_at"`
}

// RefreshTeam fetches the site's full remote team and folds it into the local
// mirror in one transaction. A failed remote fetch leaves local state
// untouched. A failed local read only widens the upsert set, which the merge
// then repairs, so it does not abort the refresh.
func (s *Service) RefreshTeam(ctx context.Context, siteID int64) (RefreshSummary, error) {
	if siteID <= 0 {
		s.logError(opRefreshTeam, "invalid_site", errInvalidSiteID, zap.Int64("site_id", siteID))
		return RefreshSummary{}, newServiceError(opRefreshTeam, "invalid_site", errInvalidSiteID)
	}

	start := time.Now()
	remote, err := s.remote.FetchTeam(ctx, siteID)
	if err != nil {
		observability.RecordTeamRefresh(siteID, "remote_fetch_failed", time.Since(start))
		s.logError(opRefreshTeam, "remote_fetch_failed", err, zap.Int64("site_id", siteID))
		return RefreshSummary{}, newServiceError(opRefreshTeam, "remote_fetch_failed", err)
	}

	local, err := s.store.TeamBySite(ctx, siteID)
	if err != nil {
		s.logError(opRefreshTeam, "local_query_failed", err, zap.Int64("site_id", siteID))
		local = nil
	}

	changes := diffTeam(siteID, local, remote)

	known := make(map[int64]struct{}, len(local))
	for _, person := range local {
		known[person.UserID] = struct{}{}
	}
	added := 0
	for _, person := range changes.Upserts {
		if _, ok := known[person.UserID]; !ok {
			added++
		}
	}

	state, err := s.store.Apply(ctx, changes, s.clock().UTC())
	if err != nil {
		observability.RecordTeamRefresh(siteID, "merge_apply_failed", time.Since(start))
		s.logError(opRefreshTeam, "merge_apply_failed", err, zap.Int64("site_id", siteID))
		return RefreshSummary{}, newServiceError(opRefreshTeam, "merge_apply_failed", err)
	}

	observability.RecordTeamRefresh(siteID, "ok", time.Since(start))
	observability.SetTeamSize(siteID, state.MemberCount)
	s.logger.Info("team refreshed",
		zap.Int64("site_id", siteID),
		zap.Int("added", added),
		zap.Int("updated", len(changes.Upserts)-added),
		zap.Int("removed", len(changes.RemovedUserIDs)),
		zap.Int64("team_size", state.MemberCount))

	return RefreshSummary{
		SiteID:   siteID,
		Added:    added,
		Updated:  len(changes.Upserts) - added,
		Removed:  len(changes.RemovedUserIDs),
		TeamSize: state.MemberCount,
		SyncedAt: state.SyncedAt(),
	}, nil
}

// Team returns the mirrored team for the site ordered by user id.
func (s *Service) Team(ctx context.Context, siteID int64) ([]Person, error) {
	if siteID <= 0 {
		s.logError(opTeam, "invalid_site", errInvalidSiteID, zap.Int64("site_id", siteID))
		return nil, newServiceError(opTeam, "invalid_site", errInvalidSiteID)
	}

	team, err := s.store.TeamBySite(ctx, siteID)
	if err != nil {
		s.logError(opTeam, "query_failed", err, zap.Int64("site_id", siteID))
		return nil, newServiceError(opTeam, "query_failed", err)
	}
	return team, nil
}

// Member returns one mirrored team member and whether the member exists.
func (s *Service) Member(ctx context.Context, siteID, userID int64) (Person, bool, error) {
	if siteID <= 0 {
		s.logError(opMember, "invalid_site", errInvalidSiteID, zap.Int64("site_id", siteID))
		return Person{}, false, newServiceError(opMember, "invalid_site", errInvalidSiteID)
	}
	if userID <= 0 {
		s.logError(opMember, "invalid_user", errInvalidUserID,
			zap.Int64("site_id", siteID), zap.Int64("user_id", userID))
		return Person{}, false, newServiceError(opMember, "invalid_user", errInvalidUserID)
	}

	person, found, err := s.store.Find(ctx, siteID, userID)
	if err != nil {
		s.logError(opMember, "query_failed", err,
			zap.Int64("site_id", siteID), zap.Int64("user_id", userID))
		return Person{}, false, newServiceError(opMember, "query_failed", err)
	}
	return person, found, nil
}

// SiteRoles returns the site's role catalog, cached briefly to spare the
// remote API.
func (s *Service) SiteRoles(ctx context.Context, siteID int64) ([]RoleDefinition, error) {
	if siteID <= 0 {
		s.logError(opSiteRoles, "invalid_site", errInvalidSiteID, zap.Int64("site_id", siteID))
		return nil, newServiceError(opSiteRoles, "invalid_site", errInvalidSiteID)
	}

	cacheKey := "roles:" + strconv.FormatInt(siteID, 10)
	if cached, found := s.roleCache.Get(cacheKey); found {
		return cached.([]RoleDefinition), nil
	}

	roles, err := s.remote.FetchRoles(ctx, siteID)
	if err != nil {
		s.logError(opSiteRoles, "remote_fetch_failed", err, zap.Int64("site_id", siteID))
		return nil, newServiceError(opSiteRoles, "remote_fetch_failed", err)
	}

	s.roleCache.Set(cacheKey, roles, cache.DefaultExpiration)
	return roles, nil
}

// LastSync reports the site's most recent completed refresh.
func (s *Service) LastSync(ctx context.Context, siteID int64) (SyncState, bool, error) {
	if siteID <= 0 {
		s.logError(opLastSync, "invalid_site", errInvalidSiteID, zap.Int64("site_id", siteID))
		return SyncState{}, false, newServiceError(opLastSync, "invalid_site", errInvalidSiteID)
	}

	state, found, err := s.store.LastSync(ctx, siteID)
	if err != nil {
		s.logError(opLastSync, "query_failed", err, zap.Int64("site_id", siteID))
		return SyncState{}, false, newServiceError(opLastSync, "query_failed", err)
	}
	return state, found, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("people service error", attrs...)
}
