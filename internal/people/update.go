package people

import (
	"context"
	"sync"

	"github.com/sitekit/teamsync/internal/observability"
	"go.uber.org/zap"
)

// RoleUpdateOutcome is the terminal state of an optimistic role update.
type RoleUpdateOutcome string

const (
	// RoleUpdatePending means the remote push has not settled yet.
	RoleUpdatePending RoleUpdateOutcome = "pending"
	// RoleUpdateConfirmed means the remote accepted the new role.
	RoleUpdateConfirmed RoleUpdateOutcome = "confirmed"
	// RoleUpdateRolledBack means the remote rejected the change and the local
	// mirror was restored to the previous role.
	RoleUpdateRolledBack RoleUpdateOutcome = "rolled_back"
	// RoleUpdateAbandoned means the remote rejected the change and there was
	// no local write to restore, either because the member was absent when the
	// update started or because a refresh removed it before settlement.
	RoleUpdateAbandoned RoleUpdateOutcome = "abandoned"
	// RoleUpdateSuperseded means a newer update for the same member landed
	// before this one settled, so the newer intent keeps the local value.
	RoleUpdateSuperseded RoleUpdateOutcome = "superseded"
	// RoleUpdateRollbackFailed means the remote rejected the change and the
	// restore also failed, leaving the mirror ahead of the remote until the
	// next refresh.
	RoleUpdateRollbackFailed RoleUpdateOutcome = "rollback_failed"
)

// RoleUpdate tracks one optimistic role change from local apply to remote
// settlement.
type RoleUpdate struct {
	id            string
	siteID        int64
	userID        int64
	previousRole  Role
	requestedRole Role
	localApplied  bool

	mu      sync.Mutex
	outcome RoleUpdateOutcome
	done    chan struct{}
}

func newRoleUpdate(id string, siteID, userID int64, requested Role) *RoleUpdate {
	return &RoleUpdate{
		id:            id,
		siteID:        siteID,
		userID:        userID,
		requestedRole: requested,
		outcome:       RoleUpdatePending,
		done:          make(chan struct{}),
	}
}

// ID returns the update's identifier.
func (u *RoleUpdate) ID() string {
	return u.id
}

// Done is closed once the update settles.
func (u *RoleUpdate) Done() <-chan struct{} {
	return u.done
}

// Outcome returns the settled outcome, or RoleUpdatePending while the remote
// push is still in flight.
func (u *RoleUpdate) Outcome() RoleUpdateOutcome {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.outcome
}

// Wait blocks until the update settles or the context ends.
func (u *RoleUpdate) Wait(ctx context.Context) (RoleUpdateOutcome, error) {
	select {
	case <-u.done:
		return u.Outcome(), nil
	case <-ctx.Done():
		return RoleUpdatePending, ctx.Err()
	}
}

func (u *RoleUpdate) settle(outcome RoleUpdateOutcome) {
	u.mu.Lock()
	u.outcome = outcome
	u.mu.Unlock()
	close(u.done)
}

// UpdateRole changes one member's role on the local mirror immediately and
// reports the change to the remote in the background. The returned handle
// settles once the remote answers: confirmed on success, otherwise rolled
// back to the previous role. A newer update for the same member supersedes
// an unsettled one, and a rejection that finds no local write to restore
// settles as abandoned. The remote push proceeds even when the member is
// missing locally; only the mirror write is skipped then.
func (s *Service) UpdateRole(ctx context.Context, siteID, userID int64, role Role) (Person, *RoleUpdate, error) {
	if siteID <= 0 {
		s.logError(opUpdateRole, "invalid_site", errInvalidSiteID, zap.Int64("site_id", siteID))
		return Person{}, nil, newServiceError(opUpdateRole, "invalid_site", errInvalidSiteID)
	}
	if userID <= 0 {
		s.logError(opUpdateRole, "invalid_user", errInvalidUserID,
			zap.Int64("site_id", siteID), zap.Int64("user_id", userID))
		return Person{}, nil, newServiceError(opUpdateRole, "invalid_user", errInvalidUserID)
	}
	if role == "" {
		s.logError(opUpdateRole, "missing_role", errMissingRole,
			zap.Int64("site_id", siteID), zap.Int64("user_id", userID))
		return Person{}, nil, newServiceError(opUpdateRole, "missing_role", errMissingRole)
	}

	updateID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opUpdateRole, "id_generation_failed", err,
			zap.Int64("site_id", siteID), zap.Int64("user_id", userID))
		return Person{}, nil, newServiceError(opUpdateRole, "id_generation_failed", err)
	}

	stored, found, err := s.store.Find(ctx, siteID, userID)
	if err != nil {
		// Treated as absent: the push must still reach the remote.
		s.logError(opUpdateRole, "local_lookup_failed", err,
			zap.Int64("site_id", siteID), zap.Int64("user_id", userID))
		found = false
	}

	update := newRoleUpdate(updateID, siteID, userID, role)

	if !found {
		go s.settleRoleUpdate(context.WithoutCancel(ctx), update)
		return Person{SiteID: siteID, UserID: userID, Role: role}, update, nil
	}

	update.previousRole = stored.Role
	key := memberKey{siteID: siteID, userID: userID}

	// Register before writing so the settlement of any older in-flight
	// update observes this one and steps aside.
	s.mu.Lock()
	s.inflight[key] = updateID
	s.mu.Unlock()

	if err := s.store.SetRole(ctx, siteID, userID, role); err != nil {
		s.mu.Lock()
		if s.inflight[key] == updateID {
			delete(s.inflight, key)
		}
		s.mu.Unlock()
		s.logError(opUpdateRole, "store_write_failed", err,
			zap.Int64("site_id", siteID), zap.Int64("user_id", userID))
		return Person{}, nil, newServiceError(opUpdateRole, "store_write_failed", err)
	}
	update.localApplied = true

	go s.settleRoleUpdate(context.WithoutCancel(ctx), update)

	updated := stored
	updated.Role = role
	return updated, update, nil
}

// settleRoleUpdate pushes the role change to the remote and resolves the
// update handle. It runs detached from the request context so a client
// disconnect cannot strand the mirror in its optimistic state.
func (s *Service) settleRoleUpdate(ctx context.Context, update *RoleUpdate) {
	err := s.remote.PushRole(ctx, update.siteID, update.userID, update.requestedRole)
	if err == nil {
		s.clearInflight(update)
		s.finishRoleUpdate(update, RoleUpdateConfirmed)
		return
	}

	s.logError(opSettleRole, "remote_push_failed", err,
		zap.Int64("site_id", update.siteID),
		zap.Int64("user_id", update.userID),
		zap.String("update_id", update.id),
		zap.String("requested_role", update.requestedRole.String()))

	s.finishRoleUpdate(update, s.rollbackRoleUpdate(ctx, update))
}

// clearInflight drops the update's registry entry unless a newer update has
// already replaced it.
func (s *Service) clearInflight(update *RoleUpdate) {
	if !update.localApplied {
		return
	}
	key := memberKey{siteID: update.siteID, userID: update.userID}
	s.mu.Lock()
	if s.inflight[key] == update.id {
		delete(s.inflight, key)
	}
	s.mu.Unlock()
}

// rollbackRoleUpdate restores the previous role after a rejected push. The
// registry lock is held across the latest-check and the restore so a newer
// update registered meanwhile can never be clobbered by a stale rollback.
func (s *Service) rollbackRoleUpdate(ctx context.Context, update *RoleUpdate) RoleUpdateOutcome {
	if !update.localApplied {
		return RoleUpdateAbandoned
	}

	key := memberKey{siteID: update.siteID, userID: update.userID}

	s.mu.Lock()
	defer s.mu.Unlock()

	if latest, ok := s.inflight[key]; !ok || latest != update.id {
		return RoleUpdateSuperseded
	}
	delete(s.inflight, key)

	current, found, err := s.store.Find(ctx, update.siteID, update.userID)
	if err != nil {
		s.logError(opSettleRole, "rollback_lookup_failed", err,
			zap.Int64("site_id", update.siteID),
			zap.Int64("user_id", update.userID),
			zap.String("update_id", update.id))
		return RoleUpdateRollbackFailed
	}
	if !found {
		// The member vanished, most likely removed by a refresh. Nothing to
		// restore.
		return RoleUpdateAbandoned
	}
	if current.Role != update.requestedRole {
		// Someone else already moved the role; leave their value in place.
		return RoleUpdateSuperseded
	}

	if err := s.store.SetRole(ctx, update.siteID, update.userID, update.previousRole); err != nil {
		s.logError(opSettleRole, "rollback_write_failed", err,
			zap.Int64("site_id", update.siteID),
			zap.Int64("user_id", update.userID),
			zap.String("update_id", update.id),
			zap.String("previous_role", update.previousRole.String()))
		return RoleUpdateRollbackFailed
	}
	return RoleUpdateRolledBack
}

func (s *Service) finishRoleUpdate(update *RoleUpdate, outcome RoleUpdateOutcome) {
	update.settle(outcome)
	observability.RecordRoleUpdate(update.siteID, string(outcome))
	s.logger.Info("role update settled",
		zap.String("update_id", update.id),
		zap.Int64("site_id", update.siteID),
		zap.Int64("user_id", update.userID),
		zap.String("requested_role", update.requestedRole.String()),
		zap.String("outcome", string(outcome)))
}
