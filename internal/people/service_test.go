package people

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewServiceRequiresDependencies(t *testing.T) {
	store, _ := newTestStore(t)
	remote := &fakeRemote{}
	generator := NewUUIDProvider()

	tests := []struct {
		name string
		cfg  ServiceConfig
		code string
	}{
		{
			name: "missing-store",
			cfg:  ServiceConfig{Remote: remote, IDProvider: generator},
			code: "people.service.new.missing_store",
		},
		{
			name: "missing-remote",
			cfg:  ServiceConfig{Store: store, IDProvider: generator},
			code: "people.service.new.missing_remote",
		},
		{
			name: "missing-id-provider",
			cfg:  ServiceConfig{Store: store, Remote: remote},
			code: "people.service.new.missing_id_provider",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewService(tt.cfg)
			var svcErr *ServiceError
			if !errors.As(err, &svcErr) || svcErr.Code() != tt.code {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestRefreshTeamFirstSyncStoresEveryone(t *testing.T) {
	remote := &fakeRemote{team: []Person{
		testPerson(7, 101, RoleAdministrator),
		testPerson(7, 102, RoleEditor),
	}}
	service, store := newMirrorService(t, remote)

	summary, err := service.RefreshTeam(context.Background(), 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Added != 2 || summary.Updated != 0 || summary.Removed != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.TeamSize != 2 {
		t.Fatalf("expected team size 2, got %d", summary.TeamSize)
	}

	team, err := store.TeamBySite(context.Background(), 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(team) != 2 {
		t.Fatalf("expected 2 mirrored members, got %d", len(team))
	}
}

func TestRefreshTeamAppliesAddsUpdatesAndRemoves(t *testing.T) {
	keeper := testPerson(7, 101, RoleEditor)
	mover := testPerson(7, 102, RoleAdministrator)
	leaver := testPerson(7, 103, RoleViewer)

	remote := &fakeRemote{team: []Person{keeper, mover, leaver}}
	service, store := newMirrorService(t, remote)
	ctx := context.Background()

	if _, err := service.RefreshTeam(ctx, 7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	moved := mover
	moved.Role = RoleAuthor
	joiner := testPerson(7, 104, RoleFollower)
	remote.setTeam([]Person{keeper, moved, joiner})

	summary, err := service.RefreshTeam(ctx, 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Added != 1 || summary.Updated != 1 || summary.Removed != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.TeamSize != 3 {
		t.Fatalf("expected team size 3, got %d", summary.TeamSize)
	}

	team, err := store.TeamBySite(ctx, 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []Person{keeper, moved, joiner}
	if len(team) != len(want) {
		t.Fatalf("expected %d members, got %+v", len(want), team)
	}
	for i := range want {
		if team[i] != want[i] {
			t.Fatalf("member %d mismatch: want %+v got %+v", i, want[i], team[i])
		}
	}
}

func TestRefreshTeamSecondRunIsNoOp(t *testing.T) {
	remote := &fakeRemote{team: []Person{testPerson(7, 101, RoleEditor)}}
	service, _ := newMirrorService(t, remote)
	ctx := context.Background()

	if _, err := service.RefreshTeam(ctx, 7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	summary, err := service.RefreshTeam(ctx, 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Added != 0 || summary.Updated != 0 || summary.Removed != 0 {
		t.Fatalf("expected second refresh to change nothing, got %+v", summary)
	}
	if summary.TeamSize != 1 {
		t.Fatalf("expected team size 1, got %d", summary.TeamSize)
	}
}

func TestRefreshTeamRemoteFailureLeavesMirrorUntouched(t *testing.T) {
	remote := &fakeRemote{team: []Person{testPerson(7, 101, RoleEditor)}}
	service, store := newMirrorService(t, remote)
	ctx := context.Background()

	if _, err := service.RefreshTeam(ctx, 7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	remote.setFetchErr(errors.New("remote down"))
	_, err := service.RefreshTeam(ctx, 7)
	var svcErr *ServiceError
	if !errors.As(err, &svcErr) || svcErr.Code() != "people.refresh_team.remote_fetch_failed" {
		t.Fatalf("unexpected error: %v", err)
	}

	team, err := store.TeamBySite(ctx, 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(team) != 1 || team[0].UserID != 101 {
		t.Fatalf("expected mirror to keep previous team, got %+v", team)
	}
}

func TestRefreshTeamRepairsMirrorWhenLocalReadFails(t *testing.T) {
	remote := &fakeRemote{team: []Person{
		testPerson(7, 101, RoleEditor),
		testPerson(7, 102, RoleAuthor),
	}}
	store, _ := newTestStore(t)
	flaky := &flakyStore{Store: store, teamErr: errors.New("disk hiccup")}
	service, err := NewService(ServiceConfig{
		Store:      flaky,
		Remote:     remote,
		Clock:      func() time.Time { return time.Unix(1756100000, 0).UTC() },
		IDProvider: &staticIDGenerator{ids: []string{"update-1"}},
	})
	if err != nil {
		t.Fatalf("failed to construct people service: %v", err)
	}

	summary, err := service.RefreshTeam(context.Background(), 7)
	if err != nil {
		t.Fatalf("expected refresh to survive a failed local read: %v", err)
	}
	if summary.Added != 2 {
		t.Fatalf("expected every remote member upserted, got %+v", summary)
	}

	team, err := store.TeamBySite(context.Background(), 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(team) != 2 {
		t.Fatalf("expected mirror repaired, got %+v", team)
	}
}

func TestRefreshTeamCollapsesDuplicateRemoteEntries(t *testing.T) {
	stale := testPerson(7, 101, RoleEditor)
	fresh := testPerson(7, 101, RoleAdministrator)
	remote := &fakeRemote{team: []Person{stale, fresh}}
	service, store := newMirrorService(t, remote)

	summary, err := service.RefreshTeam(context.Background(), 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.TeamSize != 1 {
		t.Fatalf("expected duplicates to collapse, got %+v", summary)
	}

	stored, found, err := store.Find(context.Background(), 7, 101)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found {
		t.Fatalf("expected member to exist")
	}
	if stored.Role != RoleAdministrator {
		t.Fatalf("expected later occurrence to win, got %s", stored.Role)
	}
}

func TestRefreshTeamRejectsInvalidSite(t *testing.T) {
	remote := &fakeRemote{}
	service, _ := newMirrorService(t, remote)

	_, err := service.RefreshTeam(context.Background(), 0)
	var svcErr *ServiceError
	if !errors.As(err, &svcErr) || svcErr.Code() != "people.refresh_team.invalid_site" {
		t.Fatalf("unexpected error: %v", err)
	}
	if remote.fetchCount() != 0 {
		t.Fatalf("expected no remote call for invalid site")
	}
}

func TestMemberReturnsMirroredPerson(t *testing.T) {
	remote := &fakeRemote{team: []Person{testPerson(7, 101, RoleEditor)}}
	service, _ := newMirrorService(t, remote)
	ctx := context.Background()

	if _, err := service.RefreshTeam(ctx, 7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	person, found, err := service.Member(ctx, 7, 101)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found {
		t.Fatalf("expected member to exist")
	}
	if person != testPerson(7, 101, RoleEditor) {
		t.Fatalf("unexpected person: %+v", person)
	}

	_, found, err = service.Member(ctx, 7, 999)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Fatalf("expected member 999 to be absent")
	}
}

func TestSiteRolesCachesCatalog(t *testing.T) {
	remote := &fakeRemote{roles: []RoleDefinition{
		{Role: RoleAdministrator, DisplayName: "Administrator"},
		{Role: RoleEditor, DisplayName: "Editor"},
	}}
	service, _ := newMirrorService(t, remote)
	ctx := context.Background()

	first, err := service.SiteRoles(ctx, 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := service.SiteRoles(ctx, 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if remote.rolesCount() != 1 {
		t.Fatalf("expected catalog served from cache, got %d fetches", remote.rolesCount())
	}
	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("unexpected catalogs: %+v %+v", first, second)
	}
}

func TestSiteRolesSurfacesRemoteFailure(t *testing.T) {
	remote := &fakeRemote{rolesErr: errors.New("remote down")}
	service, _ := newMirrorService(t, remote)

	_, err := service.SiteRoles(context.Background(), 7)
	var svcErr *ServiceError
	if !errors.As(err, &svcErr) || svcErr.Code() != "people.site_roles.remote_fetch_failed" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLastSyncReportsCompletedRefresh(t *testing.T) {
	remote := &fakeRemote{team: []Person{testPerson(7, 101, RoleEditor)}}
	service, _ := newMirrorService(t, remote)
	ctx := context.Background()

	_, found, err := service.LastSync(ctx, 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Fatalf("expected no sync state before first refresh")
	}

	if _, err := service.RefreshTeam(ctx, 7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	state, found, err := service.LastSync(ctx, 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found {
		t.Fatalf("expected sync state after refresh")
	}
	if state.MemberCount != 1 {
		t.Fatalf("expected member count 1, got %d", state.MemberCount)
	}
	if !state.SyncedAt().Equal(time.Unix(1756100000, 0).UTC()) {
		t.Fatalf("unexpected sync time: %v", state.SyncedAt())
	}
}
