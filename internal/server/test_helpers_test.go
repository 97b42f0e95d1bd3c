package server

import (
	contextpkg "context"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/sitekit/teamsync/internal/people"
	"gorm.io/gorm"
)

type stubTokenValidator struct {
	subject     string
	validateErr error
}

func (s stubTokenValidator) ValidateToken(string) (string, error) {
	if s.validateErr != nil {
		return "", s.validateErr
	}
	return s.subject, nil
}

type stubRemote struct {
	mu       sync.Mutex
	team     []people.Person
	roles    []people.RoleDefinition
	fetchErr error
	pushErr  error
	pushes   int
}

func (s *stubRemote) FetchTeam(_ contextpkg.Context, siteID int64) ([]people.Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	team := make([]people.Person, len(s.team))
	copy(team, s.team)
	for index := range team {
		team[index].SiteID = siteID
	}
	return team, nil
}

func (s *stubRemote) PushRole(contextpkg.Context, int64, int64, people.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushes++
	return s.pushErr
}

func (s *stubRemote) FetchRoles(contextpkg.Context, int64) ([]people.RoleDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]people.RoleDefinition(nil), s.roles...), nil
}

func (s *stubRemote) setTeam(team []people.Person) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.team = team
}

func (s *stubRemote) setPushErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushErr = err
}

func newPeopleService(t *testing.T, remote people.RemoteClient) *people.Service {
	t.Helper()

	dsn := fmt.Sprintf("file:teamsync_server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	if err := db.AutoMigrate(&people.TeamMember{}, &people.SyncState{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	store, err := people.NewSQLStore(db)
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}

	service, err := people.NewService(people.ServiceConfig{
		Store:      store,
		Remote:     remote,
		IDProvider: people.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct people service: %v", err)
	}
	return service
}

func testTeam() []people.Person {
	return []people.Person{
		{UserID: 7, Username: "nadia", DisplayName: "Nadia", Email: "nadia@example.test", AvatarURL: "https://cdn.example.test/7.png", Role: people.RoleAdministrator},
		{UserID: 9, Username: "omar", DisplayName: "Omar", Email: "omar@example.test", AvatarURL: "https://cdn.example.test/9.png", Role: people.RoleEditor},
	}
}

func waitForPushes(t *testing.T, remote *stubRemote, want int) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		remote.mu.Lock()
		pushes := remote.pushes
		remote.mu.Unlock()
		if pushes >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d remote pushes", want)
}
