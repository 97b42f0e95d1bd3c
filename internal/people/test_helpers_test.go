package people

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testPerson(siteID, userID int64, role Role) Person {
	return Person{
		SiteID:      siteID,
		UserID:      userID,
		Username:    fmt.Sprintf("user-%d", userID),
		DisplayName: fmt.Sprintf("User %d", userID),
		Email:       fmt.Sprintf("user-%d@example.test", userID),
		AvatarURL:   fmt.Sprintf("https://cdn.example.test/%d.png", userID),
		Role:        role,
	}
}

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

type pushRecord struct {
	siteID int64
	userID int64
	role   Role
}

type fakeRemote struct {
	mu         sync.Mutex
	team       []Person
	fetchErr   error
	pushErr    error
	roles      []RoleDefinition
	rolesErr   error
	fetchCalls int
	rolesCalls int
	pushes     []pushRecord
}

func (f *fakeRemote) FetchTeam(ctx context.Context, siteID int64) ([]Person, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return append([]Person(nil), f.team...), nil
}

func (f *fakeRemote) PushRole(ctx context.Context, siteID, userID int64, role Role) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, pushRecord{siteID: siteID, userID: userID, role: role})
	return f.pushErr
}

func (f *fakeRemote) FetchRoles(ctx context.Context, siteID int64) ([]RoleDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rolesCalls++
	if f.rolesErr != nil {
		return nil, f.rolesErr
	}
	return append([]RoleDefinition(nil), f.roles...), nil
}

func (f *fakeRemote) setTeam(team []Person) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.team = team
}

func (f *fakeRemote) setFetchErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchErr = err
}

func (f *fakeRemote) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls
}

func (f *fakeRemote) rolesCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rolesCalls
}

func (f *fakeRemote) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushes)
}

func (f *fakeRemote) lastPush() (pushRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pushes) == 0 {
		return pushRecord{}, false
	}
	return f.pushes[len(f.pushes)-1], true
}

// gatedRemote holds pushes for one role until the gate opens, which lets
// tests order settlements deterministically.
type gatedRemote struct {
	fakeRemote
	gate     chan struct{}
	gateRole Role
	gateErr  error
}

func (g *gatedRemote) PushRole(ctx context.Context, siteID, userID int64, role Role) error {
	if role == g.gateRole {
		<-g.gate
		g.fakeRemote.PushRole(ctx, siteID, userID, role)
		return g.gateErr
	}
	return g.fakeRemote.PushRole(ctx, siteID, userID, role)
}

// flakyStore injects failures in front of a real store.
type flakyStore struct {
	Store
	teamErr    error
	findErr    error
	setRoleErr error
}

func (f *flakyStore) TeamBySite(ctx context.Context, siteID int64) ([]Person, error) {
	if f.teamErr != nil {
		return nil, f.teamErr
	}
	return f.Store.TeamBySite(ctx, siteID)
}

func (f *flakyStore) Find(ctx context.Context, siteID, userID int64) (Person, bool, error) {
	if f.findErr != nil {
		return Person{}, false, f.findErr
	}
	return f.Store.Find(ctx, siteID, userID)
}

func (f *flakyStore) SetRole(ctx context.Context, siteID, userID int64, role Role) error {
	if f.setRoleErr != nil {
		return f.setRoleErr
	}
	return f.Store.SetRole(ctx, siteID, userID, role)
}

// statementRecorder captures every SQL statement GORM executes so tests can
// assert which operations a call issued.
type statementRecorder struct {
	mu         sync.Mutex
	statements []string
}

func (r *statementRecorder) LogMode(logger.LogLevel) logger.Interface {
	return r
}

func (r *statementRecorder) Info(context.Context, string, ...interface{}) {}

func (r *statementRecorder) Warn(context.Context, string, ...interface{}) {}

func (r *statementRecorder) Error(context.Context, string, ...interface{}) {}

func (r *statementRecorder) Trace(_ context.Context, _ time.Time, fc func() (string, int64), _ error) {
	statement, _ := fc()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statements = append(r.statements, statement)
}

func (r *statementRecorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statements = nil
}

func (r *statementRecorder) deletes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matches []string
	for _, statement := range r.statements {
		if strings.HasPrefix(strings.ToUpper(statement), "DELETE") {
			matches = append(matches, statement)
		}
	}
	return matches
}

func newRecordedStore(t *testing.T) (*SQLStore, *statementRecorder) {
	t.Helper()

	recorder := &statementRecorder{}
	dsn := fmt.Sprintf("file:teamsync_recorded_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: recorder})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&TeamMember{}, &SyncState{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	store, err := NewSQLStore(db)
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store, recorder
}

func newTestStore(t *testing.T) (*SQLStore, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:teamsync_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&TeamMember{}, &SyncState{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	store, err := NewSQLStore(db)
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store, db
}

func newMirrorService(t *testing.T, remote RemoteClient) (*Service, *SQLStore) {
	t.Helper()

	store, _ := newTestStore(t)
	generator := &staticIDGenerator{ids: []string{
		"update-1", "update-2", "update-3", "update-4",
	}}
	clock := func() time.Time { return time.Unix(1756100000, 0).UTC() }

	service, err := NewService(ServiceConfig{
		Store:      store,
		Remote:     remote,
		Clock:      clock,
		IDProvider: generator,
	})
	if err != nil {
		t.Fatalf("failed to construct people service: %v", err)
	}
	return service, store
}

func mustSettle(t *testing.T, update *RoleUpdate) RoleUpdateOutcome {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	outcome, err := update.Wait(ctx)
	if err != nil {
		t.Fatalf("update did not settle: %v", err)
	}
	return outcome
}
