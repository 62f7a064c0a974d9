package services

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/huangang/casbridge/internal/config"
	"github.com/huangang/casbridge/internal/models"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := models.Open(&config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "casbridge_test.db"),
	})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))

	InitSystemLogger(db)
	t.Cleanup(func() {
		InitSystemLogger(nil)
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func enabledCASConfig() CASConfig {
	return CASConfig{
		Enabled:        true,
		ServerURL:      "https://door.example.com",
		Organization:   "built-in",
		Application:    "app-casbridge",
		ServiceURL:     "https://casbridge.example.com/cas/callback",
		DefaultRole:    models.RoleUser,
		AutoCreateUser: true,
		ClientID:       "client-id",
		ClientSecret:   "client-secret",
	}
}

func seedUser(t *testing.T, db *gorm.DB, user *models.User) *models.User {
	t.Helper()
	if user.AuthProvider == "" {
		user.AuthProvider = models.AuthProviderLocal
	}
	if user.Role == "" {
		user.Role = models.RoleUser
	}
	user.IsActive = true
	require.NoError(t, db.Create(user).Error)
	return user
}

// foldUsernames turns on case-insensitive username matching for one test.
// Call it before newTestDB.
func foldUsernames(t *testing.T) {
	t.Helper()
	models.SetUsernameFolding(true)
	t.Cleanup(func() { models.SetUsernameFolding(false) })
}

func countUsers(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&models.User{}).Count(&n).Error)
	return n
}

func strPtr(s string) *string { return &s }

// fakeIdentityClient records every outbound call.
type fakeIdentityClient struct {
	mu sync.Mutex

	existing  map[string]bool
	existsErr error
	addErr    error
	updateErr error
	deleteErr error

	calls        []string
	lastPassword string
	lastFields   []string
}

func newFakeIdentityClient(existing ...string) *fakeIdentityClient {
	f := &fakeIdentityClient{existing: map[string]bool{}}
	for _, name := range existing {
		f.existing[name] = true
	}
	return f
}

func (f *fakeIdentityClient) factory() IdentityClientFactory {
	return func(CASConfig) IdentityClient { return f }
}

func (f *fakeIdentityClient) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeIdentityClient) AddUser(_ context.Context, user *models.User, password string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("add:" + user.Username)
	f.lastPassword = password
	if f.addErr != nil {
		return "", f.addErr
	}
	f.existing[user.Username] = true
	return "idp-" + user.Username, nil
}

func (f *fakeIdentityClient) UpdateUser(_ context.Context, identity string, _ *models.User, fields []string, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("update:" + identity)
	f.lastFields = fields
	f.lastPassword = password
	return f.updateErr
}

func (f *fakeIdentityClient) DeleteUser(_ context.Context, identity string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("delete:" + identity)
	return f.deleteErr
}

func (f *fakeIdentityClient) UserExists(_ context.Context, identity string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("exists:" + identity)
	if f.existsErr != nil {
		return false, f.existsErr
	}
	return f.existing[identity], nil
}

func (f *fakeIdentityClient) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeIdentityClient) countPrefix(prefix string) int {
	n := 0
	for _, c := range f.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// recordingListener collects mutation events in order.
type recordingListener struct {
	mu     sync.Mutex
	events []SyncEvent
	cfgs   []CASConfig
}

func (l *recordingListener) OnUserMutated(_ context.Context, event SyncEvent, cfg CASConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	l.cfgs = append(l.cfgs, cfg)
}

func (l *recordingListener) Events() []SyncEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]SyncEvent(nil), l.events...)
}
