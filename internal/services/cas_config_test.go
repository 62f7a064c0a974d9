package services

import (
	"context"
	"testing"

	"github.com/huangang/casbridge/internal/config"
	"github.com/huangang/casbridge/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCASConfigStore_SeedOnlyFillsMissingKeys(t *testing.T) {
	db := newTestDB(t)
	store := NewCASConfigStore(db)

	require.NoError(t, store.Seed(config.CASBootstrap{
		Enabled:      true,
		ServerURL:    "https://door.example.com/",
		Organization: "built-in",
		Application:  "app",
		DefaultRole:  "user",
	}))
	require.NoError(t, store.Seed(config.CASBootstrap{ServerURL: "https://other.example.com"}))
	require.NoError(t, store.Load(context.Background()))

	cfg := store.Snapshot()
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "https://door.example.com", cfg.ServerURL)
	assert.Equal(t, "built-in", cfg.Organization)

	var rows []models.SystemConfig
	require.NoError(t, db.Where(&models.SystemConfig{Group: casConfigGroup}).Find(&rows).Error)
	assert.Len(t, rows, 11)
}

func TestCASConfigStore_UpdatePersistsAndSwaps(t *testing.T) {
	db := newTestDB(t)
	store := NewCASConfigStore(db)

	before := store.Snapshot()
	assert.False(t, before.Enabled)

	next := enabledCASConfig()
	next.SyncToCasdoor = true
	saved, err := store.Update(context.Background(), next)
	require.NoError(t, err)
	assert.Equal(t, next, saved)

	// earlier snapshots are values and keep their content
	assert.False(t, before.Enabled)
	assert.False(t, before.SyncToCasdoor)
	assert.Equal(t, next, store.Snapshot())

	reloaded := NewCASConfigStore(db)
	require.NoError(t, reloaded.Load(context.Background()))
	assert.Equal(t, next, reloaded.Snapshot())
}

func TestCASConfigStore_FailedUpdateKeepsSnapshot(t *testing.T) {
	db := newTestDB(t)
	store := NewCASConfigStore(db)
	_, err := store.Update(context.Background(), enabledCASConfig())
	require.NoError(t, err)

	require.NoError(t, db.Migrator().DropTable(&models.SystemConfig{}))

	changed := enabledCASConfig()
	changed.Enabled = false
	_, err = store.Update(context.Background(), changed)
	require.Error(t, err)
	assert.True(t, store.Snapshot().Enabled)
}

func TestUpdateCASConfigRequest_Apply(t *testing.T) {
	base := enabledCASConfig()
	disabled := false
	empty := ""
	url := "https://sso.example.org"

	got := (&UpdateCASConfigRequest{Enabled: &disabled, ServerURL: &url, ClientSecret: &empty}).Apply(base)
	assert.False(t, got.Enabled)
	assert.Equal(t, url, got.ServerURL)
	assert.Equal(t, base.ClientSecret, got.ClientSecret, "empty secret keeps the stored one")
	assert.Equal(t, base.Organization, got.Organization)
	assert.True(t, base.Enabled, "base is not modified")
}

func TestNewCASConfigResponse_MasksSecret(t *testing.T) {
	resp := NewCASConfigResponse(enabledCASConfig())
	assert.True(t, resp.ClientSecretSet)

	resp = NewCASConfigResponse(CASConfig{})
	assert.False(t, resp.ClientSecretSet)
}

func TestCASConfig_RoleForNewUser(t *testing.T) {
	assert.Equal(t, models.RoleUser, CASConfig{}.RoleForNewUser())
	assert.Equal(t, models.RoleAdmin, CASConfig{DefaultRole: models.RoleAdmin}.RoleForNewUser())
}

func TestCASConfig_Fingerprint(t *testing.T) {
	cfg := enabledCASConfig()
	same := enabledCASConfig()
	assert.Equal(t, cfg.Fingerprint(), same.Fingerprint())
	assert.NotContains(t, cfg.Fingerprint(), cfg.ClientSecret)

	rotated := cfg
	rotated.ClientSecret = "rotated-secret"
	assert.NotEqual(t, cfg.Fingerprint(), rotated.Fingerprint())

	disabled := cfg
	disabled.SyncToCasdoor = !cfg.SyncToCasdoor
	assert.NotEqual(t, cfg.Fingerprint(), disabled.Fingerprint())
}
