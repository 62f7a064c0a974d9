package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/huangang/casbridge/internal/config"
	"github.com/huangang/casbridge/internal/models"
	"github.com/huangang/casbridge/pkg/logger"
	"gorm.io/gorm"
)

const casConfigGroup = "cas"

const (
	keyCASEnabled        = "cas_enabled"
	keyCASServerURL      = "cas_server_url"
	keyCASOrganization   = "cas_organization"
	keyCASApplication    = "cas_application"
	keyCASServiceURL     = "cas_service_url"
	keyCASDefaultRole    = "cas_default_role"
	keyCASAutoCreateUser = "cas_auto_create_user"
	keyCASClientID       = "cas_client_id"
	keyCASClientSecret   = "cas_client_secret"
	keyCASJWTPublicKey   = "cas_jwt_public_key"
	keyCASSyncToCasdoor  = "cas_sync_to_casdoor"
)

// CASConfig is an immutable snapshot of the CAS settings. It is passed by
// value so that an operation keeps branching on the same values even if an
// admin changes the settings while it runs.
type CASConfig struct {
	Enabled        bool   `json:"enabled"`
	ServerURL      string `json:"server_url"`
	Organization   string `json:"organization"`
	Application    string `json:"application"`
	ServiceURL     string `json:"service_url"`
	DefaultRole    string `json:"default_role"`
	AutoCreateUser bool   `json:"auto_create_user"`
	ClientID       string `json:"client_id"`
	ClientSecret   string `json:"client_secret"`
	JWTPublicKey   string `json:"jwt_public_key"`
	SyncToCasdoor  bool   `json:"sync_to_casdoor"`
}

// casPath returns {serverUrl}/cas/{organization}/{application}/{suffix}.
func (c CASConfig) casPath(suffix string) string {
	return fmt.Sprintf("%s/cas/%s/%s/%s", strings.TrimRight(c.ServerURL, "/"), c.Organization, c.Application, suffix)
}

// Fingerprint identifies the settings without revealing them. Tasks that
// leave the process carry it instead of the snapshot itself.
func (c CASConfig) Fingerprint() string {
	h := sha256.New()
	for _, row := range c.rows() {
		fmt.Fprintf(h, "%s=%q;", row.Key, row.Value)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// RoleForNewUser returns the role given to auto-created CAS users.
func (c CASConfig) RoleForNewUser() string {
	if c.DefaultRole == "" {
		return models.RoleUser
	}
	return c.DefaultRole
}

func (c CASConfig) rows() []models.SystemConfig {
	return []models.SystemConfig{
		{Key: keyCASEnabled, Value: strconv.FormatBool(c.Enabled), Type: "bool", Label: "Enable CAS Login"},
		{Key: keyCASServerURL, Value: strings.TrimRight(c.ServerURL, "/"), Type: "string", Label: "CAS Server URL"},
		{Key: keyCASOrganization, Value: c.Organization, Type: "string", Label: "Organization"},
		{Key: keyCASApplication, Value: c.Application, Type: "string", Label: "Application"},
		{Key: keyCASServiceURL, Value: c.ServiceURL, Type: "string", Label: "Service URL"},
		{Key: keyCASDefaultRole, Value: c.DefaultRole, Type: "string", Label: "Default Role"},
		{Key: keyCASAutoCreateUser, Value: strconv.FormatBool(c.AutoCreateUser), Type: "bool", Label: "Auto Create Users"},
		{Key: keyCASClientID, Value: c.ClientID, Type: "string", Label: "Client ID"},
		{Key: keyCASClientSecret, Value: c.ClientSecret, Type: "string", Label: "Client Secret"},
		{Key: keyCASJWTPublicKey, Value: c.JWTPublicKey, Type: "string", Label: "JWT Public Key"},
		{Key: keyCASSyncToCasdoor, Value: strconv.FormatBool(c.SyncToCasdoor), Type: "bool", Label: "Sync Users To Casdoor"},
	}
}

func casConfigFromRows(rows []models.SystemConfig) CASConfig {
	values := make(map[string]string, len(rows))
	for _, r := range rows {
		values[r.Key] = r.Value
	}
	return CASConfig{
		Enabled:        values[keyCASEnabled] == "true",
		ServerURL:      strings.TrimRight(values[keyCASServerURL], "/"),
		Organization:   values[keyCASOrganization],
		Application:    values[keyCASApplication],
		ServiceURL:     values[keyCASServiceURL],
		DefaultRole:    values[keyCASDefaultRole],
		AutoCreateUser: values[keyCASAutoCreateUser] == "true",
		ClientID:       values[keyCASClientID],
		ClientSecret:   values[keyCASClientSecret],
		JWTPublicKey:   values[keyCASJWTPublicKey],
		SyncToCasdoor:  values[keyCASSyncToCasdoor] == "true",
	}
}

// CASConfigStore holds the current CAS snapshot. Reads are lock free; writes
// commit to the database first and only then publish the new snapshot.
type CASConfigStore struct {
	db      *gorm.DB
	current atomic.Pointer[CASConfig]
	mu      sync.Mutex
}

func NewCASConfigStore(db *gorm.DB) *CASConfigStore {
	s := &CASConfigStore{db: db}
	s.current.Store(&CASConfig{DefaultRole: models.RoleUser})
	return s
}

// Seed writes the bootstrap values for keys that are not in the database yet.
func (s *CASConfigStore) Seed(boot config.CASBootstrap) error {
	cfg := CASConfig{
		Enabled:        boot.Enabled,
		ServerURL:      boot.ServerURL,
		Organization:   boot.Organization,
		Application:    boot.Application,
		ServiceURL:     boot.ServiceURL,
		DefaultRole:    boot.DefaultRole,
		AutoCreateUser: boot.AutoCreateUser,
		ClientID:       boot.ClientID,
		ClientSecret:   boot.ClientSecret,
		JWTPublicKey:   boot.JWTPublicKey,
		SyncToCasdoor:  boot.SyncToCasdoor,
	}
	rows := cfg.rows()
	for i := range rows {
		rows[i].Group = casConfigGroup
	}
	return models.SeedConfigs(s.db, rows)
}

// Load reads the persisted rows and publishes them as the current snapshot.
func (s *CASConfigStore) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []models.SystemConfig
	if err := s.db.WithContext(ctx).Where(&models.SystemConfig{Group: casConfigGroup}).Find(&rows).Error; err != nil {
		return fmt.Errorf("load cas config: %w", err)
	}
	cfg := casConfigFromRows(rows)
	s.current.Store(&cfg)
	return nil
}

// Snapshot returns a copy of the current settings.
func (s *CASConfigStore) Snapshot() CASConfig {
	return *s.current.Load()
}

// Update persists every field in one transaction and swaps the snapshot after
// the commit succeeds. On error the previous snapshot stays in place.
func (s *CASConfigStore) Update(ctx context.Context, cfg CASConfig) (CASConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg.ServerURL = strings.TrimRight(strings.TrimSpace(cfg.ServerURL), "/")
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, row := range cfg.rows() {
			if err := setConfigValue(tx, row.Key, row.Value, casConfigGroup); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return s.Snapshot(), fmt.Errorf("update cas config: %w", err)
	}

	next := cfg
	s.current.Store(&next)
	l := logger.With("cas")
	l.Info().
		Bool("enabled", cfg.Enabled).
		Bool("sync_to_casdoor", cfg.SyncToCasdoor).
		Bool("auto_create_user", cfg.AutoCreateUser).
		Msg("cas config updated")
	return next, nil
}

// CASConfigResponse is the admin view of the settings. The client secret is
// never echoed back, only whether one is set.
type CASConfigResponse struct {
	Enabled         bool   `json:"enabled"`
	ServerURL       string `json:"server_url"`
	Organization    string `json:"organization"`
	Application     string `json:"application"`
	ServiceURL      string `json:"service_url"`
	DefaultRole     string `json:"default_role"`
	AutoCreateUser  bool   `json:"auto_create_user"`
	ClientID        string `json:"client_id"`
	ClientSecretSet bool   `json:"client_secret_set"`
	JWTPublicKey    string `json:"jwt_public_key"`
	SyncToCasdoor   bool   `json:"sync_to_casdoor"`
}

func NewCASConfigResponse(cfg CASConfig) *CASConfigResponse {
	return &CASConfigResponse{
		Enabled:         cfg.Enabled,
		ServerURL:       cfg.ServerURL,
		Organization:    cfg.Organization,
		Application:     cfg.Application,
		ServiceURL:      cfg.ServiceURL,
		DefaultRole:     cfg.DefaultRole,
		AutoCreateUser:  cfg.AutoCreateUser,
		ClientID:        cfg.ClientID,
		ClientSecretSet: cfg.ClientSecret != "",
		JWTPublicKey:    cfg.JWTPublicKey,
		SyncToCasdoor:   cfg.SyncToCasdoor,
	}
}

// UpdateCASConfigRequest carries a partial update; nil fields keep their value.
// An empty client secret also keeps the stored one.
type UpdateCASConfigRequest struct {
	Enabled        *bool   `json:"enabled"`
	ServerURL      *string `json:"server_url"`
	Organization   *string `json:"organization"`
	Application    *string `json:"application"`
	ServiceURL     *string `json:"service_url"`
	DefaultRole    *string `json:"default_role"`
	AutoCreateUser *bool   `json:"auto_create_user"`
	ClientID       *string `json:"client_id"`
	ClientSecret   *string `json:"client_secret"`
	JWTPublicKey   *string `json:"jwt_public_key"`
	SyncToCasdoor  *bool   `json:"sync_to_casdoor"`
}

// Apply returns base with the request's fields applied.
func (r *UpdateCASConfigRequest) Apply(base CASConfig) CASConfig {
	if r.Enabled != nil {
		base.Enabled = *r.Enabled
	}
	if r.ServerURL != nil {
		base.ServerURL = *r.ServerURL
	}
	if r.Organization != nil {
		base.Organization = *r.Organization
	}
	if r.Application != nil {
		base.Application = *r.Application
	}
	if r.ServiceURL != nil {
		base.ServiceURL = *r.ServiceURL
	}
	if r.DefaultRole != nil {
		base.DefaultRole = *r.DefaultRole
	}
	if r.AutoCreateUser != nil {
		base.AutoCreateUser = *r.AutoCreateUser
	}
	if r.ClientID != nil {
		base.ClientID = *r.ClientID
	}
	if r.ClientSecret != nil && *r.ClientSecret != "" {
		base.ClientSecret = *r.ClientSecret
	}
	if r.JWTPublicKey != nil {
		base.JWTPublicKey = *r.JWTPublicKey
	}
	if r.SyncToCasdoor != nil {
		base.SyncToCasdoor = *r.SyncToCasdoor
	}
	return base
}
