package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/huangang/casbridge/internal/models"
	"github.com/huangang/casbridge/pkg/logger"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// CASAuthService drives the CAS login flow: ticket validation, identity
// reconciliation and session issuance, all against one config snapshot.
type CASAuthService struct {
	db         *gorm.DB
	configs    *CASConfigStore
	validator  TicketValidator
	prober     *CASTicketValidator
	reconciler *Reconciler
	sessions   *SessionIssuer
	metrics    *Metrics
	log        zerolog.Logger
}

func NewCASAuthService(db *gorm.DB, configs *CASConfigStore, validator TicketValidator, prober *CASTicketValidator,
	reconciler *Reconciler, sessions *SessionIssuer, metrics *Metrics) *CASAuthService {
	return &CASAuthService{
		db:         db,
		configs:    configs,
		validator:  validator,
		prober:     prober,
		reconciler: reconciler,
		sessions:   sessions,
		metrics:    metrics,
		log:        logger.With("cas"),
	}
}

type CASLoginURLResponse struct {
	LoginURL   string `json:"login_url"`
	CASEnabled bool   `json:"cas_enabled"`
}

// LoginURL builds the CAS login redirect. redirectURL overrides the
// configured service URL.
func (s *CASAuthService) LoginURL(redirectURL string) *CASLoginURLResponse {
	cfg := s.configs.Snapshot()
	if !cfg.Enabled {
		return &CASLoginURLResponse{CASEnabled: false}
	}
	service := redirectURL
	if service == "" {
		service = cfg.ServiceURL
	}
	return &CASLoginURLResponse{
		LoginURL:   cfg.casPath("login") + "?service=" + url.QueryEscape(service),
		CASEnabled: true,
	}
}

type CASLoginResult struct {
	*TokenPair
	User      *models.User `json:"user"`
	IsNewUser bool         `json:"is_new_user"`
}

// Callback exchanges a service ticket for a local session.
func (s *CASAuthService) Callback(ctx context.Context, ticket, service, clientIP, userAgent string) (result *CASLoginResult, err error) {
	cfg := s.configs.Snapshot()
	defer func() { s.metrics.recordLogin(err) }()

	if !cfg.Enabled {
		return nil, configurationError(ReasonDisabled, "cas login is disabled")
	}
	if service == "" {
		service = cfg.ServiceURL
	}

	identity, err := s.validator.ValidateTicket(ctx, cfg, ticket, service)
	if err != nil {
		s.log.Warn().Err(err).Str("ip", clientIP).Msg("ticket validation failed")
		return nil, err
	}

	user, isNew, err := s.reconciler.Resolve(ctx, *identity, cfg)
	if err != nil {
		s.log.Warn().Err(err).Str("external_id", identity.ExternalID).Msg("cas identity not resolved")
		return nil, err
	}

	pair, err := s.sessions.Issue(ctx, user, models.SessionSourceCAS, clientIP, userAgent)
	if err != nil {
		if isNew {
			s.discardCreatedUser(user)
		}
		return nil, persistenceError("issue session", err)
	}
	touchLastLogin(ctx, s.db, user)

	s.log.Info().
		Uint("user_id", user.ID).
		Str("username", user.Username).
		Bool("is_new_user", isNew).
		Msg("cas login")
	LogInfo("cas", "login", fmt.Sprintf("user %s logged in via cas", user.Username), &user.ID, clientIP, userAgent, nil)

	return &CASLoginResult{TokenPair: pair, User: user, IsNewUser: isNew}, nil
}

// discardCreatedUser removes a user created by a login that then failed, so a
// failed first login leaves no account behind.
func (s *CASAuthService) discardCreatedUser(user *models.User) {
	if err := s.db.Delete(&models.User{}, user.ID).Error; err != nil {
		s.log.Error().Err(err).Uint("user_id", user.ID).Msg("failed to remove user after aborted cas login")
		return
	}
	s.log.Warn().Uint("user_id", user.ID).Str("username", user.Username).Msg("removed user created by aborted cas login")
}

type CASLogoutResponse struct {
	RedirectURL string `json:"redirect_url"`
}

// Logout revokes every session of userID and returns the CAS logout URL.
func (s *CASAuthService) Logout(ctx context.Context, userID uint) (*CASLogoutResponse, error) {
	cfg := s.configs.Snapshot()

	revoked, err := s.sessions.RevokeAllForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.log.Info().Uint("user_id", userID).Int64("revoked", revoked).Msg("cas logout")

	if !cfg.Enabled || cfg.ServerURL == "" {
		return &CASLogoutResponse{}, nil
	}
	redirect := cfg.casPath("logout")
	if cfg.ServiceURL != "" {
		redirect += "?service=" + url.QueryEscape(cfg.ServiceURL)
	}
	return &CASLogoutResponse{RedirectURL: redirect}, nil
}

type PublicCASSettings struct {
	CASEnabled bool `json:"cas_enabled"`
}

func (s *CASAuthService) PublicSettings() *PublicCASSettings {
	return &PublicCASSettings{CASEnabled: s.configs.Snapshot().Enabled}
}

func (s *CASAuthService) GetConfig() *CASConfigResponse {
	return NewCASConfigResponse(s.configs.Snapshot())
}

func (s *CASAuthService) UpdateConfig(ctx context.Context, req *UpdateCASConfigRequest) (*CASConfigResponse, error) {
	next := req.Apply(s.configs.Snapshot())
	if err := validateCASConfig(next); err != nil {
		return nil, err
	}
	saved, err := s.configs.Update(ctx, next)
	if err != nil {
		return nil, err
	}
	return NewCASConfigResponse(saved), nil
}

var ErrInvalidCASConfig = errors.New("invalid cas config")

func validateCASConfig(cfg CASConfig) error {
	if cfg.DefaultRole != "" && !validRole(cfg.DefaultRole) {
		return fmt.Errorf("%w: default role must be 'admin' or 'user'", ErrInvalidCASConfig)
	}
	if cfg.ServerURL != "" {
		u, err := url.Parse(cfg.ServerURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: server url must be an absolute http(s) url", ErrInvalidCASConfig)
		}
	}
	if !cfg.Enabled {
		return nil
	}
	if missing := missingCASFields(cfg); len(missing) > 0 {
		return fmt.Errorf("%w: %s required when cas is enabled", ErrInvalidCASConfig, strings.Join(missing, ", "))
	}
	return nil
}

func missingCASFields(cfg CASConfig) []string {
	var missing []string
	if cfg.ServerURL == "" {
		missing = append(missing, "server_url")
	}
	if cfg.Organization == "" {
		missing = append(missing, "organization")
	}
	if cfg.Application == "" {
		missing = append(missing, "application")
	}
	return missing
}

type TestConnectionResult struct {
	Reachable  bool   `json:"reachable"`
	Message    string `json:"message"`
	OIDCIssuer string `json:"oidc_issuer,omitempty"`
}

// TestConnection checks a candidate config without saving it. An empty
// client secret falls back to the stored one.
func (s *CASAuthService) TestConnection(ctx context.Context, req *UpdateCASConfigRequest) *TestConnectionResult {
	cfg := req.Apply(s.configs.Snapshot())
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")

	if missing := missingCASFields(cfg); len(missing) > 0 {
		return &TestConnectionResult{Message: "missing required fields: " + strings.Join(missing, ", ")}
	}
	if cfg.JWTPublicKey != "" {
		if _, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.JWTPublicKey)); err != nil {
			return &TestConnectionResult{Message: "invalid jwt public key: " + err.Error()}
		}
	}
	if err := s.prober.probeServiceValidate(ctx, cfg); err != nil {
		return &TestConnectionResult{Message: "cas server check failed: " + err.Error()}
	}

	result := &TestConnectionResult{Reachable: true, Message: "cas server reachable"}
	// Casdoor also publishes OIDC discovery; report it when available.
	if provider, err := oidc.NewProvider(ctx, cfg.ServerURL); err == nil {
		var claims struct {
			Issuer string `json:"issuer"`
		}
		if provider.Claims(&claims) == nil {
			result.OIDCIssuer = claims.Issuer
		}
	} else {
		s.log.Debug().Err(err).Msg("oidc discovery unavailable")
	}
	return result
}
