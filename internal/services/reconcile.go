package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/huangang/casbridge/internal/models"
	"github.com/huangang/casbridge/pkg/logger"
	"github.com/rs/zerolog"
)

// maxResolveAttempts bounds re-resolution after losing a write race.
const maxResolveAttempts = 3

// errResolveAgain signals that another writer changed the rows we decided on.
var errResolveAgain = errors.New("concurrent identity write, resolve again")

var errAccountDisabled = reconciliationError(ReasonUserNotAllowed, "account is disabled")

// Reconciler maps an asserted CAS identity onto exactly one local user.
type Reconciler struct {
	store   UserStore
	clients IdentityClientFactory
	log     zerolog.Logger
}

func NewReconciler(store UserStore, clients IdentityClientFactory) *Reconciler {
	return &Reconciler{
		store:   store,
		clients: clients,
		log:     logger.With("reconcile"),
	}
}

// Resolve returns the local user for identity and whether it was just created.
// The first matching rule wins:
//  1. CAS disabled: configuration error.
//  2. A cas user already linked to identity.ExternalID: refresh profile, return it.
//  3. A user holding identity.Username: upgrade it if local and still present
//     on the IdP, otherwise report a mismatch.
//  4. No match: create a cas user if allowed, else reject.
//
// A disabled account is rejected before anything is written.
func (r *Reconciler) Resolve(ctx context.Context, identity ExternalIdentity, cfg CASConfig) (*models.User, bool, error) {
	if !cfg.Enabled {
		return nil, false, configurationError(ReasonDisabled, "cas login is disabled")
	}
	if identity.ExternalID == "" || identity.Username == "" {
		return nil, false, protocolError(ReasonMalformedResponse, nil, "identity without id or username")
	}

	for attempt := 1; ; attempt++ {
		user, isNew, err := r.resolveOnce(ctx, identity, cfg)
		if !errors.Is(err, errResolveAgain) {
			return user, isNew, err
		}
		if attempt >= maxResolveAttempts {
			return nil, false, persistenceError("resolve identity", fmt.Errorf("gave up after %d attempts: %w", attempt, err))
		}
		r.log.Debug().
			Str("external_id", identity.ExternalID).
			Int("attempt", attempt).
			Msg("lost identity write race, resolving again")
	}
}

func (r *Reconciler) resolveOnce(ctx context.Context, identity ExternalIdentity, cfg CASConfig) (*models.User, bool, error) {
	user, err := r.store.FindByExternalID(ctx, identity.ExternalID)
	switch {
	case err == nil:
		if !user.IsActive {
			return nil, false, errAccountDisabled
		}
		if err := r.refreshProfile(ctx, user, identity); err != nil {
			return nil, false, err
		}
		return user, false, nil
	case !errors.Is(err, ErrUserNotFound):
		return nil, false, persistenceError("find user by external id", err)
	}

	user, err = r.store.FindByUsername(ctx, identity.Username)
	switch {
	case err == nil:
		if user.IsCAS() {
			r.log.Warn().
				Uint("user_id", user.ID).
				Str("external_id", identity.ExternalID).
				Msg("username already linked to another cas identity")
			return nil, false, reconciliationError(ReasonExternalIdentityMismatch,
				"username is linked to a different cas identity")
		}
		if !user.IsActive {
			return nil, false, errAccountDisabled
		}
		return r.upgrade(ctx, user, identity, cfg)
	case !errors.Is(err, ErrUserNotFound):
		return nil, false, persistenceError("find user by username", err)
	}

	if !cfg.AutoCreateUser {
		return nil, false, reconciliationError(ReasonUserNotAllowed, "no local account for this identity")
	}
	return r.create(ctx, identity, cfg)
}

func (r *Reconciler) upgrade(ctx context.Context, user *models.User, identity ExternalIdentity, cfg CASConfig) (*models.User, bool, error) {
	exists, err := r.clients(cfg).UserExists(ctx, identity.Username)
	if err != nil {
		return nil, false, protocolError(ReasonServerUnreachable, err, "verify identity on idp")
	}
	if !exists {
		return nil, false, reconciliationError(ReasonExternalIdentityMismatch,
			"local account exists but the identity is unknown to the idp")
	}

	err = r.store.UpgradeToCAS(ctx, user.ID, identity.ExternalID)
	if errors.Is(err, ErrUpgradeLost) || errors.Is(err, ErrUsernameTaken) {
		return nil, false, errResolveAgain
	}
	if err != nil {
		return nil, false, persistenceError("upgrade user", err)
	}

	oldProvider := user.AuthProvider
	externalID := identity.ExternalID
	user.AuthProvider = models.AuthProviderCAS
	user.ExternalID = &externalID

	r.log.Info().
		Uint("user_id", user.ID).
		Str("old_provider", oldProvider).
		Str("new_provider", user.AuthProvider).
		Str("external_id", externalID).
		Msg("local user upgraded to cas")
	LogInfo("cas", "upgrade_user", fmt.Sprintf("user %s linked to cas identity", user.Username), &user.ID, "", "",
		map[string]interface{}{
			"user_id":      user.ID,
			"old_provider": oldProvider,
			"new_provider": user.AuthProvider,
			"external_id":  externalID,
		})
	return user, false, nil
}

func (r *Reconciler) create(ctx context.Context, identity ExternalIdentity, cfg CASConfig) (*models.User, bool, error) {
	externalID := identity.ExternalID
	user := &models.User{
		Username:     identity.Username,
		Email:        identity.Attr("email"),
		Nickname:     identity.Attr("displayName"),
		Avatar:       identity.Attr("avatar"),
		Role:         cfg.RoleForNewUser(),
		AuthProvider: models.AuthProviderCAS,
		ExternalID:   &externalID,
		IsActive:     true,
	}
	if user.Nickname == "" {
		user.Nickname = identity.Username
	}

	err := r.store.Create(ctx, user)
	if errors.Is(err, ErrUsernameTaken) {
		return nil, false, errResolveAgain
	}
	if err != nil {
		return nil, false, persistenceError("create user", err)
	}

	r.log.Info().
		Uint("user_id", user.ID).
		Str("username", user.Username).
		Str("role", user.Role).
		Msg("cas user created")
	LogInfo("cas", "create_user", fmt.Sprintf("user %s created from cas login", user.Username), &user.ID, "", "", nil)
	return user, true, nil
}

// refreshProfile copies non-identity attributes that changed on the IdP.
func (r *Reconciler) refreshProfile(ctx context.Context, user *models.User, identity ExternalIdentity) error {
	changed := false
	apply := func(dst *string, attr string) {
		if v := identity.Attr(attr); v != "" && v != *dst {
			*dst = v
			changed = true
		}
	}
	apply(&user.Email, "email")
	apply(&user.Nickname, "displayName")
	apply(&user.Avatar, "avatar")

	if !changed {
		return nil
	}
	if err := r.store.Save(ctx, user); err != nil {
		return persistenceError("refresh profile", err)
	}
	return nil
}
