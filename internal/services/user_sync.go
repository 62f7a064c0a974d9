package services

import (
	"context"
	"fmt"
	"time"

	"github.com/huangang/casbridge/internal/models"
	"github.com/huangang/casbridge/pkg/logger"
	"github.com/rs/zerolog"
)

type SyncOperation string

const (
	SyncCreate SyncOperation = "create"
	SyncUpdate SyncOperation = "update"
	SyncDelete SyncOperation = "delete"
)

// SyncEvent describes one committed local user mutation. Password holds the
// cleartext only when it was set or reset by the mutation.
type SyncEvent struct {
	Operation     SyncOperation `json:"operation"`
	User          models.User   `json:"user"`
	ChangedFields []string      `json:"changed_fields,omitempty"`
	Password      string        `json:"password,omitempty"`
}

// UserMutationListener is notified after a user mutation has committed.
// Implementations must not fail or block the mutation.
type UserMutationListener interface {
	OnUserMutated(ctx context.Context, event SyncEvent, cfg CASConfig)
}

// ShouldSync applies the outbound guards: sync must be enabled and the user
// must be locally managed. Users that came from the IdP are never pushed back.
func ShouldSync(event SyncEvent, cfg CASConfig) bool {
	return cfg.SyncToCasdoor && event.User.AuthProvider == models.AuthProviderLocal
}

// SyncOrchestrator performs the outbound call for one event. Failures are
// logged and audited, never returned.
type SyncOrchestrator struct {
	clients IdentityClientFactory
	timeout time.Duration
	metrics *Metrics
	log     zerolog.Logger
}

func NewSyncOrchestrator(clients IdentityClientFactory, timeout time.Duration, metrics *Metrics) *SyncOrchestrator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SyncOrchestrator{
		clients: clients,
		timeout: timeout,
		metrics: metrics,
		log:     logger.With("user_sync"),
	}
}

func (o *SyncOrchestrator) OnUserMutated(ctx context.Context, event SyncEvent, cfg CASConfig) {
	if !ShouldSync(event, cfg) {
		o.metrics.recordSync(event.Operation, syncResultSkipped)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			o.fail(event, syncError(string(event.Operation), fmt.Errorf("panic: %v", r)))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	if err := o.apply(ctx, o.clients(cfg), event); err != nil {
		o.fail(event, syncError(string(event.Operation), err))
		return
	}
	o.metrics.recordSync(event.Operation, syncResultOK)
}

func (o *SyncOrchestrator) apply(ctx context.Context, client IdentityClient, event SyncEvent) error {
	user := event.User
	switch event.Operation {
	case SyncCreate:
		remoteID, err := client.AddUser(ctx, &user, event.Password)
		if err != nil {
			return err
		}
		o.log.Info().
			Uint("user_id", user.ID).
			Str("username", user.Username).
			Str("idp_id", remoteID).
			Msg("user pushed to idp")
		return nil
	case SyncUpdate:
		if err := client.UpdateUser(ctx, user.Username, &user, event.ChangedFields, event.Password); err != nil {
			return err
		}
		o.log.Info().
			Uint("user_id", user.ID).
			Strs("fields", event.ChangedFields).
			Msg("user update pushed to idp")
		return nil
	case SyncDelete:
		if err := client.DeleteUser(ctx, user.ExternalIDOrUsername()); err != nil {
			return err
		}
		o.log.Info().Uint("user_id", user.ID).Msg("user deletion pushed to idp")
		return nil
	default:
		return fmt.Errorf("unknown sync operation %q", event.Operation)
	}
}

func (o *SyncOrchestrator) fail(event SyncEvent, err error) {
	userID := event.User.ID
	o.log.Error().
		Err(err).
		Uint("user_id", userID).
		Str("operation", string(event.Operation)).
		Msg("outbound user sync failed")
	LogFailure("user_sync", string(event.Operation),
		fmt.Sprintf("sync of user %s to idp failed", event.User.Username),
		err.Error(), &userID,
		map[string]interface{}{
			"user_id":      userID,
			"operation":    event.Operation,
			"error_detail": err.Error(),
		})
	o.metrics.recordSync(event.Operation, syncResultFailed)
}

// SyncTask is one queued event. The snapshot travels with in-process lanes
// only. Tasks sent through Redis carry its fingerprint, and the worker drops
// them when the current settings no longer match it.
type SyncTask struct {
	Event         SyncEvent `json:"event"`
	Config        CASConfig `json:"-"`
	ConfigVersion string    `json:"config_version"`
}

// SyncDispatcher is the listener wired into UserService. It filters events
// with the mutation's snapshot and hands the rest to a queue that preserves
// per-user order.
type SyncDispatcher struct {
	queue   SyncQueue
	metrics *Metrics
	log     zerolog.Logger
}

func NewSyncDispatcher(queue SyncQueue, metrics *Metrics) *SyncDispatcher {
	return &SyncDispatcher{
		queue:   queue,
		metrics: metrics,
		log:     logger.With("user_sync"),
	}
}

func (d *SyncDispatcher) OnUserMutated(ctx context.Context, event SyncEvent, cfg CASConfig) {
	if !ShouldSync(event, cfg) {
		d.metrics.recordSync(event.Operation, syncResultSkipped)
		return
	}
	if err := d.queue.Enqueue(ctx, &SyncTask{Event: event, Config: cfg, ConfigVersion: cfg.Fingerprint()}); err != nil {
		d.log.Error().
			Err(err).
			Uint("user_id", event.User.ID).
			Str("operation", string(event.Operation)).
			Msg("failed to enqueue user sync")
		userID := event.User.ID
		LogFailure("user_sync", string(event.Operation), "failed to enqueue user sync", err.Error(), &userID,
			map[string]interface{}{
				"user_id":      userID,
				"operation":    event.Operation,
				"error_detail": err.Error(),
			})
		d.metrics.recordSync(event.Operation, syncResultFailed)
	}
}
