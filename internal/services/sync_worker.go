package services

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/hibiken/asynq"
	"github.com/huangang/casbridge/internal/config"
	"github.com/huangang/casbridge/pkg/logger"
	"github.com/rs/zerolog"
)

// SyncWorker consumes the Redis sync queue. It runs with concurrency 1 so
// tasks are applied in the order they were published.
type SyncWorker struct {
	server   *asynq.Server
	mux      *asynq.ServeMux
	snapshot func() CASConfig
	handler  SyncHandler
	log      zerolog.Logger
	running  bool
	mu       sync.Mutex
}

func NewSyncWorker(cfg *config.RedisConfig, snapshot func() CASConfig, handler SyncHandler) *SyncWorker {
	log := logger.With("sync_worker")
	server := asynq.NewServer(
		redisClientOpt(cfg),
		asynq.Config{
			Concurrency: 1,
			Queues: map[string]int{
				userSyncQueue: 1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				log.Error().Err(err).Str("type", task.Type()).Msg("error processing task")
			}),
		},
	)

	return &SyncWorker{
		server:   server,
		mux:      asynq.NewServeMux(),
		snapshot: snapshot,
		handler:  handler,
		log:      log,
	}
}

func (w *SyncWorker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	w.mux.HandleFunc(TaskTypeUserSync, w.handleUserSync)
	if err := w.server.Start(w.mux); err != nil {
		return err
	}
	w.running = true
	w.log.Info().Msg("sync worker started")
	return nil
}

func (w *SyncWorker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}

	w.log.Info().Msg("shutting down sync worker")
	w.server.Shutdown()
	w.running = false
	w.log.Info().Msg("sync worker stopped")
}

// handleUserSync never returns the outbound error: a failed sync is logged by
// the handler and must not be retried.
func (w *SyncWorker) handleUserSync(ctx context.Context, t *asynq.Task) error {
	var task SyncTask
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		w.log.Error().Err(err).Msg("failed to unmarshal sync task")
		return asynq.SkipRetry
	}

	current := w.snapshot()
	if task.ConfigVersion != current.Fingerprint() {
		userID := task.Event.User.ID
		w.log.Warn().
			Uint("user_id", userID).
			Str("operation", string(task.Event.Operation)).
			Msg("cas settings changed since enqueue, dropping task")
		LogWarning("user_sync", string(task.Event.Operation), "cas settings changed since enqueue, sync dropped",
			&userID, "", "", map[string]interface{}{"user_id": userID})
		return nil
	}
	task.Config = current

	w.handler(ctx, &task)
	return nil
}
