package services

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/huangang/casbridge/internal/config"
	"github.com/huangang/casbridge/pkg/logger"
	"github.com/smallnest/chanx"
)

const (
	TaskTypeUserSync = "user:sync"
	userSyncQueue    = "user-sync"
)

var ErrQueueClosed = errors.New("sync queue is closed")

// SyncHandler processes one dequeued task.
type SyncHandler func(ctx context.Context, task *SyncTask)

// SyncQueue delivers sync tasks in commit order per user id.
type SyncQueue interface {
	// Enqueue adds a task to the queue
	Enqueue(ctx context.Context, task *SyncTask) error
	// IsAsync returns true if tasks leave the process
	IsAsync() bool
	// Close stops accepting tasks and drains what is buffered
	Close() error
}

// NewSyncQueue picks the Redis queue when async mode is configured and Redis
// answers, and falls back to in-process lanes otherwise.
func NewSyncQueue(cfg *config.Config, handler SyncHandler, metrics *Metrics) SyncQueue {
	log := logger.With("sync_queue")
	if cfg.Sync.Mode == config.SyncModeAsync && cfg.Redis.Enabled {
		queue, err := NewAsyncQueue(&cfg.Redis, cfg.Sync.Timeout)
		if err == nil {
			log.Info().Str("redis", cfg.Redis.Addr).Msg("async sync queue initialized")
			return queue
		}
		log.Warn().Err(err).Msg("redis unavailable, falling back to in-process lanes")
	}
	log.Info().Int("lanes", cfg.Sync.Lanes).Msg("in-process sync queue initialized")
	return NewLaneQueue(cfg.Sync.Lanes, handler, metrics)
}

// LaneQueue shards tasks over unbounded in-process channels by user id. Each
// lane has a single consumer, so tasks of one user run in enqueue order while
// different users proceed in parallel.
type LaneQueue struct {
	lanes   []*chanx.UnboundedChan[*SyncTask]
	handler SyncHandler
	metrics *Metrics
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
}

func NewLaneQueue(n int, handler SyncHandler, metrics *Metrics) *LaneQueue {
	if n <= 0 {
		n = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &LaneQueue{
		lanes:   make([]*chanx.UnboundedChan[*SyncTask], n),
		handler: handler,
		metrics: metrics,
		cancel:  cancel,
	}
	for i := range q.lanes {
		q.lanes[i] = chanx.NewUnboundedChan[*SyncTask](ctx, 16)
		q.wg.Add(1)
		go q.run(i)
	}
	return q
}

func (q *LaneQueue) laneFor(userID uint) int {
	return int(userID % uint(len(q.lanes)))
}

func (q *LaneQueue) Enqueue(_ context.Context, task *SyncTask) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	lane := q.laneFor(task.Event.User.ID)
	q.lanes[lane].In <- task
	q.metrics.setBacklog(strconv.Itoa(lane), q.lanes[lane].Len())
	return nil
}

func (q *LaneQueue) run(lane int) {
	defer q.wg.Done()
	label := strconv.Itoa(lane)
	ch := q.lanes[lane]
	for task := range ch.Out {
		q.handle(task)
		q.metrics.setBacklog(label, ch.Len())
	}
}

// handle runs outside the enqueuing request, so it gets a fresh context.
func (q *LaneQueue) handle(task *SyncTask) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("sync handler panicked")
		}
	}()
	q.handler(context.Background(), task)
}

func (q *LaneQueue) IsAsync() bool {
	return false
}

// Close waits for every buffered task to be handled.
func (q *LaneQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for _, ch := range q.lanes {
		close(ch.In)
	}
	q.mu.Unlock()

	q.wg.Wait()
	q.cancel()
	return nil
}

// AsyncQueue publishes sync tasks to Redis through asynq.
type AsyncQueue struct {
	client  *asynq.Client
	timeout time.Duration
}

func NewAsyncQueue(cfg *config.RedisConfig, timeout time.Duration) (*AsyncQueue, error) {
	redisOpt := redisClientOpt(cfg)
	client := asynq.NewClient(redisOpt)

	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()
	if _, err := inspector.Queues(); err != nil {
		client.Close()
		return nil, err
	}

	return &AsyncQueue{client: client, timeout: timeout}, nil
}

func redisClientOpt(cfg *config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

// Enqueue publishes the event without retries: outbound sync fires once.
func (q *AsyncQueue) Enqueue(ctx context.Context, task *SyncTask) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}

	opts := []asynq.Option{
		asynq.Queue(userSyncQueue),
		asynq.MaxRetry(0),
	}
	if q.timeout > 0 {
		opts = append(opts, asynq.Timeout(q.timeout))
	}
	info, err := q.client.EnqueueContext(ctx, asynq.NewTask(TaskTypeUserSync, payload), opts...)
	if err != nil {
		return err
	}

	logger.Debug().
		Str("task_id", info.ID).
		Uint("user_id", task.Event.User.ID).
		Str("operation", string(task.Event.Operation)).
		Msg("user sync enqueued")
	return nil
}

func (q *AsyncQueue) IsAsync() bool {
	return true
}

func (q *AsyncQueue) Close() error {
	return q.client.Close()
}
