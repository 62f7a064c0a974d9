package services

import (
	"context"
	"time"

	"github.com/huangang/casbridge/pkg/logger"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const cleanupSchedule = "30 3 * * *"

// CleanupScheduler removes expired refresh tokens and old audit logs once a day.
type CleanupScheduler struct {
	sessions      *SessionIssuer
	logs          *SystemLogService
	cronScheduler *cron.Cron
	log           zerolog.Logger
}

func NewCleanupScheduler(sessions *SessionIssuer, logs *SystemLogService) *CleanupScheduler {
	return &CleanupScheduler{
		sessions: sessions,
		logs:     logs,
		log:      logger.With("cleanup"),
	}
}

func (s *CleanupScheduler) Start() error {
	s.cronScheduler = cron.New()
	if _, err := s.cronScheduler.AddFunc(cleanupSchedule, func() {
		s.RunOnce(context.Background())
	}); err != nil {
		return err
	}
	s.cronScheduler.Start()
	s.log.Info().Str("cron", cleanupSchedule).Msg("cleanup scheduler started")
	return nil
}

func (s *CleanupScheduler) Stop() {
	if s.cronScheduler != nil {
		<-s.cronScheduler.Stop().Done()
	}
}

func (s *CleanupScheduler) RunOnce(ctx context.Context) {
	tokens, err := s.sessions.CleanupExpired(ctx, time.Now())
	if err != nil {
		s.log.Error().Err(err).Msg("failed to clean up refresh tokens")
	} else if tokens > 0 {
		s.log.Info().Int64("deleted", tokens).Msg("expired refresh tokens removed")
	}

	days := s.logs.GetRetentionDays()
	deleted, err := s.logs.CleanupOldLogs(ctx, days)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to clean up system logs")
		return
	}
	if deleted > 0 {
		s.log.Info().Int64("deleted", deleted).Int("retention_days", days).Msg("old system logs removed")
	}
}
