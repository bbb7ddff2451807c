// Package sweeper runs the periodic maintenance jobs: disconnecting idle
// sessions and pruning messages past retention.
package sweeper

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	logx "sessionhub/pkg/logx"
)

// SessionCleaner disconnects sessions idle longer than the timeout.
// *session.Registry satisfies it.
type SessionCleaner interface {
	CleanupExpired(ctx context.Context, idleTimeout time.Duration) (int, error)
}

// MessagePruner deletes messages older than the retention window.
// *dispatch.Dispatcher satisfies it.
type MessagePruner interface {
	CleanupOld(ctx context.Context, retentionDays int) (int, error)
}

type Config struct {
	Enabled bool

	IdleTimeout time.Duration // session idle cutoff; default 30m
	SweepEvery  time.Duration // idle-sweep interval; default 5m

	RetentionCron string // retention job schedule; default "0 3 * * *"
	RetentionDays int    // 0 means the pruner's default
	Timezone      string // cron location; default local

	JobTimeout time.Duration // bound for one job run; default 1m
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 5 * time.Minute
	}
	if c.RetentionCron == "" {
		c.RetentionCron = "0 3 * * *"
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = time.Minute
	}
	return c
}

type Service struct {
	cfg      Config
	sessions SessionCleaner
	messages MessagePruner
	log      logx.Logger

	c *cron.Cron
}

func New(cfg Config, sessions SessionCleaner, messages MessagePruner, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg.withDefaults(), sessions: sessions, messages: messages, log: log}
}

func (s *Service) Start(ctx context.Context) error {
	_ = ctx
	if !s.cfg.Enabled || s.c != nil {
		return nil
	}

	loc := time.Local
	if s.cfg.Timezone != "" {
		l, err := time.LoadLocation(s.cfg.Timezone)
		if err != nil {
			s.log.Warn("bad timezone, using local", logx.String("tz", s.cfg.Timezone), logx.Err(err))
		} else {
			loc = l
		}
	}
	s.c = cron.New(cron.WithLocation(loc))

	s.c.Schedule(cron.Every(s.cfg.SweepEvery), cron.FuncJob(s.sweepIdle))
	if _, err := s.c.AddFunc(s.cfg.RetentionCron, s.pruneMessages); err != nil {
		s.c = nil
		return err
	}

	s.c.Start()
	s.log.Info("service started",
		logx.Duration("sweep_every", s.cfg.SweepEvery),
		logx.Duration("idle_timeout", s.cfg.IdleTimeout),
		logx.String("retention_cron", s.cfg.RetentionCron))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	c := s.c
	s.c = nil
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		// best-effort
	}
	s.log.Info("service stopped")
}

func (s *Service) sweepIdle() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	defer cancel()
	n, err := s.sessions.CleanupExpired(ctx, s.cfg.IdleTimeout)
	if err != nil {
		s.log.Warn("idle sweep failed", logx.Err(err))
		return
	}
	s.log.Debug("idle sweep done", logx.Int("disconnected", n))
}

func (s *Service) pruneMessages() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	defer cancel()
	n, err := s.messages.CleanupOld(ctx, s.cfg.RetentionDays)
	if err != nil {
		s.log.Warn("message retention failed", logx.Err(err))
		return
	}
	s.log.Debug("message retention done", logx.Int("deleted", n))
}
