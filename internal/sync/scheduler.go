package sync

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"dispatch-sync-client/internal/config"
	"dispatch-sync-client/internal/logger"
)

// Scheduler periodically drains the offline queue while online, catching
// entries left behind by partial drains.
type Scheduler struct {
	cfg    config.SchedulerConfig
	engine *Engine
	cron   *cron.Cron
	jobs   []scheduledJob
}

type scheduledJob struct {
	name string
	fn   func()
}

func NewScheduler(cfg config.SchedulerConfig, engine *Engine) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		engine: engine,
		cron:   cron.New(),
	}
}

// AddJob registers an extra function to run on the drain interval. Must be
// called before Start.
func (s *Scheduler) AddJob(name string, fn func()) {
	s.jobs = append(s.jobs, scheduledJob{name: name, fn: fn})
}

func (s *Scheduler) Start() {
	if !s.cfg.Enabled {
		logger.Log.Info("Drain scheduler is disabled")
		return
	}

	logger.Log.Info("Starting drain scheduler", zap.String("interval", s.cfg.Interval))

	if _, err := s.cron.AddFunc(s.cfg.Interval, func() {
		s.triggerDrain()
	}); err != nil {
		logger.Log.Error("Failed to schedule drain job", zap.Error(err))
		return
	}

	for _, job := range s.jobs {
		job := job
		if _, err := s.cron.AddFunc(s.cfg.Interval, job.fn); err != nil {
			logger.Log.Error("Failed to schedule job", zap.String("job", job.name), zap.Error(err))
		}
	}

	s.cron.Start()
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
	logger.Log.Info("Stopped drain scheduler")
}

func (s *Scheduler) triggerDrain() {
	if !s.engine.Online() {
		logger.Log.Debug("Skipping scheduled drain while offline")
		return
	}

	// Drain is a no-op if a pass is already running.
	if err := s.engine.Drain(context.Background()); err != nil {
		logger.Log.Error("Scheduled drain failed", zap.Error(err))
	}
}
