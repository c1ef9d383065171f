/**
 * @description
 * Cron scheduler for the background consistency sweeps: refund
 * reconciliation and orphaned payment-intent recovery.
 */

package app

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// SchedulerConfig carries the cron expressions for the sweeps.
type SchedulerConfig struct {
	ReconcileSweepSchedule string
	OrphanSweepSchedule    string
	WindowSweepSchedule    string
	SweepTimeout           time.Duration
}

// Scheduler manages the periodic consistency sweeps.
type Scheduler struct {
	cron    *cron.Cron
	service *Service
	config  SchedulerConfig
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(service *Service, cfg SchedulerConfig) *Scheduler {
	if cfg.SweepTimeout <= 0 {
		cfg.SweepTimeout = 10 * time.Minute
	}
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	return &Scheduler{
		cron:    c,
		service: service,
		config:  cfg,
	}
}

// Start registers the sweep jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.config.ReconcileSweepSchedule, s.runReconcileSweep); err != nil {
		log.Printf("level=error component=scheduler msg=\"failed to schedule reconcile sweep\" error=%q", err)
	} else {
		log.Printf("level=info component=scheduler msg=\"scheduled reconcile sweep\" schedule=%q", s.config.ReconcileSweepSchedule)
	}

	if _, err := s.cron.AddFunc(s.config.OrphanSweepSchedule, s.runOrphanSweep); err != nil {
		log.Printf("level=error component=scheduler msg=\"failed to schedule orphan sweep\" error=%q", err)
	} else {
		log.Printf("level=info component=scheduler msg=\"scheduled orphan sweep\" schedule=%q", s.config.OrphanSweepSchedule)
	}

	if _, err := s.cron.AddFunc(s.config.WindowSweepSchedule, s.runWindowSweep); err != nil {
		log.Printf("level=error component=scheduler msg=\"failed to schedule window sweep\" error=%q", err)
	} else {
		log.Printf("level=info component=scheduler msg=\"scheduled window sweep\" schedule=%q", s.config.WindowSweepSchedule)
	}

	s.cron.Start()
}

func (s *Scheduler) runReconcileSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.SweepTimeout)
	defer cancel()
	if _, err := s.service.ReconcileAll(ctx); err != nil {
		log.Printf("level=error component=scheduler msg=\"reconcile sweep failed\" error=%q", err)
	}
}

func (s *Scheduler) runOrphanSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.SweepTimeout)
	defer cancel()
	if _, err := s.service.CompleteOrphanedIntents(ctx); err != nil {
		log.Printf("level=error component=scheduler msg=\"orphan sweep failed\" error=%q", err)
	}
}

// The window sweep catches refunds on payments the per-payment sweep no
// longer visits, such as fully refunded ones.
func (s *Scheduler) runWindowSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.SweepTimeout)
	defer cancel()
	if _, err := s.service.ReconcileRecentWindow(ctx); err != nil {
		log.Printf("level=error component=scheduler msg=\"window sweep failed\" error=%q", err)
	}
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
