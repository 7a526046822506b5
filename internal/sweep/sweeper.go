package sweep

import (
	"context"
	"fmt"
	"log"

	"github.com/robfig/cron/v3"

	"github.com/wenwu/saas-platform/vpn-controller/internal/config"
	"github.com/wenwu/saas-platform/vpn-controller/internal/service"
)

// Sweeper schedules the periodic reconciliation jobs: traffic counter
// refresh, overdue expiry, and the remote drift audit.
type Sweeper struct {
	cron *cron.Cron
	cfg  config.SweepConfig
	svc  *service.AccountService
}

func NewSweeper(cfg config.SweepConfig, svc *service.AccountService) *Sweeper {
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	return &Sweeper{cron: c, cfg: cfg, svc: svc}
}

// Start registers the jobs and begins scheduling
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.UsageCron, s.refreshUsage); err != nil {
		return fmt.Errorf("schedule usage sweep: %w", err)
	}
	if _, err := s.cron.AddFunc(s.cfg.ExpiryCron, s.expireOverdue); err != nil {
		return fmt.Errorf("schedule expiry sweep: %w", err)
	}
	if _, err := s.cron.AddFunc(s.cfg.OrphanCron, s.auditRemote); err != nil {
		return fmt.Errorf("schedule audit sweep: %w", err)
	}
	s.cron.Start()
	log.Printf("[Sweep] Scheduled: usage=%q expiry=%q audit=%q",
		s.cfg.UsageCron, s.cfg.ExpiryCron, s.cfg.OrphanCron)
	return nil
}

// Stop halts scheduling; the returned context is done once running jobs
// have finished.
func (s *Sweeper) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Sweeper) refreshUsage() {
	n, err := s.svc.RefreshAllUsage(context.Background())
	if err != nil {
		log.Printf("[Sweep] Usage sweep failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[Sweep] Usage refreshed for %d account(s)", n)
	}
}

func (s *Sweeper) expireOverdue() {
	n, err := s.svc.ExpireOverdue(context.Background())
	if err != nil {
		log.Printf("[Sweep] Expiry sweep failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[Sweep] Deactivated %d overdue account(s)", n)
	}
}

func (s *Sweeper) auditRemote() {
	if err := s.svc.AuditRemote(context.Background()); err != nil {
		log.Printf("[Sweep] Audit sweep failed: %v", err)
	}
}
