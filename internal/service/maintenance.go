package service

import (
	"context"
	"log"
	"time"

	"github.com/wenwu/saas-platform/vpn-controller/internal/models"
)

// RefreshAllUsage sweeps the panel's traffic counters onto every active
// account. Individual failures are logged and skipped so one broken
// inbound cannot stall the sweep.
func (s *AccountService) RefreshAllUsage(ctx context.Context) (int, error) {
	accounts, err := s.accounts.ListByStatus(ctx, models.AccountStatusActive)
	if err != nil {
		return 0, err
	}
	refreshed := 0
	for _, account := range accounts {
		if account.InboundID == nil {
			continue
		}
		if _, err := s.RefreshUsage(ctx, account.ID); err != nil {
			log.Printf("[Reconciler] Usage refresh failed for account %s: %v", account.ID, err)
			continue
		}
		refreshed++
	}
	return refreshed, nil
}

// ExpireOverdue deactivates active accounts whose expiry has passed.
// Billing normally lapses them first; this catches subscriptions whose
// events never arrived.
func (s *AccountService) ExpireOverdue(ctx context.Context) (int, error) {
	accounts, err := s.accounts.ListActiveExpired(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, account := range accounts {
		if err := s.Deactivate(ctx, account.ID); err != nil {
			log.Printf("[Reconciler] Overdue deactivate failed for account %s: %v", account.ID, err)
			continue
		}
		log.Printf("[Reconciler] Deactivated overdue account %s (expired %s)",
			account.ID, account.ExpiresAt.Format(time.RFC3339))
		expired++
	}
	return expired, nil
}

// AuditRemote compares the panel's inbound listing against local
// references and logs drift in both directions. It never mutates either
// side; operators decide what to do with orphans.
func (s *AccountService) AuditRemote(ctx context.Context) error {
	inbounds, err := s.panel.ListInbounds(ctx)
	if err != nil {
		return err
	}
	accounts, err := s.accounts.ListWithInbound(ctx)
	if err != nil {
		return err
	}

	local := make(map[int64]*models.VPNAccount, len(accounts))
	for _, account := range accounts {
		local[*account.InboundID] = account
	}
	remote := make(map[int64]bool, len(inbounds))
	orphans := 0
	for i := range inbounds {
		inbound := &inbounds[i]
		remote[inbound.ID] = true
		if _, ok := local[inbound.ID]; !ok {
			log.Printf("[Reconciler] Audit: inbound %d (%q, port %d) has no local account",
				inbound.ID, inbound.Remark, inbound.Port)
			orphans++
		}
	}
	missing := 0
	for id, account := range local {
		if !remote[id] {
			log.Printf("[Reconciler] Audit: account %s references inbound %d, which is gone from the panel",
				account.ID, id)
			missing++
		}
	}
	log.Printf("[Reconciler] Audit done: %d inbounds, %d local refs, %d remote orphans, %d missing remotely",
		len(inbounds), len(local), orphans, missing)
	return nil
}
