package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wenwu/saas-platform/vpn-controller/internal/client"
	"github.com/wenwu/saas-platform/vpn-controller/internal/config"
	"github.com/wenwu/saas-platform/vpn-controller/internal/keys"
	"github.com/wenwu/saas-platform/vpn-controller/internal/models"
	"github.com/wenwu/saas-platform/vpn-controller/internal/repository"
)

// Tunnel profile constants baked into new inbounds and rendered configs
const (
	peerAddress   = "10.0.0.2/32"
	tunnelMTU     = 1420
	keepaliveSecs = 25
	dnsServers    = "8.8.8.8, 8.8.4.4"
)

// Bounded allocation retries. Insert retries cover races lost to
// concurrent creates; the database constraints are what make losing
// detectable.
const (
	createInsertAttempts = 5
	emailSlugAttempts    = 5
)

// AccountStore is the persistence surface the reconciler drives.
// Satisfied by repository.AccountRepository.
type AccountStore interface {
	Create(ctx context.Context, account *models.VPNAccount) error
	GetByID(ctx context.Context, id string) (*models.VPNAccount, error)
	GetByIDForUser(ctx context.Context, id, userID string) (*models.VPNAccount, error)
	GetBySubscriptionID(ctx context.Context, subscriptionID string) (*models.VPNAccount, error)
	ListActiveBySubscription(ctx context.Context, subscriptionID string) ([]*models.VPNAccount, error)
	ListByUserID(ctx context.Context, userID string) ([]*models.VPNAccount, error)
	ListByFilters(ctx context.Context, userID, status string) ([]*models.VPNAccount, error)
	ListByStatus(ctx context.Context, status string) ([]*models.VPNAccount, error)
	ListActiveExpired(ctx context.Context, now time.Time) ([]*models.VPNAccount, error)
	ListWithInbound(ctx context.Context) ([]*models.VPNAccount, error)
	PortsInUse(ctx context.Context) (map[int]bool, error)
	EmailExists(ctx context.Context, email string) (bool, error)
	Update(ctx context.Context, account *models.VPNAccount) error
	UpdateStatus(ctx context.Context, id, status string) error
	UpdateUsage(ctx context.Context, id string, up, down int64) error
	ClearInbound(ctx context.Context, id, status string) error
	Delete(ctx context.Context, id string) error
}

// SubscriptionStore is the local subscription mirror surface.
// Satisfied by repository.SubscriptionRepository.
type SubscriptionStore interface {
	Upsert(ctx context.Context, sub *models.Subscription) error
	GetByID(ctx context.Context, id string) (*models.Subscription, error)
	GetByIDForUser(ctx context.Context, id, userID string) (*models.Subscription, error)
}

// LogStore records lifecycle actions for the audit trail.
// Satisfied by repository.AccountLogRepository.
type LogStore interface {
	LogAction(ctx context.Context, accountID, userID, action, status, message string) error
	LogActionWithMetadata(ctx context.Context, accountID, userID, action, status, message string, metadata map[string]interface{}) error
	GetByAccountID(ctx context.Context, accountID string, limit int) ([]*models.AccountLog, error)
}

// Gateway is the remote panel surface. Satisfied by client.PanelClient.
type Gateway interface {
	CreateInbound(ctx context.Context, spec models.InboundSpec) (int64, error)
	GetInbound(ctx context.Context, inboundID int64) (*models.InboundSnapshot, error)
	UpdateInbound(ctx context.Context, inboundID int64, spec models.InboundSpec) error
	DeleteInbound(ctx context.Context, inboundID int64) error
	ListInbounds(ctx context.Context) ([]models.InboundSnapshot, error)
}

// AccountService owns the account state machine. Every status mutation
// in the system goes through it; the HTTP handlers, the queue consumer,
// and the sweeper are thin callers.
type AccountService struct {
	cfg      *config.Config
	accounts AccountStore
	subs     SubscriptionStore
	logs     LogStore
	panel    Gateway
	keys     keys.Provider
	ports    *PortAllocator

	// Serializes remote-mutating operations per account. The panel keeps
	// one inbound object per account; interleaved read-modify-write
	// round-trips against it can clobber each other's fields.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewAccountService(
	cfg *config.Config,
	accounts AccountStore,
	subs SubscriptionStore,
	logs LogStore,
	panel Gateway,
	keyProvider keys.Provider,
) *AccountService {
	return &AccountService{
		cfg:      cfg,
		accounts: accounts,
		subs:     subs,
		logs:     logs,
		panel:    panel,
		keys:     keyProvider,
		ports:    NewPortAllocator(models.PortRangeMin, models.PortRangeMax),
		locks:    make(map[string]*sync.Mutex),
	}
}

// CreateForSubscription provisions a new account for an entitled
// subscription: allocate a port and email slug, generate key material,
// insert the local row, create the remote inbound, then persist the
// panel's echoed snapshot. Any failure after the insert deletes the row
// again; a persisted account must always point at a real remote object.
// When userID is non-empty it must match the subscription owner; the
// internal event path passes "" and trusts the mirror row.
func (s *AccountService) CreateForSubscription(ctx context.Context, userID, subscriptionID string) (*models.VPNAccount, error) {
	// 日志脱敏: 仅记录订阅 ID, 不记录 email
	log.Printf("[Reconciler] Creating account for subscription=%s", subscriptionID)

	// 1. Subscription must exist, belong to the caller, and be entitled
	sub, err := s.subs.GetByID(ctx, subscriptionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, &NotFoundError{Resource: "subscription", Ref: subscriptionID}
		}
		return nil, fmt.Errorf("load subscription: %w", err)
	}
	if userID != "" && sub.UserID != userID {
		return nil, &NotFoundError{Resource: "subscription", Ref: subscriptionID}
	}
	if !models.SubscriptionEntitled(sub.Status) {
		return nil, &ConflictError{Reason: fmt.Sprintf("subscription is %s, not active or trialing", sub.Status)}
	}

	// 2. One live account per subscription
	existing, err := s.accounts.GetBySubscriptionID(ctx, subscriptionID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("check existing account: %w", err)
	}
	if existing != nil && !existing.Removed() {
		return nil, &ConflictError{Reason: "subscription already has an account"}
	}

	// 3. Key material: a server secret plus one client peer pair
	serverPrivate, _, err := s.keys.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate server key: %w", err)
	}
	clientPrivate, clientPublic, err := s.keys.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate client key: %w", err)
	}
	settingsJSON, err := json.Marshal(models.WireGuardSettings{
		Peers: []models.WireGuardPeer{{
			PrivateKey: clientPrivate,
			PublicKey:  clientPublic,
			AllowedIPs: []string{peerAddress},
			KeepAlive:  keepaliveSecs,
		}},
		SecretKey: serverPrivate,
		MTU:       tunnelMTU,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal settings: %w", err)
	}
	sniffingJSON, err := json.Marshal(models.SniffingSettings{
		Enabled:      true,
		DestOverride: []string{"http", "tls", "quic", "fakedns"},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal sniffing: %w", err)
	}

	// 4. Expiry follows the billing period; 0 means the panel never
	//    expires the inbound on its own
	dataLimit := int64(s.cfg.Panel.DefaultLimitGB) * 1024 * 1024 * 1024
	var expiresAt *time.Time
	var expiryUnix int64
	if sub.CurrentPeriodEnd != nil {
		expiresAt = sub.CurrentPeriodEnd
		expiryUnix = sub.CurrentPeriodEnd.Unix()
	}

	email, err := s.allocateEmail(ctx, sub.UserEmail)
	if err != nil {
		return nil, err
	}

	account := &models.VPNAccount{
		ID:             uuid.New().String(),
		UserID:         sub.UserID,
		SubscriptionID: &sub.ID,
		Email:          email,
		Protocol:       models.ProtocolWireGuard,
		ServerAddress:  s.cfg.Panel.ServerAddress,
		Status:         models.AccountStatusInactive,
		DataLimit:      dataLimit,
		ExpiresAt:      expiresAt,
	}

	// 5. Insert the pending row. The partial unique index arbitrates
	//    port races, so a lost race re-draws instead of failing the
	//    request.
	inUse, err := s.accounts.PortsInUse(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ports in use: %w", err)
	}
	inserted := false
	for attempt := 0; attempt < createInsertAttempts && !inserted; attempt++ {
		port, drawErr := s.ports.Draw(inUse)
		if drawErr != nil {
			return nil, drawErr
		}
		account.Port = port

		createErr := s.accounts.Create(ctx, account)
		switch {
		case createErr == nil:
			inserted = true
		case errors.Is(createErr, repository.ErrPortTaken):
			inUse[port] = true
			log.Printf("[Reconciler] Port %d lost to a concurrent insert, re-drawing", port)
		case errors.Is(createErr, repository.ErrEmailTaken):
			account.Email, err = s.allocateEmail(ctx, sub.UserEmail)
			if err != nil {
				return nil, err
			}
		case errors.Is(createErr, repository.ErrDuplicateAccount):
			return nil, &ConflictError{Reason: "subscription already has an account"}
		default:
			return nil, fmt.Errorf("insert account: %w", createErr)
		}
	}
	if !inserted {
		return nil, &ConflictError{Reason: "could not allocate a free port"}
	}

	// 6. Create the remote inbound
	tag := fmt.Sprintf("IRIP-%s-%s", account.UserID, account.Email)
	inboundID, err := s.panel.CreateInbound(ctx, models.InboundSpec{
		Total:      dataLimit,
		Remark:     tag,
		Tag:        tag,
		Enable:     true,
		ExpiryTime: expiryUnix,
		Port:       account.Port,
		Protocol:   models.ProtocolWireGuard,
		Settings:   string(settingsJSON),
		Sniffing:   string(sniffingJSON),
	})
	if err != nil {
		s.logs.LogAction(ctx, account.ID, account.UserID, "account_create", models.LogStatusFailed, err.Error())
		s.rollbackCreate(ctx, account, 0)
		return nil, err
	}

	// 7. The panel enriches the inbound (listen address, defaults); store
	//    its view verbatim so later updates can resend it wholesale
	snapshot, err := s.panel.GetInbound(ctx, inboundID)
	if err != nil {
		s.logs.LogAction(ctx, account.ID, account.UserID, "account_create", models.LogStatusFailed, err.Error())
		s.rollbackCreate(ctx, account, inboundID)
		return nil, err
	}

	account.InboundID = &inboundID
	account.ConnectionParams = snapshot
	account.Status = models.AccountStatusActive
	if err := s.accounts.Update(ctx, account); err != nil {
		s.logs.LogAction(ctx, account.ID, account.UserID, "account_create", models.LogStatusFailed, err.Error())
		s.rollbackCreate(ctx, account, inboundID)
		return nil, fmt.Errorf("persist account: %w", err)
	}

	s.logs.LogActionWithMetadata(ctx, account.ID, account.UserID, "account_create", models.LogStatusSuccess,
		"account provisioned",
		map[string]interface{}{
			"inbound_id": inboundID,
			"port":       account.Port,
		})

	log.Printf("[Reconciler] Account created: id=%s inbound=%d port=%d", account.ID, inboundID, account.Port)
	return account, nil
}

// Deactivate disables the remote inbound while keeping the reference, so
// the account can be reprovisioned later. When the remote update fails
// the local status is still forced to suspended: the record must never
// claim the tunnel is usable while the panel's state is uncertain.
func (s *AccountService) Deactivate(ctx context.Context, accountID string) error {
	unlock := s.lockAccount(accountID)
	defer unlock()

	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &NotFoundError{Resource: "account", Ref: accountID}
		}
		return fmt.Errorf("load account: %w", err)
	}
	if account.InboundID == nil {
		return &ConflictError{Reason: "account has no remote inbound"}
	}
	// Suspended accounts stay eligible so a failed deactivation can be
	// retried by staff
	if account.Status != models.AccountStatusActive && account.Status != models.AccountStatusSuspended {
		return &ConflictError{Reason: fmt.Sprintf("account is %s, not active", account.Status)}
	}

	log.Printf("[Reconciler] Deactivating account %s (inbound %d)", account.ID, *account.InboundID)

	if err := s.disableInbound(ctx, *account.InboundID); err != nil {
		// Fail safe toward suspended: never leave the record active when
		// the remote outcome is unknown
		if statusErr := s.accounts.UpdateStatus(ctx, account.ID, models.AccountStatusSuspended); statusErr != nil {
			log.Printf("[Reconciler] Could not mark account %s suspended: %v", account.ID, statusErr)
		}
		s.logs.LogAction(ctx, account.ID, account.UserID, "account_deactivate", models.LogStatusFailed, err.Error())
		return err
	}

	if err := s.accounts.UpdateStatus(ctx, account.ID, models.AccountStatusInactive); err != nil {
		return fmt.Errorf("update account status: %w", err)
	}
	s.logs.LogAction(ctx, account.ID, account.UserID, "account_deactivate", models.LogStatusSuccess, "inbound disabled")
	return nil
}

// Remove deletes the remote inbound and retires the account. The row
// survives as an expired record with the reference cleared, which is
// what releases its port. A failed deletion leaves everything untouched
// so the operation can be retried.
func (s *AccountService) Remove(ctx context.Context, accountID string) error {
	unlock := s.lockAccount(accountID)
	defer unlock()

	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &NotFoundError{Resource: "account", Ref: accountID}
		}
		return fmt.Errorf("load account: %w", err)
	}
	if account.InboundID == nil {
		return &ConflictError{Reason: "account already removed"}
	}

	log.Printf("[Reconciler] Removing account %s (inbound %d)", account.ID, *account.InboundID)

	err = s.panel.DeleteInbound(ctx, *account.InboundID)
	if err != nil {
		// The panel may have lost the inbound out of band. Verify before
		// giving up so removal stays possible after remote drift.
		var rejection *client.ApplicationRejection
		if errors.As(err, &rejection) {
			if _, getErr := s.panel.GetInbound(ctx, *account.InboundID); errors.Is(getErr, client.ErrInboundNotFound) {
				log.Printf("[Reconciler] Inbound %d already gone from the panel", *account.InboundID)
				err = nil
			}
		}
	}
	if err != nil {
		s.logs.LogAction(ctx, account.ID, account.UserID, "account_remove", models.LogStatusFailed, err.Error())
		return err
	}

	if err := s.accounts.ClearInbound(ctx, account.ID, models.AccountStatusExpired); err != nil {
		return fmt.Errorf("clear account inbound: %w", err)
	}
	s.logs.LogAction(ctx, account.ID, account.UserID, "account_remove", models.LogStatusSuccess, "inbound deleted")
	return nil
}

// RefreshUsage copies the panel's cumulative traffic counters onto the
// account. The panel is authoritative; counters are stored verbatim, so
// refreshing twice without remote traffic changes nothing.
func (s *AccountService) RefreshUsage(ctx context.Context, accountID string) (*models.VPNAccount, error) {
	unlock := s.lockAccount(accountID)
	defer unlock()

	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, &NotFoundError{Resource: "account", Ref: accountID}
		}
		return nil, fmt.Errorf("load account: %w", err)
	}
	if account.InboundID == nil {
		return nil, &ConflictError{Reason: "account has no remote inbound"}
	}

	snapshot, err := s.panel.GetInbound(ctx, *account.InboundID)
	if err != nil {
		if errors.Is(err, client.ErrInboundNotFound) {
			return nil, &NotFoundError{Resource: "inbound", Ref: fmt.Sprintf("%d", *account.InboundID)}
		}
		return nil, err
	}

	if err := s.accounts.UpdateUsage(ctx, account.ID, snapshot.Up, snapshot.Down); err != nil {
		return nil, err
	}
	account.UsageUp = snapshot.Up
	account.UsageDown = snapshot.Down
	account.UpdatedAt = time.Now()
	return account, nil
}

// ProcessSubscriptionEvent mirrors a billing event locally, then applies
// the resulting lifecycle transition. Shared by the queue consumer and
// the internal webhook fallback.
func (s *AccountService) ProcessSubscriptionEvent(ctx context.Context, event *models.SubscriptionEvent) error {
	sub := subscriptionFromEvent(event)
	if err := s.subs.Upsert(ctx, sub); err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return s.HandleSubscriptionTransition(ctx, sub, event.PreviousStatus)
}

// HandleSubscriptionTransition reacts to a subscription status change.
// Entering active/trialing provisions an account when none exists; an
// existing suspended or expired account is left alone, because
// reactivation requires fresh provisioning (ports and key material are
// never reused). Leaving active/trialing suspends every active account,
// even when the remote call fails.
func (s *AccountService) HandleSubscriptionTransition(ctx context.Context, sub *models.Subscription, previousStatus string) error {
	wasEntitled := models.SubscriptionEntitled(previousStatus)
	isEntitled := models.SubscriptionEntitled(sub.Status)

	switch {
	case isEntitled && !wasEntitled:
		existing, err := s.accounts.GetBySubscriptionID(ctx, sub.ID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("check existing account: %w", err)
		}
		if existing != nil && !existing.Removed() {
			log.Printf("[Reconciler] Subscription %s re-entitled, account %s stays %s (no auto-reactivation)",
				sub.ID, existing.ID, existing.Status)
			return nil
		}
		_, err = s.CreateForSubscription(ctx, "", sub.ID)
		return err

	case !isEntitled && wasEntitled:
		return s.suspendSubscriptionAccounts(ctx, sub.ID)

	default:
		log.Printf("[Reconciler] Subscription %s: %s -> %s, no account transition",
			sub.ID, previousStatus, sub.Status)
		return nil
	}
}

// GetAccount fetches one account with no ownership check (staff tooling)
func (s *AccountService) GetAccount(ctx context.Context, accountID string) (*models.VPNAccount, error) {
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, &NotFoundError{Resource: "account", Ref: accountID}
		}
		return nil, fmt.Errorf("load account: %w", err)
	}
	return account, nil
}

// GetAccountForUser fetches one account owned by the caller
func (s *AccountService) GetAccountForUser(ctx context.Context, accountID, userID string) (*models.VPNAccount, error) {
	account, err := s.accounts.GetByIDForUser(ctx, accountID, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, &NotFoundError{Resource: "account", Ref: accountID}
		}
		return nil, fmt.Errorf("load account: %w", err)
	}
	return account, nil
}

// ListAccountsForUser lists the caller's accounts, newest first
func (s *AccountService) ListAccountsForUser(ctx context.Context, userID string) ([]*models.VPNAccount, error) {
	return s.accounts.ListByUserID(ctx, userID)
}

// ListAccounts filters accounts for staff tooling
func (s *AccountService) ListAccounts(ctx context.Context, userID, status string) ([]*models.VPNAccount, error) {
	return s.accounts.ListByFilters(ctx, userID, status)
}

// AccountLogs returns the audit trail for an account, newest first
func (s *AccountService) AccountLogs(ctx context.Context, accountID string, limit int) ([]*models.AccountLog, error) {
	return s.logs.GetByAccountID(ctx, accountID, limit)
}

// suspendSubscriptionAccounts deactivates every active account tied to a
// lapsed subscription, then marks them suspended regardless of the
// remote outcome.
func (s *AccountService) suspendSubscriptionAccounts(ctx context.Context, subscriptionID string) error {
	accounts, err := s.accounts.ListActiveBySubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	for _, account := range accounts {
		if err := s.Deactivate(ctx, account.ID); err != nil {
			log.Printf("[Reconciler] Deactivate failed for account %s: %v", account.ID, err)
		}
		if err := s.accounts.UpdateStatus(ctx, account.ID, models.AccountStatusSuspended); err != nil {
			return fmt.Errorf("suspend account %s: %w", account.ID, err)
		}
		s.logs.LogAction(ctx, account.ID, account.UserID, "account_suspend", models.LogStatusSuccess, "subscription lapsed")
	}
	if len(accounts) > 0 {
		log.Printf("[Reconciler] Suspended %d account(s) for subscription %s", len(accounts), subscriptionID)
	}
	return nil
}

// disableInbound fetches the panel's current view of an inbound and
// resends it disabled with the expiry set to now. The panel replaces
// inbounds wholesale, so every field is carried over.
func (s *AccountService) disableInbound(ctx context.Context, inboundID int64) error {
	snapshot, err := s.panel.GetInbound(ctx, inboundID)
	if err != nil {
		return err
	}
	spec := models.SpecFromSnapshot(snapshot)
	spec.Enable = false
	spec.ExpiryTime = time.Now().Unix()
	return s.panel.UpdateInbound(ctx, inboundID, spec)
}

// rollbackCreate removes the local row, and the remote inbound when one
// was created, after a failed provisioning step. A failed create must
// not leave a persisted account behind.
func (s *AccountService) rollbackCreate(ctx context.Context, account *models.VPNAccount, inboundID int64) {
	if inboundID > 0 {
		if err := s.panel.DeleteInbound(ctx, inboundID); err != nil {
			// Orphaned remote object; the audit sweep will flag it
			log.Printf("[Reconciler] Rollback could not delete inbound %d: %v", inboundID, err)
		}
	}
	if err := s.accounts.Delete(ctx, account.ID); err != nil {
		log.Printf("[Reconciler] Rollback could not delete account %s: %v", account.ID, err)
	}
}

// allocateEmail derives a unique slug from the owner's address. Slugs
// are tagged onto panel inbounds and never reused, so collisions are
// checked against every account ever created.
func (s *AccountService) allocateEmail(ctx context.Context, ownerEmail string) (string, error) {
	local := strings.ToLower(ownerEmail)
	if i := strings.Index(local, "@"); i >= 0 {
		local = local[:i]
	}
	if local == "" {
		local = "user"
	}
	for attempt := 0; attempt < emailSlugAttempts; attempt++ {
		suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
		slug := fmt.Sprintf("%s_%s", local, suffix)
		exists, err := s.accounts.EmailExists(ctx, slug)
		if err != nil {
			return "", fmt.Errorf("check email slug: %w", err)
		}
		if !exists {
			return slug, nil
		}
	}
	return "", &ConflictError{Reason: "could not allocate an unused email identifier"}
}

// lockAccount serializes remote-mutating operations for one account
func (s *AccountService) lockAccount(id string) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// subscriptionFromEvent converts a billing event payload into a mirror row
func subscriptionFromEvent(event *models.SubscriptionEvent) *models.Subscription {
	sub := &models.Subscription{
		ID:                event.SubscriptionID,
		UserID:            event.UserID,
		UserEmail:         event.UserEmail,
		Status:            event.Status,
		CancelAtPeriodEnd: event.CancelAtPeriodEnd,
	}
	if event.CurrentPeriodStart != nil {
		t := time.Unix(*event.CurrentPeriodStart, 0).UTC()
		sub.CurrentPeriodStart = &t
	}
	if event.CurrentPeriodEnd != nil {
		t := time.Unix(*event.CurrentPeriodEnd, 0).UTC()
		sub.CurrentPeriodEnd = &t
	}
	if event.CanceledAt != nil {
		t := time.Unix(*event.CanceledAt, 0).UTC()
		sub.CanceledAt = &t
	}
	return sub
}
