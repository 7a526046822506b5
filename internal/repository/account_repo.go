package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/vpn-controller/internal/models"
)

var (
	// ErrNotFound is returned when a record doesn't exist
	ErrNotFound = errors.New("not found")

	// ErrPortTaken is returned when an insert loses the race for a port
	// to another non-removed account. The caller draws a new port and
	// retries; the partial unique index is the real guarantee, not the
	// allocator's pre-check.
	ErrPortTaken = errors.New("port already in use")

	// ErrEmailTaken is returned when the generated email slug collides
	// with any account, removed or not. Slugs are never reused.
	ErrEmailTaken = errors.New("email identifier already in use")

	// ErrDuplicateAccount is returned when a live (non-removed) account
	// already references the subscription.
	ErrDuplicateAccount = errors.New("subscription already has a live account")
)

// Constraint names from the vpn.accounts DDL. The port and subscription
// indexes are partial, covering only live rows:
//
//	accounts_email_key              UNIQUE (email)
//	accounts_active_port_idx        UNIQUE (port)            WHERE NOT (status = 'expired' AND inbound_id IS NULL)
//	accounts_live_subscription_idx  UNIQUE (subscription_id) WHERE NOT (status = 'expired' AND inbound_id IS NULL)
//
// Removing an account frees its port and subscription slot; the email
// slug stays reserved forever.
const (
	accountsPortConstraint         = "accounts_active_port_idx"
	accountsEmailConstraint        = "accounts_email_key"
	accountsSubscriptionConstraint = "accounts_live_subscription_idx"
)

type AccountRepository struct {
	pool *pgxpool.Pool
}

func NewAccountRepository(pool *pgxpool.Pool) *AccountRepository {
	return &AccountRepository{pool: pool}
}

const accountColumns = `id, user_id, subscription_id, inbound_id, email,
	protocol, port, server_address, connection_params, status,
	usage_up, usage_down, data_limit,
	created_at, updated_at, expires_at`

// Create inserts a new account row. Port and email uniqueness are
// enforced by the database; collisions come back as ErrPortTaken and
// ErrEmailTaken so the caller can re-draw.
func (r *AccountRepository) Create(ctx context.Context, a *models.VPNAccount) error {
	query := `
		INSERT INTO vpn.accounts (
			id, user_id, subscription_id, inbound_id, email,
			protocol, port, server_address, connection_params, status,
			usage_up, usage_down, data_limit, expires_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14
		)
		RETURNING created_at, updated_at
	`
	err := r.pool.QueryRow(ctx, query,
		a.ID, a.UserID, a.SubscriptionID, a.InboundID, a.Email,
		a.Protocol, a.Port, a.ServerAddress, a.ConnectionParams, a.Status,
		a.UsageUp, a.UsageDown, a.DataLimit, a.ExpiresAt,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			switch pgErr.ConstraintName {
			case accountsPortConstraint:
				return ErrPortTaken
			case accountsEmailConstraint:
				return ErrEmailTaken
			case accountsSubscriptionConstraint:
				return ErrDuplicateAccount
			}
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (r *AccountRepository) GetByID(ctx context.Context, id string) (*models.VPNAccount, error) {
	query := fmt.Sprintf(`SELECT %s FROM vpn.accounts WHERE id = $1`, accountColumns)
	return r.scanOne(r.pool.QueryRow(ctx, query, id))
}

// GetByIDForUser retrieves an account only when it belongs to the user
func (r *AccountRepository) GetByIDForUser(ctx context.Context, id, userID string) (*models.VPNAccount, error) {
	query := fmt.Sprintf(`SELECT %s FROM vpn.accounts WHERE id = $1 AND user_id = $2`, accountColumns)
	return r.scanOne(r.pool.QueryRow(ctx, query, id, userID))
}

func (r *AccountRepository) GetBySubscriptionID(ctx context.Context, subscriptionID string) (*models.VPNAccount, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM vpn.accounts
		WHERE subscription_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, accountColumns)
	return r.scanOne(r.pool.QueryRow(ctx, query, subscriptionID))
}

// ListActiveBySubscription returns the active accounts tied to a
// subscription, for suspension when the subscription lapses.
func (r *AccountRepository) ListActiveBySubscription(ctx context.Context, subscriptionID string) ([]*models.VPNAccount, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM vpn.accounts
		WHERE subscription_id = $1 AND status = $2
		ORDER BY created_at
	`, accountColumns)
	rows, err := r.pool.Query(ctx, query, subscriptionID, models.AccountStatusActive)
	if err != nil {
		return nil, fmt.Errorf("list active accounts by subscription: %w", err)
	}
	defer rows.Close()
	return r.scanMany(rows)
}

func (r *AccountRepository) ListByUserID(ctx context.Context, userID string) ([]*models.VPNAccount, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM vpn.accounts
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, accountColumns)
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list accounts by user: %w", err)
	}
	defer rows.Close()
	return r.scanMany(rows)
}

// ListByFilters queries accounts with optional filters for staff tooling
func (r *AccountRepository) ListByFilters(ctx context.Context, userID, status string) ([]*models.VPNAccount, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM vpn.accounts
		WHERE ($1 = '' OR user_id::text = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT 100
	`, accountColumns)
	rows, err := r.pool.Query(ctx, query, userID, status)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()
	return r.scanMany(rows)
}

// ListByStatus returns all accounts in a given status, oldest first
func (r *AccountRepository) ListByStatus(ctx context.Context, status string) ([]*models.VPNAccount, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM vpn.accounts
		WHERE status = $1
		ORDER BY created_at
	`, accountColumns)
	rows, err := r.pool.Query(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("list accounts by status: %w", err)
	}
	defer rows.Close()
	return r.scanMany(rows)
}

// ListActiveExpired returns active accounts whose expiry has passed
func (r *AccountRepository) ListActiveExpired(ctx context.Context, now time.Time) ([]*models.VPNAccount, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM vpn.accounts
		WHERE status = $1 AND expires_at IS NOT NULL AND expires_at <= $2
		ORDER BY expires_at
	`, accountColumns)
	rows, err := r.pool.Query(ctx, query, models.AccountStatusActive, now)
	if err != nil {
		return nil, fmt.Errorf("list expired accounts: %w", err)
	}
	defer rows.Close()
	return r.scanMany(rows)
}

// ListWithInbound returns every account still holding a remote reference
func (r *AccountRepository) ListWithInbound(ctx context.Context) ([]*models.VPNAccount, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM vpn.accounts
		WHERE inbound_id IS NOT NULL
		ORDER BY created_at
	`, accountColumns)
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list accounts with inbound: %w", err)
	}
	defer rows.Close()
	return r.scanMany(rows)
}

// PortsInUse returns the ports held by non-removed accounts. Removed
// means expired with the remote reference cleared; those ports are free
// for reuse.
func (r *AccountRepository) PortsInUse(ctx context.Context) (map[int]bool, error) {
	query := `
		SELECT port FROM vpn.accounts
		WHERE NOT (status = $1 AND inbound_id IS NULL)
	`
	rows, err := r.pool.Query(ctx, query, models.AccountStatusExpired)
	if err != nil {
		return nil, fmt.Errorf("query ports in use: %w", err)
	}
	defer rows.Close()

	ports := make(map[int]bool)
	for rows.Next() {
		var port int
		if err := rows.Scan(&port); err != nil {
			return nil, fmt.Errorf("scan port: %w", err)
		}
		ports[port] = true
	}
	return ports, rows.Err()
}

// EmailExists reports whether an email slug has ever been used
func (r *AccountRepository) EmailExists(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM vpn.accounts WHERE email = $1)`, email,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check email exists: %w", err)
	}
	return exists, nil
}

// Update persists the mutable fields of an account
func (r *AccountRepository) Update(ctx context.Context, a *models.VPNAccount) error {
	query := `
		UPDATE vpn.accounts SET
			subscription_id = $1, inbound_id = $2,
			server_address = $3, connection_params = $4, status = $5,
			usage_up = $6, usage_down = $7, data_limit = $8,
			expires_at = $9, updated_at = NOW()
		WHERE id = $10
	`
	_, err := r.pool.Exec(ctx, query,
		a.SubscriptionID, a.InboundID,
		a.ServerAddress, a.ConnectionParams, a.Status,
		a.UsageUp, a.UsageDown, a.DataLimit,
		a.ExpiresAt, a.ID,
	)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	return nil
}

func (r *AccountRepository) UpdateStatus(ctx context.Context, id, status string) error {
	query := `UPDATE vpn.accounts SET status = $1, updated_at = NOW() WHERE id = $2`
	_, err := r.pool.Exec(ctx, query, status, id)
	if err != nil {
		return fmt.Errorf("update account status: %w", err)
	}
	return nil
}

// UpdateUsage stores the panel's cumulative counters verbatim
func (r *AccountRepository) UpdateUsage(ctx context.Context, id string, up, down int64) error {
	query := `UPDATE vpn.accounts SET usage_up = $1, usage_down = $2, updated_at = NOW() WHERE id = $3`
	_, err := r.pool.Exec(ctx, query, up, down, id)
	if err != nil {
		return fmt.Errorf("update account usage: %w", err)
	}
	return nil
}

// ClearInbound drops the remote reference and moves the account to the
// given status. Clearing the reference is what frees the port.
func (r *AccountRepository) ClearInbound(ctx context.Context, id, status string) error {
	query := `UPDATE vpn.accounts SET inbound_id = NULL, status = $1, updated_at = NOW() WHERE id = $2`
	_, err := r.pool.Exec(ctx, query, status, id)
	if err != nil {
		return fmt.Errorf("clear account inbound: %w", err)
	}
	return nil
}

// Delete hard-deletes an account row. Only used to roll back a create
// whose remote side failed; the normal lifecycle never deletes rows.
func (r *AccountRepository) Delete(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM vpn.accounts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return nil
}

func (r *AccountRepository) scanOne(row pgx.Row) (*models.VPNAccount, error) {
	a := &models.VPNAccount{}
	err := row.Scan(
		&a.ID, &a.UserID, &a.SubscriptionID, &a.InboundID, &a.Email,
		&a.Protocol, &a.Port, &a.ServerAddress, &a.ConnectionParams, &a.Status,
		&a.UsageUp, &a.UsageDown, &a.DataLimit,
		&a.CreatedAt, &a.UpdatedAt, &a.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return a, nil
}

func (r *AccountRepository) scanMany(rows pgx.Rows) ([]*models.VPNAccount, error) {
	var accounts []*models.VPNAccount
	for rows.Next() {
		a := &models.VPNAccount{}
		err := rows.Scan(
			&a.ID, &a.UserID, &a.SubscriptionID, &a.InboundID, &a.Email,
			&a.Protocol, &a.Port, &a.ServerAddress, &a.ConnectionParams, &a.Status,
			&a.UsageUp, &a.UsageDown, &a.DataLimit,
			&a.CreatedAt, &a.UpdatedAt, &a.ExpiresAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}
