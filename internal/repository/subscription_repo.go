package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/vpn-controller/internal/models"
)

// SubscriptionRepository maintains the local read-model of billing
// subscriptions. The billing service is authoritative; rows here exist
// so API validation doesn't need a billing round-trip.
type SubscriptionRepository struct {
	pool *pgxpool.Pool
}

func NewSubscriptionRepository(pool *pgxpool.Pool) *SubscriptionRepository {
	return &SubscriptionRepository{pool: pool}
}

const subscriptionColumns = `id, user_id, user_email, status,
	current_period_start, current_period_end,
	cancel_at_period_end, canceled_at, created_at, updated_at`

// Upsert creates or refreshes a subscription mirror row
func (r *SubscriptionRepository) Upsert(ctx context.Context, s *models.Subscription) error {
	query := `
		INSERT INTO vpn.subscriptions (
			id, user_id, user_email, status,
			current_period_start, current_period_end,
			cancel_at_period_end, canceled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			user_email = EXCLUDED.user_email,
			status = EXCLUDED.status,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			cancel_at_period_end = EXCLUDED.cancel_at_period_end,
			canceled_at = EXCLUDED.canceled_at,
			updated_at = NOW()
	`
	_, err := r.pool.Exec(ctx, query,
		s.ID, s.UserID, s.UserEmail, s.Status,
		s.CurrentPeriodStart, s.CurrentPeriodEnd,
		s.CancelAtPeriodEnd, s.CanceledAt,
	)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

func (r *SubscriptionRepository) GetByID(ctx context.Context, id string) (*models.Subscription, error) {
	query := fmt.Sprintf(`SELECT %s FROM vpn.subscriptions WHERE id = $1`, subscriptionColumns)
	return r.scanOne(r.pool.QueryRow(ctx, query, id))
}

// GetByIDForUser retrieves a subscription only when it belongs to the user
func (r *SubscriptionRepository) GetByIDForUser(ctx context.Context, id, userID string) (*models.Subscription, error) {
	query := fmt.Sprintf(`SELECT %s FROM vpn.subscriptions WHERE id = $1 AND user_id = $2`, subscriptionColumns)
	return r.scanOne(r.pool.QueryRow(ctx, query, id, userID))
}

func (r *SubscriptionRepository) scanOne(row pgx.Row) (*models.Subscription, error) {
	s := &models.Subscription{}
	err := row.Scan(
		&s.ID, &s.UserID, &s.UserEmail, &s.Status,
		&s.CurrentPeriodStart, &s.CurrentPeriodEnd,
		&s.CancelAtPeriodEnd, &s.CanceledAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	return s, nil
}
