package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/vpn-controller/internal/models"
)

// AccountLogRepository writes the append-only lifecycle audit trail
type AccountLogRepository struct {
	pool *pgxpool.Pool
}

func NewAccountLogRepository(pool *pgxpool.Pool) *AccountLogRepository {
	return &AccountLogRepository{pool: pool}
}

// Create creates a new account log entry
func (r *AccountLogRepository) Create(ctx context.Context, logEntry *models.AccountLog) error {
	if logEntry.ID == "" {
		logEntry.ID = uuid.New().String()
	}

	query := `
		INSERT INTO vpn.account_logs (id, account_id, user_id, action, status, message, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.pool.Exec(ctx, query,
		logEntry.ID, logEntry.AccountID, logEntry.UserID,
		logEntry.Action, logEntry.Status, logEntry.Message, logEntry.Metadata,
	)
	if err != nil {
		return fmt.Errorf("insert account log: %w", err)
	}

	return nil
}

// GetByAccountID retrieves logs for an account
func (r *AccountLogRepository) GetByAccountID(ctx context.Context, accountID string, limit int) ([]*models.AccountLog, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, account_id, user_id, action, status, message, metadata, created_at
		FROM vpn.account_logs
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("query account logs: %w", err)
	}
	defer rows.Close()

	var logEntries []*models.AccountLog
	for rows.Next() {
		logEntry := &models.AccountLog{}
		err := rows.Scan(
			&logEntry.ID, &logEntry.AccountID, &logEntry.UserID,
			&logEntry.Action, &logEntry.Status, &logEntry.Message,
			&logEntry.Metadata, &logEntry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan account log: %w", err)
		}
		logEntries = append(logEntries, logEntry)
	}

	return logEntries, rows.Err()
}

// LogAction is a helper to log a lifecycle action
func (r *AccountLogRepository) LogAction(ctx context.Context, accountID, userID, action, status, message string) error {
	logEntry := &models.AccountLog{
		AccountID: accountID,
		UserID:    userID,
		Action:    action,
		Status:    status,
		Message:   message,
	}
	return r.Create(ctx, logEntry)
}

// LogActionWithMetadata is a helper to log a lifecycle action with metadata
func (r *AccountLogRepository) LogActionWithMetadata(ctx context.Context, accountID, userID, action, status, message string, metadata map[string]interface{}) error {
	logEntry := &models.AccountLog{
		AccountID: accountID,
		UserID:    userID,
		Action:    action,
		Status:    status,
		Message:   message,
		Metadata:  metadata,
	}
	return r.Create(ctx, logEntry)
}
