package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/metron/internal/model"
)

// HistoryStorage defines the interface for evaluation history storage.
type HistoryStorage interface {
	// Append stores one evaluation record.
	Append(ctx context.Context, history *model.History) error

	// List retrieves records for one alert, newest first, with pagination.
	List(ctx context.Context, alertID string, offset, limit int) ([]*model.History, error)

	// Count returns the number of records for one alert.
	Count(ctx context.Context, alertID string) (int, error)

	// DeleteBefore deletes records older than the specified time.
	DeleteBefore(ctx context.Context, before time.Time) error
}

// SQLiteHistory implements HistoryStorage using SQLite.
type SQLiteHistory struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteHistory creates a new SQLite-based evaluation history store.
func NewSQLiteHistory(logger *zap.Logger, db *sql.DB) (*SQLiteHistory, error) {
	storage := &SQLiteHistory{
		logger: logger.Named("history"),
		db:     db,
	}
	if err := storage.initialize(); err != nil {
		return nil, err
	}
	return storage, nil
}

func (s *SQLiteHistory) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS evaluation_history (
			id TEXT PRIMARY KEY,
			alert_id TEXT NOT NULL,
			status TEXT NOT NULL,
			message TEXT,
			execution_time INTEGER,
			created_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_evaluation_history_alert_id ON evaluation_history(alert_id);
		CREATE INDEX IF NOT EXISTS idx_evaluation_history_status ON evaluation_history(status);
		CREATE INDEX IF NOT EXISTS idx_evaluation_history_created_at ON evaluation_history(created_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize history table: %w", err)
	}
	return nil
}

// Append implements HistoryStorage.Append.
func (s *SQLiteHistory) Append(ctx context.Context, history *model.History) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO evaluation_history (
			id, alert_id, status, message, execution_time, created_at
		) VALUES (?, ?, ?, ?, ?, ?)`,
		history.ID,
		history.AlertID,
		history.Status,
		sql.NullString{String: history.Message, Valid: history.Message != ""},
		int64(history.ExecutionTime),
		history.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append evaluation history: %w", err)
	}
	return nil
}

// List implements HistoryStorage.List.
func (s *SQLiteHistory) List(ctx context.Context, alertID string, offset, limit int) ([]*model.History, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, alert_id, status, message, execution_time, created_at
		FROM evaluation_history
		WHERE alert_id = ?
		ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		alertID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list evaluation history: %w", err)
	}
	defer rows.Close()

	var histories []*model.History
	for rows.Next() {
		history := &model.History{}
		var message sql.NullString
		var executionNanos int64

		if err := rows.Scan(
			&history.ID,
			&history.AlertID,
			&history.Status,
			&message,
			&executionNanos,
			&history.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan evaluation history: %w", err)
		}

		if message.Valid {
			history.Message = message.String
		}
		history.ExecutionTime = time.Duration(executionNanos)
		histories = append(histories, history)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return histories, nil
}

// Count implements HistoryStorage.Count.
func (s *SQLiteHistory) Count(ctx context.Context, alertID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM evaluation_history WHERE alert_id = ?", alertID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count evaluation history: %w", err)
	}
	return count, nil
}

// DeleteBefore implements HistoryStorage.DeleteBefore.
func (s *SQLiteHistory) DeleteBefore(ctx context.Context, before time.Time) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM evaluation_history WHERE created_at < ?", before)
	if err != nil {
		return fmt.Errorf("failed to delete evaluation history: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old evaluation history records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))
	return nil
}
