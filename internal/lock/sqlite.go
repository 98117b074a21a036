package lock

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// SQLiteService implements Service on a shared SQLite database. One row per
// lock type; the primary key is the mutual exclusion. Expired rows are swept
// inside Obtain so a crashed holder never needs manual cleanup.
type SQLiteService struct {
	logger *zap.Logger
	db     *sql.DB
	now    func() time.Time
}

// NewSQLiteService creates the lock table if needed and returns the service.
func NewSQLiteService(logger *zap.Logger, db *sql.DB) (*SQLiteService, error) {
	service := &SQLiteService{
		logger: logger.Named("lock"),
		db:     db,
		now:    time.Now,
	}
	if err := service.initialize(); err != nil {
		return nil, err
	}
	return service, nil
}

func (s *SQLiteService) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS global_lock (
			type TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			note TEXT,
			expires_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize lock table: %w", err)
	}
	return nil
}

// Obtain acquires the lock for lease, sweeping an expired holder first. It
// returns ErrLockHeld while a live lease exists.
func (s *SQLiteService) Obtain(ctx context.Context, lockType Type, lease time.Duration, note string) (string, error) {
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin lock transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM global_lock WHERE type = ? AND expires_at <= ?",
		string(lockType), now.UnixMilli()); err != nil {
		return "", fmt.Errorf("failed to sweep expired lock: %w", err)
	}

	token := uuid.New().String()
	result, err := tx.ExecContext(ctx, `
		INSERT INTO global_lock (type, token, note, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(type) DO NOTHING`,
		string(lockType), token, note, now.Add(lease).UnixMilli())
	if err != nil {
		return "", fmt.Errorf("failed to insert lock row: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return "", ErrLockHeld
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit lock transaction: %w", err)
	}

	s.logger.Info("Obtained global lock",
		zap.String("type", string(lockType)),
		zap.String("note", note),
		zap.Duration("lease", lease))
	return token, nil
}

// Refresh extends the lease and rotates the token. Only the current holder
// with a live lease may refresh; everyone else gets ErrNotHolder.
func (s *SQLiteService) Refresh(ctx context.Context, lockType Type, token string, lease time.Duration) (string, error) {
	now := s.now()
	next := uuid.New().String()

	result, err := s.db.ExecContext(ctx, `
		UPDATE global_lock SET token = ?, expires_at = ?
		WHERE type = ? AND token = ? AND expires_at > ?`,
		next, now.Add(lease).UnixMilli(), string(lockType), token, now.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("failed to refresh lock: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return "", ErrNotHolder
	}

	return next, nil
}

// Release drops the lock if the token still identifies the holder.
func (s *SQLiteService) Release(ctx context.Context, lockType Type, token string) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM global_lock WHERE type = ? AND token = ?",
		string(lockType), token)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return ErrNotHolder
	}

	s.logger.Info("Released global lock", zap.String("type", string(lockType)))
	return nil
}
