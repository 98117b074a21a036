package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/metron/internal/model"
)

// AlertStore persists alert definitions and per-notification dispatch state.
// Definitions are stored as JSON documents with the columns the scheduler
// queries on lifted out; notification state is one row per notification so a
// state transition is a single-row, hence atomic, write.
type AlertStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewAlertStore creates the alert tables if needed and returns the store.
func NewAlertStore(logger *zap.Logger, db *sql.DB) (*AlertStore, error) {
	store := &AlertStore{
		logger: logger.Named("alert-store"),
		db:     db,
	}
	if err := store.initialize(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *AlertStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			enabled INTEGER NOT NULL,
			cron_entry TEXT NOT NULL,
			definition TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_alerts_enabled ON alerts(enabled);
		CREATE INDEX IF NOT EXISTS idx_alerts_owner ON alerts(owner);

		CREATE TABLE IF NOT EXISTS notification_state (
			notification_id TEXT PRIMARY KEY,
			cooldown_expirations TEXT NOT NULL,
			active TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize alert tables: %w", err)
	}
	return nil
}

// SaveAlert upserts an alert definition.
func (s *AlertStore) SaveAlert(ctx context.Context, alert *model.Alert) error {
	definition, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert %s: %w", alert.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, owner, enabled, cron_entry, definition, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner = excluded.owner,
			enabled = excluded.enabled,
			cron_entry = excluded.cron_entry,
			definition = excluded.definition,
			updated_at = excluded.updated_at`,
		alert.ID, alert.Owner, alert.Enabled, alert.CronEntry, string(definition), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save alert %s: %w", alert.ID, err)
	}
	return nil
}

// GetAlert returns the alert definition, or nil when the alert is unknown.
func (s *AlertStore) GetAlert(ctx context.Context, id string) (*model.Alert, error) {
	var definition string
	err := s.db.QueryRowContext(ctx,
		"SELECT definition FROM alerts WHERE id = ?", id).Scan(&definition)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get alert %s: %w", id, err)
	}

	var alert model.Alert
	if err := json.Unmarshal([]byte(definition), &alert); err != nil {
		return nil, fmt.Errorf("failed to unmarshal alert %s: %w", id, err)
	}
	return &alert, nil
}

// ListEnabledAlerts returns every enabled alert definition.
func (s *AlertStore) ListEnabledAlerts(ctx context.Context) ([]*model.Alert, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT definition FROM alerts WHERE enabled = 1 ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*model.Alert
	for rows.Next() {
		var definition string
		if err := rows.Scan(&definition); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		var alert model.Alert
		if err := json.Unmarshal([]byte(definition), &alert); err != nil {
			return nil, fmt.Errorf("failed to unmarshal alert: %w", err)
		}
		alerts = append(alerts, &alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return alerts, nil
}

// DeleteAlert removes an alert and the state rows of its notifications.
func (s *AlertStore) DeleteAlert(ctx context.Context, alert *model.Alert) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, n := range alert.Notifications {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM notification_state WHERE notification_id = ?", n.ID); err != nil {
			return fmt.Errorf("failed to delete notification state %s: %w", n.ID, err)
		}
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM alerts WHERE id = ?", alert.ID); err != nil {
		return fmt.Errorf("failed to delete alert %s: %w", alert.ID, err)
	}
	return tx.Commit()
}

// DeleteTrigger detaches a trigger from the alert: it is removed from the
// trigger list, unreferenced from every notification, and every fingerprint it
// contributed is purged from cooldown and active state. Without the purge a
// recreated trigger with the same ID would inherit stale cooldowns.
func (s *AlertStore) DeleteTrigger(ctx context.Context, alert *model.Alert, triggerID string) error {
	triggers := alert.Triggers[:0]
	for _, t := range alert.Triggers {
		if t.ID != triggerID {
			triggers = append(triggers, t)
		}
	}
	alert.Triggers = triggers

	for _, n := range alert.Notifications {
		refs := n.TriggerIDs[:0]
		for _, id := range n.TriggerIDs {
			if id != triggerID {
				refs = append(refs, id)
			}
		}
		n.TriggerIDs = refs
		n.PurgeTrigger(triggerID)
		if err := s.SaveNotificationState(ctx, n); err != nil {
			return err
		}
	}

	return s.SaveAlert(ctx, alert)
}

// RefreshNotificationState overwrites the in-memory state of every
// notification on the alert with the persisted state. Queued alert snapshots
// can be stale; this runs before evaluation so cooldown decisions see the
// latest transitions.
func (s *AlertStore) RefreshNotificationState(ctx context.Context, alert *model.Alert) error {
	for _, n := range alert.Notifications {
		var cooldowns, active string
		err := s.db.QueryRowContext(ctx, `
			SELECT cooldown_expirations, active
			FROM notification_state WHERE notification_id = ?`, n.ID).Scan(&cooldowns, &active)
		if err != nil {
			if err == sql.ErrNoRows {
				n.CooldownExpirationByFingerprint = nil
				n.ActiveByFingerprint = nil
				continue
			}
			return fmt.Errorf("failed to load notification state %s: %w", n.ID, err)
		}
		if err := json.Unmarshal([]byte(cooldowns), &n.CooldownExpirationByFingerprint); err != nil {
			return fmt.Errorf("failed to unmarshal cooldown state %s: %w", n.ID, err)
		}
		if err := json.Unmarshal([]byte(active), &n.ActiveByFingerprint); err != nil {
			return fmt.Errorf("failed to unmarshal active state %s: %w", n.ID, err)
		}
	}
	return nil
}

// SaveNotificationState persists both fingerprint maps of one notification in
// a single row write.
func (s *AlertStore) SaveNotificationState(ctx context.Context, n *model.Notification) error {
	cooldowns, err := json.Marshal(n.CooldownExpirationByFingerprint)
	if err != nil {
		return fmt.Errorf("failed to marshal cooldown state %s: %w", n.ID, err)
	}
	active, err := json.Marshal(n.ActiveByFingerprint)
	if err != nil {
		return fmt.Errorf("failed to marshal active state %s: %w", n.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notification_state (notification_id, cooldown_expirations, active, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(notification_id) DO UPDATE SET
			cooldown_expirations = excluded.cooldown_expirations,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		n.ID, string(cooldowns), string(active), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save notification state %s: %w", n.ID, err)
	}
	return nil
}
