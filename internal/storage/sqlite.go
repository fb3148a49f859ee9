package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lastowl/nolongerevil-bridge/internal/log"
	"github.com/lastowl/nolongerevil-bridge/internal/platform"
)

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
}

// Open creates a new database connection and runs migrations
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := RunMigrations(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// --- Credentials ---

// SaveAPIKey stores the encrypted API key, replacing any previous one
func (db *DB) SaveAPIKey(apiKeyEncrypted []byte) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM credentials"); err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}

	now := time.Now()
	if _, err := tx.Exec(
		"INSERT INTO credentials (api_key_encrypted, created_at, updated_at) VALUES (?, ?, ?)",
		apiKeyEncrypted, now, now,
	); err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}

	return tx.Commit()
}

// GetCredentials retrieves stored credentials. It returns nil when none are stored.
func (db *DB) GetCredentials() (*Credentials, error) {
	row := db.conn.QueryRow(
		"SELECT id, api_key_encrypted, created_at, updated_at FROM credentials LIMIT 1",
	)

	var cred Credentials
	err := row.Scan(&cred.ID, &cred.APIKeyEncrypted, &cred.CreatedAt, &cred.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credentials: %w", err)
	}

	return &cred, nil
}

// DeleteCredentials removes stored credentials
func (db *DB) DeleteCredentials() error {
	_, err := db.conn.Exec("DELETE FROM credentials")
	return err
}

// --- Accessory cache ---

// LoadAccessories returns every cached accessory ordered by serial. Rows with
// an unreadable context are restored with a zero context.
func (db *DB) LoadAccessories() ([]platform.Accessory, error) {
	records, err := db.accessoryRecords()
	if err != nil {
		return nil, err
	}

	accs := make([]platform.Accessory, 0, len(records))
	for _, rec := range records {
		acc := platform.Accessory{ID: rec.ID, Serial: rec.Serial, Name: rec.Name}
		if len(rec.Context) > 0 {
			if err := json.Unmarshal(rec.Context, &acc.Context); err != nil {
				log.WithField("serial", rec.Serial).Warn("Ignoring unreadable cached context: %v", err)
			}
		}
		if acc.Context.Serial == "" {
			acc.Context.Serial = rec.Serial
			acc.Context.Name = rec.Name
		}
		accs = append(accs, acc)
	}
	return accs, nil
}

func (db *DB) accessoryRecords() ([]AccessoryRecord, error) {
	rows, err := db.conn.Query(`
		SELECT serial, accessory_id, name, context, updated_at
		FROM accessories
		ORDER BY serial
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query accessories: %w", err)
	}
	defer rows.Close()

	var records []AccessoryRecord
	for rows.Next() {
		var rec AccessoryRecord
		var id int64
		var raw sql.NullString
		if err := rows.Scan(&rec.Serial, &id, &rec.Name, &raw, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan accessory: %w", err)
		}
		rec.ID = uint64(id)
		if raw.Valid && raw.String != "" {
			rec.Context = json.RawMessage(raw.String)
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// SaveAccessory inserts or updates the cache row for acc.Serial
func (db *DB) SaveAccessory(acc platform.Accessory) error {
	raw, err := json.Marshal(acc.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal accessory context: %w", err)
	}

	_, err = db.conn.Exec(`
		INSERT INTO accessories (serial, accessory_id, name, context, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(serial) DO UPDATE SET
			accessory_id = excluded.accessory_id,
			name = excluded.name,
			context = excluded.context,
			updated_at = excluded.updated_at
	`, acc.Serial, int64(acc.ID), acc.Name, string(raw), time.Now())
	if err != nil {
		return fmt.Errorf("failed to save accessory %s: %w", acc.Serial, err)
	}

	return nil
}

// DeleteAccessories removes the cache rows for the given serials
func (db *DB) DeleteAccessories(serials []string) error {
	if len(serials) == 0 {
		return nil
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, serial := range serials {
		if _, err := tx.Exec("DELETE FROM accessories WHERE serial = ?", serial); err != nil {
			return fmt.Errorf("failed to delete accessory %s: %w", serial, err)
		}
	}

	return tx.Commit()
}

// --- Event Log ---

// LogEvent records an event in the log
func (db *DB) LogEvent(source EventSource, eventType EventType, message string, details interface{}) error {
	var detailsJSON []byte
	if details != nil {
		var err error
		detailsJSON, err = json.Marshal(details)
		if err != nil {
			return fmt.Errorf("failed to marshal event details: %w", err)
		}
	}

	_, err := db.conn.Exec(
		"INSERT INTO event_log (timestamp, source, event_type, message, details) VALUES (?, ?, ?, ?, ?)",
		time.Now(), source, eventType, message, detailsJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to log event: %w", err)
	}

	return nil
}

// RecordEvent implements platform.EventLogger. Failures are logged and
// otherwise dropped.
func (db *DB) RecordEvent(eventType, message string, details map[string]interface{}) {
	var d interface{}
	if len(details) > 0 {
		d = details
	}
	if err := db.LogEvent(EventSourcePlatform, eventTypeOf(eventType), message, d); err != nil {
		log.Warn("Failed to record %s event: %v", eventType, err)
	}
}

func eventTypeOf(s string) EventType {
	switch s {
	case platform.EventDiscovery:
		return EventTypeDiscovery
	case platform.EventCommand:
		return EventTypeCommand
	case platform.EventCredentials:
		return EventTypeCredentials
	case platform.EventError:
		return EventTypeError
	}
	return EventTypeInfo
}

// GetEventLogs retrieves events with optional filtering
func (db *DB) GetEventLogs(filter EventLogFilter) ([]EventLog, error) {
	query := "SELECT id, timestamp, source, event_type, message, details FROM event_log WHERE 1=1"
	args := []interface{}{}

	if filter.Source != nil {
		query += " AND source = ?"
		args = append(args, *filter.Source)
	}
	if filter.EventType != nil {
		query += " AND event_type = ?"
		args = append(args, *filter.EventType)
	}
	if filter.Since != nil {
		query += " AND timestamp >= ?"
		args = append(args, *filter.Since)
	}
	if filter.Until != nil {
		query += " AND timestamp <= ?"
		args = append(args, *filter.Until)
	}

	query += " ORDER BY timestamp DESC, id DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	} else if filter.Offset > 0 {
		query += " LIMIT -1"
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query event logs: %w", err)
	}
	defer rows.Close()

	var logs []EventLog
	for rows.Next() {
		var entry EventLog
		var message, details sql.NullString
		if err := rows.Scan(&entry.ID, &entry.Timestamp, &entry.Source, &entry.EventType, &message, &details); err != nil {
			return nil, fmt.Errorf("failed to scan event log: %w", err)
		}
		entry.Message = message.String
		if details.Valid && details.String != "" {
			entry.Details = json.RawMessage(details.String)
		}
		logs = append(logs, entry)
	}

	return logs, rows.Err()
}

// PruneEventLogs removes old event logs
func (db *DB) PruneEventLogs(olderThan time.Time) (int64, error) {
	result, err := db.conn.Exec("DELETE FROM event_log WHERE timestamp < ?", olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to prune event logs: %w", err)
	}

	return result.RowsAffected()
}

// RunPruneLoop prunes events older than retention every interval until ctx
// is done
func (db *DB) RunPruneLoop(ctx context.Context, retention, interval time.Duration) {
	if retention <= 0 || interval <= 0 {
		return
	}

	prune := func() {
		n, err := db.PruneEventLogs(time.Now().Add(-retention))
		if err != nil {
			log.Warn("Event log pruning failed: %v", err)
			return
		}
		if n > 0 {
			log.Debug("Pruned %d event log entries", n)
		}
	}

	prune()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
