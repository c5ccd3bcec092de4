// Package registry persists the last-connected headset so the session
// can reconnect to it when the radio comes back. It also keeps a
// sighting history from scans for diagnostics.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNoSavedDevice is returned by LoadLastConnected when nothing has
// been persisted yet. A stale saved id is not an error: lookup simply
// fails and the session falls back to scanning.
var ErrNoSavedDevice = errors.New("no saved device")

type Store struct {
	db *sql.DB
}

// Open creates (or opens) the registry database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS last_device(
	id INTEGER PRIMARY KEY CHECK (id = 1),
	device_id TEXT NOT NULL,
	device_name TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS sightings(
	device_id TEXT PRIMARY KEY,
	device_name TEXT NOT NULL DEFAULT '',
	rssi INTEGER NOT NULL DEFAULT 0,
	last_seen_at INTEGER NOT NULL
);
`)
	if err != nil {
		return fmt.Errorf("migrate registry: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveLastConnected overwrites the persisted device. Called exactly
// once, immediately after a successful connection.
func (s *Store) SaveLastConnected(ctx context.Context, deviceID, deviceName string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO last_device(id, device_id, device_name, updated_at)
VALUES (1, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	device_id=excluded.device_id,
	device_name=excluded.device_name,
	updated_at=excluded.updated_at
`, deviceID, deviceName, time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("save last device: %w", err)
	}
	return nil
}

// LoadLastConnected returns the saved device id and name. There is no
// expiry policy.
func (s *Store) LoadLastConnected(ctx context.Context) (deviceID, deviceName string, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT device_id, device_name FROM last_device WHERE id = 1`)
	if err := row.Scan(&deviceID, &deviceName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", ErrNoSavedDevice
		}
		return "", "", fmt.Errorf("load last device: %w", err)
	}
	return deviceID, deviceName, nil
}

// RecordSighting upserts one scan result. Diagnostic only.
func (s *Store) RecordSighting(ctx context.Context, deviceID, deviceName string, rssi int) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sightings(device_id, device_name, rssi, last_seen_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(device_id) DO UPDATE SET
	device_name=excluded.device_name,
	rssi=excluded.rssi,
	last_seen_at=excluded.last_seen_at
`, deviceID, deviceName, rssi, time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("record sighting: %w", err)
	}
	return nil
}

// Sighting is one remembered scan result.
type Sighting struct {
	DeviceID   string
	DeviceName string
	RSSI       int
	LastSeenAt time.Time
}

// Sightings lists remembered devices, most recently seen first.
func (s *Store) Sightings(ctx context.Context) ([]Sighting, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT device_id, device_name, rssi, last_seen_at FROM sightings ORDER BY last_seen_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sightings: %w", err)
	}
	defer rows.Close()

	var out []Sighting
	for rows.Next() {
		var sg Sighting
		var seen int64
		if err := rows.Scan(&sg.DeviceID, &sg.DeviceName, &sg.RSSI, &seen); err != nil {
			return nil, fmt.Errorf("scan sighting: %w", err)
		}
		sg.LastSeenAt = time.Unix(seen, 0).UTC()
		out = append(out, sg)
	}
	return out, rows.Err()
}
