// Package diag is an optional, write-only observer bolted onto the
// adapter facade's public callbacks: it journals discovery and
// disconnect events to a local SQLite file for post-hoc debugging. It
// sits outside the core (internal/bgapi, internal/connmgr,
// internal/scan, pkg/tileble) and never feeds state back into it —
// the core itself stays entirely stateless.
package diag

import (
	"database/sql"
	"time"

	"github.com/commatea/tileble-adapter/internal/scan"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Journal appends scan and disconnect events to a SQLite file.
type Journal struct {
	db *sql.DB
}

// Open creates (or reuses) the journal database at path.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	j := &Journal{db: db}
	if err := j.init(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) init() error {
	query := `
	CREATE TABLE IF NOT EXISTS scan_events (
		id TEXT PRIMARY KEY,
		address TEXT NOT NULL,
		device_uuid INTEGER,
		rssi INTEGER,
		has_scan_response INTEGER,
		voltage REAL,
		seen_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_scan_events_address ON scan_events(address, seen_at);

	CREATE TABLE IF NOT EXISTS disconnect_events (
		id TEXT PRIMARY KEY,
		connection_id TEXT NOT NULL,
		handle INTEGER,
		clean INTEGER,
		reason TEXT,
		seen_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_disconnect_events_conn ON disconnect_events(connection_id, seen_at);
	`
	_, err := j.db.Exec(query)
	return err
}

// RecordScan appends one assembled Discovery record and returns any
// write error. The adapter facade only logs such an error and carries
// on, so a broken journal never affects its real-time behavior.
func (j *Journal) RecordScan(d scan.Discovery) error {
	_, err := j.db.Exec(
		`INSERT INTO scan_events (id, address, device_uuid, rssi, has_scan_response, voltage, seen_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), d.AddressString, d.DeviceUUID, d.RSSI, boolToInt(d.HasScanResponse), d.Voltage, d.LastSeen,
	)
	return err
}

// RecordDisconnect appends one disconnect notification.
func (j *Journal) RecordDisconnect(connID string, handle uint8, clean bool, reason string) error {
	_, err := j.db.Exec(
		`INSERT INTO disconnect_events (id, connection_id, handle, clean, reason, seen_at) VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), connID, handle, boolToInt(clean), reason, time.Now(),
	)
	return err
}

// Close releases the underlying database handle.
func (j *Journal) Close() error {
	return j.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
