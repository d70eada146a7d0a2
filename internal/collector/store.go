package collector

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite" // CGO-free SQLite
)

// StoredEvent is one accepted tracking event ready for persistence. Payload
// holds the full request body; the lifted columns exist for indexed queries.
type StoredEvent struct {
	ReceivedUTC int64
	System      string
	Kind        string
	URL         string
	Fingerprint string
	ClientIP    string
	Payload     map[string]any
}

// Store persists accepted tracking events in SQLite.
type Store struct {
	db         *sql.DB
	validKinds map[string]bool
}

// NewStore opens (or creates) the event database at databasePath.
func NewStore(databasePath string) (*Store, error) {
	// WAL + busy timeout to avoid "database is locked"
	db, err := sql.Open("sqlite", databasePath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		db: db,
		validKinds: map[string]bool{
			"pageview": true,
			"download": true,
			"event":    true,
			"duration": true,
		},
	}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS tracking_events(
	  id           INTEGER PRIMARY KEY,
	  received_utc INTEGER NOT NULL,
	  system       TEXT    NOT NULL,
	  kind         TEXT    NOT NULL CHECK (kind IN ('pageview','download','event','duration')),
	  url          TEXT    NOT NULL,
	  fingerprint  TEXT    NOT NULL,
	  client_ip    TEXT,
	  payload_json TEXT    NOT NULL CHECK (json_valid(payload_json))
	);
	CREATE INDEX IF NOT EXISTS idx_tracking_events_ts     ON tracking_events(received_utc);
	CREATE INDEX IF NOT EXISTS idx_tracking_events_kind   ON tracking_events(kind);
	CREATE INDEX IF NOT EXISTS idx_tracking_events_system ON tracking_events(system);
	`)
	if err != nil {
		return fmt.Errorf("failed to create database tables: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ValidKind reports whether kind is a storable event kind.
func (s *Store) ValidKind(kind string) bool {
	return s.validKinds[kind]
}

// ValidateEvent checks the lifted columns before insertion.
func (s *Store) ValidateEvent(event StoredEvent) error {
	if event.System == "" {
		return fmt.Errorf("system cannot be empty")
	}
	if !s.validKinds[event.Kind] {
		return fmt.Errorf("invalid event kind: %s", event.Kind)
	}
	if event.URL == "" {
		return fmt.Errorf("url cannot be empty")
	}
	if event.ReceivedUTC <= 0 {
		return fmt.Errorf("timestamp must be positive")
	}
	return nil
}

// InsertEvent stores one event.
func (s *Store) InsertEvent(event StoredEvent) error {
	if err := s.ValidateEvent(event); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}

	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO tracking_events(received_utc, system, kind, url, fingerprint, client_ip, payload_json)
		 VALUES(?,?,?,?,?,?,json(?))`,
		event.ReceivedUTC, event.System, event.Kind, event.URL, event.Fingerprint, event.ClientIP, string(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// CountByKind returns the stored event count per kind for one system.
func (s *Store) CountByKind(system string) (map[string]int, error) {
	rows, err := s.db.Query(
		`SELECT kind, COUNT(*) FROM tracking_events WHERE system = ? GROUP BY kind`, system)
	if err != nil {
		return nil, fmt.Errorf("failed to query counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count row: %w", err)
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}
