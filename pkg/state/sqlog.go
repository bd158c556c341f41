package state

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/govern/pkg/errcode"
)

// SQLLog is the database-backed EventLog. Deployments that aggregate
// events centrally select it with the log backend setting; it serializes
// through the same engine locks as the file log, so entries carry the
// same ordering guarantees.
type SQLLog struct {
	db *sql.DB
}

const sqlLogSchema = `
CREATE TABLE IF NOT EXISTS lifecycle_log (
	rowid_seq  INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL,
	timestamp  TEXT NOT NULL,
	packet_id  TEXT NOT NULL,
	event      TEXT NOT NULL,
	actor      TEXT NOT NULL,
	details    TEXT,
	prev_hash  TEXT,
	hash       TEXT
);`

// OpenSQLLog opens (and migrates) a SQLite-backed lifecycle log at path.
func OpenSQLLog(path string) (*SQLLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errcode.Wrap(errcode.Io, "", fmt.Errorf("open sqlite log %s: %w", path, err))
	}
	if _, err := db.Exec(sqlLogSchema); err != nil {
		db.Close()
		return nil, errcode.Wrap(errcode.Io, "", fmt.Errorf("migrate sqlite log: %w", err))
	}
	return &SQLLog{db: db}, nil
}

// NewSQLLogFromDB wraps an existing handle; tests inject sqlmock here.
func NewSQLLogFromDB(db *sql.DB) *SQLLog {
	return &SQLLog{db: db}
}

func (l *SQLLog) Append(e LogEntry) error {
	var details []byte
	if e.Details != nil {
		var err error
		details, err = json.Marshal(e.Details)
		if err != nil {
			return errcode.Wrap(errcode.Io, "", fmt.Errorf("encode log details: %w", err))
		}
	}
	_, err := l.db.Exec(
		`INSERT INTO lifecycle_log (id, timestamp, packet_id, event, actor, details, prev_hash, hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp, e.PacketID, e.Event, e.Actor, nullable(details), e.PrevHash, e.Hash,
	)
	if err != nil {
		return errcode.Wrap(errcode.Io, "", fmt.Errorf("append log entry: %w", err))
	}
	return nil
}

func (l *SQLLog) All() ([]LogEntry, error) {
	return l.query(
		`SELECT id, timestamp, packet_id, event, actor, details, prev_hash, hash
		 FROM lifecycle_log ORDER BY rowid_seq ASC`)
}

func (l *SQLLog) Tail(n int) ([]LogEntry, error) {
	if n <= 0 {
		return l.All()
	}
	entries, err := l.query(
		`SELECT id, timestamp, packet_id, event, actor, details, prev_hash, hash
		 FROM lifecycle_log ORDER BY rowid_seq DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func (l *SQLLog) Close() error { return l.db.Close() }

func (l *SQLLog) query(q string, args ...any) ([]LogEntry, error) {
	rows, err := l.db.Query(q, args...)
	if err != nil {
		return nil, errcode.Wrap(errcode.Io, "", fmt.Errorf("query log: %w", err))
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		var details sql.NullString
		var prevHash, hash sql.NullString
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.PacketID, &e.Event, &e.Actor,
			&details, &prevHash, &hash); err != nil {
			return nil, errcode.Wrap(errcode.Io, "", fmt.Errorf("scan log row: %w", err))
		}
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, errcode.Wrap(errcode.Io, "", fmt.Errorf("decode log details: %w", err))
			}
		}
		e.PrevHash = prevHash.String
		e.Hash = hash.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errcode.Wrap(errcode.Io, "", fmt.Errorf("iterate log rows: %w", err))
	}
	return entries, nil
}

func nullable(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
