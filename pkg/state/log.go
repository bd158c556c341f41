package state

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/govern/pkg/canonicalize"
	"github.com/Mindburn-Labs/govern/pkg/errcode"
	"github.com/Mindburn-Labs/govern/pkg/fsio"
)

// LogFileName is the append-only lifecycle log inside the governance root.
const LogFileName = "lifecycle-log.jsonl"

// Lifecycle event names.
const (
	EventClaimed            = "claimed"
	EventPreflightSubmitted = "preflight_submitted"
	EventPreflightApproved  = "preflight_approved"
	EventPreflightReturned  = "preflight_returned"
	EventStarted            = "started"
	EventHeartbeat          = "heartbeat"
	EventStalled            = "stalled"
	EventResumedFromStalled = "resumed_from_stalled"
	EventCompleted          = "completed"
	EventReviewClaimed      = "review_claimed"
	EventReviewSubmitted    = "review_submitted"
	EventEscalated          = "escalated"
	EventFailed             = "failed"
	EventReset              = "reset"
	EventNoted              = "noted"
	EventCloseoutL2         = "closeout_l2"
)

// LogEntry is one lifecycle log record. PrevHash and Hash are populated
// only when the log runs in hash-chain mode.
type LogEntry struct {
	ID        string         `json:"id"`
	Timestamp string         `json:"timestamp"`
	PacketID  string         `json:"packet_id"`
	Event     string         `json:"event"`
	Actor     string         `json:"actor"`
	Details   map[string]any `json:"details,omitempty"`
	PrevHash  string         `json:"prev_hash,omitempty"`
	Hash      string         `json:"hash,omitempty"`
}

// NewLogEntry stamps a fresh entry with id and canonical timestamp.
func NewLogEntry(packetID, event, actor string, details map[string]any) LogEntry {
	return LogEntry{
		ID:        uuid.NewString(),
		Timestamp: canonicalize.FormatTime(time.Now()),
		PacketID:  packetID,
		Event:     event,
		Actor:     actor,
		Details:   details,
	}
}

// entryHash hashes the entry minus its own Hash field.
func entryHash(e LogEntry) (string, error) {
	e.Hash = ""
	return canonicalize.Hash(e)
}

// EventLog is the storage seam for the lifecycle log. The file-backed
// implementation is the deterministic mode; a SQL-backed one serves
// deployments that already aggregate events in a database.
type EventLog interface {
	Append(e LogEntry) error
	Tail(n int) ([]LogEntry, error)
	All() ([]LogEntry, error)
	Close() error
}

// FileLog is the append-only JSONL event log, fsynced per entry.
type FileLog struct {
	path      string
	hashChain bool
}

// NewFileLog opens (lazily) the JSONL log under root. hashChain enables
// the per-entry prev_hash/hash linkage.
func NewFileLog(root string, hashChain bool) *FileLog {
	return &FileLog{path: filepath.Join(root, LogFileName), hashChain: hashChain}
}

// Path returns the log file path.
func (l *FileLog) Path() string { return l.path }

// Append writes one entry as a single fsynced line.
func (l *FileLog) Append(e LogEntry) error {
	if l.hashChain {
		entries, err := l.All()
		if err != nil {
			return err
		}
		if len(entries) > 0 {
			e.PrevHash = entries[len(entries)-1].Hash
		} else {
			e.PrevHash = "GENESIS"
		}
		h, err := entryHash(e)
		if err != nil {
			return err
		}
		e.Hash = h
	}
	line, err := json.Marshal(e)
	if err != nil {
		return errcode.Wrap(errcode.Io, "", fmt.Errorf("encode log entry: %w", err))
	}
	return fsio.WithRetry(func() error {
		return fsio.AppendLine(l.path, line)
	})
}

// All reads every entry. A truncated final line (crash mid-append) is
// treated as absent, never as corruption.
func (l *FileLog) All() ([]LogEntry, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errcode.Wrap(errcode.Io, "", fmt.Errorf("open log: %w", err))
	}
	defer f.Close()

	var entries []LogEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e LogEntry
		if err := json.Unmarshal(line, &e); err != nil {
			// Partial trailing line from an interrupted append.
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, errcode.Wrap(errcode.Io, "", fmt.Errorf("scan log: %w", err))
	}
	return entries, nil
}

// Tail returns the last n entries in log order.
func (l *FileLog) Tail(n int) ([]LogEntry, error) {
	entries, err := l.All()
	if err != nil {
		return nil, err
	}
	if n <= 0 || n >= len(entries) {
		return entries, nil
	}
	return entries[len(entries)-n:], nil
}

// Close is a no-op; the file is opened per operation.
func (l *FileLog) Close() error { return nil }

// VerifyChain checks the prev_hash/hash linkage when hash-chain mode is
// active. Entries without hashes (plain mode) verify trivially.
func (l *FileLog) VerifyChain() error {
	entries, err := l.All()
	if err != nil {
		return err
	}
	prev := "GENESIS"
	for i, e := range entries {
		if e.Hash == "" && e.PrevHash == "" {
			continue
		}
		if e.PrevHash != prev {
			return errcode.New(errcode.IntegrityFailure, errcode.SubLogChainBroken,
				"log entry %d: prev_hash %s does not match %s", i+1, e.PrevHash, prev)
		}
		want, err := entryHash(e)
		if err != nil {
			return err
		}
		if e.Hash != want {
			return errcode.New(errcode.IntegrityFailure, errcode.SubLogChainBroken,
				"log entry %d: hash mismatch", i+1)
		}
		prev = e.Hash
	}
	return nil
}
