// Package oplog is the server's durable operation log: every accepted
// operation is appended once, ordered by a monotonic sequence number. Sync
// tokens handed to clients are the sequence number in decimal; clients
// treat them as opaque.
package oplog

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	// SQLite driver, registered as "sqlite3".
	_ "github.com/mattn/go-sqlite3"

	"github.com/driftsync/driftsync/internal/core/engine"
	"github.com/driftsync/driftsync/pkg/canonjson"
)

// ErrDuplicate is returned by Append for an op id already in the log.
var ErrDuplicate = errors.New("operation already logged")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS operations (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	op_id         TEXT NOT NULL UNIQUE,
	node_id       TEXT NOT NULL,
	collection    TEXT NOT NULL,
	record_id     TEXT NOT NULL,
	op_type       TEXT NOT NULL,
	payload       TEXT,
	base_version  INTEGER,
	ts            INTEGER NOT NULL,
	clock_counter INTEGER NOT NULL,
	clock_node_id TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_operations_record ON operations(collection, record_id);
`

// Entry is one logged operation with its sequence number.
type Entry struct {
	Seq int64
	Op  engine.Operation
}

// Log is a SQLite-backed operation log.
type Log struct {
	db *sql.DB
}

// Open opens (and if needed creates) the log at path. Use ":memory:" for
// an ephemeral log in tests.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open oplog: %w", err)
	}
	if _, err = db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate oplog: %w", err)
	}
	return &Log{db: db}, nil
}

// Close releases the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}

// Append inserts an operation and returns its sequence number. Appending
// an op id that is already logged returns ErrDuplicate.
func (l *Log) Append(op engine.Operation) (int64, error) {
	var payload any
	if op.Payload != nil {
		data, err := json.Marshal(op.Payload)
		if err != nil {
			return 0, fmt.Errorf("encode payload: %w", err)
		}
		payload = string(data)
	}
	var baseVersion any
	if op.Type != engine.OpCreate {
		baseVersion = int64(op.BaseVersion)
	}

	res, err := l.db.Exec(`
		INSERT INTO operations (
			op_id, node_id, collection, record_id, op_type,
			payload, base_version, ts, clock_counter, clock_node_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.OpID, op.Clock.NodeID, op.Collection, op.ID, string(op.Type),
		payload, baseVersion, op.Timestamp, int64(op.Clock.Counter), op.Clock.NodeID,
	)
	if err != nil {
		if exists, checkErr := l.Contains(op.OpID); checkErr == nil && exists {
			return 0, ErrDuplicate
		}
		return 0, fmt.Errorf("append op: %w", err)
	}
	return res.LastInsertId()
}

// Contains reports whether an op id is already logged.
func (l *Log) Contains(opID string) (bool, error) {
	var n int
	err := l.db.QueryRow(`SELECT COUNT(1) FROM operations WHERE op_id = ?`, opID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup op: %w", err)
	}
	return n > 0, nil
}

// Since returns up to limit entries after the given sync token in sequence
// order, the token for the last returned entry, and whether more entries
// remain. An empty token starts from the beginning.
func (l *Log) Since(token string, limit int) ([]Entry, string, bool, error) {
	seq, err := ParseToken(token)
	if err != nil {
		return nil, "", false, err
	}

	rows, err := l.db.Query(`
		SELECT seq, op_id, collection, record_id, op_type,
		       payload, base_version, ts, clock_counter, clock_node_id
		FROM operations
		WHERE seq > ?
		ORDER BY seq ASC
		LIMIT ?`,
		seq, limit+1,
	)
	if err != nil {
		return nil, "", false, fmt.Errorf("query ops: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, "", false, err
		}
		entries = append(entries, e)
	}
	if err = rows.Err(); err != nil {
		return nil, "", false, fmt.Errorf("scan ops: %w", err)
	}

	hasMore := len(entries) > limit
	if hasMore {
		entries = entries[:limit]
	}
	next := token
	if len(entries) > 0 {
		next = Token(entries[len(entries)-1].Seq)
	}
	if next == "" {
		next = Token(0)
	}
	return entries, next, hasMore, nil
}

// LatestSeq returns the highest sequence number, 0 when the log is empty.
func (l *Log) LatestSeq() (int64, error) {
	var seq sql.NullInt64
	err := l.db.QueryRow(`SELECT MAX(seq) FROM operations`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("latest seq: %w", err)
	}
	return seq.Int64, nil
}

// MaxClockCounter returns the highest clock counter ever logged.
func (l *Log) MaxClockCounter() (uint64, error) {
	var counter sql.NullInt64
	err := l.db.QueryRow(`SELECT MAX(clock_counter) FROM operations`).Scan(&counter)
	if err != nil {
		return 0, fmt.Errorf("max clock: %w", err)
	}
	return uint64(counter.Int64), nil
}

// Token renders a sequence number as an opaque sync token.
func Token(seq int64) string {
	return strconv.FormatInt(seq, 10)
}

// ParseToken parses a sync token. The empty token means "from the start".
func ParseToken(token string) (int64, error) {
	if token == "" {
		return 0, nil
	}
	seq, err := strconv.ParseInt(token, 10, 64)
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("parse sync token %q: invalid", token)
	}
	return seq, nil
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var (
		e           Entry
		opID        string
		collection  string
		recordID    string
		opType      string
		payload     sql.NullString
		baseVersion sql.NullInt64
		ts          int64
		counter     int64
		clockNode   string
	)
	if err := rows.Scan(&e.Seq, &opID, &collection, &recordID, &opType,
		&payload, &baseVersion, &ts, &counter, &clockNode); err != nil {
		return Entry{}, fmt.Errorf("scan op: %w", err)
	}

	clock := engine.ClockAt(clockNode, uint64(counter))
	switch engine.OpType(opType) {
	case engine.OpCreate, engine.OpUpdate:
		var body map[string]any
		if payload.Valid {
			obj, err := canonjson.DecodeObject([]byte(payload.String))
			if err != nil {
				return Entry{}, fmt.Errorf("decode payload for %s: %w", opID, err)
			}
			body = obj
		}
		if engine.OpType(opType) == engine.OpCreate {
			e.Op = engine.NewCreate(opID, recordID, collection, body, ts, clock)
		} else {
			e.Op = engine.NewUpdate(opID, recordID, collection, body, uint64(baseVersion.Int64), ts, clock)
		}
	case engine.OpDelete:
		e.Op = engine.NewDelete(opID, recordID, collection, uint64(baseVersion.Int64), ts, clock)
	default:
		return Entry{}, fmt.Errorf("unknown op type %q for %s", opType, opID)
	}
	return e, nil
}
