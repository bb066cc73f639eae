// Package audit records every pipeline invocation in an SQLite audit trail.
//
// Rejected inputs are recorded with the command that would have run, quoted
// for reading, so injection attempts can be reviewed without ever being
// echoed back to the requester.
//
//	logger := audit.NewSQLiteLogger(db)
//	logger.Init()
//	defer logger.Close()
//	logger.LogAsync(&audit.Entry{Action: "jobrun.sites", Command: cmd})
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/sitefinder/dbopen"
	"github.com/hazyhaar/sitefinder/idgen"
	"github.com/hazyhaar/sitefinder/kit"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
    entry_id     TEXT PRIMARY KEY,
    timestamp    INTEGER NOT NULL,
    action       TEXT NOT NULL,
    transport    TEXT NOT NULL DEFAULT 'http',
    session_id   TEXT NOT NULL DEFAULT '',
    request_id   TEXT NOT NULL DEFAULT '',
    trace_id     TEXT NOT NULL DEFAULT '',
    remote_addr  TEXT NOT NULL DEFAULT '',
    command      TEXT NOT NULL DEFAULT '',
    parameters   TEXT NOT NULL DEFAULT '{}',
    result       TEXT NOT NULL DEFAULT '',
    error_message TEXT NOT NULL DEFAULT '',
    status       TEXT NOT NULL,
    duration_ms  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_log(action, status);
`

// Status values.
const (
	StatusSuccess  = "success"
	StatusError    = "error"
	StatusRejected = "rejected"
)

// Entry is one audited operation.
type Entry struct {
	EntryID    string
	Timestamp  int64 // unix milliseconds
	Action     string
	Transport  string
	SessionID  string
	RequestID  string
	TraceID    string
	RemoteAddr string
	Command    string
	Parameters string // JSON
	Result     string
	Error      string
	Status     string
	DurationMs int64
}

// Logger is what the pipeline layers depend on.
type Logger interface {
	Log(ctx context.Context, e *Entry) error
	LogAsync(e *Entry)
}

// SQLiteLogger persists entries to the audit_log table. LogAsync entries are
// flushed in batches of flushBatch or every flushEvery, whichever comes first.
type SQLiteLogger struct {
	db    *sql.DB
	newID idgen.Generator

	ch        chan *Entry
	done      chan struct{}
	closeOnce sync.Once
}

const (
	flushBatch = 32
	flushEvery = 50 * time.Millisecond
)

// Option configures a SQLiteLogger.
type Option func(*SQLiteLogger)

// WithIDGenerator sets the generator for entry IDs.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(l *SQLiteLogger) { l.newID = gen }
}

// NewSQLiteLogger creates a logger and starts its flush loop. Call Init
// before the first write and Close to flush pending entries.
func NewSQLiteLogger(db *sql.DB, opts ...Option) *SQLiteLogger {
	l := &SQLiteLogger{
		db:    db,
		newID: idgen.Prefixed("aud_", idgen.Default),
		ch:    make(chan *Entry, 1024),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.flushLoop()
	return l
}

// Init creates the audit_log table.
func (l *SQLiteLogger) Init() error {
	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("audit: init schema: %w", err)
	}
	return nil
}

// Log inserts an entry synchronously.
func (l *SQLiteLogger) Log(ctx context.Context, e *Entry) error {
	l.fillDefaults(ctx, e)
	_, err := l.db.ExecContext(ctx, insertSQL, e.args()...)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// LogAsync queues an entry. Falls back to a synchronous insert when the
// buffer is full so no entry is dropped.
func (l *SQLiteLogger) LogAsync(e *Entry) {
	l.fillDefaults(context.Background(), e)
	select {
	case l.ch <- e:
	default:
		slog.Warn("audit buffer full, sync fallback", "action", e.Action)
		if _, err := l.db.Exec(insertSQL, e.args()...); err != nil {
			slog.Error("audit: sync fallback failed", "error", err)
		}
	}
}

// Close stops the flush loop after writing every queued entry.
func (l *SQLiteLogger) Close() error {
	l.closeOnce.Do(func() {
		close(l.ch)
		<-l.done
	})
	return nil
}

func (l *SQLiteLogger) flushLoop() {
	defer close(l.done)
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	batch := make([]*Entry, 0, flushBatch)
	for {
		select {
		case e, ok := <-l.ch:
			if !ok {
				l.flush(batch)
				return
			}
			batch = append(batch, e)
			if len(batch) >= flushBatch {
				l.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				l.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (l *SQLiteLogger) flush(batch []*Entry) {
	if len(batch) == 0 {
		return
	}
	err := dbopen.RunTx(context.Background(), l.db, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(insertSQL)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, e := range batch {
			if _, err := stmt.Exec(e.args()...); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		slog.Error("audit: batch flush failed", "error", err, "entries", len(batch))
	}
}

func (l *SQLiteLogger) fillDefaults(ctx context.Context, e *Entry) {
	if e.EntryID == "" {
		e.EntryID = l.newID()
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	m := kit.MetaFrom(ctx)
	setIfEmpty(&e.Transport, m.Transport)
	setIfEmpty(&e.SessionID, m.SessionID)
	setIfEmpty(&e.RequestID, m.RequestID)
	setIfEmpty(&e.TraceID, m.TraceID)
	setIfEmpty(&e.RemoteAddr, m.RemoteAddr)
	if e.Parameters == "" {
		e.Parameters = "{}"
	}
	if e.Status == "" {
		if e.Error != "" {
			e.Status = StatusError
		} else {
			e.Status = StatusSuccess
		}
	}
}

func setIfEmpty(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

// Stamp copies the request metadata onto e. Entries logged asynchronously
// must be stamped before they leave the request goroutine.
func (e *Entry) Stamp(m kit.Meta) *Entry {
	e.Transport = m.Transport
	e.SessionID = m.SessionID
	e.RequestID = m.RequestID
	e.TraceID = m.TraceID
	e.RemoteAddr = m.RemoteAddr
	return e
}

const insertSQL = `INSERT INTO audit_log (
	entry_id, timestamp, action, transport, session_id, request_id, trace_id,
	remote_addr, command, parameters, result, error_message, status, duration_ms
) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`

func (e *Entry) args() []any {
	return []any{
		e.EntryID, e.Timestamp, e.Action, e.Transport, e.SessionID, e.RequestID, e.TraceID,
		e.RemoteAddr, e.Command, e.Parameters, e.Result, e.Error, e.Status, e.DurationMs,
	}
}

// Middleware audits every call of an endpoint under the given action name.
// Context values (transport, session, request and trace ids) are captured
// before the call returns.
func Middleware(l Logger, action string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)

			e := (&Entry{
				Action:     action,
				DurationMs: time.Since(start).Milliseconds(),
			}).Stamp(kit.MetaFrom(ctx))
			if req != nil {
				if b, mErr := json.Marshal(req); mErr == nil {
					e.Parameters = string(b)
				}
			}
			if err != nil {
				e.Error = err.Error()
			}
			l.LogAsync(e)
			return resp, err
		}
	}
}

// Discard is a Logger that drops every entry.
var Discard Logger = discard{}

type discard struct{}

func (discard) Log(context.Context, *Entry) error { return nil }
func (discard) LogAsync(*Entry)                   {}
