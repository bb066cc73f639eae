package audit

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/sitefinder/dbopen"
	"github.com/hazyhaar/sitefinder/kit"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	return dbopen.OpenMemory(t)
}

func TestSQLiteLogger_Init(t *testing.T) {
	db := setupTestDB(t)
	logger := NewSQLiteLogger(db)
	defer logger.Close()

	if err := logger.Init(); err != nil {
		t.Fatal(err)
	}

	var count int
	db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='audit_log'").Scan(&count)
	if count != 1 {
		t.Fatal("audit_log table not created")
	}
}

func TestSQLiteLogger_Log_Sync(t *testing.T) {
	db := setupTestDB(t)
	logger := NewSQLiteLogger(db)
	defer logger.Close()
	if err := logger.Init(); err != nil {
		t.Fatal(err)
	}

	ctx := kit.WithSessionID(context.Background(), "sess_1")
	entry := &Entry{
		Action:     "jobrun.transcripts",
		Command:    "perl scripts/ObtainRefSeqIDFromGene.pl -g BRCA1 -s human",
		Parameters: `{"gene":"BRCA1"}`,
	}
	if err := logger.Log(ctx, entry); err != nil {
		t.Fatal(err)
	}

	if entry.EntryID == "" {
		t.Fatal("entry_id not generated")
	}
	if entry.Timestamp == 0 {
		t.Fatal("timestamp not set")
	}
	if entry.Status != StatusSuccess {
		t.Fatalf("status: got %q, want success", entry.Status)
	}
	if entry.Transport != "http" {
		t.Fatalf("transport: got %q, want http", entry.Transport)
	}

	var command, session string
	db.QueryRow("SELECT command, session_id FROM audit_log WHERE entry_id = ?", entry.EntryID).Scan(&command, &session)
	if command != entry.Command {
		t.Fatalf("DB command: got %q", command)
	}
	if session != "sess_1" {
		t.Fatalf("DB session_id: got %q", session)
	}
}

func TestSQLiteLogger_LogAsync(t *testing.T) {
	db := setupTestDB(t)
	logger := NewSQLiteLogger(db)
	logger.Init()

	logger.LogAsync(&Entry{Action: "async_test"})

	// Close flushes the buffer.
	logger.Close()

	var count int
	db.QueryRow("SELECT COUNT(*) FROM audit_log WHERE action='async_test'").Scan(&count)
	if count != 1 {
		t.Fatalf("async entry count: got %d", count)
	}
}

func TestSQLiteLogger_FillDefaults_Error(t *testing.T) {
	db := setupTestDB(t)
	logger := NewSQLiteLogger(db)
	defer logger.Close()
	logger.Init()

	entry := &Entry{Action: "failing_op", Error: "exit status 2"}
	logger.Log(context.Background(), entry)

	if entry.Status != StatusError {
		t.Fatalf("status for error entry: got %q", entry.Status)
	}
}

func TestSQLiteLogger_RejectedStatusKept(t *testing.T) {
	db := setupTestDB(t)
	logger := NewSQLiteLogger(db)
	defer logger.Close()
	logger.Init()

	entry := &Entry{Action: "jobrun.sites", Error: "unsafe argument", Status: StatusRejected}
	logger.Log(context.Background(), entry)

	var status string
	db.QueryRow("SELECT status FROM audit_log WHERE entry_id = ?", entry.EntryID).Scan(&status)
	if status != StatusRejected {
		t.Fatalf("status: got %q, want rejected", status)
	}
}

func TestSQLiteLogger_WithIDGenerator(t *testing.T) {
	db := setupTestDB(t)
	logger := NewSQLiteLogger(db, WithIDGenerator(func() string { return "custom_id" }))
	defer logger.Close()
	logger.Init()

	entry := &Entry{Action: "custom_gen"}
	logger.Log(context.Background(), entry)

	if entry.EntryID != "custom_id" {
		t.Fatalf("custom ID: got %q", entry.EntryID)
	}
}

func TestMiddleware_Success(t *testing.T) {
	db := setupTestDB(t)
	logger := NewSQLiteLogger(db)
	logger.Init()

	base := func(ctx context.Context, req any) (any, error) {
		return "result", nil
	}
	endpoint := Middleware(logger, "test_op")(base)

	ctx := kit.WithSessionID(context.Background(), "sess_1")
	ctx = kit.WithTransport(ctx, "mcp")
	ctx = kit.WithRequestID(ctx, "req_abc")
	ctx = kit.WithRemoteAddr(ctx, "192.0.2.7")

	resp, err := endpoint(ctx, map[string]string{"gene": "BRCA1"})
	if err != nil {
		t.Fatal(err)
	}
	if resp != "result" {
		t.Fatalf("response: got %v", resp)
	}

	// Close to flush async entries.
	logger.Close()

	var session, transport, remote, status, params string
	db.QueryRow("SELECT session_id, transport, remote_addr, status, parameters FROM audit_log WHERE action='test_op'").
		Scan(&session, &transport, &remote, &status, &params)
	if remote != "192.0.2.7" {
		t.Fatalf("remote_addr: got %q", remote)
	}
	if session != "sess_1" {
		t.Fatalf("session_id: got %q", session)
	}
	if transport != "mcp" {
		t.Fatalf("transport: got %q", transport)
	}
	if status != StatusSuccess {
		t.Fatalf("status: got %q", status)
	}
	if params != `{"gene":"BRCA1"}` {
		t.Fatalf("parameters: got %q", params)
	}
}

func TestMiddleware_Error(t *testing.T) {
	db := setupTestDB(t)
	logger := NewSQLiteLogger(db)
	logger.Init()

	errFail := errors.New("endpoint failed")
	base := func(ctx context.Context, req any) (any, error) {
		return nil, errFail
	}
	endpoint := Middleware(logger, "fail_op")(base)

	_, err := endpoint(context.Background(), nil)
	if !errors.Is(err, errFail) {
		t.Fatalf("error: got %v", err)
	}

	logger.Close()

	var status, errMsg string
	db.QueryRow("SELECT status, error_message FROM audit_log WHERE action='fail_op'").
		Scan(&status, &errMsg)
	if status != StatusError {
		t.Fatalf("status: got %q", status)
	}
	if errMsg != "endpoint failed" {
		t.Fatalf("error_message: got %q", errMsg)
	}
}

func TestSQLiteLogger_BatchFlush(t *testing.T) {
	db := setupTestDB(t)
	logger := NewSQLiteLogger(db)
	logger.Init()

	for i := 0; i < 50; i++ {
		logger.LogAsync(&Entry{Action: "batch_test"})
	}
	logger.Close()

	var count int
	db.QueryRow("SELECT COUNT(*) FROM audit_log WHERE action='batch_test'").Scan(&count)
	if count != 50 {
		t.Fatalf("batch count: got %d, want 50", count)
	}
}
