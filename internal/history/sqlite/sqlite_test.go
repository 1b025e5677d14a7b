package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/procgod/internal/history"
)

func TestSQLiteSink_FileRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	sink, err := New("sqlite://" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	rec := history.Record{ID: 3, Name: "api", PID: 4242, Status: "online"}
	for _, typ := range []history.EventType{history.EventStart, history.EventExit, history.EventRestart} {
		if err := sink.Send(ctx, history.Event{Type: typ, OccurredAt: time.Now().UTC(), Record: rec}); err != nil {
			t.Fatalf("send %s: %v", typ, err)
		}
	}
	n, err := sink.Count(ctx, "api")
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("expected 3 rows, got %d", n)
	}
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create in-memory sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	ev := history.Event{Type: history.EventErrored, OccurredAt: time.Now(), Record: history.Record{ID: 1, Name: "mem", Status: "errored", ExitCode: 1, Restarts: 15}}
	if err := sink.Send(ctx, ev); err != nil {
		t.Fatalf("Failed to send event: %v", err)
	}
	var code, restarts int
	if err := sink.db.QueryRowContext(ctx, `SELECT exit_code, restarts FROM process_history WHERE name = 'mem'`).Scan(&code, &restarts); err != nil {
		t.Fatal(err)
	}
	if code != 1 || restarts != 15 {
		t.Fatalf("unexpected row: %d %d", code, restarts)
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}

func TestSQLiteSink_ContextCancellation(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sink.Send(ctx, history.Event{Type: history.EventStart, Record: history.Record{Name: "x"}}); err == nil {
		t.Fatal("expected error with cancelled context")
	}
}
