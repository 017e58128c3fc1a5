package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/clustr/internal/history"
)

func testRecord() history.Record {
	return history.Record{
		ID:        3,
		ClusterID: 1,
		Type:      "login",
		Name:      "login",
		Version:   "v1.0.0",
		Address:   "127.0.0.1",
		TCPPort:   44453,
		Status:    "starting",
		LastPulse: time.Now().UTC(),
	}
}

func TestSQLiteSink_Integration(t *testing.T) {
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
	rec := testRecord()
	if err := sink.Send(ctx, history.NewEvent(history.EventRegister, "swganh", time.Now(), rec)); err != nil {
		t.Fatalf("Failed to send register event: %v", err)
	}

	rec.Status = "online"
	status := history.NewEvent(history.EventStatus, "swganh", time.Now(), rec)
	status.PrevStatus = "loading"
	if err := sink.Send(ctx, status); err != nil {
		t.Fatalf("Failed to send status event: %v", err)
	}

	// same id is rejected by the primary key
	if err := sink.Send(ctx, status); err == nil {
		t.Fatal("expected duplicate event id to fail")
	}

	total, err := sink.Count(ctx, "")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if total != 2 {
		t.Fatalf("expected 2 events, got %d", total)
	}
	n, err := sink.Count(ctx, history.EventStatus)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 status event, got %d (%v)", n, err)
	}
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create in-memory sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := sink.Send(ctx, history.NewEvent(history.EventPurge, "swganh", time.Now(), testRecord())); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	n, err := sink.Count(ctx, history.EventPurge)
	if err != nil || n != 3 {
		t.Fatalf("expected 3 purge events, got %d (%v)", n, err)
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}
