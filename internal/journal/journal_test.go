package journal

import (
	"encoding/json"
	"fmt"
	"io"
	"testing"

	"github.com/rs/zerolog"

	"github.com/blockplane/blockplane/internal/logging"
	"github.com/blockplane/blockplane/internal/registry"
)

func newTestJournal(t *testing.T, maxSegmentSize int64) *Journal {
	t.Helper()
	logger := logging.NewWithWriter(io.Discard, zerolog.Disabled)
	j, err := Open(t.TempDir(), maxSegmentSize, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestJournalRoundTrip(t *testing.T) {
	j := newTestJournal(t, 0)

	for i := 0; i < 10; i++ {
		entry := Entry{
			Type:   "new",
			Kind:   "pool",
			Object: json.RawMessage(fmt.Sprintf(`{"name":"pool-%d"}`, i)),
		}
		if err := j.Append(entry); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	entries, err := j.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(entries) != 10 {
		t.Fatalf("ReadAll returned %d entries, want 10", len(entries))
	}
	for i, entry := range entries {
		want := fmt.Sprintf(`{"name":"pool-%d"}`, i)
		if string(entry.Object) != want {
			t.Fatalf("entry %d out of order: %s", i, entry.Object)
		}
		if entry.Timestamp == 0 {
			t.Fatal("entry missing timestamp")
		}
	}
}

func TestJournalRotation(t *testing.T) {
	// Tiny segment size so every entry rotates.
	j := newTestJournal(t, 64)

	for i := 0; i < 5; i++ {
		entry := Entry{
			Type:   "mod",
			Kind:   "nexus",
			Object: json.RawMessage(fmt.Sprintf(`{"uuid":"nx-%d","state":"degraded"}`, i)),
		}
		if err := j.Append(entry); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	count, err := j.SegmentCount()
	if err != nil {
		t.Fatalf("SegmentCount: %v", err)
	}
	if count < 2 {
		t.Fatalf("expected rotation, got %d segments", count)
	}

	// Order survives rotation.
	entries, err := j.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("ReadAll returned %d entries, want 5", len(entries))
	}
	for i, entry := range entries {
		want := fmt.Sprintf(`{"uuid":"nx-%d","state":"degraded"}`, i)
		if string(entry.Object) != want {
			t.Fatalf("entry %d out of order after rotation: %s", i, entry.Object)
		}
	}
}

func TestJournalReopenContinues(t *testing.T) {
	dir := t.TempDir()
	logger := logging.NewWithWriter(io.Discard, zerolog.Disabled)

	j, err := Open(dir, 0, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := j.Append(Entry{Type: "new", Kind: "node", Object: json.RawMessage(`{"name":"n1"}`)}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	j2, err := Open(dir, 0, logger)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.Close()
	if err := j2.Append(Entry{Type: "del", Kind: "node", Object: json.RawMessage(`{"name":"n1"}`)}); err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}

	entries, err := j2.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(entries) != 2 || entries[0].Type != "new" || entries[1].Type != "del" {
		t.Fatalf("unexpected entries after reopen: %+v", entries)
	}
}

func TestJournalHandler(t *testing.T) {
	j := newTestJournal(t, 0)
	handler := j.Handler()

	handler(registry.Event{
		Type:   registry.EventNew,
		Kind:   registry.KindPool,
		Object: registry.Pool{Node: "n1", Name: "pool-a", State: registry.PoolOnline},
	})

	entries, err := j.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("ReadAll returned %d entries, want 1", len(entries))
	}
	if entries[0].Type != "new" || entries[0].Kind != "pool" {
		t.Fatalf("unexpected entry: %+v", entries[0])
	}

	var pool registry.Pool
	if err := json.Unmarshal(entries[0].Object, &pool); err != nil {
		t.Fatalf("Unmarshal object: %v", err)
	}
	if pool.Name != "pool-a" || pool.Node != "n1" {
		t.Fatalf("unexpected pool: %+v", pool)
	}
}
