package raftstore

import (
	"errors"
	"io"
	"testing"

	"github.com/hashicorp/raft"
)

func newTestLogStore(t *testing.T) *LogStore {
	t.Helper()
	s, err := NewLogStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLogStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestLogStoreEmpty tests index queries on an empty log
func TestLogStoreEmpty(t *testing.T) {
	s := newTestLogStore(t)

	first, err := s.FirstIndex()
	if err != nil || first != 0 {
		t.Errorf("FirstIndex() = %d, %v, want 0, nil", first, err)
	}
	last, err := s.LastIndex()
	if err != nil || last != 0 {
		t.Errorf("LastIndex() = %d, %v, want 0, nil", last, err)
	}

	var log raft.Log
	if err := s.GetLog(1, &log); !errors.Is(err, raft.ErrLogNotFound) {
		t.Errorf("GetLog(1) error = %v, want ErrLogNotFound", err)
	}
}

// TestLogStoreAppendAndRange tests storing entries and range queries
func TestLogStoreAppendAndRange(t *testing.T) {
	s := newTestLogStore(t)

	var logs []*raft.Log
	for i := uint64(1); i <= 5; i++ {
		logs = append(logs, &raft.Log{Index: i, Term: 1, Data: []byte{byte(i)}})
	}
	if err := s.StoreLogs(logs); err != nil {
		t.Fatalf("StoreLogs() error = %v", err)
	}

	first, _ := s.FirstIndex()
	last, _ := s.LastIndex()
	if first != 1 || last != 5 {
		t.Errorf("index range = [%d, %d], want [1, 5]", first, last)
	}

	var got raft.Log
	if err := s.GetLog(3, &got); err != nil {
		t.Fatalf("GetLog(3) error = %v", err)
	}
	if got.Index != 3 || got.Data[0] != 3 {
		t.Errorf("GetLog(3) = %+v", got)
	}
}

// TestLogStoreDeleteRange tests purging a prefix and truncating a suffix
func TestLogStoreDeleteRange(t *testing.T) {
	s := newTestLogStore(t)

	for i := uint64(1); i <= 10; i++ {
		if err := s.StoreLog(&raft.Log{Index: i, Term: 1}); err != nil {
			t.Fatal(err)
		}
	}

	// Purge a compacted prefix
	if err := s.DeleteRange(1, 4); err != nil {
		t.Fatalf("DeleteRange(1, 4) error = %v", err)
	}
	first, _ := s.FirstIndex()
	if first != 5 {
		t.Errorf("FirstIndex() after purge = %d, want 5", first)
	}

	// Truncate a conflicting suffix
	if err := s.DeleteRange(8, 10); err != nil {
		t.Fatalf("DeleteRange(8, 10) error = %v", err)
	}
	last, _ := s.LastIndex()
	if last != 7 {
		t.Errorf("LastIndex() after truncate = %d, want 7", last)
	}
}

// TestStableStore tests vote and term persistence
func TestStableStore(t *testing.T) {
	s := newTestLogStore(t)

	if _, err := s.Get([]byte("CurrentVote")); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrKeyNotFound", err)
	}
	term, err := s.GetUint64([]byte("CurrentTerm"))
	if err != nil || term != 0 {
		t.Errorf("GetUint64(missing) = %d, %v, want 0, nil", term, err)
	}

	if err := s.Set([]byte("CurrentVote"), []byte("node-2")); err != nil {
		t.Fatal(err)
	}
	if err := s.SetUint64([]byte("CurrentTerm"), 7); err != nil {
		t.Fatal(err)
	}

	vote, err := s.Get([]byte("CurrentVote"))
	if err != nil || string(vote) != "node-2" {
		t.Errorf("Get(CurrentVote) = %q, %v", vote, err)
	}
	term, err = s.GetUint64([]byte("CurrentTerm"))
	if err != nil || term != 7 {
		t.Errorf("GetUint64(CurrentTerm) = %d, %v, want 7", term, err)
	}
}

// TestSnapshotSingleSlot tests that a new snapshot replaces the old one
// and a cancelled sink leaves the slot intact
func TestSnapshotSingleSlot(t *testing.T) {
	s, err := NewSnapshotStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSnapshotStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	metas, err := s.List()
	if err != nil || len(metas) != 0 {
		t.Fatalf("List() on empty store = %v, %v", metas, err)
	}

	write := func(index, term uint64, payload string) string {
		sink, err := s.Create(raft.SnapshotVersionMax, index, term, raft.Configuration{}, 1, nil)
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if _, err := sink.Write([]byte(payload)); err != nil {
			t.Fatal(err)
		}
		if err := sink.Close(); err != nil {
			t.Fatalf("sink.Close() error = %v", err)
		}
		return sink.ID()
	}

	firstID := write(10, 2, "state-v1")
	secondID := write(20, 2, "state-v2")

	metas, err = s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(metas) != 1 || metas[0].ID != secondID {
		t.Fatalf("List() = %v, want single slot %s", metas, secondID)
	}

	if _, _, err := s.Open(firstID); err == nil {
		t.Errorf("Open(%s) succeeded, want not found after replacement", firstID)
	}

	meta, rc, err := s.Open(secondID)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "state-v2" {
		t.Errorf("snapshot data = %q, want %q", data, "state-v2")
	}
	if meta.Index != 20 || meta.Size != int64(len("state-v2")) {
		t.Errorf("meta = %+v", meta)
	}

	// A cancelled sink must not clobber the slot.
	sink, err := s.Create(raft.SnapshotVersionMax, 30, 3, raft.Configuration{}, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	sink.Write([]byte("partial"))
	if err := sink.Cancel(); err != nil {
		t.Fatal(err)
	}
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}

	metas, _ = s.List()
	if len(metas) != 1 || metas[0].ID != secondID {
		t.Errorf("List() after cancel = %v, want %s intact", metas, secondID)
	}
}
