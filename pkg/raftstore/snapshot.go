package raftstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/hashicorp/raft"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketSnapshot = []byte("snapshot")

	keySnapshotMeta = []byte("meta")
	keySnapshotData = []byte("data")
)

// SnapshotStore implements raft.SnapshotStore keeping exactly one
// snapshot slot in BoltDB. A newly completed snapshot atomically
// replaces the previous one; a cancelled or failed sink leaves the old
// slot untouched.
type SnapshotStore struct {
	db *bolt.DB
	mu sync.Mutex
}

var _ raft.SnapshotStore = (*SnapshotStore)(nil)

// NewSnapshotStore opens (creating if needed) the snapshot database
// under dataDir.
func NewSnapshotStore(dataDir string) (*SnapshotStore, error) {
	db, err := bolt.Open(filepath.Join(dataDir, "raft-snapshot.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSnapshot)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &SnapshotStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SnapshotStore) Close() error {
	return s.db.Close()
}

// Create begins a snapshot. Data is buffered in the sink and only
// committed to the slot on Close.
func (s *SnapshotStore) Create(version raft.SnapshotVersion, index, term uint64,
	configuration raft.Configuration, configurationIndex uint64, trans raft.Transport) (raft.SnapshotSink, error) {

	meta := raft.SnapshotMeta{
		Version:            version,
		ID:                 fmt.Sprintf("%d-%d", term, index),
		Index:              index,
		Term:               term,
		Configuration:      configuration,
		ConfigurationIndex: configurationIndex,
	}
	return &snapshotSink{store: s, meta: meta}, nil
}

// List returns the stored snapshot, if any.
func (s *SnapshotStore) List() ([]*raft.SnapshotMeta, error) {
	meta, err := s.readMeta()
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, nil
	}
	return []*raft.SnapshotMeta{meta}, nil
}

// Open returns the stored snapshot data for the given id.
func (s *SnapshotStore) Open(id string) (*raft.SnapshotMeta, io.ReadCloser, error) {
	meta, err := s.readMeta()
	if err != nil {
		return nil, nil, err
	}
	if meta == nil || meta.ID != id {
		return nil, nil, fmt.Errorf("snapshot %s not found", id)
	}

	var data []byte
	err = s.db.View(func(tx *bolt.Tx) error {
		data = append([]byte(nil), tx.Bucket(bucketSnapshot).Get(keySnapshotData)...)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return meta, io.NopCloser(bytes.NewReader(data)), nil
}

func (s *SnapshotStore) readMeta() (*raft.SnapshotMeta, error) {
	var meta *raft.SnapshotMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSnapshot).Get(keySnapshotMeta)
		if data == nil {
			return nil
		}
		meta = &raft.SnapshotMeta{}
		return json.Unmarshal(data, meta)
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// commit replaces the slot with the finished snapshot in one
// transaction.
func (s *SnapshotStore) commit(meta *raft.SnapshotMeta, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta.Size = int64(len(data))
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshot)
		if err := b.Put(keySnapshotMeta, metaBytes); err != nil {
			return err
		}
		return b.Put(keySnapshotData, data)
	})
}

type snapshotSink struct {
	store    *SnapshotStore
	meta     raft.SnapshotMeta
	buf      bytes.Buffer
	canceled bool
}

func (s *snapshotSink) Write(p []byte) (int, error) {
	return s.buf.Write(p)
}

func (s *snapshotSink) ID() string {
	return s.meta.ID
}

// Close commits the buffered snapshot unless the sink was cancelled.
func (s *snapshotSink) Close() error {
	if s.canceled {
		return nil
	}
	return s.store.commit(&s.meta, s.buf.Bytes())
}

// Cancel discards the buffered snapshot, keeping the previous slot.
func (s *snapshotSink) Cancel() error {
	s.canceled = true
	s.buf.Reset()
	return nil
}
