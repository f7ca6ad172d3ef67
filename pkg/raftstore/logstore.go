// Package raftstore provides BoltDB-backed persistence for the raft
// subsystem: log entries, stable key/value state (term and vote), and a
// single-slot snapshot store.
//
//	┌──────────────────────────────┐
//	│          raft.Raft           │
//	└───────┬──────────┬───────────┘
//	        │          │
//	   LogStore   StableStore        SnapshotStore
//	        │          │                   │
//	        └────┬─────┘                   │
//	      raft-log.db               raft-snapshot.db
//
// Everything is fsynced by BoltDB before the write call returns, so an
// acked vote or log entry survives a crash.
package raftstore

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/hashicorp/raft"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketLogs   = []byte("logs")
	bucketStable = []byte("stable")

	// ErrKeyNotFound mirrors the error string raft expects from a
	// stable store miss.
	ErrKeyNotFound = errors.New("not found")
)

// LogStore implements raft.LogStore and raft.StableStore on one BoltDB
// file.
type LogStore struct {
	db *bolt.DB
}

var (
	_ raft.LogStore    = (*LogStore)(nil)
	_ raft.StableStore = (*LogStore)(nil)
)

// NewLogStore opens (creating if needed) the raft log database under
// dataDir.
func NewLogStore(dataDir string) (*LogStore, error) {
	db, err := bolt.Open(filepath.Join(dataDir, "raft-log.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open raft log database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketLogs); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketStable)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &LogStore{db: db}, nil
}

// Close closes the underlying database.
func (s *LogStore) Close() error {
	return s.db.Close()
}

func indexKey(idx uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], idx)
	return b[:]
}

// FirstIndex returns the first index written, 0 for no entries.
func (s *LogStore) FirstIndex() (uint64, error) {
	var idx uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		if k, _ := tx.Bucket(bucketLogs).Cursor().First(); k != nil {
			idx = binary.BigEndian.Uint64(k)
		}
		return nil
	})
	return idx, err
}

// LastIndex returns the last index written, 0 for no entries.
func (s *LogStore) LastIndex() (uint64, error) {
	var idx uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		if k, _ := tx.Bucket(bucketLogs).Cursor().Last(); k != nil {
			idx = binary.BigEndian.Uint64(k)
		}
		return nil
	})
	return idx, err
}

// GetLog retrieves a log entry at a given index into log.
func (s *LogStore) GetLog(index uint64, log *raft.Log) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketLogs).Get(indexKey(index))
		if data == nil {
			return raft.ErrLogNotFound
		}
		return json.Unmarshal(data, log)
	})
}

// StoreLog stores a single log entry.
func (s *LogStore) StoreLog(log *raft.Log) error {
	return s.StoreLogs([]*raft.Log{log})
}

// StoreLogs stores multiple log entries in one transaction.
func (s *LogStore) StoreLogs(logs []*raft.Log) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLogs)
		for _, log := range logs {
			data, err := json.Marshal(log)
			if err != nil {
				return err
			}
			if err := b.Put(indexKey(log.Index), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteRange deletes the entries between min and max inclusive. Used
// both to truncate conflicting suffixes and to purge entries covered by
// a snapshot.
func (s *LogStore) DeleteRange(min, max uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLogs).Cursor()
		for k, _ := c.Seek(indexKey(min)); k != nil; k, _ = c.Next() {
			if binary.BigEndian.Uint64(k) > max {
				break
			}
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// Set stores a stable key/value pair (vote, membership markers).
func (s *LogStore) Set(key, val []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStable).Put(key, val)
	})
}

// Get returns a stable value, ErrKeyNotFound if absent.
func (s *LogStore) Get(key []byte) ([]byte, error) {
	var val []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketStable).Get(key)
		if data == nil {
			return ErrKeyNotFound
		}
		val = append([]byte(nil), data...)
		return nil
	})
	return val, err
}

// SetUint64 stores a stable counter (current term).
func (s *LogStore) SetUint64(key []byte, val uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], val)
	return s.Set(key, b[:])
}

// GetUint64 returns a stable counter, 0 if absent.
func (s *LogStore) GetUint64(key []byte) (uint64, error) {
	val, err := s.Get(key)
	if errors.Is(err, ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(val), nil
}
