package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xgpxg/conreg/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names, one per table
	bucketNamespace     = []byte("namespace")
	bucketConfig        = []byte("config")
	bucketConfigHistory = []byte("config_history")
	bucketService       = []byte("service")
	bucketUser          = []byte("user")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "conreg.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketNamespace,
			bucketConfig,
			bucketConfigHistory,
			bucketService,
			bucketUser,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// scopedKey builds a composite key for rows scoped to a namespace.
func scopedKey(namespaceID, id string) []byte {
	return []byte(namespaceID + "/" + id)
}

// historyKey is the big-endian history id, so cursor order is id order.
func historyKey(id int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(id))
	return b[:]
}

// Namespace operations

func (s *BoltStore) PutNamespace(ns *types.Namespace) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNamespace)
		data, err := json.Marshal(ns)
		if err != nil {
			return err
		}
		return b.Put([]byte(ns.ID), data)
	})
}

func (s *BoltStore) GetNamespace(id string) (*types.Namespace, error) {
	var ns types.Namespace
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNamespace).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &ns)
	})
	if err != nil {
		return nil, err
	}
	return &ns, nil
}

func (s *BoltStore) DeleteNamespace(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNamespace).Delete([]byte(id))
	})
}

func (s *BoltStore) ListNamespaces(offset, limit int) (int64, []*types.Namespace, error) {
	var all []*types.Namespace
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNamespace).ForEach(func(k, v []byte) error {
			var ns types.Namespace
			if err := json.Unmarshal(v, &ns); err != nil {
				return err
			}
			all = append(all, &ns)
			return nil
		})
	})
	if err != nil {
		return 0, nil, err
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].CreateTime.After(all[j].CreateTime)
	})
	return int64(len(all)), page(all, offset, limit), nil
}

// Config operations

func (s *BoltStore) PutConfig(entry *types.ConfigEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConfig)
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put(scopedKey(entry.NamespaceID, entry.ID), data)
	})
}

func (s *BoltStore) GetConfig(namespaceID, id string) (*types.ConfigEntry, error) {
	var entry types.ConfigEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketConfig).Get(scopedKey(namespaceID, id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *BoltStore) DeleteConfig(namespaceID, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConfig).Delete(scopedKey(namespaceID, id))
	})
}

func (s *BoltStore) ListConfigs(namespaceID, filterText string, offset, limit int) (int64, []*types.ConfigEntry, error) {
	var all []*types.ConfigEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketConfig).Cursor()
		prefix := []byte(namespaceID + "/")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var entry types.ConfigEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if filterText != "" &&
				!strings.Contains(entry.ID, filterText) &&
				!strings.Contains(entry.Content, filterText) {
				continue
			}
			all = append(all, &entry)
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].EntryID > all[j].EntryID
	})
	return int64(len(all)), page(all, offset, limit), nil
}

func (s *BoltStore) ListAllConfigs(namespaceID string) ([]*types.ConfigEntry, error) {
	_, all, err := s.ListConfigs(namespaceID, "", 0, -1)
	return all, err
}

func (s *BoltStore) DeleteConfigsInNamespace(namespaceID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConfig)
		c := b.Cursor()
		prefix := []byte(namespaceID + "/")
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Config history operations

func (s *BoltStore) AppendHistory(entry *types.ConfigEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConfigHistory)
		row := *entry
		row.EntryID = entry.HistoryID()
		data, err := json.Marshal(&row)
		if err != nil {
			return err
		}
		return b.Put(historyKey(row.EntryID), data)
	})
}

func (s *BoltStore) GetHistory(historyID int64) (*types.ConfigEntry, error) {
	var entry types.ConfigEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketConfigHistory).Get(historyKey(historyID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *BoltStore) ListHistory(namespaceID, id string, offset, limit int) (int64, []*types.ConfigEntry, error) {
	var all []*types.ConfigEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConfigHistory).ForEach(func(k, v []byte) error {
			var entry types.ConfigEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if entry.NamespaceID == namespaceID && entry.ID == id {
				all = append(all, &entry)
			}
			return nil
		})
	})
	if err != nil {
		return 0, nil, err
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].EntryID > all[j].EntryID
	})
	return int64(len(all)), page(all, offset, limit), nil
}

func (s *BoltStore) DeleteHistory(namespaceID, id string) error {
	return s.deleteHistoryWhere(func(e *types.ConfigEntry) bool {
		return e.NamespaceID == namespaceID && e.ID == id
	})
}

func (s *BoltStore) DeleteHistoryInNamespace(namespaceID string) error {
	return s.deleteHistoryWhere(func(e *types.ConfigEntry) bool {
		return e.NamespaceID == namespaceID
	})
}

func (s *BoltStore) deleteHistoryWhere(match func(*types.ConfigEntry) bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConfigHistory)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var entry types.ConfigEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if match(&entry) {
				if err := c.Delete(); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Service operations

func (s *BoltStore) PutService(service *types.Service) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketService)
		data, err := json.Marshal(service)
		if err != nil {
			return err
		}
		return b.Put(scopedKey(service.NamespaceID, service.ServiceID), data)
	})
}

func (s *BoltStore) GetService(namespaceID, serviceID string) (*types.Service, error) {
	var service types.Service
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketService).Get(scopedKey(namespaceID, serviceID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &service)
	})
	if err != nil {
		return nil, err
	}
	return &service, nil
}

func (s *BoltStore) DeleteService(namespaceID, serviceID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketService).Delete(scopedKey(namespaceID, serviceID))
	})
}

func (s *BoltStore) ListServices(namespaceID string, offset, limit int) (int64, []*types.Service, error) {
	var all []*types.Service
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketService).Cursor()
		prefix := []byte(namespaceID + "/")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var service types.Service
			if err := json.Unmarshal(v, &service); err != nil {
				return err
			}
			all = append(all, &service)
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].CreateTime.After(all[j].CreateTime)
	})
	return int64(len(all)), page(all, offset, limit), nil
}

// User operations

func (s *BoltStore) PutUser(user *types.User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUser)
		data, err := json.Marshal(user)
		if err != nil {
			return err
		}
		return b.Put([]byte(user.Username), data)
	})
}

func (s *BoltStore) GetUser(username string) (*types.User, error) {
	var user types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketUser).Get([]byte(username))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &user)
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// Snapshot support

func (s *BoltStore) DumpState() (*StateDump, error) {
	dump := &StateDump{}
	err := s.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketNamespace).ForEach(func(k, v []byte) error {
			var ns types.Namespace
			if err := json.Unmarshal(v, &ns); err != nil {
				return err
			}
			dump.Namespaces = append(dump.Namespaces, &ns)
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketConfig).ForEach(func(k, v []byte) error {
			var entry types.ConfigEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			dump.Configs = append(dump.Configs, &entry)
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketConfigHistory).ForEach(func(k, v []byte) error {
			var entry types.ConfigEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			dump.Histories = append(dump.Histories, &entry)
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketService).ForEach(func(k, v []byte) error {
			var service types.Service
			if err := json.Unmarshal(v, &service); err != nil {
				return err
			}
			dump.Services = append(dump.Services, &service)
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(bucketUser).ForEach(func(k, v []byte) error {
			var user types.User
			if err := json.Unmarshal(v, &user); err != nil {
				return err
			}
			dump.Users = append(dump.Users, &user)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return dump, nil
}

func (s *BoltStore) RestoreState(dump *StateDump) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		// Drop and recreate every bucket, then load the dump.
		buckets := [][]byte{
			bucketNamespace,
			bucketConfig,
			bucketConfigHistory,
			bucketService,
			bucketUser,
		}
		for _, bucket := range buckets {
			if err := tx.DeleteBucket(bucket); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket(bucket); err != nil {
				return err
			}
		}

		for _, ns := range dump.Namespaces {
			if err := putJSON(tx.Bucket(bucketNamespace), []byte(ns.ID), ns); err != nil {
				return err
			}
		}
		for _, entry := range dump.Configs {
			if err := putJSON(tx.Bucket(bucketConfig), scopedKey(entry.NamespaceID, entry.ID), entry); err != nil {
				return err
			}
		}
		for _, entry := range dump.Histories {
			// History dumps already carry their final history id.
			if err := putJSON(tx.Bucket(bucketConfigHistory), historyKey(entry.EntryID), entry); err != nil {
				return err
			}
		}
		for _, service := range dump.Services {
			if err := putJSON(tx.Bucket(bucketService), scopedKey(service.NamespaceID, service.ServiceID), service); err != nil {
				return err
			}
		}
		for _, user := range dump.Users {
			if err := putJSON(tx.Bucket(bucketUser), []byte(user.Username), user); err != nil {
				return err
			}
		}
		return nil
	})
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

// page slices out one page; limit < 0 returns everything from offset.
func page[T any](all []T, offset, limit int) []T {
	if offset >= len(all) || offset < 0 {
		return nil
	}
	end := len(all)
	if limit >= 0 && offset+limit < end {
		end = offset + limit
	}
	return all[offset:end]
}
