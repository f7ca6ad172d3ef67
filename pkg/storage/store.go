package storage

import (
	"errors"

	"github.com/xgpxg/conreg/pkg/types"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the interface for durable table storage. Mutations are
// only ever invoked from the FSM apply path (or snapshot restore), never
// speculatively from request handlers.
type Store interface {
	// Namespaces
	PutNamespace(ns *types.Namespace) error
	GetNamespace(id string) (*types.Namespace, error)
	DeleteNamespace(id string) error
	ListNamespaces(offset, limit int) (int64, []*types.Namespace, error)

	// Configs
	PutConfig(entry *types.ConfigEntry) error
	GetConfig(namespaceID, id string) (*types.ConfigEntry, error)
	DeleteConfig(namespaceID, id string) error
	ListConfigs(namespaceID, filterText string, offset, limit int) (int64, []*types.ConfigEntry, error)
	ListAllConfigs(namespaceID string) ([]*types.ConfigEntry, error)
	DeleteConfigsInNamespace(namespaceID string) error

	// Config history
	AppendHistory(entry *types.ConfigEntry) error
	GetHistory(historyID int64) (*types.ConfigEntry, error)
	ListHistory(namespaceID, id string, offset, limit int) (int64, []*types.ConfigEntry, error)
	DeleteHistory(namespaceID, id string) error
	DeleteHistoryInNamespace(namespaceID string) error

	// Services
	PutService(service *types.Service) error
	GetService(namespaceID, serviceID string) (*types.Service, error)
	DeleteService(namespaceID, serviceID string) error
	ListServices(namespaceID string, offset, limit int) (int64, []*types.Service, error)

	// Users
	PutUser(user *types.User) error
	GetUser(username string) (*types.User, error)

	// Snapshot support
	DumpState() (*StateDump, error)
	RestoreState(dump *StateDump) error

	// Utility
	Close() error
}

// StateDump is the durable-table portion of a state machine snapshot.
type StateDump struct {
	Namespaces []*types.Namespace   `json:"namespaces"`
	Configs    []*types.ConfigEntry `json:"configs"`
	Histories  []*types.ConfigEntry `json:"histories"`
	Services   []*types.Service     `json:"services"`
	Users      []*types.User        `json:"users"`
}
