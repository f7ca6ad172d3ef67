// Package configstore manages configuration entries: replicated
// create/update/delete with an immutable per-revision history, an
// optional node-local read cache, and long-poll change watching.
package configstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xgpxg/conreg/pkg/cache"
	"github.com/xgpxg/conreg/pkg/log"
	"github.com/xgpxg/conreg/pkg/metrics"
	"github.com/xgpxg/conreg/pkg/storage"
	"github.com/xgpxg/conreg/pkg/types"
)

// WatchTimeout is how long a watch request holds before answering
// "no change". Kept under common 30s proxy timeouts.
const WatchTimeout = 29 * time.Second

// CommandWriter replicates a command through the cluster and returns
// once it is committed and applied.
type CommandWriter interface {
	WriteCommand(cmd types.Command) error
}

// Manager serves config reads and coordinates replicated writes.
type Manager struct {
	store       storage.Store
	writer      CommandWriter
	broadcaster *Broadcaster

	// cache is the optional read cache; nil when disabled.
	cache *cache.Cache
}

// NewManager builds the manager. Pass a nil cache to serve every read
// from the store.
func NewManager(store storage.Store, readCache *cache.Cache) *Manager {
	return &Manager{
		store:       store,
		broadcaster: NewBroadcaster(),
		cache:       readCache,
	}
}

// SetCommandWriter wires the replication path in.
func (m *Manager) SetCommandWriter(w CommandWriter) {
	m.writer = w
}

func configCacheKey(namespaceID, id string) string {
	return "config:" + namespaceID + "/" + id
}

// Get returns a config entry, serving from the read cache when enabled.
func (m *Manager) Get(namespaceID, id string) (*types.ConfigEntry, error) {
	if m.cache != nil {
		var entry types.ConfigEntry
		if m.cache.GetJSON(configCacheKey(namespaceID, id), &entry) {
			return &entry, nil
		}
	}

	entry, err := m.store.GetConfig(namespaceID, id)
	if err != nil {
		return nil, err
	}
	if m.cache != nil {
		m.cache.Set(configCacheKey(namespaceID, id), entry, cache.NoExpiry)
	}
	return entry, nil
}

// UpsertRequest carries the caller-supplied fields of a config write.
type UpsertRequest struct {
	NamespaceID string `json:"namespace_id"`
	ID          string `json:"id"`
	Content     string `json:"content"`
	Description string `json:"description"`
	Format      string `json:"format"`
}

// UpsertAndSync creates or updates a config through replication. An
// update whose content hash matches the stored row is a no-op: no
// history row, no watch event. Entry ids and timestamps are fixed here,
// on the originating node.
func (m *Manager) UpsertAndSync(req *UpsertRequest) error {
	if req.NamespaceID == "" || req.ID == "" {
		return errors.New("namespace id and config id are required")
	}

	md5 := types.MD5Hex(req.Content)
	now := time.Now()

	existing, err := m.store.GetConfig(req.NamespaceID, req.ID)
	switch {
	case err == nil:
		if existing.MD5 == md5 {
			return nil
		}
		entry := &types.ConfigEntry{
			EntryID:     existing.EntryID,
			NamespaceID: req.NamespaceID,
			ID:          req.ID,
			Content:     req.Content,
			Description: req.Description,
			Format:      req.Format,
			CreateTime:  existing.CreateTime,
			UpdateTime:  now,
			MD5:         md5,
		}
		return m.replicate(types.OpUpdateConfig, entry)

	case errors.Is(err, storage.ErrNotFound):
		entry := &types.ConfigEntry{
			EntryID:     types.NextID(),
			NamespaceID: req.NamespaceID,
			ID:          req.ID,
			Content:     req.Content,
			Description: req.Description,
			Format:      req.Format,
			CreateTime:  now,
			UpdateTime:  now,
			MD5:         md5,
		}
		return m.replicate(types.OpSetConfig, entry)

	default:
		return err
	}
}

// DeleteAndSync removes a config and its history through replication.
func (m *Manager) DeleteAndSync(namespaceID, id string) error {
	if _, err := m.store.GetConfig(namespaceID, id); err != nil {
		return fmt.Errorf("config %s not found in namespace %s", id, namespaceID)
	}
	cmd, err := types.NewCommand(types.OpDeleteConfig, types.DeleteConfig{
		NamespaceID: namespaceID,
		ID:          id,
	})
	if err != nil {
		return err
	}
	return m.writer.WriteCommand(cmd)
}

// Recover rewrites a config to the content of one of its history rows.
// It goes through the normal upsert path, so the recovery itself leaves
// a history row.
func (m *Manager) Recover(namespaceID, id string, historyID int64) error {
	hist, err := m.store.GetHistory(historyID)
	if err != nil {
		return fmt.Errorf("history %d not found", historyID)
	}
	if hist.NamespaceID != namespaceID || hist.ID != id {
		return fmt.Errorf("history %d does not belong to %s/%s", historyID, namespaceID, id)
	}
	return m.UpsertAndSync(&UpsertRequest{
		NamespaceID: namespaceID,
		ID:          id,
		Content:     hist.Content,
		Description: hist.Description,
		Format:      hist.Format,
	})
}

// List returns one page of configs, optionally filtered by a substring
// of id or content.
func (m *Manager) List(namespaceID, filterText string, pageNum, pageSize int) (int64, []*types.ConfigEntry, error) {
	if pageNum < 1 {
		pageNum = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	return m.store.ListConfigs(namespaceID, filterText, (pageNum-1)*pageSize, pageSize)
}

// ListIDs returns every config id in the namespace, newest first.
func (m *Manager) ListIDs(namespaceID string) ([]string, error) {
	entries, err := m.store.ListAllConfigs(namespaceID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	return ids, nil
}

// ListHistory returns one page of history rows for a config, newest
// first.
func (m *Manager) ListHistory(namespaceID, id string, pageNum, pageSize int) (int64, []*types.ConfigEntry, error) {
	if pageNum < 1 {
		pageNum = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	return m.store.ListHistory(namespaceID, id, (pageNum-1)*pageSize, pageSize)
}

// Watch blocks until a config changes in the given namespace or the
// watch window elapses. It returns the changed config id and true, or
// "" and false on timeout.
func (m *Manager) Watch(ctx context.Context, namespaceID string) (string, bool) {
	sub := m.broadcaster.Subscribe()
	defer m.broadcaster.Unsubscribe(sub)

	metrics.ConfigWatchersActive.Inc()
	defer metrics.ConfigWatchersActive.Dec()

	timer := time.NewTimer(WatchTimeout)
	defer timer.Stop()

	for {
		select {
		case event, ok := <-sub:
			if !ok {
				return "", false
			}
			// Events from other namespaces keep the poll open.
			if event.NamespaceID == namespaceID {
				return event.ConfigID, true
			}
		case <-timer.C:
			return "", false
		case <-ctx.Done():
			return "", false
		}
	}
}

// ExportEntry is one config row in an export document, without the
// server-assigned fields.
type ExportEntry struct {
	ID          string `json:"id"`
	Content     string `json:"content"`
	Description string `json:"description,omitempty"`
	Format      string `json:"format"`
}

// Export renders configs in the namespace as a JSON document. An empty
// ids list exports everything.
func (m *Manager) Export(namespaceID string, ids []string) ([]byte, error) {
	entries, err := m.store.ListAllConfigs(namespaceID)
	if err != nil {
		return nil, err
	}
	selected := map[string]bool{}
	for _, id := range ids {
		selected[id] = true
	}
	out := make([]ExportEntry, 0, len(entries))
	for _, e := range entries {
		if len(selected) > 0 && !selected[e.ID] {
			continue
		}
		out = append(out, ExportEntry{
			ID:          e.ID,
			Content:     e.Content,
			Description: e.Description,
			Format:      e.Format,
		})
	}
	return json.MarshalIndent(out, "", "  ")
}

// Import upserts configs from an export document into the namespace,
// returning how many rows were written. Without overwrite, ids that
// already exist are skipped; unchanged rows are skipped by the usual
// content-hash check either way.
func (m *Manager) Import(namespaceID string, data []byte, overwrite bool) (int, error) {
	var entries []ExportEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return 0, fmt.Errorf("invalid import document: %w", err)
	}
	count := 0
	for _, e := range entries {
		if e.ID == "" {
			return count, errors.New("import entry missing id")
		}
		if !overwrite {
			if _, err := m.store.GetConfig(namespaceID, e.ID); err == nil {
				continue
			}
		}
		err := m.UpsertAndSync(&UpsertRequest{
			NamespaceID: namespaceID,
			ID:          e.ID,
			Content:     e.Content,
			Description: e.Description,
			Format:      e.Format,
		})
		if err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (m *Manager) replicate(op string, entry *types.ConfigEntry) error {
	cmd, err := types.NewCommand(op, entry)
	if err != nil {
		return err
	}
	return m.writer.WriteCommand(cmd)
}

// ApplyWrite persists a replicated config row (insert or update),
// appends its history row, drops the cached copy and wakes watchers.
// Called on every node by the state machine; replay is idempotent
// because the history id is derived from the row itself.
func (m *Manager) ApplyWrite(data json.RawMessage) error {
	var entry types.ConfigEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return err
	}
	if err := m.store.PutConfig(&entry); err != nil {
		return err
	}
	if err := m.store.AppendHistory(&entry); err != nil {
		return err
	}
	m.invalidate(entry.NamespaceID, entry.ID)
	m.broadcaster.Publish(&ChangeEvent{NamespaceID: entry.NamespaceID, ConfigID: entry.ID})
	metrics.ConfigWritesTotal.Inc()
	logger := log.WithNamespace(entry.NamespaceID)
	logger.Debug().Str("config_id", entry.ID).Msg("config written")
	return nil
}

// ApplyDelete removes a replicated config row with its history, drops
// the cached copy and wakes watchers.
func (m *Manager) ApplyDelete(data json.RawMessage) error {
	var req types.DeleteConfig
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	if err := m.store.DeleteConfig(req.NamespaceID, req.ID); err != nil {
		return err
	}
	if err := m.store.DeleteHistory(req.NamespaceID, req.ID); err != nil {
		return err
	}
	m.invalidate(req.NamespaceID, req.ID)
	m.broadcaster.Publish(&ChangeEvent{NamespaceID: req.NamespaceID, ConfigID: req.ID})
	return nil
}

func (m *Manager) invalidate(namespaceID, id string) {
	if m.cache != nil {
		m.cache.Remove(configCacheKey(namespaceID, id))
	}
}
