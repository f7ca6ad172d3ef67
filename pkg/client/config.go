package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xgpxg/conreg/pkg/log"
	"github.com/xgpxg/conreg/pkg/types"
)

const (
	// watchErrorBackoff spaces out retries when the watch endpoint is
	// unreachable.
	watchErrorBackoff = 500 * time.Millisecond
	// compensateInterval is the unconditional refresh that catches
	// changes lost to broken watch connections.
	compensateInterval = time.Minute
)

// Listener is invoked after its config id changed and the snapshot was
// refreshed.
type Listener func(snapshot map[string]any)

// ConfigClient keeps a flattened view of the configured config ids and
// refreshes it through the watch endpoint.
//
// All configured documents are merged in declaration order, later ones
// overriding earlier ones, then flattened to dot-joined keys.
type ConfigClient struct {
	cfg *ConfigConfig
	net *transport
	lg  loopLogger

	mu        sync.RWMutex
	snapshot  map[string]any
	listeners map[string][]Listener
}

// loopLogger narrows the logging surface used by the background loops.
type loopLogger interface {
	Printf(format string, v ...any)
}

type componentLogger struct{ component string }

func (l componentLogger) Printf(format string, v ...any) {
	logger := log.WithComponent(l.component)
	logger.Info().Msg(fmt.Sprintf(format, v...))
}

// NewConfigClient builds a client from the bootstrap config section.
func NewConfigClient(cfg *ConfigConfig) (*ConfigClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config section is not set")
	}
	if len(cfg.ConfigIDs) == 0 {
		return nil, fmt.Errorf("config-ids is empty")
	}
	return &ConfigClient{
		cfg:       cfg,
		net:       newTransport(cfg.ServerAddr, cfg.AuthToken),
		lg:        componentLogger{component: "config-client"},
		snapshot:  map[string]any{},
		listeners: map[string][]Listener{},
	}, nil
}

// Start performs the initial load and launches the watch and
// compensation loops. It fails fast when the initial load fails.
func (c *ConfigClient) Start(ctx context.Context) error {
	if err := c.reload(); err != nil {
		return fmt.Errorf("initial config load failed: %w", err)
	}
	go c.watchLoop(ctx)
	go c.compensateLoop(ctx)
	return nil
}

// AddListener registers a callback fired when configID changes.
func (c *ConfigClient) AddListener(configID string, fn Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners[configID] = append(c.listeners[configID], fn)
}

// Get returns the value at a flattened key.
func (c *ConfigClient) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.snapshot[key]
	return v, ok
}

// GetString returns the value at key as a string, or def when absent.
func (c *ConfigClient) GetString(key, def string) string {
	v, ok := c.Get(key)
	if !ok {
		return def
	}
	switch t := v.(type) {
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}

// GetInt returns the value at key as an int, or def when absent or not
// numeric.
func (c *ConfigClient) GetInt(key string, def int) int {
	v, ok := c.Get(key)
	if !ok {
		return def
	}
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		if n, err := strconv.Atoi(t); err == nil {
			return n
		}
	}
	return def
}

// GetBool returns the value at key as a bool, or def when absent or
// not boolean.
func (c *ConfigClient) GetBool(key string, def bool) bool {
	v, ok := c.Get(key)
	if !ok {
		return def
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		if b, err := strconv.ParseBool(t); err == nil {
			return b
		}
	}
	return def
}

// Decode unmarshals the value at a flattened key into out, which lets
// callers pull structured leaves like sequences into typed slices.
func (c *ConfigClient) Decode(key string, out any) error {
	v, ok := c.Get(key)
	if !ok {
		return fmt.Errorf("config key %s not found", key)
	}
	raw, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(raw, out)
}

// Snapshot returns a copy of the flattened view.
func (c *ConfigClient) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.snapshot))
	for k, v := range c.snapshot {
		out[k] = v
	}
	return out
}

// reload fetches every configured id, merges and flattens them, and
// swaps the snapshot.
func (c *ConfigClient) reload() error {
	var merged *yaml.Node
	for _, id := range c.cfg.ConfigIDs {
		entry, err := c.fetch(id)
		if err != nil {
			return err
		}
		node, err := parseDocument(entry.Content)
		if err != nil {
			return fmt.Errorf("config %s is not valid yaml: %w", id, err)
		}
		merged = mergeNodes(merged, node)
	}
	flat := map[string]any{}
	flattenNode("", merged, flat)

	c.mu.Lock()
	c.snapshot = flat
	c.mu.Unlock()
	return nil
}

func (c *ConfigClient) fetch(id string) (*types.ConfigEntry, error) {
	query := url.Values{}
	query.Set("namespace_id", c.cfg.Namespace)
	query.Set("id", id)
	var entry types.ConfigEntry
	if err := c.net.getJSON("/api/config/get", query, &entry); err != nil {
		return nil, fmt.Errorf("failed to fetch config %s: %w", id, err)
	}
	// The server answers a success envelope with null data for a
	// missing config; fail loudly here so a typoed id is noticed.
	if entry.ID == "" {
		return nil, fmt.Errorf("config %s does not exist in namespace %s", id, c.cfg.Namespace)
	}
	return &entry, nil
}

// watchLoop long-polls the server. A null payload means the window
// elapsed with no change; a config id means that config changed and
// the whole set is refetched.
func (c *ConfigClient) watchLoop(ctx context.Context) {
	query := url.Values{}
	query.Set("namespace_id", c.cfg.Namespace)
	for {
		if ctx.Err() != nil {
			return
		}
		envelope, err := c.net.longPoll("/api/config/watch", query)
		if err != nil {
			c.lg.Printf("config watch failed, retrying: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(watchErrorBackoff):
			}
			continue
		}
		if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
			continue
		}
		var changedID string
		if err := json.Unmarshal(envelope.Data, &changedID); err != nil {
			continue
		}
		c.onChange(changedID)
	}
}

func (c *ConfigClient) onChange(configID string) {
	if err := c.reload(); err != nil {
		c.lg.Printf("config refresh after change failed: %v", err)
		return
	}
	c.mu.RLock()
	fns := append([]Listener(nil), c.listeners[configID]...)
	c.mu.RUnlock()
	snap := c.Snapshot()
	for _, fn := range fns {
		fn(snap)
	}
}

// compensateLoop refreshes unconditionally so a wedged watch never
// leaves the client stale forever.
func (c *ConfigClient) compensateLoop(ctx context.Context) {
	ticker := time.NewTicker(compensateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.reload(); err != nil {
				c.lg.Printf("periodic config refresh failed: %v", err)
			}
		}
	}
}
