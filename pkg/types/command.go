package types

import "encoding/json"

// Command is a replicated state change carried in the Raft log. The Op
// tags are a wire contract: new tags may be added, existing ones must
// never be renamed or reused.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	OpSet                = "set"
	OpDelete             = "delete"
	OpSetConfig          = "set_config"
	OpUpdateConfig       = "update_config"
	OpDeleteConfig       = "delete_config"
	OpUpsertNamespace    = "upsert_namespace"
	OpDeleteNamespace    = "delete_namespace"
	OpRegisterService    = "register_service"
	OpDeregisterService  = "deregister_service"
	OpRegisterInstance   = "register_instance"
	OpDeregisterInstance = "deregister_instance"
	OpHeartbeat          = "heartbeat"
	OpCacheWrite         = "cache_write"
)

// NewCommand marshals payload into a Command with the given op.
func NewCommand(op string, payload any) (Command, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Command{}, err
	}
	return Command{Op: op, Data: data}, nil
}

// SetKV sets a key in the replicated KV map.
type SetKV struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// DeleteKV removes a key from the replicated KV map.
type DeleteKV struct {
	Key string `json:"key"`
}

// DeleteConfig removes a config row and its history.
type DeleteConfig struct {
	NamespaceID string `json:"namespace_id"`
	ID          string `json:"id"`
}

// DeleteNamespace cascade-deletes a namespace and its configs.
type DeleteNamespace struct {
	ID string `json:"id"`
}

// DeregisterService removes a service and all its instances.
type DeregisterService struct {
	NamespaceID string `json:"namespace_id"`
	ServiceID   string `json:"service_id"`
}

// RegisterInstance inserts or replaces a service instance.
type RegisterInstance struct {
	NamespaceID string          `json:"namespace_id"`
	Instance    ServiceInstance `json:"instance"`
}

// DeregisterInstance removes a single service instance.
type DeregisterInstance struct {
	NamespaceID string `json:"namespace_id"`
	ServiceID   string `json:"service_id"`
	InstanceID  string `json:"instance_id"`
}

// Heartbeat refreshes an instance's liveness.
type Heartbeat struct {
	NamespaceID string `json:"namespace_id"`
	ServiceID   string `json:"service_id"`
	InstanceID  string `json:"instance_id"`
}

// CacheWrite sets a local-cache key on every replica. TTL seconds,
// -1 for no expiry.
type CacheWrite struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
	TTL   int64           `json:"ttl"`
}
