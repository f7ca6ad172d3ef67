package types

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// DefaultNamespace is the reserved namespace that always exists and can
// never be deleted.
const DefaultNamespace = "public"

// Namespace is the top-level isolation unit for configs and services.
type Namespace struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	IsAuth      bool      `json:"is_auth"`
	AuthToken   string    `json:"auth_token,omitempty"`
	CreateTime  time.Time `json:"create_time"`
	UpdateTime  time.Time `json:"update_time"`
}

// ConfigEntry is a named blob of text stored under a namespace.
type ConfigEntry struct {
	// EntryID is assigned once when the config is first created and is
	// carried through every update so history ids stay deterministic.
	EntryID     int64     `json:"id_"`
	NamespaceID string    `json:"namespace_id"`
	ID          string    `json:"id"`
	Content     string    `json:"content"`
	Description string    `json:"description,omitempty"`
	Format      string    `json:"format"`
	CreateTime  time.Time `json:"create_time"`
	UpdateTime  time.Time `json:"update_time"`
	MD5         string    `json:"md5"`
}

// HistoryID computes the id of the history row written for this revision.
// It must be derived from replicated fields only, so that every replica
// writes the identical history id: base entry id + update time in millis.
func (e *ConfigEntry) HistoryID() int64 {
	return e.EntryID + e.UpdateTime.UnixMilli()
}

// MD5Hex returns the lowercase hex md5 of s.
func MD5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Service is a durable logical service definition. Services exist
// independently of their instances and survive restart.
type Service struct {
	NamespaceID string            `json:"namespace_id"`
	ServiceID   string            `json:"service_id"`
	Meta        map[string]string `json:"meta,omitempty"`
	CreateTime  time.Time         `json:"create_time"`
	UpdateTime  time.Time         `json:"update_time"`
}

// InstanceStatus is the health classification of a service instance.
type InstanceStatus string

const (
	// InstanceReady is the initial state after register (or admin online).
	// Ready instances are not returned to clients.
	InstanceReady InstanceStatus = "Ready"
	// InstanceUp means heartbeats are arriving normally.
	InstanceUp InstanceStatus = "Up"
	// InstanceSick means one or more heartbeat periods were missed.
	// Sick instances are not returned to clients.
	InstanceSick InstanceStatus = "Sick"
	// InstanceDown means three heartbeat periods were missed; the next
	// cleanup tick removes the instance.
	InstanceDown InstanceStatus = "Down"
	// InstanceOffline is set only by admin action and is never cleaned
	// up or recovered automatically.
	InstanceOffline InstanceStatus = "Offline"
)

// ServiceInstance is a concrete network endpoint providing a service.
// Instances are not durable; they are re-learned from heartbeats.
type ServiceInstance struct {
	ID        string            `json:"id"`
	ServiceID string            `json:"service_id"`
	IP        string            `json:"ip"`
	Port      int               `json:"port"`
	Status    InstanceStatus    `json:"status"`
	Meta      map[string]string `json:"meta,omitempty"`

	// Runtime heartbeat bookkeeping, never serialized to clients.
	LastHeartbeat  time.Time `json:"-"`
	LostHeartbeats int       `json:"-"`
}

// NewServiceInstance builds an instance in Ready state with its
// deterministic id.
func NewServiceInstance(serviceID, ip string, port int, meta map[string]string) *ServiceInstance {
	return &ServiceInstance{
		ID:            InstanceID(ip, port),
		ServiceID:     serviceID,
		IP:            ip,
		Port:          port,
		Status:        InstanceReady,
		Meta:          meta,
		LastHeartbeat: time.Now(),
	}
}

// InstanceID derives the deterministic instance id so that re-register
// is idempotent: md5 hex of "ip:port".
func InstanceID(ip string, port int) string {
	return MD5Hex(fmt.Sprintf("%s:%d", ip, port))
}

// Available reports whether the instance may be returned to clients.
func (i *ServiceInstance) Available() bool {
	return i.Status == InstanceUp
}

// Weight returns the load-balancing weight from instance metadata,
// defaulting to 1 and never less than 1.
func (i *ServiceInstance) Weight() uint64 {
	w, err := strconv.ParseUint(i.Meta["weight"], 10, 64)
	if err != nil || w == 0 {
		return 1
	}
	return w
}

// HeartbeatResult is the discovery server's answer to a client heartbeat.
type HeartbeatResult string

const (
	HeartbeatOk HeartbeatResult = "Ok"
	// HeartbeatNoInstanceFound tells the client to re-register immediately.
	HeartbeatNoInstanceFound HeartbeatResult = "NoInstanceFound"
	HeartbeatUnknown         HeartbeatResult = "Unknown"
)

// User is a console account.
type User struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// CacheEntry is a single local-cache record. TTL is in seconds; -1 means
// no expiry.
type CacheEntry struct {
	K   string          `json:"k"`
	V   json.RawMessage `json:"v"`
	CT  int64           `json:"ct"`
	TTL int64           `json:"ttl"`
}

// Expired reports whether the entry is past its ttl at the given unix
// second.
func (e *CacheEntry) Expired(now int64) bool {
	if e.TTL == -1 {
		return false
	}
	return now-e.CT >= e.TTL
}
