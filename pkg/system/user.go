// Package system handles console accounts: login with rate limiting,
// token validation and password changes. Tokens are propagated to every
// node through replicated cache writes, so a login on one node is valid
// cluster-wide.
package system

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/xgpxg/conreg/pkg/cache"
	"github.com/xgpxg/conreg/pkg/log"
	"github.com/xgpxg/conreg/pkg/storage"
	"github.com/xgpxg/conreg/pkg/types"
	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultUsername is the seeded console account. Its initial
	// password equals the username and should be changed after first
	// login.
	DefaultUsername = "conreg"

	// TokenTTL is how long a login token stays valid, in seconds.
	TokenTTL int64 = 7 * 24 * 3600

	// loginRateLimit bounds failed-or-not login attempts per source
	// address per window.
	loginRateLimit  int64 = 5
	loginRateWindow int64 = 60
)

// ErrBadCredentials is returned for an unknown user or wrong password.
// The two cases are deliberately indistinguishable.
var ErrBadCredentials = errors.New("invalid username or password")

// ErrTooManyAttempts is returned when the per-address login limit is
// exceeded.
var ErrTooManyAttempts = errors.New("too many login attempts, try again later")

// CommandWriter replicates a command through the cluster and returns
// once it is committed and applied.
type CommandWriter interface {
	WriteCommand(cmd types.Command) error
}

// Manager serves console account operations.
type Manager struct {
	store  storage.Store
	cache  *cache.Cache
	writer CommandWriter
}

// NewManager builds the manager. The command writer is attached later,
// once the raft node exists.
func NewManager(store storage.Store, c *cache.Cache) *Manager {
	return &Manager{store: store, cache: c}
}

// SetCommandWriter wires the replication path in.
func (m *Manager) SetCommandWriter(w CommandWriter) {
	m.writer = w
}

func tokenKey(token string) string {
	return "user_token:" + token
}

// EnsureDefaultUser seeds the default console account in the local
// store if no row exists yet. Every node seeds the same credentials, so
// the row is identical everywhere without replication.
func (m *Manager) EnsureDefaultUser() error {
	_, err := m.store.GetUser(DefaultUsername)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(DefaultUsername), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	log.Warn("seeding default console user, change its password after first login")
	return m.store.PutUser(&types.User{Username: DefaultUsername, Password: string(hash)})
}

// Login checks credentials and issues a cluster-wide token. Attempts
// are rate limited per source address before the password is even
// looked at.
func (m *Manager) Login(username, password, clientAddr string) (string, error) {
	allowed, err := m.cache.RateLimit("login_limit:"+clientAddr, loginRateLimit, loginRateWindow)
	if err != nil {
		return "", err
	}
	if !allowed {
		return "", ErrTooManyAttempts
	}

	user, err := m.store.GetUser(username)
	if err != nil {
		return "", ErrBadCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)) != nil {
		return "", ErrBadCredentials
	}

	token := uuid.NewString()
	value, err := json.Marshal(username)
	if err != nil {
		return "", err
	}
	cmd, err := types.NewCommand(types.OpCacheWrite, types.CacheWrite{
		Key:   tokenKey(token),
		Value: value,
		TTL:   TokenTTL,
	})
	if err != nil {
		return "", err
	}
	if err := m.writer.WriteCommand(cmd); err != nil {
		return "", fmt.Errorf("failed to publish login token: %w", err)
	}
	return token, nil
}

// Logout revokes a token cluster-wide by replicating an already-expired
// cache entry over it.
func (m *Manager) Logout(token string) error {
	cmd, err := types.NewCommand(types.OpCacheWrite, types.CacheWrite{
		Key:   tokenKey(token),
		Value: json.RawMessage(`""`),
		TTL:   0,
	})
	if err != nil {
		return err
	}
	return m.writer.WriteCommand(cmd)
}

// Verify resolves a token to its username, reporting whether the token
// is valid on this node.
func (m *Manager) Verify(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	var username string
	if !m.cache.GetJSON(tokenKey(token), &username) {
		return "", false
	}
	return username, username != ""
}

// UpdatePassword changes a user's password after verifying the current
// one. The row is written locally; other nodes pick it up from the next
// snapshot, and until then logins keep working against whichever node
// the console talks to.
func (m *Manager) UpdatePassword(username, oldPassword, newPassword string) error {
	if len(newPassword) < 6 {
		return errors.New("new password must be at least 6 characters")
	}
	user, err := m.store.GetUser(username)
	if err != nil {
		return ErrBadCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(oldPassword)) != nil {
		return ErrBadCredentials
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	user.Password = string(hash)
	return m.store.PutUser(user)
}
