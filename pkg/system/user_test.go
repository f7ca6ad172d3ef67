package system

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/xgpxg/conreg/pkg/cache"
	"github.com/xgpxg/conreg/pkg/storage"
	"github.com/xgpxg/conreg/pkg/types"
)

// loopbackWriter applies cache writes straight into the local cache,
// the way a single-node cluster would.
type loopbackWriter struct {
	c *cache.Cache
}

func (w *loopbackWriter) WriteCommand(cmd types.Command) error {
	if cmd.Op != types.OpCacheWrite {
		return errors.New("unexpected op " + cmd.Op)
	}
	var req types.CacheWrite
	if err := json.Unmarshal(cmd.Data, &req); err != nil {
		return err
	}
	return w.c.SetRaw(req.Key, req.Value, req.TTL)
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewBoltStore(dir)
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	c, err := cache.New(dir)
	if err != nil {
		t.Fatalf("cache.New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })

	m := NewManager(store, c)
	m.SetCommandWriter(&loopbackWriter{c: c})
	if err := m.EnsureDefaultUser(); err != nil {
		t.Fatalf("EnsureDefaultUser() error = %v", err)
	}
	return m
}

// TestLoginIssuesVerifiableToken tests the login/verify/logout cycle
func TestLoginIssuesVerifiableToken(t *testing.T) {
	m := newTestManager(t)

	token, err := m.Login(DefaultUsername, DefaultUsername, "10.0.0.1")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if token == "" {
		t.Fatal("Login() returned empty token")
	}

	username, ok := m.Verify(token)
	if !ok || username != DefaultUsername {
		t.Errorf("Verify() = %q, %v, want %q, true", username, ok, DefaultUsername)
	}
	if _, ok := m.Verify("bogus-token"); ok {
		t.Error("Verify(bogus) = true, want false")
	}
	if _, ok := m.Verify(""); ok {
		t.Error("Verify(empty) = true, want false")
	}

	if err := m.Logout(token); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if _, ok := m.Verify(token); ok {
		t.Error("token still valid after logout")
	}
}

// TestLoginRejectsBadCredentials tests that user and password failures
// are indistinguishable
func TestLoginRejectsBadCredentials(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Login(DefaultUsername, "wrong", "10.0.0.2")
	if !errors.Is(err, ErrBadCredentials) {
		t.Errorf("wrong password error = %v, want ErrBadCredentials", err)
	}
	_, err = m.Login("nobody", "whatever", "10.0.0.2")
	if !errors.Is(err, ErrBadCredentials) {
		t.Errorf("unknown user error = %v, want ErrBadCredentials", err)
	}
}

// TestLoginRateLimit tests the per-address attempt cap
func TestLoginRateLimit(t *testing.T) {
	m := newTestManager(t)

	for i := int64(0); i < loginRateLimit; i++ {
		m.Login(DefaultUsername, "wrong", "10.0.0.3")
	}
	_, err := m.Login(DefaultUsername, DefaultUsername, "10.0.0.3")
	if !errors.Is(err, ErrTooManyAttempts) {
		t.Errorf("over-limit login error = %v, want ErrTooManyAttempts", err)
	}

	// Another address is unaffected.
	if _, err := m.Login(DefaultUsername, DefaultUsername, "10.0.0.4"); err != nil {
		t.Errorf("login from fresh address error = %v", err)
	}
}

// TestUpdatePassword tests the change flow and its guards
func TestUpdatePassword(t *testing.T) {
	m := newTestManager(t)

	if err := m.UpdatePassword(DefaultUsername, "wrong", "newpass123"); !errors.Is(err, ErrBadCredentials) {
		t.Errorf("update with wrong old password error = %v, want ErrBadCredentials", err)
	}
	if err := m.UpdatePassword(DefaultUsername, DefaultUsername, "tiny"); err == nil {
		t.Error("update with short password succeeded, want error")
	}

	if err := m.UpdatePassword(DefaultUsername, DefaultUsername, "newpass123"); err != nil {
		t.Fatalf("UpdatePassword() error = %v", err)
	}
	if _, err := m.Login(DefaultUsername, DefaultUsername, "10.0.0.5"); !errors.Is(err, ErrBadCredentials) {
		t.Error("old password still accepted after change")
	}
	if _, err := m.Login(DefaultUsername, "newpass123", "10.0.0.6"); err != nil {
		t.Errorf("login with new password error = %v", err)
	}
}
