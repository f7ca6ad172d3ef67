package namespace

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/xgpxg/conreg/pkg/storage"
	"github.com/xgpxg/conreg/pkg/types"
)

// loopbackWriter applies commands straight back into the manager, the
// way a single-node cluster would.
type loopbackWriter struct {
	m *Manager
}

func (w *loopbackWriter) WriteCommand(cmd types.Command) error {
	switch cmd.Op {
	case types.OpUpsertNamespace:
		return w.m.ApplyUpsert(cmd.Data)
	case types.OpDeleteNamespace:
		return w.m.ApplyDelete(cmd.Data)
	}
	return errors.New("unexpected op " + cmd.Op)
}

func newTestManager(t *testing.T) (*Manager, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	m := NewManager(store)
	m.SetCommandWriter(&loopbackWriter{m: m})
	if err := m.EnsureDefault(); err != nil {
		t.Fatalf("EnsureDefault() error = %v", err)
	}
	return m, store
}

// TestEnsureDefault tests that the default namespace exists and seeding
// is idempotent
func TestEnsureDefault(t *testing.T) {
	m, _ := newTestManager(t)

	ns, err := m.Get(types.DefaultNamespace)
	if err != nil {
		t.Fatalf("Get(default) error = %v", err)
	}
	if ns.IsAuth {
		t.Error("default namespace has auth enabled")
	}

	if err := m.EnsureDefault(); err != nil {
		t.Errorf("EnsureDefault() second run error = %v", err)
	}
}

// TestUpsertAndGet tests replicated create and cached read
func TestUpsertAndGet(t *testing.T) {
	m, _ := newTestManager(t)

	err := m.UpsertAndSync(&types.Namespace{ID: "dev", IsAuth: true, AuthToken: "t0k"})
	if err != nil {
		t.Fatalf("UpsertAndSync() error = %v", err)
	}

	ns, err := m.Get("dev")
	if err != nil {
		t.Fatalf("Get(dev) error = %v", err)
	}
	if ns.Name != "dev" {
		t.Errorf("name defaulted to %q, want dev", ns.Name)
	}
	created := ns.CreateTime

	// Update keeps the original create time.
	err = m.UpsertAndSync(&types.Namespace{ID: "dev", Name: "development"})
	if err != nil {
		t.Fatal(err)
	}
	ns, _ = m.Get("dev")
	if ns.Name != "development" {
		t.Errorf("name after update = %q", ns.Name)
	}
	if !ns.CreateTime.Equal(created) {
		t.Errorf("create time changed on update: %v != %v", ns.CreateTime, created)
	}
}

// TestAuth tests the token check matrix
func TestAuth(t *testing.T) {
	m, _ := newTestManager(t)

	if err := m.UpsertAndSync(&types.Namespace{ID: "secure", IsAuth: true, AuthToken: "secret"}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		ns      string
		token   string
		wantErr bool
	}{
		{name: "open namespace any token", ns: types.DefaultNamespace, token: "", wantErr: false},
		{name: "secured with right token", ns: "secure", token: "secret", wantErr: false},
		{name: "secured with wrong token", ns: "secure", token: "nope", wantErr: true},
		{name: "secured with empty token", ns: "secure", token: "", wantErr: true},
		{name: "unknown namespace", ns: "ghost", token: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.Auth(tt.ns, tt.token)
			if (err != nil) != tt.wantErr {
				t.Errorf("Auth(%s, %q) error = %v, wantErr %v", tt.ns, tt.token, err, tt.wantErr)
			}
		})
	}
}

// TestDeleteCascades tests that deleting a namespace removes its configs,
// history and services
func TestDeleteCascades(t *testing.T) {
	m, store := newTestManager(t)

	if err := m.UpsertAndSync(&types.Namespace{ID: "dev"}); err != nil {
		t.Fatal(err)
	}
	entry := &types.ConfigEntry{EntryID: 1, NamespaceID: "dev", ID: "a", Content: "x"}
	if err := store.PutConfig(entry); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendHistory(entry); err != nil {
		t.Fatal(err)
	}
	if err := store.PutService(&types.Service{NamespaceID: "dev", ServiceID: "svc"}); err != nil {
		t.Fatal(err)
	}

	if err := m.DeleteAndSync("dev"); err != nil {
		t.Fatalf("DeleteAndSync() error = %v", err)
	}

	if m.Exists("dev") {
		t.Error("namespace still exists after delete")
	}
	if total, _, _ := store.ListConfigs("dev", "", 0, 10); total != 0 {
		t.Errorf("configs after cascade = %d, want 0", total)
	}
	if total, _, _ := store.ListHistory("dev", "a", 0, 10); total != 0 {
		t.Errorf("history after cascade = %d, want 0", total)
	}
	if total, _, _ := store.ListServices("dev", 0, 10); total != 0 {
		t.Errorf("services after cascade = %d, want 0", total)
	}
}

// TestDeleteGuards tests the reserved-namespace and missing-namespace
// guards
func TestDeleteGuards(t *testing.T) {
	m, _ := newTestManager(t)

	if err := m.DeleteAndSync(types.DefaultNamespace); err == nil {
		t.Error("deleting the default namespace succeeded, want error")
	}
	if err := m.DeleteAndSync("ghost"); err == nil {
		t.Error("deleting a missing namespace succeeded, want error")
	}

	// The apply path rejects the reserved id too: a raw replicated
	// command must not cascade-delete it.
	payload, err := json.Marshal(types.DeleteNamespace{ID: types.DefaultNamespace})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.ApplyDelete(payload); err == nil {
		t.Error("applying a delete of the default namespace succeeded, want error")
	}
	if _, err := m.Get(types.DefaultNamespace); err != nil {
		t.Errorf("default namespace gone after rejected apply: %v", err)
	}
}
