package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/xgpxg/conreg/pkg/manager"
	"github.com/xgpxg/conreg/pkg/protocol"
	"github.com/xgpxg/conreg/pkg/system"
	"github.com/xgpxg/conreg/pkg/types"
)

// loopbackWriter applies commands straight into the subsystems, the way
// a committed single-node raft entry would.
type loopbackWriter struct {
	mgr *manager.Manager
}

func (w *loopbackWriter) WriteCommand(cmd types.Command) error {
	switch cmd.Op {
	case types.OpUpsertNamespace:
		return w.mgr.Namespaces.ApplyUpsert(cmd.Data)
	case types.OpDeleteNamespace:
		return w.mgr.Namespaces.ApplyDelete(cmd.Data)
	case types.OpSetConfig, types.OpUpdateConfig:
		return w.mgr.Configs.ApplyWrite(cmd.Data)
	case types.OpDeleteConfig:
		return w.mgr.Configs.ApplyDelete(cmd.Data)
	case types.OpRegisterService:
		return w.mgr.Discovery.ApplyRegisterService(cmd.Data)
	case types.OpDeregisterService:
		return w.mgr.Discovery.ApplyDeregisterService(cmd.Data)
	case types.OpRegisterInstance:
		return w.mgr.Discovery.ApplyRegisterInstance(cmd.Data)
	case types.OpDeregisterInstance:
		return w.mgr.Discovery.ApplyDeregisterInstance(cmd.Data)
	case types.OpHeartbeat:
		return w.mgr.Discovery.ApplyHeartbeat(cmd.Data)
	case types.OpCacheWrite:
		var req types.CacheWrite
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return err
		}
		return w.mgr.Cache().SetRaw(req.Key, req.Value, req.TTL)
	}
	return errors.New("unexpected op " + cmd.Op)
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	mgr, err := manager.NewManager(&manager.Config{
		NodeID:   "n1",
		HTTPAddr: "127.0.0.1:8000",
		RaftAddr: "127.0.0.1:9000",
		DataDir:  t.TempDir(),
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(func() { mgr.Shutdown() })

	w := &loopbackWriter{mgr: mgr}
	mgr.Namespaces.SetCommandWriter(w)
	mgr.Configs.SetCommandWriter(w)
	mgr.Discovery.SetCommandWriter(w)
	mgr.Users.SetCommandWriter(w)

	if err := mgr.Namespaces.EnsureDefault(); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Users.EnsureDefaultUser(); err != nil {
		t.Fatal(err)
	}
	return NewServer(mgr)
}

func doJSON(t *testing.T, s *Server, method, path string, body any, headers map[string]string) (*httptest.ResponseRecorder, protocol.RawRes) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var envelope protocol.RawRes
	if rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
			t.Fatalf("invalid envelope %q: %v", rec.Body.String(), err)
		}
	}
	return rec, envelope
}

func adminToken(t *testing.T, s *Server) string {
	t.Helper()
	_, envelope := doJSON(t, s, http.MethodPost, "/api/system/login",
		loginRequest{Username: system.DefaultUsername, Password: system.DefaultUsername}, nil)
	if !envelope.IsSuccess() {
		t.Fatalf("login failed: %s", envelope.Msg)
	}
	var token string
	if err := json.Unmarshal(envelope.Data, &token); err != nil {
		t.Fatal(err)
	}
	return token
}

// TestConfigUpsertAndGet tests the config round trip through the
// envelope
func TestConfigUpsertAndGet(t *testing.T) {
	s := newTestServer(t)
	token := adminToken(t, s)

	// Writes are console operations: anonymous upserts are refused
	// outright.
	rec, _ := doJSON(t, s, http.MethodPost, "/api/config/upsert", map[string]any{
		"namespace_id": "public", "id": "app.yaml", "content": "a: 1", "format": "yaml",
	}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous upsert status = %d, want 401", rec.Code)
	}
	_, envelope := doJSON(t, s, http.MethodGet, "/api/config/get?namespace_id=public&id=app.yaml", nil, nil)
	if len(envelope.Data) != 0 && string(envelope.Data) != "null" {
		t.Fatalf("anonymous upsert persisted: %s", envelope.Data)
	}

	_, envelope = doJSON(t, s, http.MethodPost, "/api/config/upsert", map[string]any{
		"namespace_id": "public",
		"id":           "app.yaml",
		"content":      "a: 1",
		"format":       "yaml",
	}, map[string]string{"Authorization": "Bearer " + token})
	if !envelope.IsSuccess() {
		t.Fatalf("upsert failed: %s", envelope.Msg)
	}

	_, envelope = doJSON(t, s, http.MethodGet, "/api/config/get?namespace_id=public&id=app.yaml", nil, nil)
	if !envelope.IsSuccess() {
		t.Fatalf("get failed: %s", envelope.Msg)
	}
	var entry types.ConfigEntry
	if err := json.Unmarshal(envelope.Data, &entry); err != nil {
		t.Fatal(err)
	}
	if entry.Content != "a: 1" || entry.Format != "yaml" {
		t.Errorf("entry = %+v", entry)
	}

	// Absent configs answer success with null data.
	_, envelope = doJSON(t, s, http.MethodGet, "/api/config/get?namespace_id=public&id=missing", nil, nil)
	if !envelope.IsSuccess() {
		t.Errorf("get of missing config failed: %s", envelope.Msg)
	}
	if len(envelope.Data) != 0 && string(envelope.Data) != "null" {
		t.Errorf("data = %s, want null", envelope.Data)
	}
}

// TestConfigExportImportHTTP tests the export document round trip over
// the console routes.
func TestConfigExportImportHTTP(t *testing.T) {
	s := newTestServer(t)
	token := adminToken(t, s)
	auth := map[string]string{"Authorization": "Bearer " + token}

	_, envelope := doJSON(t, s, http.MethodPost, "/api/config/upsert", map[string]any{
		"namespace_id": "public", "id": "app.yaml", "content": "a: 1", "format": "yaml",
	}, auth)
	if !envelope.IsSuccess() {
		t.Fatalf("upsert failed: %s", envelope.Msg)
	}

	// Export answers the raw document, not the envelope.
	req := httptest.NewRequest(http.MethodPost, "/api/config/export?namespace_id=public", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("export status = %d", rec.Code)
	}
	var doc []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("export document not valid JSON: %v", err)
	}
	if len(doc) != 1 || doc[0]["id"] != "app.yaml" {
		t.Fatalf("export document = %v", doc)
	}

	_, envelope = doJSON(t, s, http.MethodPost, "/api/namespace/upsert",
		map[string]any{"id": "staging"}, auth)
	if !envelope.IsSuccess() {
		t.Fatalf("namespace upsert failed: %s", envelope.Msg)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/config/import?namespace_id=staging", bytes.NewReader(rec.Body.Bytes()))
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("import status = %d", rec.Code)
	}

	_, envelope = doJSON(t, s, http.MethodGet, "/api/config/get?namespace_id=staging&id=app.yaml", nil, nil)
	var entry types.ConfigEntry
	if err := json.Unmarshal(envelope.Data, &entry); err != nil {
		t.Fatal(err)
	}
	if entry.Content != "a: 1" {
		t.Errorf("imported content = %q, want a: 1", entry.Content)
	}
}

// TestNamespaceTokenEnforced tests X-NS-Token and the console bypass
func TestNamespaceTokenEnforced(t *testing.T) {
	s := newTestServer(t)
	token := adminToken(t, s)

	_, envelope := doJSON(t, s, http.MethodPost, "/api/namespace/upsert", map[string]any{
		"id": "secure", "is_auth": true, "auth_token": "s3cret",
	}, map[string]string{"Authorization": "Bearer " + token})
	if !envelope.IsSuccess() {
		t.Fatalf("namespace upsert failed: %s", envelope.Msg)
	}

	// No token: 401, no envelope.
	rec, _ := doJSON(t, s, http.MethodGet, "/api/config/ids?namespace_id=secure", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("request without namespace token status = %d, want 401", rec.Code)
	}

	// Wrong token: 401.
	rec, _ = doJSON(t, s, http.MethodGet, "/api/config/ids?namespace_id=secure", nil,
		map[string]string{"X-NS-Token": "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("request with wrong namespace token status = %d, want 401", rec.Code)
	}

	// Right token: allowed.
	_, envelope = doJSON(t, s, http.MethodGet, "/api/config/ids?namespace_id=secure", nil,
		map[string]string{"X-NS-Token": "s3cret"})
	if !envelope.IsSuccess() {
		t.Errorf("request with namespace token failed: %s", envelope.Msg)
	}

	// Console bypass with a valid admin token.
	_, envelope = doJSON(t, s, http.MethodGet, "/api/config/ids?namespace_id=secure", nil,
		map[string]string{"X-Console": "1", "Authorization": "Bearer " + token})
	if !envelope.IsSuccess() {
		t.Errorf("console bypass failed: %s", envelope.Msg)
	}
}

// TestAdminRoutesRequireToken tests the Bearer guard on management
// routes
func TestAdminRoutesRequireToken(t *testing.T) {
	s := newTestServer(t)

	for _, probe := range []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/namespace/list"},
		{http.MethodPost, "/api/config/delete"},
		{http.MethodPost, "/api/config/recover"},
		{http.MethodGet, "/api/config/list?namespace_id=public"},
		{http.MethodGet, "/api/config/histories?namespace_id=public&id=x"},
		{http.MethodPost, "/api/config/export"},
		{http.MethodPost, "/api/config/import"},
		{http.MethodPost, "/api/discovery/service/register"},
		{http.MethodPost, "/api/discovery/service/deregister"},
		{http.MethodGet, "/api/discovery/service/list"},
		{http.MethodGet, "/api/discovery/instance/list?service_id=x"},
	} {
		rec, _ := doJSON(t, s, probe.method, probe.path, nil, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("unauthenticated %s %s status = %d, want 401", probe.method, probe.path, rec.Code)
		}
	}

	token := adminToken(t, s)
	rec, envelope := doJSON(t, s, http.MethodGet, "/api/namespace/list", nil,
		map[string]string{"Authorization": "Bearer " + token})
	if rec.Code != http.StatusOK || !envelope.IsSuccess() {
		t.Errorf("authenticated namespace list = %d %s", rec.Code, envelope.Msg)
	}

	// Auth tokens are redacted in listings.
	var page protocol.PageRes[*types.Namespace]
	if err := json.Unmarshal(envelope.Data, &page); err != nil {
		t.Fatal(err)
	}
	for _, ns := range page.List {
		if ns.AuthToken != "" {
			t.Errorf("namespace %s leaked its auth token", ns.ID)
		}
	}
}

// TestDiscoveryFlow tests register, heartbeat and available filtering
// over HTTP
func TestDiscoveryFlow(t *testing.T) {
	s := newTestServer(t)

	_, envelope := doJSON(t, s, http.MethodPost, "/api/discovery/instance/register", map[string]any{
		"service_id": "orders", "ip": "10.0.0.1", "port": 8080,
	}, nil)
	if !envelope.IsSuccess() {
		t.Fatalf("instance register failed: %s", envelope.Msg)
	}
	var inst types.ServiceInstance
	if err := json.Unmarshal(envelope.Data, &inst); err != nil {
		t.Fatal(err)
	}

	// Ready instance is listed but not available.
	_, envelope = doJSON(t, s, http.MethodGet, "/api/discovery/instance/available?service_id=orders", nil, nil)
	var available []*types.ServiceInstance
	json.Unmarshal(envelope.Data, &available)
	if len(available) != 0 {
		t.Errorf("available before heartbeat = %d, want 0", len(available))
	}

	_, envelope = doJSON(t, s, http.MethodPost, "/api/discovery/heartbeat", map[string]any{
		"service_id": "orders", "instance_id": inst.ID,
	}, nil)
	if !envelope.IsSuccess() {
		t.Fatalf("heartbeat failed: %s", envelope.Msg)
	}
	var result types.HeartbeatResult
	json.Unmarshal(envelope.Data, &result)
	if result != types.HeartbeatOk {
		t.Errorf("heartbeat result = %s, want Ok", result)
	}

	_, envelope = doJSON(t, s, http.MethodGet, "/api/discovery/instance/available?service_id=orders", nil, nil)
	json.Unmarshal(envelope.Data, &available)
	if len(available) != 1 {
		t.Errorf("available after heartbeat = %d, want 1", len(available))
	}

	// Unknown instance heartbeat tells the client to re-register.
	_, envelope = doJSON(t, s, http.MethodPost, "/api/discovery/heartbeat", map[string]any{
		"service_id": "orders", "instance_id": "nope",
	}, nil)
	json.Unmarshal(envelope.Data, &result)
	if result != types.HeartbeatNoInstanceFound {
		t.Errorf("heartbeat result = %s, want NoInstanceFound", result)
	}
}

// TestClusterWriteEndpoint tests that forwarded commands are rejected
// while raft is down
func TestClusterWriteEndpoint(t *testing.T) {
	s := newTestServer(t)

	cmd, err := types.NewCommand(types.OpSet, types.SetKV{Key: "k", Value: "v"})
	if err != nil {
		t.Fatal(err)
	}
	_, envelope := doJSON(t, s, http.MethodPost, "/api/cluster/write", cmd, nil)
	if envelope.IsSuccess() {
		t.Error("cluster write succeeded without raft, want rejection")
	}

	rec, _ := doJSON(t, s, http.MethodPost, "/api/cluster/write", "not a command", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("malformed write status = %d, want 200 with envelope", rec.Code)
	}
}

// TestLoginFlow tests login, password update and logout over HTTP
func TestLoginFlow(t *testing.T) {
	s := newTestServer(t)
	token := adminToken(t, s)

	_, envelope := doJSON(t, s, http.MethodPost, "/api/system/update_password",
		updatePasswordRequest{OldPassword: "wrong", NewPassword: "newpass123"},
		map[string]string{"Authorization": "Bearer " + token})
	if envelope.IsSuccess() {
		t.Error("password update with wrong old password succeeded")
	}

	_, envelope = doJSON(t, s, http.MethodPost, "/api/system/update_password",
		updatePasswordRequest{OldPassword: system.DefaultUsername, NewPassword: "newpass123"},
		map[string]string{"Authorization": "Bearer " + token})
	if !envelope.IsSuccess() {
		t.Fatalf("password update failed: %s", envelope.Msg)
	}

	_, envelope = doJSON(t, s, http.MethodPost, "/api/system/logout", nil,
		map[string]string{"Authorization": "Bearer " + token})
	if !envelope.IsSuccess() {
		t.Fatalf("logout failed: %s", envelope.Msg)
	}
	rec, _ := doJSON(t, s, http.MethodGet, "/api/namespace/list", nil,
		map[string]string{"Authorization": "Bearer " + token})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("revoked token still accepted, status = %d", rec.Code)
	}
}

// TestMetricsEndpoint tests the Prometheus exposition route
func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("conreg_api_requests_total")) {
		t.Error("metrics output missing conreg counters")
	}
}
