package client

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeBootstrap(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), DefaultBootstrapFile)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// TestLoadConfig tests parsing a full bootstrap file.
func TestLoadConfig(t *testing.T) {
	path := writeBootstrap(t, `
conreg:
  service-id: order-service
  client:
    address: 10.0.0.5
    port: 9000
  config:
    server-addr: 127.0.0.1:8000
    config-ids:
      - application.yaml
      - db.yaml
    auth-token: secret
  discovery:
    server-addr:
      - 127.0.0.1:8000
      - 127.0.0.1:8001
    namespace: prod
    meta:
      weight: "3"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Equal(t, "order-service", cfg.ServiceID)
	require.Equal(t, "10.0.0.5", cfg.Client.Address)
	require.Equal(t, 9000, cfg.Client.Port)
	require.Equal(t, []string{"application.yaml", "db.yaml"}, cfg.Config.ConfigIDs)
	require.Equal(t, "secret", cfg.Config.AuthToken)
	// Namespace defaults when omitted.
	require.Equal(t, "public", cfg.Config.Namespace)
	require.Equal(t, "prod", cfg.Discovery.Namespace)
	require.Equal(t, "3", cfg.Discovery.Meta["weight"])
}

// TestLoadConfigDefaults tests the fallbacks for a minimal file.
func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeBootstrap(t, "conreg: {}\n"))
	require.NoError(t, err)

	require.NotEmpty(t, cfg.ServiceID)
	require.Equal(t, "127.0.0.1", cfg.Client.Address)
	require.Equal(t, 8080, cfg.Client.Port)
	require.Nil(t, cfg.Config)
	require.Nil(t, cfg.Discovery)
}

// TestServerAddrUnmarshal tests the scalar and sequence forms.
func TestServerAddrUnmarshal(t *testing.T) {
	var single ServerAddr
	require.NoError(t, yaml.Unmarshal([]byte("127.0.0.1:8000"), &single))
	addr, err := single.Pick()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:8000", addr)

	var cluster ServerAddr
	require.NoError(t, yaml.Unmarshal([]byte("[a:1, b:2, c:3]"), &cluster))
	addr, err = cluster.Pick()
	require.NoError(t, err)
	require.Contains(t, []string{"a:1", "b:2", "c:3"}, addr)

	var bad ServerAddr
	require.Error(t, yaml.Unmarshal([]byte("k: v"), &bad))

	var empty ServerAddr
	_, err = empty.Pick()
	require.Error(t, err)
}

// TestServerAddrURL tests absolute URL building.
func TestServerAddrURL(t *testing.T) {
	s := NewServerAddr("127.0.0.1:8000")
	u, err := s.URL("/api/config/get")
	require.NoError(t, err)
	require.Equal(t, "http://127.0.0.1:8000/api/config/get", u)
}
