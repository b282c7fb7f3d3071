package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadWithoutPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default().Unix.SocketPath, cfg.Unix.SocketPath)
	require.Nil(t, cfg.Mesh)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	t.Setenv("CORTEX_LOG_LEVEL", "debug")
	t.Setenv("CORTEX_POOL_MAXCONNECTIONS", "50")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, 50, cfg.Pool.MaxConnections)
}

func TestLoadFileAndEnvTogetherMeshConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cortex.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mesh:
  nodename: node_a
  tlsport: 8443
  cacert: /etc/cortex/ca.pem
  nodecert: /etc/cortex/node.pem
  nodekey: /etc/cortex/node.key
  nodes:
    - name: node_b
      host: 10.0.0.2
      port: 8443
`), 0o644))
	t.Setenv("CORTEX_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "warn", cfg.Log.Level)
	require.NotNil(t, cfg.Mesh)
	require.Equal(t, "node_a", cfg.Mesh.NodeName)
	require.Equal(t, 8443, cfg.Mesh.TLSPort)
	require.Len(t, cfg.Mesh.Nodes, 1)
	require.Equal(t, "node_b", cfg.Mesh.Nodes[0].Name)
}

func TestLoadMissingConfigFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
