// Package config loads cortexd's configuration from an optional config file
// and CORTEX_-prefixed environment variables, layered over sensible defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	DataDir string

	Unix UnixConfig
	Pool PoolConfig
	Wire WireConfig
	Log  LogConfig
	Mesh *MeshConfig
}

type UnixConfig struct {
	SocketPath string
	Mode       os.FileMode
}

type PoolConfig struct {
	MaxConnections int
	IdleTimeout    time.Duration
}

type WireConfig struct {
	// MaxBufferBytes is the hard cap on a connection's unparsed-frame buffer.
	// spec.md §4.4 requires >=1MiB, <=16MiB recommended.
	MaxBufferBytes int
	// AllowMetadataFrame opts back into accepting the 5-element metadata
	// frame on the TLS transport. Default false per spec.md §9 Open Question 1.
	AllowMetadataFrame bool
}

type LogConfig struct {
	Level string
}

// MeshConfig configures the optional TLS listener and replication driver.
// A nil *MeshConfig (the default) disables both, per spec.md §6.
type MeshConfig struct {
	NodeName    string
	TLSPort     int
	CACert      string
	NodeCert    string
	NodeKey     string
	ClaimSecret string
	Nodes       []NodeConfig
}

type NodeConfig struct {
	Name string
	Host string
	Port int
}

func Default() *Config {
	return &Config{
		DataDir: "/var/lib/cortex/mnesia",
		Unix: UnixConfig{
			SocketPath: "/run/cortex/cortex.sock",
			Mode:       0666,
		},
		Pool: PoolConfig{
			MaxConnections: 1000,
			IdleTimeout:    10 * time.Minute,
		},
		Wire: WireConfig{
			MaxBufferBytes:      4 * 1024 * 1024,
			AllowMetadataFrame: false,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load merges an optional config file and CORTEX_-prefixed environment
// variables over Default(), in the style of the teacher's pkg/config.Load:
// an empty path means no file is read; a named file that cannot be read is
// an error. Env vars are then walked explicitly so keys are recognized even
// without a file present.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	const prefix = "CORTEX_"
	for _, kv := range os.Environ() {
		k, val, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, prefix) {
			continue
		}
		key := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(k, prefix), "_", "."))
		v.Set(key, val)
	}

	if v.IsSet("datadir") {
		cfg.DataDir = v.GetString("datadir")
	}
	if v.IsSet("unix.socketpath") {
		cfg.Unix.SocketPath = v.GetString("unix.socketpath")
	}
	if v.IsSet("pool.maxconnections") {
		cfg.Pool.MaxConnections = v.GetInt("pool.maxconnections")
	}
	if v.IsSet("wire.maxbufferbytes") {
		cfg.Wire.MaxBufferBytes = v.GetInt("wire.maxbufferbytes")
	}
	if v.IsSet("wire.allowmetadataframe") {
		cfg.Wire.AllowMetadataFrame = v.GetBool("wire.allowmetadataframe")
	}
	if v.IsSet("log.level") {
		cfg.Log.Level = v.GetString("log.level")
	}
	if v.IsSet("mesh.nodename") {
		cfg.Mesh = &MeshConfig{
			NodeName:    v.GetString("mesh.nodename"),
			TLSPort:     v.GetInt("mesh.tlsport"),
			CACert:      v.GetString("mesh.cacert"),
			NodeCert:    v.GetString("mesh.nodecert"),
			NodeKey:     v.GetString("mesh.nodekey"),
			ClaimSecret: v.GetString("mesh.claimsecret"),
		}
		if err := v.UnmarshalKey("mesh.nodes", &cfg.Mesh.Nodes); err != nil {
			return nil, fmt.Errorf("parsing mesh.nodes: %w", err)
		}
	}

	return cfg, nil
}
