package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/porthole-hpc/porthole/pkg/types"
)

const sampleConfig = `
listen_addr: ":9000"
state_dir: /tmp/porthole
key_dir: /tmp/keys
external_host: ide.example.org
idle_threshold: 30m
retention: 168h
clusters:
  gemini:
    head_node: gemini-login.example.org
    partition: interactive
    default_release: "2026.1"
    images:
      "2026.1": /cluster/images/ide-2026.1.sif
      "2025.2": /cluster/images/ide-2025.2.sif
ides:
  jupyter:
    default_port: 9999
    base_path: /jupyter
    job_name: jupyter
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "porthole.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, 30*time.Minute, cfg.IdleThreshold.Std())
	assert.Equal(t, 168*time.Hour, cfg.Retention.Std())
	assert.True(t, cfg.Revoke(), "revoke defaults to true")

	cc, err := cfg.Cluster("gemini")
	require.NoError(t, err)
	assert.Equal(t, "gemini-login.example.org", cc.HeadNode)

	// File overrides replace the IDE entry wholesale.
	ic, err := cfg.IDE(types.IDEJupyter)
	require.NoError(t, err)
	assert.Equal(t, 9999, ic.DefaultPort)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no clusters", func(c *Config) { c.Clusters = nil }},
		{"missing head node", func(c *Config) {
			c.Clusters = map[string]ClusterConfig{"x": {Images: map[string]string{"a": "b"}}}
		}},
		{"no images", func(c *Config) {
			c.Clusters = map[string]ClusterConfig{"x": {HeadNode: "h"}}
		}},
		{"bad default release", func(c *Config) {
			c.Clusters = map[string]ClusterConfig{"x": {
				HeadNode: "h", DefaultRelease: "missing",
				Images: map[string]string{"a": "b"},
			}}
		}},
		{"bad base path", func(c *Config) {
			c.Clusters = map[string]ClusterConfig{"x": {HeadNode: "h", Images: map[string]string{"a": "b"}}}
			c.IDEs[types.IDECode] = IDEConfig{DefaultPort: 8000, BasePath: "code", JobName: "code"}
		}},
		{"zero retention", func(c *Config) {
			c.Clusters = map[string]ClusterConfig{"x": {HeadNode: "h", Images: map[string]string{"a": "b"}}}
			c.Retention = 0
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestImageResolution(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	img, release, err := cfg.Image("gemini", "")
	require.NoError(t, err)
	assert.Equal(t, "/cluster/images/ide-2026.1.sif", img)
	assert.Equal(t, "2026.1", release)

	img, release, err = cfg.Image("gemini", "2025.2")
	require.NoError(t, err)
	assert.Equal(t, "/cluster/images/ide-2025.2.sif", img)
	assert.Equal(t, "2025.2", release)

	_, _, err = cfg.Image("gemini", "1999.9")
	assert.Error(t, err)

	_, _, err = cfg.Image("unknown", "")
	assert.Error(t, err)
}
