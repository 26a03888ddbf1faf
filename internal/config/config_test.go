package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, "/v1", cfg.Server.BasePath)
	require.Equal(t, 60*time.Second, cfg.ClaimTTL())
	require.Contains(t, cfg.Templates.Sets, "default")
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
jobs:
  claim_ttl_seconds: 5
storage:
  backend: minio
  endpoint: localhost:9000
webhooks:
  - url: https://hooks.example.com/audit
    events: [state_transition]
    enabled: false
`))
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, cfg.ClaimTTL())
	require.Equal(t, "minio", cfg.Storage.Backend)
	require.Equal(t, "prov", cfg.Storage.BucketPrefix)
	require.Equal(t, "/v1", cfg.Server.BasePath)
	require.Len(t, cfg.Webhooks, 1)
	require.False(t, cfg.Webhooks[0].IsEnabled())
	require.Equal(t, 5*time.Second, cfg.Webhooks[0].Timeout())
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"driver":      "database:\n  driver: mysql\n",
		"postgres":    "database:\n  driver: postgres\n",
		"base path":   "server:\n  base_path: v1\n",
		"backend":     "storage:\n  backend: gcs\n",
		"minio":       "storage:\n  backend: minio\n",
		"level":       "logging:\n  level: loud\n",
		"webhook url": "webhooks:\n  - url: ftp://x\n",
		"ttl":         "jobs:\n  claim_ttl_seconds: -1\n",
		"template":    "templates:\n  sets:\n    web: ['']\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			require.Error(t, err)
		})
	}
	_, err := FromYAML([]byte("database: ["))
	require.ErrorContains(t, err, "invalid config yaml")
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	require.ErrorContains(t, err, "not found")

	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	require.Equal(t, "noop", cfg.Storage.Backend)

	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("server:\n  addr: :9999\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	require.Equal(t, ":9999", cfg.Server.Addr)
	require.Equal(t, filepath.Join(dir, "provisioner.yml"), Path(dir))
	require.Equal(t, "provisioner.yml", Path(""))
}
