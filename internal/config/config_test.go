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
	require.Equal(t, 4, cfg.Workers.Count)
	require.Equal(t, 10*time.Minute, cfg.LeaseDuration())
	require.Equal(t, 2*time.Second, cfg.PollInterval())
	require.Equal(t, []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}, cfg.BackoffSchedule())
	require.Len(t, cfg.Thresholds, 2)
	require.Equal(t, "occupancy_rate", cfg.Thresholds[0].Metric)
	require.Equal(t, "finance", cfg.Thresholds[1].Committee)
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("workers:\n  count: 8\nqueue:\n  lease: 30s\n"))
	require.NoError(t, err)
	require.Equal(t, 8, cfg.Workers.Count)
	require.Equal(t, "2s", cfg.Workers.PollInterval)
	require.Equal(t, 30*time.Second, cfg.LeaseDuration())
	require.Equal(t, 3, cfg.Queue.MaxAttempts)
	require.Len(t, cfg.Thresholds, 2)
}

func TestFromYAMLReplacesThresholds(t *testing.T) {
	cfg, err := FromYAML([]byte(`
thresholds:
  - metric: avg_unit_rent
    threshold: 900
    direction: below
    committee: leasing
    scale: 1
    bands:
      - over: 50
        severity: warning
`))
	require.NoError(t, err)
	require.Len(t, cfg.Thresholds, 1)
	require.Equal(t, "avg_unit_rent", cfg.Thresholds[0].Metric)
	require.Equal(t, 900.0, cfg.Thresholds[0].Value)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"workers":      "workers:\n  count: 0\n",
		"poll":         "workers:\n  poll_interval: -1s\n",
		"lease":        "queue:\n  lease: soon\n",
		"attempts":     "queue:\n  max_attempts: 0\n",
		"backoff":      "queue:\n  backoff: [1m, later]\n",
		"backend":      "storage:\n  backend: s3\n",
		"minio":        "storage:\n  backend: minio\n",
		"prefix":       "resolver:\n  code_prefix: ' '\n",
		"width":        "resolver:\n  code_width: 0\n",
		"direction":    "thresholds:\n  - {metric: x, threshold: 1, direction: sideways, committee: c, scale: 1, bands: [{over: 0, severity: warning}]}\n",
		"committee":    "thresholds:\n  - {metric: x, threshold: 1, direction: below, scale: 1, bands: [{over: 0, severity: warning}]}\n",
		"scale":        "thresholds:\n  - {metric: x, threshold: 1, direction: below, committee: c, scale: 0, bands: [{over: 0, severity: warning}]}\n",
		"no bands":     "thresholds:\n  - {metric: x, threshold: 1, direction: below, committee: c, scale: 1}\n",
		"severity":     "thresholds:\n  - {metric: x, threshold: 1, direction: below, committee: c, scale: 1, bands: [{over: 0, severity: fatal}]}\n",
		"negative":     "thresholds:\n  - {metric: x, threshold: 1, direction: below, committee: c, scale: 1, bands: [{over: -1, severity: warning}]}\n",
		"duplicate":    "thresholds:\n  - {metric: x, threshold: 1, direction: below, committee: c, scale: 1, bands: [{over: 0, severity: warning}]}\n  - {metric: x, threshold: 2, direction: above, committee: c, scale: 1, bands: [{over: 0, severity: warning}]}\n",
		"webhook":      "webhooks:\n  - id: ops\n",
		"log format":   "logging:\n  format: xml\n",
		"invalid yaml": "workers: [\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(raw))
			require.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(dir)
	require.ErrorContains(t, err, "pw config init")

	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)

	require.NoError(t, os.WriteFile(Path(dir), []byte("server:\n  addr: ':9090'\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.Server.Addr)

	cfg, err = FromFile(filepath.Join(dir, "propwatch.yml"))
	require.NoError(t, err)
	require.True(t, cfg.Server.AllowActorHeader)
}

func TestGenerateDefaultParses(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestResolveStorageRoot(t *testing.T) {
	cfg := Default()
	require.Equal(t, filepath.Join("ws", ".propwatch", "objects"), cfg.ResolveStorageRoot("ws"))
	require.Equal(t, filepath.Join(".propwatch", "objects"), cfg.ResolveStorageRoot(""))
	abs := filepath.Join(t.TempDir(), "objects")
	cfg.Storage.FS.Root = abs
	require.Equal(t, abs, cfg.ResolveStorageRoot("ws"))
}
