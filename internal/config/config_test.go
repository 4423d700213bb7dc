package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, dir string, raw map[string]interface{}) string {
	t.Helper()
	body, err := json.Marshal(raw)
	require.NoError(t, err)
	p := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(p, body, 0o644))
	return p
}

func minimalRawConfig() map[string]interface{} {
	return map[string]interface{}{
		"frames":   map[string]interface{}{"frames_list_file": "frames.txt"},
		"features": map[string]interface{}{"features_file": "features.bin"},
		"keywords": map[string]interface{}{"kws_file": "kws.txt"},
	}
}

func TestLoadAppliesTunableDefaults(t *testing.T) {
	t.Setenv("SOMHUNTER_REDIS_URL", "")
	t.Setenv("SOMHUNTER_POSTGRES_URL", "")
	p := writeConfigFile(t, t.TempDir(), minimalRawConfig())

	cfg, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.DisplayPageSize)
	assert.Equal(t, 30000, cfg.SendLogsToServerPeriodMs)
	assert.Equal(t, 5000, cfg.LogReplayTimeoutMs)
	assert.Empty(t, cfg.RedisURL)
	assert.Empty(t, cfg.PostgresURL)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	t.Setenv("SOMHUNTER_REDIS_URL", "")
	t.Setenv("SOMHUNTER_POSTGRES_URL", "")
	raw := minimalRawConfig()
	raw["display_page_size"] = 12
	raw["topn_frames_per_video"] = 3
	p := writeConfigFile(t, t.TempDir(), raw)

	cfg, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.DisplayPageSize)
	assert.Equal(t, 3, cfg.TopNFramesPerVideo)
}

func TestLoadReadsRuntimeURLsFromEnvironment(t *testing.T) {
	t.Setenv("SOMHUNTER_REDIS_URL", "redis://example:6379")
	t.Setenv("SOMHUNTER_POSTGRES_URL", "postgres://example/somhunter")
	p := writeConfigFile(t, t.TempDir(), minimalRawConfig())

	cfg, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, "redis://example:6379", cfg.RedisURL)
	assert.Equal(t, "postgres://example/somhunter", cfg.PostgresURL)
}

func TestLoadRejectsMissingDatasetFiles(t *testing.T) {
	t.Setenv("SOMHUNTER_REDIS_URL", "")
	t.Setenv("SOMHUNTER_POSTGRES_URL", "")

	for _, missing := range []string{"frames", "features", "keywords"} {
		raw := minimalRawConfig()
		delete(raw, missing)
		p := writeConfigFile(t, t.TempDir(), raw)

		_, err := Load(p)
		assert.Error(t, err, "config without %q section should not load", missing)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestWatcherReloadSwapsTunablesOnly(t *testing.T) {
	dir := t.TempDir()
	raw := minimalRawConfig()
	raw["display_page_size"] = 10
	p := writeConfigFile(t, dir, raw)

	w, err := WatchTunables(p, Tunables{DisplayPageSize: 10})
	require.NoError(t, err)
	defer w.Close()

	raw["display_page_size"] = 20
	raw["frames"] = map[string]interface{}{"frames_list_file": "changed.txt"}
	body, err := json.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(p, body, 0o644))

	// Drive the reload directly rather than waiting on fsnotify event
	// delivery, which varies by platform and filesystem.
	w.reload()

	got := w.Current()
	assert.Equal(t, 20, got.DisplayPageSize)

	select {
	case t2 := <-w.Updates():
		assert.Equal(t, 20, t2.DisplayPageSize)
	default:
		t.Fatal("expected a pending tunables update")
	}
}

func TestWatcherReloadKeepsCurrentOnMalformedFile(t *testing.T) {
	dir := t.TempDir()
	p := writeConfigFile(t, dir, minimalRawConfig())

	w, err := WatchTunables(p, Tunables{DisplayPageSize: 7})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(p, []byte("{not json"), 0o644))
	w.reload()

	assert.Equal(t, 7, w.Current().DisplayPageSize)
}
