package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseYAMLDefaults(t *testing.T) {
	data := []byte(`
proxy_enabled: true
proxy_port_number: 44340
links:
  - alias: nodeA
    rpc: http://a.example
`)
	var warned []string
	cfg, err := ParseYAML(data, func(f string, a ...interface{}) { warned = append(warned, f) })
	require.NoError(t, err)

	assert.True(t, cfg.ProxyEnabled)
	assert.EqualValues(t, 44340, cfg.ProxyPortNumber)
	require.Len(t, cfg.Links, 1)
	assert.Equal(t, uint8(255), cfg.Links[0].EffectivePriority())
	assert.True(t, cfg.Links[0].IsEnabled())
	assert.Empty(t, warned)
}

func TestParseYAMLWarnsOnUnknownKey(t *testing.T) {
	data := []byte("bogus_key: 1\n")
	var warned []string
	_, err := ParseYAML(data, func(f string, a ...interface{}) { warned = append(warned, f) })
	require.NoError(t, err)
	assert.Len(t, warned, 1)
}

func TestMergeLinksOverridesReplacesEntirely(t *testing.T) {
	base := WorkdirConfig{Links: []LinkConfig{{Alias: "base"}}}
	override := WorkdirConfig{LinksOverrides: true, Links: []LinkConfig{{Alias: "new"}}}

	merged := Merge(base, override)
	require.Len(t, merged.Links, 1)
	assert.Equal(t, "new", merged.Links[0].Alias)
}

func TestMergeWithoutOverridesAppendsAndUpdates(t *testing.T) {
	base := WorkdirConfig{Links: []LinkConfig{{Alias: "a", RPC: "http://old"}}}
	override := WorkdirConfig{Links: []LinkConfig{{Alias: "a", RPC: "http://new"}, {Alias: "b"}}}

	merged := Merge(base, override)
	require.Len(t, merged.Links, 2)
	assert.Equal(t, "http://new", merged.Links[0].RPC)
}

func TestReadUserRequestStart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "user_request")
	require.NoError(t, os.WriteFile(path, []byte("start\n"), 0o644))
	assert.True(t, ReadUserRequest(path))
}

func TestReadUserRequestMissingFileIsInactive(t *testing.T) {
	assert.False(t, ReadUserRequest(filepath.Join(t.TempDir(), "user_request")))
}

func TestReadUserRequestOtherContentIsInactive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "user_request")
	require.NoError(t, os.WriteFile(path, []byte("stop\n"), 0o644))
	assert.False(t, ReadUserRequest(path))
}
