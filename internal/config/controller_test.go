package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, dir, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "suibase.yaml"), []byte(contents), 0o644))
}

func TestLoadAndApplyCreatesPortAndLinks(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, `
proxy_enabled: true
proxy_port_number: 44340
links:
  - alias: nodeA
    rpc: http://a.example
`)

	c := NewController(nil)
	require.NoError(t, c.LoadAndApply("wd1", dir, WorkdirConfig{}))

	state, ok := c.Workdir("wd1")
	require.True(t, ok)
	assert.EqualValues(t, 44340, state.Port.PortNumber())
	_, found := state.Port.FindByAlias("nodeA")
	assert.True(t, found)
}

func TestLoadAndApplyRemovesDroppedAlias(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, `
proxy_port_number: 44340
links:
  - alias: nodeA
    rpc: http://a.example
  - alias: nodeB
    rpc: http://b.example
`)
	c := NewController(nil)
	require.NoError(t, c.LoadAndApply("wd1", dir, WorkdirConfig{}))

	writeYAML(t, dir, `
proxy_port_number: 44340
links:
  - alias: nodeA
    rpc: http://a.example
`)
	require.NoError(t, c.LoadAndApply("wd1", dir, WorkdirConfig{}))

	state, _ := c.Workdir("wd1")
	_, found := state.Port.FindByAlias("nodeB")
	assert.False(t, found)
	_, found = state.Port.FindByAlias("nodeA")
	assert.True(t, found)
}

func TestLoadAndApplyPortNumberChangeCreatesNewPort(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, `
proxy_port_number: 44340
links:
  - alias: nodeA
    rpc: http://a.example
`)
	c := NewController(nil)
	require.NoError(t, c.LoadAndApply("wd1", dir, WorkdirConfig{}))
	firstPort, _ := c.Workdir("wd1")

	writeYAML(t, dir, `
proxy_port_number: 44341
links:
  - alias: nodeA
    rpc: http://a.example
`)
	require.NoError(t, c.LoadAndApply("wd1", dir, WorkdirConfig{}))
	secondState, _ := c.Workdir("wd1")

	assert.True(t, firstPort.Port.IsDeactivated())
	assert.EqualValues(t, 44341, secondState.Port.PortNumber())
}

func TestLoadAndApplyRPCChangeClearsStats(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, `
proxy_port_number: 44340
links:
  - alias: nodeA
    rpc: http://a.example
`)
	c := NewController(nil)
	require.NoError(t, c.LoadAndApply("wd1", dir, WorkdirConfig{}))
	state, _ := c.Workdir("wd1")
	s, _ := state.Port.FindByAlias("nodeA")
	s.Stats.HandleRateLimitHit()

	writeYAML(t, dir, `
proxy_port_number: 44340
links:
  - alias: nodeA
    rpc: http://a-changed.example
`)
	require.NoError(t, c.LoadAndApply("wd1", dir, WorkdirConfig{}))

	s2, _ := state.Port.FindByAlias("nodeA")
	assert.EqualValues(t, 0, s2.Stats.Snapshot().RateLimitHits)
}
