package port

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suibase/suibase-proxyd/internal/upstream"
)

func addServer(t *testing.T, p *Port, alias, rpc string) *upstream.Server {
	t.Helper()
	s, err := upstream.New(0, upstream.Config{
		Alias: alias, RPC: rpc, Selectable: true, Monitored: true,
	})
	require.NoError(t, err)
	idx := p.AddServer(s)
	// AddServer assigns the index by slot position; look the server up by it.
	got := p.Server(idx)
	return got
}

func TestSelectionPartitionsHealthyAndWorst(t *testing.T) {
	p := New("localnet", 9000)
	u0 := addServer(t, p, "u0", "http://u0")
	u1 := addServer(t, p, "u1", "http://u1")

	u0.Stats.HandleRespOK(time.Now(), 0, 10*time.Millisecond)
	u1.Stats.HandleRespErr(time.Now(), 0, 0)

	p.UpdateSelectionVectors()

	attempts := p.GetBestTargetServers(1)
	require.Len(t, attempts, 2)
	assert.Equal(t, u0.Index(), attempts[0].Index)
	assert.Equal(t, u1.Index(), attempts[1].Index)
}

func TestTierBandMultiplier(t *testing.T) {
	p := New("localnet", 9000)
	fast := addServer(t, p, "fast", "http://fast")
	near := addServer(t, p, "near", "http://near")
	far := addServer(t, p, "far", "http://far")

	now := time.Now()
	fast.Stats.HandleRespOK(now, 0, 100*time.Millisecond) // best = 100ms, band = 200ms
	near.Stats.HandleRespOK(now, 0, 180*time.Millisecond) // within band
	far.Stats.HandleRespOK(now, 0, 500*time.Millisecond)  // outside band

	p.UpdateSelectionVectors()
	attempts := p.GetBestTargetServers(7)
	require.Len(t, attempts, 3)

	// First two attempts come from tier 0 (fast, near in some order);
	// the third must be "far" from tier 1.
	indices := map[upstream.Index]bool{attempts[0].Index: true, attempts[1].Index: true}
	assert.True(t, indices[fast.Index()])
	assert.True(t, indices[near.Index()])
	assert.Equal(t, far.Index(), attempts[2].Index)
}

func TestNoHealthyFallsBackToPriority(t *testing.T) {
	p := New("localnet", 9000)
	s, err := upstream.New(0, upstream.Config{Alias: "u0", RPC: "http://u0", Priority: 5, Selectable: true, Monitored: true})
	require.NoError(t, err)
	p.AddServer(s)

	p.UpdateSelectionVectors()
	attempts := p.GetBestTargetServers(0)
	require.Len(t, attempts, 1)
	assert.Equal(t, "http://u0", attempts[0].URI)
}

func TestUnselectableSkippedEntirely(t *testing.T) {
	p := New("localnet", 9000)
	s, err := upstream.New(0, upstream.Config{Alias: "u0", RPC: "http://u0", Selectable: false, Monitored: true})
	require.NoError(t, err)
	s.Stats.HandleRespOK(time.Now(), 0, 10*time.Millisecond)
	p.AddServer(s)

	p.UpdateSelectionVectors()
	attempts := p.GetBestTargetServers(0)
	assert.Empty(t, attempts)
}
