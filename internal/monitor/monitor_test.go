package monitor

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suibase/suibase-proxyd/internal/port"
	"github.com/suibase/suibase-proxyd/internal/proxy"
	"github.com/suibase/suibase-proxyd/internal/stats"
	"github.com/suibase/suibase-proxyd/internal/upstream"
)

func TestCoalesceTicksKeepsHighestPriorityKind(t *testing.T) {
	m := New(nil, nil)
	m.ticks <- Tick{Kind: TickUpdate}
	m.ticks <- Tick{Kind: TickAudit}

	got := m.coalesceTicks(Tick{Kind: TickAudit})
	assert.Equal(t, TickUpdate, got, "UPDATE outranks AUDIT when both are pending in the same drain")
}

func TestApplyStatUpdatesHandlesMixedBatch(t *testing.T) {
	p1 := port.New("wd1", 1)
	p2 := port.New("wd2", 2)
	m := New([]*port.Port{p1, p2}, nil)

	m.applyStatUpdates([]proxy.StatUpdate{
		{Port: p1, OK: true},
		{Port: p2, RateLimited: true},
	})
	// No assertion on internal planner state directly reachable; this
	// exercises the code path without panicking on a nil selection set.
}

func TestRequestWorkerProbeMeasuresLatencyOnSuccess(t *testing.T) {
	srv := httptest.NewServer(nil)
	defer srv.Close()

	s, err := upstream.New(0, upstream.Config{Alias: "x", RPC: srv.URL, Selectable: true, Monitored: true})
	require.NoError(t, err)
	p := port.New("wd", 1)
	p.AddServer(s)

	out := make(chan ProbeResult, 1)
	w := &RequestWorker{Timeout: time.Second}
	w.Probe(context.Background(), p, s, out)

	select {
	case r := <-out:
		assert.True(t, r.OK)
		assert.GreaterOrEqual(t, r.Latency, time.Duration(0))
	case <-time.After(2 * time.Second):
		t.Fatal("expected a probe result")
	}
}

func TestApplyProbeResultUpdatesHealthWithoutCountingAsTraffic(t *testing.T) {
	s, err := upstream.New(0, upstream.Config{Alias: "x", RPC: "http://example.invalid", Selectable: true, Monitored: true})
	require.NoError(t, err)
	p := port.New("wd", 1)
	p.AddServer(s)
	m := New([]*port.Port{p}, nil)

	m.applyProbeResult(ProbeResult{Port: p, Index: s.Index(), OK: true, Latency: 25 * time.Millisecond})

	snap := s.Stats.Snapshot()
	assert.True(t, snap.IsHealthy)
	assert.Equal(t, uint64(0), snap.SuccessOnFirstAttempt)
	assert.Equal(t, uint64(0), snap.SuccessOnRetry)
	assert.InDelta(t, 25.0, snap.LatencyEMAMillis, 0.5)
}

func TestRequestWorkerProbeReportsFailureOnUnreachableUpstream(t *testing.T) {
	s, err := upstream.New(0, upstream.Config{Alias: "x", RPC: "http://127.0.0.1:1", Selectable: true, Monitored: true})
	require.NoError(t, err)

	p := port.New("wd", 1)
	p.AddServer(s)

	out := make(chan ProbeResult, 1)
	w := &RequestWorker{Timeout: 200 * time.Millisecond}
	w.Probe(context.Background(), p, s, out)

	select {
	case r := <-out:
		assert.False(t, r.OK)
		assert.Equal(t, stats.FailureNoServerResponding, r.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a probe result")
	}
}
