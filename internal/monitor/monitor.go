// Package monitor implements the network monitor (C7), request worker
// (C6), and clock (C11): the background subsystem that drains proxy
// stat updates, issues health probes, and re-runs the selection
// planner. Grounded on the original implementation's NetworkMonitor
// actor and its AUDIT/UPDATE/EXEC tick model.
package monitor

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/suibase/suibase-proxyd/internal/port"
	"github.com/suibase/suibase-proxyd/internal/proxy"
	"github.com/suibase/suibase-proxyd/internal/stats"
	"github.com/suibase/suibase-proxyd/internal/upstream"
)

// TickKind is one of the clock's three event kinds (§4.5).
type TickKind int

const (
	TickAudit TickKind = iota
	TickUpdate
	TickExec
)

func (k TickKind) String() string {
	switch k {
	case TickAudit:
		return "AUDIT"
	case TickUpdate:
		return "UPDATE"
	case TickExec:
		return "EXEC"
	default:
		return "UNKNOWN"
	}
}

// Tick is a message from the clock to an inbox.
type Tick struct {
	Kind TickKind
}

// ProbeResult is a message from a request worker back to the monitor.
type ProbeResult struct {
	Port    *port.Port
	Index   upstream.Index
	OK      bool
	Latency time.Duration
	Reason  stats.FailureReason
}

// probeInterval is how stale a probe must be before a new one is issued.
const probeInterval = 15 * time.Second

// statChannelCapacity matches §5's "bounded MPSC channel (capacity ~200)".
const statChannelCapacity = 200

// statChannelWarnThreshold is §5's "threshold warning at 150".
const statChannelWarnThreshold = 150

// Monitor is the network monitor: the sole consumer of the stat-update
// channel and the driver of periodic health probing and planner reruns.
type Monitor struct {
	logger *zap.SugaredLogger

	statUpdates chan proxy.StatUpdate
	ticks       chan Tick
	probes      chan ProbeResult

	ports []*port.Port

	probeClient *http.Client

	lastWarnLogged time.Time
	lastProbedAt   map[probeKey]time.Time
}

type probeKey struct {
	port  *port.Port
	index upstream.Index
}

// New constructs a Monitor watching the given ports.
func New(ports []*port.Port, logger *zap.SugaredLogger) *Monitor {
	return &Monitor{
		logger:      logger,
		statUpdates: make(chan proxy.StatUpdate, statChannelCapacity),
		ticks:       make(chan Tick, 4),
		probes:      make(chan ProbeResult, statChannelCapacity),
		ports:        ports,
		probeClient:  &http.Client{Timeout: 5 * time.Second},
		lastProbedAt: make(map[probeKey]time.Time),
	}
}

// StatUpdates returns the channel proxy handlers should send updates to.
func (m *Monitor) StatUpdates() chan<- proxy.StatUpdate { return m.statUpdates }

// Ticks returns the channel the clock should send ticks to.
func (m *Monitor) Ticks() chan<- Tick { return m.ticks }

// SetPorts replaces the set of ports the monitor watches, used by the
// config/admin controller when ports are created or deactivated.
func (m *Monitor) SetPorts(ports []*port.Port) { m.ports = ports }

// Run drains the inbox until ctx is cancelled, per §4.5's per-tick
// algorithm. It is intended to run as one supervised goroutine.
func (m *Monitor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-m.statUpdates:
			drained := m.drainStatUpdates(u)
			m.applyStatUpdates(drained)
		case result := <-m.probes:
			m.applyProbeResult(result)
		case tick := <-m.ticks:
			kind := m.coalesceTicks(tick)
			m.handleTick(ctx, kind)
		}
	}
}

// drainStatUpdates collects first and any immediately-queued stat
// updates without blocking, so a burst is applied in one batch.
func (m *Monitor) drainStatUpdates(first proxy.StatUpdate) []proxy.StatUpdate {
	out := []proxy.StatUpdate{first}
	if len(m.statUpdates) >= statChannelWarnThreshold {
		m.warnChannelDepth(len(m.statUpdates))
	}
	for {
		select {
		case u := <-m.statUpdates:
			out = append(out, u)
		default:
			return out
		}
	}
}

func (m *Monitor) warnChannelDepth(depth int) {
	if time.Since(m.lastWarnLogged) < time.Minute {
		return
	}
	m.lastWarnLogged = time.Now()
	if m.logger != nil {
		m.logger.Warnw("stat update channel backlog", "depth", depth)
	}
}

// applyStatUpdates re-runs the selection planner for every port touched
// by this batch. Health/latency counters themselves are already applied
// at the proxy handler call site (§5: stats primitives never suspend,
// so there is no reason to defer them onto this goroutine); the
// monitor's role with the stat channel is aggregate re-planning.
func (m *Monitor) applyStatUpdates(updates []proxy.StatUpdate) {
	changed := map[*port.Port]bool{}
	for _, u := range updates {
		if u.Port != nil && !u.RateLimited {
			changed[u.Port] = true
		}
	}
	for p := range changed {
		p.UpdateSelectionVectors()
	}
}

func (m *Monitor) applyProbeResult(r ProbeResult) {
	if r.Port == nil {
		return
	}
	server := r.Port.Server(r.Index)
	if server == nil {
		return
	}
	if r.OK {
		server.Stats.HandleLatencyReport(time.Now(), r.Latency)
	} else {
		server.Stats.HandleReqFailedInternal(time.Now(), r.Reason)
	}
	r.Port.UpdateSelectionVectors()
}

// coalesceTicks implements §4.5's duplicate-suppression rule: drain any
// immediately-available ticks and return the single highest-priority
// kind seen (EXEC over UPDATE over AUDIT); the other kinds seen in the
// same drain are dropped.
func (m *Monitor) coalesceTicks(first Tick) TickKind {
	seen := map[TickKind]bool{first.Kind: true}
	for {
		select {
		case t := <-m.ticks:
			seen[t.Kind] = true
		default:
			switch {
			case seen[TickExec]:
				return TickExec
			case seen[TickUpdate]:
				return TickUpdate
			default:
				return TickAudit
			}
		}
	}
}

func (m *Monitor) handleTick(ctx context.Context, kind TickKind) {
	switch kind {
	case TickAudit:
		m.audit()
	case TickUpdate:
		m.audit()
		for _, p := range m.ports {
			p.UpdateSelectionVectors()
		}
	case TickExec:
		m.issueProbes(ctx)
	}
}

// audit re-runs the selection planner on every known port: a cheap,
// read-mostly consistency pass (§4.5 step 3).
func (m *Monitor) audit() {
	for _, p := range m.ports {
		p.UpdateSelectionVectors()
	}
}

// issueProbes starts a RequestWorker probe for every upstream whose
// last probe is stale, per §4.5 step 2.
func (m *Monitor) issueProbes(ctx context.Context) {
	now := time.Now()
	for _, p := range m.ports {
		for _, s := range p.Servers() {
			if !s.Monitored() {
				continue
			}
			key := probeKey{port: p, index: s.Index()}
			if last, ok := m.lastProbedAt[key]; ok && now.Sub(last) < probeInterval {
				continue
			}
			m.lastProbedAt[key] = now
			worker := &RequestWorker{Client: m.probeClient}
			go worker.Probe(ctx, p, s, m.probes)
		}
	}
}
