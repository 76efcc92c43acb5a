// Package port implements InputPort: the aggregate of upstreams for one
// workdir, its selection vectors, and the planner that rebuilds them.
// Grounded on the original implementation's dtp-daemon InputPort
// (update_selection_vectors / get_best_target_servers), generalized
// from a DTP transport concept to a JSON-RPC/WebSocket proxy upstream
// set per spec §3/§4.3.
package port

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/suibase/suibase-proxyd/internal/upstream"
)

// Attempt is one candidate to try: the upstream's stable index and its
// current RPC URL.
type Attempt struct {
	Index upstream.Index
	URI   string
}

// Port is InputPort: one per workdir, owning its upstream set and the
// selection vectors the proxy handler consults on the hot path.
type Port struct {
	mu sync.RWMutex

	workdirName string
	portNumber  uint16

	proxyEnabled     bool
	userRequestStart bool
	deactivated      bool

	servers []*upstream.Server // indexed by upstream.Index

	selectionVectors [][]upstream.Index
	selectionWorst   []upstream.Index
}

// New constructs an empty Port for workdirName listening on portNumber.
func New(workdirName string, portNumber uint16) *Port {
	return &Port{workdirName: workdirName, portNumber: portNumber}
}

func (p *Port) WorkdirName() string { return p.workdirName }
func (p *Port) PortNumber() uint16  { return p.portNumber }

func (p *Port) IsProxyEnabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.proxyEnabled
}

func (p *Port) SetProxyEnabled(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.proxyEnabled = v
}

func (p *Port) IsUserRequestStart() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.userRequestStart
}

func (p *Port) SetUserRequestStart(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userRequestStart = v
}

// Deactivate marks the port as permanently abandoned. It is one-way: a
// new Port object is required to rebind the port number (§3 lifecycle).
func (p *Port) Deactivate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deactivated = true
}

func (p *Port) IsDeactivated() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.deactivated
}

// AddServer appends a new upstream descriptor and returns its stable index.
func (p *Port) AddServer(s *upstream.Server) upstream.Index {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := upstream.Index(len(p.servers))
	s.SetIndex(idx)
	p.servers = append(p.servers, s)
	return idx
}

// FindByAlias returns the server with the given alias, if present.
func (p *Port) FindByAlias(alias string) (*upstream.Server, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, s := range p.servers {
		if s != nil && s.Alias() == alias {
			return s, true
		}
	}
	return nil, false
}

// RemoveByAlias deletes the server with the given alias by nilling its
// slot, preserving indices of the remaining servers.
func (p *Port) RemoveByAlias(alias string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.servers {
		if s != nil && s.Alias() == alias {
			p.servers[i] = nil
			return true
		}
	}
	return false
}

// Server returns the descriptor at idx, or nil if absent/removed.
func (p *Port) Server(idx upstream.Index) *upstream.Server {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if int(idx) < 0 || int(idx) >= len(p.servers) {
		return nil
	}
	return p.servers[idx]
}

// Servers returns a snapshot slice of all non-removed descriptors.
func (p *Port) Servers() []*upstream.Server {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*upstream.Server, 0, len(p.servers))
	for _, s := range p.servers {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (p *Port) uriLocked(idx upstream.Index) (string, bool) {
	if int(idx) < 0 || int(idx) >= len(p.servers) || p.servers[idx] == nil {
		return "", false
	}
	return p.servers[idx].RPC(), true
}

// UpdateSelectionVectors rebuilds the tiered selection vectors from
// current stats, per §4.3 steps 1-7.
func (p *Port) UpdateSelectionVectors() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.selectionVectors = nil
	p.selectionWorst = nil

	var (
		healthy        []upstream.Index
		bestLatency    = -1.0
		bestLatencyIdx = -1
	)

	for _, s := range p.servers {
		if s == nil || !s.Selectable() || !s.Monitored() {
			continue
		}
		if s.Stats.IsHealthy() {
			lat := s.Stats.LatencyEMAMillis()
			if bestLatencyIdx == -1 || lat < bestLatency {
				bestLatency = lat
				bestLatencyIdx = int(s.Index())
			}
			healthy = append(healthy, s.Index())
		} else {
			p.selectionWorst = append(p.selectionWorst, s.Index())
		}
	}

	if bestLatencyIdx == -1 {
		// No healthy upstream yet: fall back to the single best
		// user-priority candidate, per §4.3 step 7.
		if best := p.bestPriorityLocked(); best >= 0 {
			p.selectionVectors = [][]upstream.Index{{upstream.Index(best)}}
			worst := p.selectionWorst[:0]
			for _, idx := range p.selectionWorst {
				if idx != upstream.Index(best) {
					worst = append(worst, idx)
				}
			}
			p.selectionWorst = worst
		}
		return
	}

	band := bestLatency * 1.25
	if bestLatency <= 250 {
		band = bestLatency * 2
	}

	tier0 := make([]upstream.Index, 0, len(healthy))
	tier1 := make([]upstream.Index, 0, len(healthy))
	for _, idx := range healthy {
		s := p.servers[idx]
		if s.Stats.LatencyEMAMillis() <= band {
			tier0 = append(tier0, idx)
		} else {
			tier1 = append(tier1, idx)
		}
	}

	sortByLatencyAsc(p.servers, tier0)
	sortByLatencyAsc(p.servers, tier1)
	p.selectionVectors = [][]upstream.Index{tier0}
	if len(tier1) > 0 {
		p.selectionVectors = append(p.selectionVectors, tier1)
	}

	sort.Slice(p.selectionWorst, func(i, j int) bool {
		a := p.servers[p.selectionWorst[i]]
		b := p.servers[p.selectionWorst[j]]
		as, bs := a.Stats.HealthScore(), b.Stats.HealthScore()
		if as != bs {
			return as < bs
		}
		return a.Alias() < b.Alias()
	})
}

func sortByLatencyAsc(servers []*upstream.Server, idxs []upstream.Index) {
	sort.Slice(idxs, func(i, j int) bool {
		return servers[idxs[i]].Stats.LatencyEMAMillis() < servers[idxs[j]].Stats.LatencyEMAMillis()
	})
}

func (p *Port) bestPriorityLocked() int {
	best := -1
	bestPriority := 256
	for _, s := range p.servers {
		if s == nil || !s.Selectable() {
			continue
		}
		if int(s.Priority()) < bestPriority {
			bestPriority = int(s.Priority())
			best = int(s.Index())
		}
	}
	return best
}

const retryCount = 3

// GetBestTargetServers produces up to 3 attempts per §4.3's
// "Selection at request time" algorithm: a pseudo-randomly offset walk
// of tier 0, then tiers 1..n in order, then the worst-first fallback.
func (p *Port) GetBestTargetServers(handlerStartNanos uint32) []Attempt {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []Attempt
	push := func(idx upstream.Index) bool {
		if uri, ok := p.uriLocked(idx); ok {
			out = append(out, Attempt{Index: idx, URI: uri})
		}
		return len(out) >= retryCount
	}

	if len(p.selectionVectors) == 0 {
		if best := p.bestPriorityLocked(); best >= 0 {
			push(upstream.Index(best))
		}
		return out
	}

	tierStart := 0
	if len(p.selectionVectors) > 1 {
		tier0 := p.selectionVectors[0]
		tierStart = 1
		if len(tier0) > 0 {
			var h xxhash.Digest
			h.Reset()
			var buf [4]byte
			buf[0] = byte(handlerStartNanos)
			buf[1] = byte(handlerStartNanos >> 8)
			buf[2] = byte(handlerStartNanos >> 16)
			buf[3] = byte(handlerStartNanos >> 24)
			_, _ = h.Write(buf[:])
			offset := int(h.Sum64() % uint64(len(tier0)))
			for i := 0; i < len(tier0); i++ {
				idx := tier0[(i+offset)%len(tier0)]
				if push(idx) {
					return out
				}
			}
		}
	}

	for _, tier := range p.selectionVectors[tierStart:] {
		for _, idx := range tier {
			if push(idx) {
				return out
			}
		}
	}

	for _, idx := range p.selectionWorst {
		if push(idx) {
			return out
		}
	}
	return out
}
