// Package upstream defines the per-upstream descriptor (TargetServer in
// the spec) addressed by a small stable index within its owning port,
// breaking the admin-controller/port/descriptor reference cycle the way
// the original implementation's ManagedVec does.
package upstream

import (
	"github.com/suibase/suibase-proxyd/internal/ratelimit"
	"github.com/suibase/suibase-proxyd/internal/stats"
)

// Index is the stable small-integer handle for a Server within its
// owning Port. It remains valid for the descriptor's lifetime.
type Index int

// Config is the user-configurable, declarative part of an upstream,
// loaded from suibase.yaml's `links` entries.
type Config struct {
	Alias        string
	RPC          string
	WS           string
	Metrics      string
	Priority     uint8
	Selectable   bool
	Monitored    bool
	MaxPerSecs   uint32
	MaxPerMin    uint32
}

// Server is one upstream descriptor: its declarative config plus the
// rate limiter and stats block it owns.
type Server struct {
	idx    Index
	config Config

	Limiter *ratelimit.Limiter
	Stats   *stats.Stats
}

// New constructs a Server for cfg. Its stable Index is assigned by the
// owning Port when the descriptor is added (see Port.AddServer /
// SetIndex); the caller must ensure cfg.Alias is unique within that port.
func New(idx Index, cfg Config) (*Server, error) {
	limiter, err := ratelimit.New(cfg.MaxPerSecs, cfg.MaxPerMin)
	if err != nil {
		return nil, err
	}
	return &Server{
		idx:     idx,
		config:  cfg,
		Limiter: limiter,
		Stats:   stats.New(cfg.Alias),
	}, nil
}

// SetIndex assigns the stable handle for this descriptor. Only the
// owning Port should call this, at the moment the descriptor is added.
func (s *Server) SetIndex(idx Index) { s.idx = idx }

func (s *Server) Index() Index     { return s.idx }
func (s *Server) Alias() string    { return s.config.Alias }
func (s *Server) RPC() string      { return s.config.RPC }
func (s *Server) WS() string       { return s.config.WS }
func (s *Server) Priority() uint8  { return s.config.Priority }
func (s *Server) Selectable() bool { return s.config.Selectable }
func (s *Server) Monitored() bool  { return s.config.Monitored }
func (s *Server) Config() Config   { return s.config }

// ApplyConfig updates the descriptor in place. It reports whether the
// RPC URL changed and whether anything changed at all. When the RPC URL
// changed it clears Stats itself; other edits keep Stats. When
// MaxPerSecs or MaxPerMin changed, Limiter is replaced by a new limiter
// built from the new values.
func (s *Server) ApplyConfig(cfg Config) (rpcChanged bool, changed bool, err error) {
	if s.config.RPC != cfg.RPC {
		rpcChanged = true
		changed = true
	}
	if s.config != cfg {
		changed = true
	}

	if s.config.MaxPerSecs != cfg.MaxPerSecs || s.config.MaxPerMin != cfg.MaxPerMin {
		limiter, lerr := ratelimit.New(cfg.MaxPerSecs, cfg.MaxPerMin)
		if lerr != nil {
			return rpcChanged, changed, lerr
		}
		s.Limiter = limiter
	}

	s.config = cfg
	if rpcChanged {
		s.Stats.Clear()
	}
	return rpcChanged, changed, nil
}
