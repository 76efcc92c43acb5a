package config

import (
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/suibase/suibase-proxyd/internal/port"
	"github.com/suibase/suibase-proxyd/internal/upstream"
)

// WorkdirState is the admin controller's live view of one workdir: its
// parsed config and the Port it owns. A new Port replaces the old one
// when the listen port number changes; the old Port is deactivated but
// not torn down synchronously (§4.7: "deactivate current port, create
// new port object").
type WorkdirState struct {
	Name   string
	Port   *port.Port
	Config WorkdirConfig
}

// Controller applies config diffs to live workdir state, serialized
// per workdir via a per-workdir mutex, per §5: "Config diffs are
// applied serially per workdir ... across workdirs they may proceed
// concurrently."
type Controller struct {
	logger *zap.SugaredLogger

	mu       sync.Mutex
	workdirs map[string]*workdirEntry
}

type workdirEntry struct {
	mu    sync.Mutex
	state *WorkdirState
}

// NewController constructs an empty Controller.
func NewController(logger *zap.SugaredLogger) *Controller {
	return &Controller{logger: logger, workdirs: make(map[string]*workdirEntry)}
}

// Workdirs returns a snapshot of all known workdir states.
func (c *Controller) Workdirs() []*WorkdirState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*WorkdirState, 0, len(c.workdirs))
	for _, e := range c.workdirs {
		e.mu.Lock()
		out = append(out, e.state)
		e.mu.Unlock()
	}
	return out
}

// Workdir returns the named workdir's state, if known.
func (c *Controller) Workdir(name string) (*WorkdirState, bool) {
	c.mu.Lock()
	e, ok := c.workdirs[name]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, true
}

func (c *Controller) entry(name string) *workdirEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.workdirs[name]
	if !ok {
		e = &workdirEntry{}
		c.workdirs[name] = e
	}
	return e
}

// LoadAndApply reads workdirRoot's suibase.yaml (merged with commonCfg)
// and applies the resulting diff to the workdir's live state, per
// §4.7's reconciliation rules. It is safe to call concurrently for
// different workdir names; calls for the same name serialize.
func (c *Controller) LoadAndApply(name, workdirRoot string, commonCfg WorkdirConfig) error {
	e := c.entry(name)
	e.mu.Lock()
	defer e.mu.Unlock()

	yamlPath := filepath.Join(workdirRoot, "suibase.yaml")
	data, err := os.ReadFile(yamlPath)
	if err != nil {
		if os.IsNotExist(err) {
			data = nil
		} else {
			return err
		}
	}

	var override WorkdirConfig
	if len(data) > 0 {
		override, err = ParseYAML(data, c.warnf)
		if err != nil {
			return err
		}
	}
	merged := Merge(commonCfg, override)

	active := ReadUserRequest(filepath.Join(workdirRoot, ".state", "user_request"))

	if e.state == nil {
		p := port.New(name, merged.ProxyPortNumber)
		p.SetUserRequestStart(active)
		p.SetProxyEnabled(merged.ProxyEnabled && active)
		e.state = &WorkdirState{Name: name, Port: p, Config: merged}
		c.applyLinksLocked(e.state, nil, merged.Links)
		return nil
	}

	prior := e.state
	if merged.ProxyPortNumber != prior.Config.ProxyPortNumber {
		prior.Port.Deactivate()
		p := port.New(name, merged.ProxyPortNumber)
		p.SetUserRequestStart(active)
		p.SetProxyEnabled(merged.ProxyEnabled && active)
		newState := &WorkdirState{Name: name, Port: p, Config: merged}
		c.applyLinksLocked(newState, nil, merged.Links)
		e.state = newState
		return nil
	}

	prior.Port.SetUserRequestStart(active)
	prior.Port.SetProxyEnabled(merged.ProxyEnabled && active)
	c.applyLinksLocked(prior, prior.Config.Links, merged.Links)
	prior.Config = merged
	return nil
}

func (c *Controller) warnf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Warnf(format, args...)
	}
}

// applyLinksLocked diffs oldLinks against newLinks and mutates state's
// Port accordingly, per §4.7's five bullet rules. Caller must hold the
// workdir's entry lock.
func (c *Controller) applyLinksLocked(state *WorkdirState, oldLinks, newLinks []LinkConfig) {
	oldByAlias := make(map[string]LinkConfig, len(oldLinks))
	for _, l := range oldLinks {
		oldByAlias[l.Alias] = l
	}
	seen := make(map[string]bool, len(newLinks))

	for _, l := range newLinks {
		seen[l.Alias] = true
		cfg := toUpstreamConfig(l)

		existing, existed := state.Port.FindByAlias(l.Alias)
		if !existed {
			s, err := upstream.New(0, cfg)
			if err != nil {
				if c.logger != nil {
					c.logger.Warnw("skipping link with invalid rate-limit config", "alias", l.Alias, "error", err)
				}
				continue
			}
			state.Port.AddServer(s)
			continue
		}
		if _, _, err := existing.ApplyConfig(cfg); err != nil && c.logger != nil {
			c.logger.Warnw("failed to apply link config", "alias", l.Alias, "error", err)
		}
	}

	for alias := range oldByAlias {
		if !seen[alias] {
			state.Port.RemoveByAlias(alias)
		}
	}
}

func toUpstreamConfig(l LinkConfig) upstream.Config {
	enabled := l.IsEnabled()
	return upstream.Config{
		Alias:      l.Alias,
		RPC:        l.RPC,
		WS:         l.WS,
		Metrics:    l.Metrics,
		Priority:   l.EffectivePriority(),
		Selectable: enabled,
		Monitored:  enabled,
		MaxPerSecs: l.MaxPerSecs,
		MaxPerMin:  l.MaxPerMin,
	}
}
