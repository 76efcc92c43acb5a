// Package config loads and watches suibase.yaml and .state/user_request
// per workdir, and diffs parsed config against live Port/upstream state.
// Grounded on the teacher's yaml.v3-based Caddyfile adapter conventions
// (caddyconfig/configadapters.go) for the load/parse shape, generalized
// from Caddy's JSON config tree to this daemon's declarative YAML.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// defaultPriority is used when a link entry omits `priority` (§6).
const defaultPriority = 255

// LinkConfig is one entry of the `links` sequence in suibase.yaml.
type LinkConfig struct {
	Alias      string `yaml:"alias"`
	RPC        string `yaml:"rpc"`
	WS         string `yaml:"ws"`
	Metrics    string `yaml:"metrics"`
	Priority   *uint8 `yaml:"priority"`
	Enabled    *bool  `yaml:"enabled"`
	MaxPerSecs uint32 `yaml:"max_per_secs"`
	MaxPerMin  uint32 `yaml:"max_per_min"`
}

// EffectivePriority applies the "unspecified = 255" rule from §6.
func (l LinkConfig) EffectivePriority() uint8 {
	if l.Priority == nil {
		return defaultPriority
	}
	return *l.Priority
}

// IsEnabled applies the "default true" rule from §6.
func (l LinkConfig) IsEnabled() bool {
	return l.Enabled == nil || *l.Enabled
}

// WorkdirConfig is the parsed, merged form of one workdir's suibase.yaml.
type WorkdirConfig struct {
	ProxyEnabled    bool         `yaml:"proxy_enabled"`
	ProxyPortNumber uint16       `yaml:"proxy_port_number"`
	LinksOverrides  bool         `yaml:"links_overrides"`
	Links           []LinkConfig `yaml:"links"`
}

// rawWorkdirConfig uses pointer fields so a key absent from the document
// can be told apart from one set to its zero value. Unknown top-level
// keys are detected separately in ParseYAML and only warned about.
type rawWorkdirConfig struct {
	ProxyEnabled    *bool        `yaml:"proxy_enabled"`
	ProxyPortNumber *uint16      `yaml:"proxy_port_number"`
	LinksOverrides  *bool        `yaml:"links_overrides"`
	Links           []LinkConfig `yaml:"links"`
}

var knownTopLevelKeys = map[string]bool{
	"proxy_enabled":     true,
	"proxy_port_number": true,
	"links_overrides":   true,
	"links":             true,
}

// ParseYAML parses one suibase.yaml document, warning (via warnf, if
// non-nil) about unrecognised top-level keys instead of failing.
func ParseYAML(data []byte, warnf func(string, ...interface{})) (WorkdirConfig, error) {
	var raw rawWorkdirConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return WorkdirConfig{}, fmt.Errorf("parsing suibase.yaml: %w", err)
	}

	if warnf != nil {
		var generic map[string]yaml.Node
		if err := yaml.Unmarshal(data, &generic); err == nil {
			for key := range generic {
				if !knownTopLevelKeys[key] {
					warnf("suibase.yaml: unrecognised key %q ignored", key)
				}
			}
		}
	}

	cfg := WorkdirConfig{Links: raw.Links}
	if raw.ProxyEnabled != nil {
		cfg.ProxyEnabled = *raw.ProxyEnabled
	}
	if raw.ProxyPortNumber != nil {
		cfg.ProxyPortNumber = *raw.ProxyPortNumber
	}
	if raw.LinksOverrides != nil {
		cfg.LinksOverrides = *raw.LinksOverrides
	}
	return cfg, nil
}

// Merge combines a common (base) config with a per-workdir override,
// per §4.7: "loads, parses, merges default + user YAML". When override
// sets LinksOverrides, its links replace the base's entirely; otherwise
// override links are appended, overriding entries with matching alias.
func Merge(base, override WorkdirConfig) WorkdirConfig {
	merged := base
	if override.ProxyPortNumber != 0 {
		merged.ProxyPortNumber = override.ProxyPortNumber
	}
	merged.ProxyEnabled = override.ProxyEnabled || base.ProxyEnabled

	if override.LinksOverrides {
		merged.Links = override.Links
		return merged
	}

	byAlias := make(map[string]int, len(merged.Links))
	for i, l := range merged.Links {
		byAlias[l.Alias] = i
	}
	for _, l := range override.Links {
		if i, ok := byAlias[l.Alias]; ok {
			merged.Links[i] = l
		} else {
			merged.Links = append(merged.Links, l)
		}
	}
	return merged
}

// ReadUserRequest parses .state/user_request per §6: the first token
// "start" means the workdir is requested active; anything else, or a
// missing file, means inactive.
func ReadUserRequest(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return false
	}
	return fields[0] == "start"
}
