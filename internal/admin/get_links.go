package admin

import (
	"encoding/json"

	"github.com/suibase/suibase-proxyd/internal/config"
	"github.com/suibase/suibase-proxyd/internal/logging"
	"github.com/suibase/suibase-proxyd/internal/stats"
)

// debugLogLines bounds how many recent log lines getLinks(debug=true)
// returns.
const debugLogLines = 50

// Status is the combined workdir/port status reported by getLinks.
type Status string

const (
	StatusOK       Status = "OK"
	StatusDown     Status = "DOWN"
	StatusDisabled Status = "DISABLED"
	StatusDegraded Status = "DEGRADED"
)

// LinkSummary is the optional per-link array entry in a LinksResponse.
type LinkSummary struct {
	Alias            string  `json:"alias"`
	Status           Status  `json:"status"`
	HealthPercent    float64 `json:"health_percent"`
	LoadPercent      float64 `json:"load_percent"`
	ResponseTimeMs   float64 `json:"response_time_ms"`
	SuccessPercent   float64 `json:"success_percent"`
	ErrorInfo        string  `json:"error_info,omitempty"`
	QPS              float64 `json:"qps"`
	QPM              float64 `json:"qpm"`
	RateLimitHits    uint64  `json:"rate_limit_hits"`
	MaxPerSecs       uint32  `json:"max_per_secs"`
	MaxPerMin        uint32  `json:"max_per_min"`
}

// LinksSummary is the optional aggregate summary in a LinksResponse.
type LinksSummary struct {
	SuccessOnFirstAttempt uint64 `json:"success_on_first_attempt"`
	SuccessOnRetry        uint64 `json:"success_on_retry"`
	Failures              uint64 `json:"failures"`
}

// LinksResponse is getLinks' combined result shape.
type LinksResponse struct {
	Status  Status        `json:"status"`
	Summary *LinksSummary `json:"summary,omitempty"`
	Links   []LinkSummary `json:"links,omitempty"`
	Debug   []string      `json:"debug,omitempty"`
}

type getLinksParams struct {
	Workdir string `json:"workdir"`
	Summary bool   `json:"summary"`
	Links   bool   `json:"links"`
	Debug   bool   `json:"debug"`
}

func (s *Server) getLinks(raw json.RawMessage) (interface{}, *rpcError) {
	var p getLinksParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, &rpcError{Code: -32602, Message: "invalid params"}
		}
	}

	wd, ok := s.controller.Workdir(p.Workdir)
	if !ok {
		return nil, &rpcError{Code: -32000, Message: "unknown workdir " + p.Workdir}
	}

	resp := LinksResponse{Status: combinedStatus(wd)}

	servers := wd.Port.Servers()

	if p.Summary {
		summary := &LinksSummary{}
		for _, srv := range servers {
			snap := srv.Stats.Snapshot()
			summary.SuccessOnFirstAttempt += snap.SuccessOnFirstAttempt
			summary.SuccessOnRetry += snap.SuccessOnRetry
			summary.Failures += snap.ReqFailures
		}
		resp.Summary = summary
	}

	if p.Links {
		for _, srv := range servers {
			snap := srv.Stats.Snapshot()
			cfg := srv.Config()
			resp.Links = append(resp.Links, LinkSummary{
				Alias:          srv.Alias(),
				Status:         linkStatus(srv.Selectable(), snap),
				HealthPercent:  normalizeHealth(snap.HealthScore),
				ResponseTimeMs: snap.LatencyEMAMillis,
				SuccessPercent: successPercent(snap),
				ErrorInfo:      snap.ErrorInfo,
				RateLimitHits:  snap.RateLimitHits,
				MaxPerSecs:     cfg.MaxPerSecs,
				MaxPerMin:      cfg.MaxPerMin,
			})
		}
	}

	if p.Debug {
		resp.Debug = logging.Buffer.Recent(debugLogLines)
	}

	return resp, nil
}

func combinedStatus(wd *config.WorkdirState) Status {
	if !wd.Port.IsProxyEnabled() {
		return StatusDisabled
	}
	servers := wd.Port.Servers()
	if len(servers) == 0 {
		return StatusDown
	}
	healthyCount := 0
	for _, srv := range servers {
		if srv.Stats.IsHealthy() {
			healthyCount++
		}
	}
	switch {
	case healthyCount == 0:
		return StatusDown
	case healthyCount < len(servers):
		return StatusDegraded
	default:
		return StatusOK
	}
}

func linkStatus(selectable bool, snap stats.Snapshot) Status {
	if !selectable {
		return StatusDisabled
	}
	if snap.IsHealthy {
		return StatusOK
	}
	return StatusDown
}

// normalizeHealth maps the signed [-100, 100] health score onto a
// [0, 100] display percentage, per §6's "health %" field.
func normalizeHealth(score float64) float64 {
	return (score + 100) / 2
}

func successPercent(snap stats.Snapshot) float64 {
	total := snap.SuccessOnFirstAttempt + snap.SuccessOnRetry + snap.ReqFailures
	if total == 0 {
		return 100
	}
	return 100 * float64(snap.SuccessOnFirstAttempt+snap.SuccessOnRetry) / float64(total)
}
