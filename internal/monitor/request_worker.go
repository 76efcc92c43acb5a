package monitor

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/suibase/suibase-proxyd/internal/port"
	"github.com/suibase/suibase-proxyd/internal/stats"
	"github.com/suibase/suibase-proxyd/internal/upstream"
)

// probeBody is a minimal JSON-RPC call cheap enough for every upstream
// to answer without touching chain state.
const probeBody = `{"jsonrpc":"2.0","id":1,"method":"rpc.discover","params":[]}`

// RequestWorker performs one probe per invocation against a single
// upstream, per §4.5: "a lightweight JSON-RPC call to the upstream,
// measuring prep + network latency".
type RequestWorker struct {
	Client  *http.Client
	Timeout time.Duration
}

// Probe issues one request against s and reports the outcome to out.
// It never touches s.Stats directly: the monitor applies the result,
// failures via HandleReqFailedInternal and successes via
// HandleLatencyReport.
func (w *RequestWorker) Probe(ctx context.Context, p *port.Port, s *upstream.Server, out chan<- ProbeResult) {
	timeout := w.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, s.RPC(), bytes.NewReader([]byte(probeBody)))
	if err != nil {
		send(out, ProbeResult{Port: p, Index: s.Index(), OK: false, Reason: stats.FailureRespBuilder})
		return
	}
	req.Header.Set("Content-Type", "application/json")

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		send(out, ProbeResult{Port: p, Index: s.Index(), OK: false, Reason: stats.FailureNoServerResponding})
		return
	}
	defer resp.Body.Close()

	latency := time.Since(start)

	if resp.StatusCode >= 500 {
		send(out, ProbeResult{Port: p, Index: s.Index(), OK: false, Reason: stats.FailureNoServerResponding})
		return
	}

	send(out, ProbeResult{Port: p, Index: s.Index(), OK: true, Latency: latency})
}

func send(out chan<- ProbeResult, r ProbeResult) {
	select {
	case out <- r:
	default:
	}
}
