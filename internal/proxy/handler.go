// Package proxy implements the inbound HTTP proxy handler: the hot path
// that selects an upstream, forwards the request, records stats, and
// retries on transient failure (spec §4.4).
package proxy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/suibase/suibase-proxyd/internal/port"
	"github.com/suibase/suibase-proxyd/internal/ratelimit"
	"github.com/suibase/suibase-proxyd/internal/stats"
)

// hopByHopHeaders are stripped before forwarding, per RFC 7230 §6.1.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// StatUpdate is the small message sent (non-blocking) from the handler
// to the network monitor whenever an attempt concludes, per §4.4's
// side-effects and §9's lossy-by-design stat channel.
type StatUpdate struct {
	Port        *port.Port
	Index       int
	Initiation  time.Time
	RetryCount  int
	Latency     time.Duration
	OK          bool
	Reason      stats.FailureReason
	RateLimited bool
}

// Handler is the per-Port inbound HTTP proxy handler.
type Handler struct {
	Port *port.Port

	// AttemptTimeout bounds a single upstream round trip.
	AttemptTimeout time.Duration

	// Client performs the actual upstream round trips. Tests may
	// substitute a fake transport.
	Client *http.Client

	// StatUpdates receives a StatUpdate per concluded attempt. Sends are
	// non-blocking: a full channel drops the update rather than stall
	// the hot path (§4.4, §9).
	StatUpdates chan<- StatUpdate

	Logger *zap.SugaredLogger
}

// New builds a Handler for port p with sane defaults.
func New(p *port.Port, statUpdates chan<- StatUpdate, logger *zap.SugaredLogger) *Handler {
	return &Handler{
		Port:           p,
		AttemptTimeout: 30 * time.Second,
		Client:         &http.Client{},
		StatUpdates:    statUpdates,
		Logger:         logger,
	}
}

func (h *Handler) emit(u StatUpdate) {
	if h.StatUpdates == nil {
		return
	}
	select {
	case h.StatUpdates <- u:
	default:
		if h.Logger != nil {
			h.Logger.Debugw("dropping stat update: channel full")
		}
	}
}

// ServeHTTP implements §4.4's algorithm end to end.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	handlerStart := time.Now()

	if !h.Port.IsProxyEnabled() {
		writeError(w, http.StatusServiceUnavailable, "proxy disabled")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed reading request body")
		return
	}

	attempts := h.Port.GetBestTargetServers(uint32(handlerStart.Nanosecond()))
	if len(attempts) == 0 {
		h.emit(StatUpdate{Port: h.Port, Initiation: handlerStart, OK: false, Reason: stats.FailureNoServerAvailable})
		writeError(w, http.StatusServiceUnavailable, "no upstream available")
		return
	}

	retryCount := 0
	for i, attempt := range attempts {
		server := h.Port.Server(attempt.Index)
		if server == nil {
			continue
		}

		if err := server.Limiter.TryAcquire(); err != nil {
			server.Stats.HandleRateLimitHit()
			h.emit(StatUpdate{Port: h.Port, Index: int(attempt.Index), Initiation: handlerStart, RateLimited: true})
			continue
		}

		attemptStart := time.Now()
		resp, sendErr := h.forward(r, attempt.URI, body)
		latency := time.Since(attemptStart)

		if sendErr != nil {
			reason := classifySendError(sendErr)
			server.Stats.HandleRespErr(handlerStart, retryCount, reason)
			h.emit(StatUpdate{Port: h.Port, Index: int(attempt.Index), Initiation: handlerStart, RetryCount: retryCount, Latency: latency, Reason: reason})
			retryCount++
			continue
		}

		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			resp.Body.Close()
			server.Stats.HandleRespErr(handlerStart, retryCount, stats.FailureBadRequestHTTP)
			h.emit(StatUpdate{Port: h.Port, Index: int(attempt.Index), Initiation: handlerStart, RetryCount: retryCount, Latency: latency, Reason: stats.FailureBadRequestHTTP})
			if i == len(attempts)-1 {
				writeError(w, http.StatusServiceUnavailable, "no server responding")
				return
			}
			retryCount++
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			server.Stats.HandleRespErr(handlerStart, retryCount, stats.FailureNoServerResponding)
			h.emit(StatUpdate{Port: h.Port, Index: int(attempt.Index), Initiation: handlerStart, RetryCount: retryCount, Latency: latency, Reason: stats.FailureNoServerResponding})
			retryCount++
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			server.Stats.HandleRespErr(handlerStart, retryCount, stats.FailureRespBytesRx)
			h.emit(StatUpdate{Port: h.Port, Index: int(attempt.Index), Initiation: handlerStart, RetryCount: retryCount, Latency: latency, Reason: stats.FailureRespBytesRx})
			retryCount++
			continue
		}

		server.Stats.HandleRespOK(handlerStart, retryCount, latency)
		h.emit(StatUpdate{Port: h.Port, Index: int(attempt.Index), Initiation: handlerStart, RetryCount: retryCount, Latency: latency, OK: true})

		copyResponseHeaders(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(respBody)
		return
	}

	writeError(w, http.StatusServiceUnavailable, "no server responding")
}

func (h *Handler) forward(r *http.Request, uri string, body []byte) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(r.Context(), h.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, r.Method, uri, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for key, values := range r.Header {
		if isHopByHop(key) {
			continue
		}
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	return h.Client.Do(req)
}

func isHopByHop(header string) bool {
	for _, h := range hopByHopHeaders {
		if http.CanonicalHeaderKey(header) == http.CanonicalHeaderKey(h) {
			return true
		}
	}
	return false
}

// copyResponseHeaders copies all upstream response headers except
// Content-Encoding, per §4.4: the forwarding client transparently
// decompresses, so the encoding header must not be forwarded verbatim.
func copyResponseHeaders(dst, src http.Header) {
	for key, values := range src {
		if http.CanonicalHeaderKey(key) == "Content-Encoding" {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func classifySendError(err error) stats.FailureReason {
	if err == context.DeadlineExceeded {
		return stats.FailureNoServerResponding
	}
	return stats.FailureNoServerResponding
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}

// RateLimitExceededForTest exposes ratelimit.ErrRateLimitExceeded for
// callers outside this package that need to compare against it (e.g.
// integration tests composing a fake limiter).
var RateLimitExceededForTest = ratelimit.ErrRateLimitExceeded
