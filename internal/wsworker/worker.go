// Package wsworker implements the WebSocket worker (C9): it owns one
// outbound WebSocket connection to a single upstream and reconciles a
// desired set of package/object subscriptions against it using the
// subscription state machine. Grounded on the send/receive pump
// structure of tos-network-tos-pool's internal/slave/websocket.go,
// adapted from a mining-server GetWork socket to an outbound JSON-RPC
// subscription client.
package wsworker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/suibase/suibase-proxyd/internal/subscription"
)

// subscribeTimeout is the response-wait bound referenced by S6: "pending
// subscribe response for 30 s with no reply".
const subscribeTimeout = 30 * time.Second

const writeTimeout = 10 * time.Second

// rpcRequest is the minimal JSON-RPC 2.0 envelope sent upstream.
type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

// rpcResponse is the minimal JSON-RPC 2.0 envelope received from the
// upstream, covering both request replies and subscription notifications.
type rpcResponse struct {
	ID     *uint64         `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
	Method string          `json:"method,omitempty"` // present on notifications
	Params json.RawMessage `json:"params,omitempty"`
}

// Worker owns one WS connection to an upstream and a set of trackers,
// one per desired subscription target. The worker is the sole owner of
// the connection and its trackers; other code reaches them only through
// the worker's methods (SetDesired, PruneDeleted), which take its lock.
type Worker struct {
	URL    string
	Logger *zap.SugaredLogger

	mu       sync.Mutex
	conn     *websocket.Conn
	trackers map[string]*subscription.Tracker

	seq uint64

	desired map[string]bool // id -> isPackage

	Dialer *websocket.Dialer
}

// New constructs a Worker for the given upstream WebSocket URL.
func New(url string, logger *zap.SugaredLogger) *Worker {
	return &Worker{
		URL:      url,
		Logger:   logger,
		trackers: make(map[string]*subscription.Tracker),
		desired:  make(map[string]bool),
		Dialer:   websocket.DefaultDialer,
	}
}

// SetDesired replaces the desired subscription set. Newly-added ids get
// fresh trackers; ids no longer desired are marked remove_requested
// (sticky), letting their in-flight state resolve naturally (§4.6).
func (w *Worker) SetDesired(packages, objects []string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	next := make(map[string]bool, len(packages)+len(objects))
	for _, id := range packages {
		next[id] = true
		w.ensureTrackerLocked(id, true)
	}
	for _, id := range objects {
		next[id] = false
		w.ensureTrackerLocked(id, false)
	}

	for id := range w.desired {
		if _, stillWanted := next[id]; !stillWanted {
			if tr, ok := w.trackers[id]; ok {
				tr.ReportRemoveRequest()
			}
		}
	}
	w.desired = next
}

func (w *Worker) ensureTrackerLocked(id string, isPackage bool) *subscription.Tracker {
	if tr, ok := w.trackers[id]; ok {
		return tr
	}
	var tr *subscription.Tracker
	if isPackage {
		tr = subscription.NewForPackage(id)
	} else {
		tr = subscription.NewForObject(id)
	}
	w.trackers[id] = tr
	return tr
}

// Run owns the connection lifecycle: connect, pump reads, reconcile on
// a fixed interval, and reconnect with backoff on disconnect. It runs
// until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := w.connect(ctx); err != nil {
			if w.Logger != nil {
				w.Logger.Warnw("ws dial failed", "url", w.URL, "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		w.runConnected(ctx)
	}
}

func (w *Worker) connect(ctx context.Context) error {
	conn, _, err := w.Dialer.DialContext(ctx, w.URL, nil)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	return nil
}

func (w *Worker) runConnected(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.readPump()
	}()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.closeConn()
			<-done
			return
		case <-done:
			w.handleDisconnect()
			return
		case <-ticker.C:
			w.reconcile()
			w.sweepTimeouts()
		}
	}
}

func (w *Worker) closeConn() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		_ = w.conn.Close()
	}
}

// handleDisconnect moves every tracker to Disconnected, per the DAG's
// "ws closed" edges from Subscribing and Subscribed.
func (w *Worker) handleDisconnect() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, tr := range w.trackers {
		tr.ChangeStateTo(subscription.Disconnected)
	}
}

func (w *Worker) readPump() {
	for {
		w.mu.Lock()
		conn := w.conn
		w.mu.Unlock()
		if conn == nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var resp rpcResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		w.handleMessage(resp)
	}
}

func (w *Worker) handleMessage(resp rpcResponse) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if resp.Method != "" {
		// A subscription notification: correlate by unsubscribe id is
		// out of scope here (payload routing happens upstream of this
		// worker); the worker only needs to know the subscription is alive.
		return
	}
	if resp.ID == nil {
		return
	}
	// Correlate the response id back to the tracker that's waiting on
	// it via sequence-number membership.
	for _, tr := range w.trackers {
		switch tr.State() {
		case subscription.Subscribing:
			if tr.DidSendSubscribeRequest(*resp.ID) {
				if len(resp.Error) > 0 {
					tr.ChangeStateTo(subscription.Disconnected)
					continue
				}
				unsubID := extractUnsubscribeID(resp.Result)
				tr.ReportSubscribingResponse(unsubID)
				tr.ChangeStateTo(subscription.Subscribed)
			}
		case subscription.Unsubscribing:
			if tr.DidSendUnsubscribeRequest(*resp.ID) {
				tr.ReportUnsubscribingResponse()
				tr.ChangeStateTo(subscription.ReadyToDelete)
			}
		}
	}
}

func extractUnsubscribeID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// reconcile drives pending trackers forward: Disconnected+desired sends
// a subscribe request; Subscribed+remove_requested sends an unsubscribe
// request.
func (w *Worker) reconcile() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for id, tr := range w.trackers {
		switch tr.State() {
		case subscription.Disconnected:
			if _, wanted := w.desired[id]; wanted && !tr.IsRemoveRequested() {
				w.sendSubscribeLocked(id, tr)
			}
		case subscription.Subscribed:
			if tr.IsRemoveRequested() {
				w.sendUnsubscribeLocked(id, tr)
			}
		}
	}
}

func (w *Worker) sendSubscribeLocked(id string, tr *subscription.Tracker) {
	w.seq++
	seq := w.seq
	method := "suix_subscribeEvent"
	if !tr.IsPackage() {
		method = "suix_subscribeObject"
	}
	if err := w.writeLocked(rpcRequest{JSONRPC: "2.0", ID: seq, Method: method, Params: []interface{}{id}}); err != nil {
		return
	}
	tr.ChangeStateTo(subscription.Subscribing)
	tr.ReportSubscribingRequest(seq)
}

func (w *Worker) sendUnsubscribeLocked(id string, tr *subscription.Tracker) {
	w.seq++
	seq := w.seq
	if err := w.writeLocked(rpcRequest{JSONRPC: "2.0", ID: seq, Method: "suix_unsubscribeEvent", Params: []interface{}{id}}); err != nil {
		return
	}
	tr.ChangeStateTo(subscription.Unsubscribing)
	tr.ReportUnsubscribingRequest(seq)
}

func (w *Worker) writeLocked(req rpcRequest) error {
	if w.conn == nil {
		return websocket.ErrCloseSent
	}
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.conn.WriteJSON(req)
}

// sweepTimeouts applies HandleSubscribeTimeout to any tracker that has
// been waiting too long for a subscribe response (S6).
func (w *Worker) sweepTimeouts() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, tr := range w.trackers {
		if tr.State() == subscription.Subscribing && tr.SecsSinceLastRequest() >= int64(subscribeTimeout.Seconds()) {
			tr.HandleSubscribeTimeout()
		}
	}
}

// PruneDeleted removes trackers that have reached ReadyToDelete and are
// no longer desired, freeing their bookkeeping.
func (w *Worker) PruneDeleted() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, tr := range w.trackers {
		if tr.State() == subscription.ReadyToDelete && !w.desired[id] {
			delete(w.trackers, id)
		}
	}
}
