// Package subscription implements the per-(workdir, target) subscription
// state machine used by the WebSocket worker to reconcile a desired set
// of package/event subscriptions with upstream state. Grounded directly
// on the original implementation's
// common/src/workers/subscription_tracking.rs.
package subscription

import (
	"sync"
	"time"
)

// State is a node in the subscription state machine (§4.6).
type State int

const (
	Disconnected State = iota
	Subscribing
	Subscribed
	Unsubscribing
	ReadyToDelete
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Subscribing:
		return "Subscribing"
	case Subscribed:
		return "Subscribed"
	case Unsubscribing:
		return "Unsubscribing"
	case ReadyToDelete:
		return "ReadyToDelete"
	default:
		return "Unknown"
	}
}

// maxPendingSeqNumbers bounds the subscribe/unsubscribe sequence-number
// history kept per tracker, per §3/§4.6.
const maxPendingSeqNumbers = 50

// Tracker holds the subscription identity, state machine, and pending
// request bookkeeping for one (workdir, subscription target) pair. Not
// safe for concurrent use by multiple goroutines except through its own
// methods, which take an internal lock; it is intended to be owned
// exclusively by one WebSocket worker goroutine (§5).
type Tracker struct {
	mu sync.Mutex

	id        string // package id or object id
	isPackage bool

	state             State
	stateChangedAt    time.Time
	requestSentAt     time.Time
	hasRequestSent    bool
	requestRetry      int
	unsubscribeID     string
	hasUnsubscribeID  bool

	subscribeSeq   []uint64
	unsubscribeSeq []uint64

	removeRequested bool
}

// NewForPackage constructs a tracker for a package subscription.
func NewForPackage(id string) *Tracker {
	return &Tracker{id: id, isPackage: true, state: Disconnected, stateChangedAt: time.Now()}
}

// NewForObject constructs a tracker for an object subscription.
func NewForObject(id string) *Tracker {
	return &Tracker{id: id, isPackage: false, state: Disconnected, stateChangedAt: time.Now()}
}

func (t *Tracker) ID() string { return t.id }

func (t *Tracker) IsPackage() bool { return t.isPackage }

func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Tracker) RequestRetry() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.requestRetry
}

func (t *Tracker) IsRemoveRequested() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeRequested
}

// CanBeDeleted reports true only in {Disconnected, ReadyToDelete}: a
// tracker with a pending subscribe/unsubscribe must first resolve or
// time out (§4.6).
func (t *Tracker) CanBeDeleted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == Disconnected || t.state == ReadyToDelete
}

// IsSubscribeRequestPendingResponse reports whether a subscribe request
// was sent and no response (nor ws close) has resolved it yet.
func (t *Tracker) IsSubscribeRequestPendingResponse() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == Subscribing && t.hasRequestSent && !t.hasUnsubscribeID
}

// SecsSinceLastRequest returns seconds since the last subscribe/unsubscribe
// request was sent, or -1 if none is pending.
func (t *Tracker) SecsSinceLastRequest() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.hasRequestSent {
		return -1
	}
	return int64(time.Since(t.requestSentAt).Seconds())
}

// ChangeStateTo transitions the tracker to newState, returning false if
// it was already in that state (a no-op). Entering Disconnected clears
// all pending-request bookkeeping, per §4.6.
func (t *Tracker) ChangeStateTo(newState State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == newState {
		return false
	}
	if newState == Disconnected {
		t.hasRequestSent = false
		t.subscribeSeq = nil
		t.unsubscribeSeq = nil
		t.unsubscribeID = ""
		t.hasUnsubscribeID = false
		t.requestRetry = 0
	}
	t.state = newState
	t.stateChangedAt = time.Now()
	return true
}

// ReportSubscribingRequest records that a subscribe request with
// seqNumber was sent.
func (t *Tracker) ReportSubscribingRequest(seqNumber uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribeSeq = appendBounded(t.subscribeSeq, seqNumber)
	t.requestSentAt = time.Now()
	t.hasRequestSent = true
	t.requestRetry++
}

// ReportSubscribingResponse records a successful subscribe response,
// carrying the server-assigned unsubscribe id.
func (t *Tracker) ReportSubscribingResponse(unsubscribeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hasRequestSent = false
	t.requestRetry = 0
	t.unsubscribeID = unsubscribeID
	t.hasUnsubscribeID = true
}

// ReportUnsubscribingRequest records that an unsubscribe request with
// seqNumber was sent.
func (t *Tracker) ReportUnsubscribingRequest(seqNumber uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unsubscribeSeq = appendBounded(t.unsubscribeSeq, seqNumber)
	t.requestSentAt = time.Now()
	t.hasRequestSent = true
	t.requestRetry++
}

// ReportUnsubscribingResponse records resolution of the unsubscribe
// request (success or timeout collapse to the same bookkeeping reset).
func (t *Tracker) ReportUnsubscribingResponse() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unsubscribeSeq = nil
	t.hasRequestSent = false
	t.requestRetry = 0
	t.unsubscribeID = ""
	t.hasUnsubscribeID = false
}

// ReportRemoveRequest sets the sticky remove_requested bit. Once set it
// can never be cleared (§3).
func (t *Tracker) ReportRemoveRequest() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeRequested = true
}

// DidSendSubscribeRequest reports whether seqNumber is among the
// tracker's recent subscribe sequence numbers.
func (t *Tracker) DidSendSubscribeRequest(seqNumber uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return contains(t.subscribeSeq, seqNumber)
}

// DidSendUnsubscribeRequest reports whether seqNumber is among the
// tracker's recent unsubscribe sequence numbers.
func (t *Tracker) DidSendUnsubscribeRequest(seqNumber uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return contains(t.unsubscribeSeq, seqNumber)
}

func appendBounded(seq []uint64, v uint64) []uint64 {
	seq = append(seq, v)
	if len(seq) > maxPendingSeqNumbers {
		seq = seq[len(seq)-maxPendingSeqNumbers:]
	}
	return seq
}

func contains(seq []uint64, v uint64) bool {
	for _, s := range seq {
		if s == v {
			return true
		}
	}
	return false
}

// HandleSubscribeTimeout applies the S6 scenario: a remove was requested
// while a subscribe response was still pending. If a server-assigned
// unsubscribe id is already known, the tracker moves to Unsubscribing
// (it must clean up the upstream subscription); otherwise, since no
// subscription is known to exist upstream, it goes straight to
// ReadyToDelete.
func (t *Tracker) HandleSubscribeTimeout() {
	t.mu.Lock()
	removeRequested := t.removeRequested
	hasID := t.hasUnsubscribeID
	t.mu.Unlock()

	if !removeRequested {
		t.ChangeStateTo(Disconnected)
		return
	}
	if hasID {
		t.ChangeStateTo(Unsubscribing)
		return
	}
	t.ChangeStateTo(ReadyToDelete)
}
