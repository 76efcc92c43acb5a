package monitor

import (
	"context"
	"time"
)

// Clock fans out AUDIT, UPDATE, and EXEC ticks to one or more inboxes
// at fixed intervals (§4.5, C11). AUDIT runs most often, UPDATE and EXEC
// less so, mirroring the original implementation's multi-rate scheduler.
type Clock struct {
	AuditInterval  time.Duration
	UpdateInterval time.Duration
	ExecInterval   time.Duration

	Inboxes []chan<- Tick
}

// NewClock builds a Clock with the spec's default cadences.
func NewClock(inboxes ...chan<- Tick) *Clock {
	return &Clock{
		AuditInterval:  1 * time.Second,
		UpdateInterval: 5 * time.Second,
		ExecInterval:   15 * time.Second,
		Inboxes:        inboxes,
	}
}

// Run ticks until ctx is cancelled. Intended to run as one supervised
// goroutine alongside the network monitor it feeds.
func (c *Clock) Run(ctx context.Context) {
	audit := time.NewTicker(c.AuditInterval)
	update := time.NewTicker(c.UpdateInterval)
	exec := time.NewTicker(c.ExecInterval)
	defer audit.Stop()
	defer update.Stop()
	defer exec.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-audit.C:
			c.broadcast(Tick{Kind: TickAudit})
		case <-update.C:
			c.broadcast(Tick{Kind: TickUpdate})
		case <-exec.C:
			c.broadcast(Tick{Kind: TickExec})
		}
	}
}

func (c *Clock) broadcast(t Tick) {
	for _, inbox := range c.Inboxes {
		select {
		case inbox <- t:
		default:
			// A full inbox already has an undrained tick of some kind;
			// the receiver's drain-time coalescing (§4.5) absorbs this.
		}
	}
}
