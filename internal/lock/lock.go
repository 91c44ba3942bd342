// Package lock arbitrates which sync flow may write to the local store.
//
// There is at most one holder. A request whose priority strictly exceeds an
// abortable holder's priority preempts it: the old holder is flagged aborted
// and must stop at its next checkpoint. Every other conflicting request fails
// immediately; nothing queues.
package lock

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Priority int

const (
	Low    Priority = iota + 1 // full sync
	Medium                     // incremental sync, realtime merge
	High                       // quick sync, offline recovery
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "LOW"
	case Medium:
		return "MEDIUM"
	case High:
		return "HIGH"
	default:
		return "INVALID"
	}
}

// Holder describes the current lock holder.
type Holder struct {
	Owner      string
	Priority   Priority
	AcquiredAt time.Time
}

func (h Holder) abortable() bool { return h.Priority != High }

// Coordinator is the process-wide sync lock. The zero value is not usable; use New.
type Coordinator struct {
	mu      sync.Mutex
	holder  *Holder
	aborted map[string]struct{} // preempted owners that have not released yet
	now     func() time.Time
	log     zerolog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		aborted: make(map[string]struct{}),
		now:     time.Now,
		log:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With().Str("component", "lock").Logger()
	return c
}

// NewOwner returns a unique owner token for one invocation of a flow.
func NewOwner(flow string) string {
	return flow + "/" + uuid.NewString()
}

// Acquire tries to take the lock without blocking.
func (c *Coordinator) Acquire(owner string, p Priority) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.holder == nil {
		c.grant(owner, p)
		return true
	}
	cur := c.holder
	if p > cur.Priority && cur.abortable() {
		c.aborted[cur.Owner] = struct{}{}
		c.log.Info().
			Str("preempted", cur.Owner).Stringer("preempted_priority", cur.Priority).
			Str("owner", owner).Stringer("priority", p).
			Msg("sync lock preempted")
		c.grant(owner, p)
		return true
	}
	c.log.Debug().
		Str("owner", owner).Stringer("priority", p).
		Str("holder", cur.Owner).Stringer("holder_priority", cur.Priority).
		Msg("sync lock denied")
	return false
}

func (c *Coordinator) grant(owner string, p Priority) {
	c.holder = &Holder{Owner: owner, Priority: p, AcquiredAt: c.now()}
	delete(c.aborted, owner)
}

// Release gives the lock back. Releasing a lock one does not hold is a logged no-op.
func (c *Coordinator) Release(owner string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.holder != nil && c.holder.Owner == owner {
		c.holder = nil
		return
	}
	if _, ok := c.aborted[owner]; ok {
		delete(c.aborted, owner)
		c.log.Debug().Str("owner", owner).Msg("preempted owner released")
		return
	}
	c.log.Warn().Str("owner", owner).Msg("release of a sync lock that is not held")
}

func (c *Coordinator) IsHeld() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.holder != nil
}

// Current returns a copy of the current holder.
func (c *Coordinator) Current() (Holder, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.holder == nil {
		return Holder{}, false
	}
	return *c.holder, true
}

// WasAborted reports whether owner was preempted or force-released.
func (c *Coordinator) WasAborted(owner string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.aborted[owner]
	return ok
}

// ForceRelease drops the current holder regardless of owner and flags it aborted.
func (c *Coordinator) ForceRelease(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.holder == nil {
		return
	}
	c.log.Warn().
		Str("owner", c.holder.Owner).
		Dur("held_for", c.now().Sub(c.holder.AcquiredAt)).
		Str("reason", reason).
		Msg("sync lock force released")
	c.aborted[c.holder.Owner] = struct{}{}
	c.holder = nil
}

// IsStale reports whether the lock has been held for longer than timeout.
func (c *Coordinator) IsStale(timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.holder != nil && c.now().Sub(c.holder.AcquiredAt) > timeout
}
