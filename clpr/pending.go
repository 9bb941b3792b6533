package clpr

import (
	"fmt"
	"sort"
	"time"

	"github.com/c360/clpr/errors"
)

// PendingPolicy decides when an unanswered message is given up on.
type PendingPolicy interface {
	Expired(entry PendingEntry, now time.Time) bool
}

type retainPending struct{}

func (retainPending) Expired(PendingEntry, time.Time) bool { return false }

// RetainPending keeps unanswered messages pending forever.
func RetainPending() PendingPolicy { return retainPending{} }

type expireAfter struct{ d time.Duration }

func (p expireAfter) Expired(e PendingEntry, now time.Time) bool {
	return now.Sub(e.CreatedAt) >= p.d
}

// ExpireAfter fails messages that stay unanswered for d. d must be positive.
func ExpireAfter(d time.Duration) PendingPolicy { return expireAfter{d: d} }

func validatePendingPolicy(p PendingPolicy) error {
	if ea, ok := p.(expireAfter); ok && ea.d <= 0 {
		return fmt.Errorf("%w: expire-after duration must be positive, got %v", errors.ErrInvalidConfig, ea.d)
	}
	return nil
}

// pendingRegistry holds at most one entry per app message id. Not safe for
// concurrent use; the middleware guards it.
type pendingRegistry map[AppMessageID]PendingEntry

func (r pendingRegistry) add(e PendingEntry) bool {
	if _, exists := r[e.AppMessageID]; exists {
		return false
	}
	e.Exists = true
	e.Status = MessagePending
	r[e.AppMessageID] = e
	return true
}

func (r pendingRegistry) take(id AppMessageID) (PendingEntry, bool) {
	e, ok := r[id]
	if ok {
		delete(r, id)
	}
	return e, ok
}

func (r pendingRegistry) setQueueID(id AppMessageID, queueID uint64) {
	if e, ok := r[id]; ok {
		e.QueueMessageID = queueID
		r[id] = e
	}
}

// takeExpired removes and returns the expired entries in id order.
func (r pendingRegistry) takeExpired(p PendingPolicy, now time.Time) []PendingEntry {
	var out []PendingEntry
	for id, e := range r {
		if p.Expired(e, now) {
			out = append(out, e)
			delete(r, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppMessageID < out[j].AppMessageID })
	return out
}
