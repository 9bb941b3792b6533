// Package memqueue is an in-process clpr.Queue shared by every middleware in
// a process. Delivery is explicit: nothing reaches an endpoint until the
// caller pulls it with DeliverMessage, DeliverResponse or DeliverAll.
package memqueue

import (
	"context"
	"fmt"
	"sync"

	"github.com/c360/clpr/clpr"
	"github.com/c360/clpr/errors"
)

// Queue holds enqueued envelopes in FIFO order until delivered.
type Queue struct {
	mu        sync.Mutex
	endpoints map[clpr.LedgerID]clpr.Endpoint
	messages  []clpr.MessageEnvelope
	responses []clpr.ResponseEnvelope
	lastID    uint64

	messageCount  int
	responseCount int
}

var _ clpr.Queue = (*Queue)(nil)

// New returns an empty queue. Message ids start at 1.
func New() *Queue {
	return &Queue{endpoints: make(map[clpr.LedgerID]clpr.Endpoint)}
}

// Attach routes envelopes addressed to ep's ledger to ep.
func (q *Queue) Attach(ep clpr.Endpoint) error {
	if ep == nil {
		return errors.WrapFatal(errors.ErrInvalidMiddleware, "Queue", "Attach", "check endpoint")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.endpoints[ep.LedgerID()] = ep
	return nil
}

// EnqueueMessage stores env and returns its global message id.
func (q *Queue) EnqueueMessage(ctx context.Context, env clpr.MessageEnvelope) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, errors.WrapTransient(err, "Queue", "EnqueueMessage", "check context")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lastID++
	env.QueueMessageID = q.lastID
	q.messages = append(q.messages, env)
	q.messageCount++
	return q.lastID, nil
}

// EnqueueResponse stores env for delivery back to its source ledger.
func (q *Queue) EnqueueResponse(ctx context.Context, env clpr.ResponseEnvelope) error {
	if err := ctx.Err(); err != nil {
		return errors.WrapTransient(err, "Queue", "EnqueueResponse", "check context")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.responses = append(q.responses, env)
	q.responseCount++
	return nil
}

// NextMessageID is the id the next EnqueueMessage will return.
func (q *Queue) NextMessageID() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastID + 1
}

// DeliverMessage hands the oldest undelivered message to its destination.
// It reports false when there was nothing to deliver. The envelope is
// consumed even when the endpoint returns an error.
func (q *Queue) DeliverMessage(ctx context.Context) (bool, error) {
	q.mu.Lock()
	if len(q.messages) == 0 {
		q.mu.Unlock()
		return false, nil
	}
	env := q.messages[0]
	q.messages = q.messages[1:]
	ep, ok := q.endpoints[env.DestinationLedger]
	q.mu.Unlock()

	if !ok {
		return true, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrUnknownLedger, env.DestinationLedger),
			"Queue", "DeliverMessage", "resolve destination")
	}
	return true, errors.Wrap(ep.OnMessage(ctx, env), "Queue", "DeliverMessage", "deliver message")
}

// DeliverResponse hands the oldest undelivered response to the ledger that
// sent the original message.
func (q *Queue) DeliverResponse(ctx context.Context) (bool, error) {
	q.mu.Lock()
	if len(q.responses) == 0 {
		q.mu.Unlock()
		return false, nil
	}
	env := q.responses[0]
	q.responses = q.responses[1:]
	ep, ok := q.endpoints[env.SourceLedger]
	q.mu.Unlock()

	if !ok {
		return true, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrUnknownLedger, env.SourceLedger),
			"Queue", "DeliverResponse", "resolve source")
	}
	return true, errors.Wrap(ep.OnResponse(ctx, env), "Queue", "DeliverResponse", "deliver response")
}

// DeliverAll delivers messages and responses until both are drained,
// including responses produced while delivering. It stops at the first error.
func (q *Queue) DeliverAll(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		delivered, err := q.DeliverMessage(ctx)
		if err != nil {
			return err
		}
		if delivered {
			continue
		}
		delivered, err = q.DeliverResponse(ctx)
		if err != nil {
			return err
		}
		if !delivered {
			return nil
		}
	}
}

func (q *Queue) HasPendingMessage() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages) > 0
}

func (q *Queue) HasPendingResponse() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.responses) > 0
}

// MessageCount is the total number of messages ever enqueued.
func (q *Queue) MessageCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.messageCount
}

// ResponseCount is the total number of responses ever enqueued.
func (q *Queue) ResponseCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.responseCount
}
