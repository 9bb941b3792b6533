package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c360/clpr/clpr"
	"github.com/c360/clpr/errors"
)

// inboundKey identifies a message by the ledger that issued it and the id
// that ledger's queue assigned.
type inboundKey struct {
	source clpr.LedgerID
	id     uint64
}

// Queue is the clpr.Queue of a single ledger in a relayed topology.
type Queue struct {
	ledger clpr.LedgerID
	logger *slog.Logger

	mu        sync.Mutex
	endpoint  clpr.Endpoint
	outbound  [][]byte
	responses map[inboundKey][]byte
	processed map[inboundKey]bool
}

var _ clpr.Queue = (*Queue)(nil)

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithQueueLogger sets the queue's logger.
func WithQueueLogger(l *slog.Logger) QueueOption {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// NewQueue returns an empty queue for ledger.
func NewQueue(ledger clpr.LedgerID, opts ...QueueOption) (*Queue, error) {
	if ledger == "" {
		return nil, errors.WrapFatal(errors.ErrInvalidLedger, "Queue", "NewQueue", "check ledger id")
	}
	q := &Queue{
		ledger:    ledger,
		logger:    slog.Default(),
		responses: make(map[inboundKey][]byte),
		processed: make(map[inboundKey]bool),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("component", "relay_queue", "ledger_id", string(ledger))
	return q, nil
}

// LedgerID returns the ledger this queue belongs to.
func (q *Queue) LedgerID() clpr.LedgerID { return q.ledger }

// Attach sets the middleware that receives inbound envelopes.
func (q *Queue) Attach(ep clpr.Endpoint) error {
	if ep == nil {
		return errors.WrapFatal(errors.ErrInvalidMiddleware, "Queue", "Attach", "check endpoint")
	}
	if ep.LedgerID() != q.ledger {
		return errors.WrapFatal(fmt.Errorf("%w: endpoint for %s on queue for %s", errors.ErrInvalidLedger, ep.LedgerID(), q.ledger),
			"Queue", "Attach", "check endpoint ledger")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.endpoint = ep
	return nil
}

// EnqueueMessage encodes env and stores it for relaying.
func (q *Queue) EnqueueMessage(ctx context.Context, env clpr.MessageEnvelope) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, errors.WrapTransient(err, "Queue", "EnqueueMessage", "check context")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	id := uint64(len(q.outbound)) + 1
	env.QueueMessageID = id
	data, err := clpr.EncodeMessage(env)
	if err != nil {
		return 0, errors.Wrap(err, "Queue", "EnqueueMessage", "encode envelope")
	}
	q.outbound = append(q.outbound, data)
	return id, nil
}

// EnqueueResponse stores the response to an inbound message until a relayer
// collects it.
func (q *Queue) EnqueueResponse(ctx context.Context, env clpr.ResponseEnvelope) error {
	if err := ctx.Err(); err != nil {
		return errors.WrapTransient(err, "Queue", "EnqueueResponse", "check context")
	}
	if env.QueueMessageID == 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: response without queue message id", errors.ErrInvalidEnvelope),
			"Queue", "EnqueueResponse", "check envelope")
	}
	data, err := clpr.EncodeResponse(env)
	if err != nil {
		return errors.Wrap(err, "Queue", "EnqueueResponse", "encode envelope")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.responses[inboundKey{source: env.SourceLedger, id: env.QueueMessageID}] = data
	return nil
}

// OutboundMessage returns the encoded message with the given id.
func (q *Queue) OutboundMessage(id uint64) ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if id == 0 || id > uint64(len(q.outbound)) {
		return nil, false
	}
	return q.outbound[id-1], true
}

// OutboundCount is the number of messages ever enqueued.
func (q *Queue) OutboundCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.outbound)
}

// DeliverInboundMessage hands a message relayed from another ledger to the
// attached middleware. A message already processed is not handed over again
// and ErrMessageAlreadyProcessed is returned. The message is marked
// processed only when the middleware accepts it.
func (q *Queue) DeliverInboundMessage(ctx context.Context, id uint64, data []byte) error {
	env, err := clpr.DecodeMessage(data)
	if err != nil {
		return errors.Wrap(err, "Queue", "DeliverInboundMessage", "decode envelope")
	}
	if env.DestinationLedger != q.ledger {
		return errors.WrapInvalid(fmt.Errorf("%w: message for %s", errors.ErrUnknownLedger, env.DestinationLedger),
			"Queue", "DeliverInboundMessage", "check destination")
	}
	env.QueueMessageID = id
	key := inboundKey{source: env.SourceLedger, id: id}

	q.mu.Lock()
	ep := q.endpoint
	if ep == nil {
		q.mu.Unlock()
		return errors.WrapTransient(errors.ErrNotStarted, "Queue", "DeliverInboundMessage", "resolve endpoint")
	}
	if q.processed[key] {
		q.mu.Unlock()
		q.logger.Debug("Inbound message already processed", "source_ledger", string(env.SourceLedger), "message_id", id)
		return errors.WrapInvalid(errors.ErrMessageAlreadyProcessed, "Queue", "DeliverInboundMessage", "check processed")
	}
	q.processed[key] = true
	q.mu.Unlock()

	if err := ep.OnMessage(ctx, env); err != nil {
		q.mu.Lock()
		delete(q.processed, key)
		q.mu.Unlock()
		return errors.Wrap(err, "Queue", "DeliverInboundMessage", "handle message")
	}
	return nil
}

// InboundProcessed reports whether the message id issued by source has been
// handled on this ledger.
func (q *Queue) InboundProcessed(source clpr.LedgerID, id uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processed[inboundKey{source: source, id: id}]
}

// PendingResponse returns the encoded response to message id from source,
// if the middleware has produced one.
func (q *Queue) PendingResponse(source clpr.LedgerID, id uint64) ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, ok := q.responses[inboundKey{source: source, id: id}]
	return data, ok
}

// AckResponse drops a response once it has been relayed.
func (q *Queue) AckResponse(source clpr.LedgerID, id uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.responses, inboundKey{source: source, id: id})
}

// DeliverInboundResponse hands a relayed response to the attached middleware.
func (q *Queue) DeliverInboundResponse(ctx context.Context, data []byte) error {
	env, err := clpr.DecodeResponse(data)
	if err != nil {
		return errors.Wrap(err, "Queue", "DeliverInboundResponse", "decode envelope")
	}
	q.mu.Lock()
	ep := q.endpoint
	q.mu.Unlock()
	if ep == nil {
		return errors.WrapTransient(errors.ErrNotStarted, "Queue", "DeliverInboundResponse", "resolve endpoint")
	}
	return errors.Wrap(ep.OnResponse(ctx, env), "Queue", "DeliverInboundResponse", "handle response")
}
