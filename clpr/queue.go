package clpr

import "context"

// Queue carries envelopes between middlewares. EnqueueMessage returns a
// strictly increasing global id. Delivery is asynchronous: callers must not
// expect OnMessage or OnResponse to run before Enqueue returns.
type Queue interface {
	EnqueueMessage(ctx context.Context, env MessageEnvelope) (uint64, error)
	EnqueueResponse(ctx context.Context, env ResponseEnvelope) error
}

// Endpoint is the receiving side of a Queue. *Middleware implements it.
type Endpoint interface {
	LedgerID() LedgerID
	OnMessage(ctx context.Context, env MessageEnvelope) error
	OnResponse(ctx context.Context, env ResponseEnvelope) error
}
