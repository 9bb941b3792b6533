package clpr_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/c360/clpr/clpr"
	"github.com/c360/clpr/transport/memqueue"
)

const (
	ledgerA clpr.LedgerID = "ledger-a"
	ledgerB clpr.LedgerID = "ledger-b"
)

// network is two middlewares sharing an in-process queue.
type network struct {
	q *memqueue.Queue
	a *clpr.Middleware
	b *clpr.Middleware
}

func newNetwork(t *testing.T, optsA ...clpr.MiddlewareOption) *network {
	t.Helper()
	q := memqueue.New()
	a, err := clpr.NewMiddleware(q, ledgerA, optsA...)
	require.NoError(t, err)
	b, err := clpr.NewMiddleware(q, ledgerB)
	require.NoError(t, err)
	require.NoError(t, q.Attach(a))
	require.NoError(t, q.Attach(b))
	return &network{q: q, a: a, b: b}
}

// connectorPair registers a connector on each ledger. The ledger-b side gets
// the given funds and charges minCharge per delivered message.
func (n *network) connectorPair(t *testing.T, owner string, balance, threshold, minCharge int64) (*clpr.Connector, *clpr.Connector) {
	t.Helper()
	idA, idB := clpr.DeriveConnectorPair("test", owner, ledgerA, ledgerB)
	ca, err := clpr.NewConnector(clpr.ConnectorRecord{
		ID: idA, CounterpartID: idB, LocalLedger: ledgerA, RemoteLedger: ledgerB,
		Unit: "tinybar", Balance: decimal.NewFromInt(1000),
	})
	require.NoError(t, err)
	cb, err := clpr.NewConnector(clpr.ConnectorRecord{
		ID: idB, CounterpartID: idA, LocalLedger: ledgerB, RemoteLedger: ledgerA,
		Unit:            "tinybar",
		Balance:         decimal.NewFromInt(balance),
		SafetyThreshold: decimal.NewFromInt(threshold),
		MinCharge:       decimal.NewFromInt(minCharge),
	})
	require.NoError(t, err)
	require.NoError(t, ca.RegisterWithMiddleware(n.a))
	require.NoError(t, cb.RegisterWithMiddleware(n.b))
	return ca, cb
}

func (n *network) echo(t *testing.T) *clpr.EchoApplication {
	t.Helper()
	echo, err := clpr.NewEchoApplication(n.b, "echo")
	require.NoError(t, err)
	require.NoError(t, n.b.RegisterLocalApplication(echo))
	return echo
}

func (n *network) source(t *testing.T, minCharge int64, connectors ...*clpr.Connector) *clpr.SourceApplication {
	t.Helper()
	ids := make([]clpr.ConnectorID, len(connectors))
	for i, c := range connectors {
		ids[i] = c.ID()
	}
	src, err := clpr.NewSourceApplication(n.a, clpr.SourceConfig{
		ID:                "source",
		DestinationLedger: ledgerB,
		DestinationApp:    "echo",
		Connectors:        ids,
		MinCharge:         decimal.NewFromInt(minCharge),
		Unit:              "tinybar",
	})
	require.NoError(t, err)
	require.NoError(t, n.a.RegisterLocalApplication(src))
	return src
}

// failingQueue refuses every message after the first failAfter.
type failingQueue struct {
	mu        sync.Mutex
	lastID    uint64
	failAfter int
	calls     int
}

func (q *failingQueue) EnqueueMessage(_ context.Context, _ clpr.MessageEnvelope) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	if q.calls > q.failAfter {
		return 0, fmt.Errorf("broker unavailable")
	}
	q.lastID++
	return q.lastID, nil
}

func (q *failingQueue) EnqueueResponse(context.Context, clpr.ResponseEnvelope) error { return nil }

// recordingObserver keeps every event in arrival order.
type recordingObserver struct {
	mu       sync.Mutex
	attempts []clpr.SendAttemptEvent
	resps    []clpr.ResponseEvent
	handled  []clpr.MessageHandledEvent
}

func (o *recordingObserver) SendAttempted(_ context.Context, e clpr.SendAttemptEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts = append(o.attempts, e)
}

func (o *recordingObserver) ResponseReceived(_ context.Context, e clpr.ResponseEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resps = append(o.resps, e)
}

func (o *recordingObserver) MessageHandled(_ context.Context, e clpr.MessageHandledEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handled = append(o.handled, e)
}

// captureQueue keeps every envelope instead of delivering it, so tests can
// hand them to middlewares in any order. The first failResponses calls to
// EnqueueResponse fail.
type captureQueue struct {
	mu            sync.Mutex
	lastID        uint64
	failResponses int
	responseCalls int
	messages      []clpr.MessageEnvelope
	responses     []clpr.ResponseEnvelope
}

func (q *captureQueue) EnqueueMessage(_ context.Context, env clpr.MessageEnvelope) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lastID++
	env.QueueMessageID = q.lastID
	q.messages = append(q.messages, env)
	return q.lastID, nil
}

func (q *captureQueue) EnqueueResponse(_ context.Context, env clpr.ResponseEnvelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.responseCalls++
	if q.failResponses > 0 {
		q.failResponses--
		return fmt.Errorf("broker unavailable")
	}
	q.responses = append(q.responses, env)
	return nil
}

func (q *captureQueue) captured() ([]clpr.MessageEnvelope, []clpr.ResponseEnvelope) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]clpr.MessageEnvelope(nil), q.messages...), append([]clpr.ResponseEnvelope(nil), q.responses...)
}
