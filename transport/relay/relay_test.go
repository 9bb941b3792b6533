package relay

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/clpr/clpr"
	"github.com/c360/clpr/errors"
	"github.com/c360/clpr/metric"
	"github.com/c360/clpr/pkg/retry"
)

const (
	ledgerA clpr.LedgerID = "ledger-a"
	ledgerB clpr.LedgerID = "ledger-b"
)

type relayedPair struct {
	qa, qb *Queue
	a, b   *clpr.Middleware
	echo   *clpr.EchoApplication
	src    *clpr.SourceApplication
	remote clpr.ConnectorID
}

func newRelayedPair(t *testing.T, attachB bool) *relayedPair {
	t.Helper()
	qa, err := NewQueue(ledgerA)
	require.NoError(t, err)
	qb, err := NewQueue(ledgerB)
	require.NoError(t, err)

	a, err := clpr.NewMiddleware(qa, ledgerA)
	require.NoError(t, err)
	b, err := clpr.NewMiddleware(qb, ledgerB)
	require.NoError(t, err)
	require.NoError(t, qa.Attach(a))
	if attachB {
		require.NoError(t, qb.Attach(b))
	}

	idA, idB := clpr.DeriveConnectorPair("test", "relay", ledgerA, ledgerB)
	ca, err := clpr.NewConnector(clpr.ConnectorRecord{
		ID: idA, CounterpartID: idB, LocalLedger: ledgerA, RemoteLedger: ledgerB, Unit: "tinybar",
	})
	require.NoError(t, err)
	cb, err := clpr.NewConnector(clpr.ConnectorRecord{
		ID: idB, CounterpartID: idA, LocalLedger: ledgerB, RemoteLedger: ledgerA, Unit: "tinybar",
		Balance: decimal.NewFromInt(160), SafetyThreshold: decimal.NewFromInt(60), MinCharge: decimal.NewFromInt(50),
	})
	require.NoError(t, err)
	require.NoError(t, ca.RegisterWithMiddleware(a))
	require.NoError(t, cb.RegisterWithMiddleware(b))

	echo, err := clpr.NewEchoApplication(b, "echo")
	require.NoError(t, err)
	require.NoError(t, b.RegisterLocalApplication(echo))
	src, err := clpr.NewSourceApplication(a, clpr.SourceConfig{
		ID: "source", DestinationLedger: ledgerB, DestinationApp: "echo",
		Connectors: []clpr.ConnectorID{idA}, MinCharge: decimal.NewFromInt(50), Unit: "tinybar",
	})
	require.NoError(t, err)
	require.NoError(t, a.RegisterLocalApplication(src))

	return &relayedPair{qa: qa, qb: qb, a: a, b: b, echo: echo, src: src, remote: idB}
}

func quickRetry() Option {
	return WithRetry(retry.Config{MaxAttempts: 1})
}

func TestNewQueue_Validation(t *testing.T) {
	_, err := NewQueue("")
	require.ErrorIs(t, err, errors.ErrInvalidLedger)

	q, err := NewQueue(ledgerA)
	require.NoError(t, err)
	require.Error(t, q.Attach(nil))

	other, err := clpr.NewMiddleware(q, ledgerB)
	require.NoError(t, err)
	err = q.Attach(other)
	require.ErrorIs(t, err, errors.ErrInvalidLedger)
}

func TestQueue_OutboundIDs(t *testing.T) {
	p := newRelayedPair(t, true)
	ctx := context.Background()

	for want := uint64(1); want <= 2; want++ {
		res, err := p.src.SendWithFailover(ctx, []byte("x"))
		require.NoError(t, err)
		assert.Equal(t, want, res.QueueMessageID)
	}
	assert.Equal(t, 2, p.qa.OutboundCount())

	_, ok := p.qa.OutboundMessage(0)
	assert.False(t, ok)
	_, ok = p.qa.OutboundMessage(3)
	assert.False(t, ok)

	data, ok := p.qa.OutboundMessage(2)
	require.True(t, ok)
	env, err := clpr.DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), env.QueueMessageID)
	assert.Equal(t, ledgerB, env.DestinationLedger)
}

func TestRelayer_RoundTrip(t *testing.T) {
	p := newRelayedPair(t, true)
	ctx := context.Background()
	reg := metric.NewMetricsRegistry()
	r, err := NewRelayer(p.qa, p.qb, quickRetry(), WithRelayMetrics(reg))
	require.NoError(t, err)

	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	_, err = p.src.SendWithFailover(ctx, payload)
	require.NoError(t, err)

	n, err := r.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.True(t, p.qb.InboundProcessed(ledgerA, 1))
	assert.Equal(t, 1, p.echo.RequestCount())
	resp, ok := p.src.LastResponse()
	require.True(t, ok)
	assert.True(t, resp.Success)
	assert.Equal(t, payload, resp.Payload)
	assert.Equal(t, uint64(2), r.NextMessageID())
	assert.Zero(t, r.AwaitingResponses())
	_, pending := p.qb.PendingResponse(ledgerA, 1)
	assert.False(t, pending)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.envelopes.WithLabelValues("message", "relayed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.envelopes.WithLabelValues("response", "relayed")))

	status := p.a.RemoteStatus(p.remote)
	assert.True(t, decimal.NewFromInt(110).Equal(status.AvailableBalance))
}

func TestQueue_DeliverInboundIdempotent(t *testing.T) {
	p := newRelayedPair(t, true)
	ctx := context.Background()
	_, err := p.src.SendWithFailover(ctx, []byte("once"))
	require.NoError(t, err)
	data, ok := p.qa.OutboundMessage(1)
	require.True(t, ok)

	require.NoError(t, p.qb.DeliverInboundMessage(ctx, 1, data))
	err = p.qb.DeliverInboundMessage(ctx, 1, data)
	require.ErrorIs(t, err, errors.ErrMessageAlreadyProcessed)
	assert.Equal(t, 1, p.echo.RequestCount())
}

func TestQueue_DeliverInboundRejectsOtherLedger(t *testing.T) {
	p := newRelayedPair(t, true)
	ctx := context.Background()
	_, err := p.src.SendWithFailover(ctx, []byte("x"))
	require.NoError(t, err)
	data, _ := p.qa.OutboundMessage(1)

	err = p.qa.DeliverInboundMessage(ctx, 1, data)
	require.ErrorIs(t, err, errors.ErrUnknownLedger)

	err = p.qb.DeliverInboundMessage(ctx, 1, []byte("garbage"))
	require.ErrorIs(t, err, errors.ErrInvalidEnvelope)
}

func TestRelayer_RestartDoesNotRedeliver(t *testing.T) {
	p := newRelayedPair(t, true)
	ctx := context.Background()
	first, err := NewRelayer(p.qa, p.qb, quickRetry())
	require.NoError(t, err)

	_, err = p.src.SendWithFailover(ctx, []byte("x"))
	require.NoError(t, err)
	_, err = first.Poll(ctx)
	require.NoError(t, err)

	restarted, err := NewRelayer(p.qa, p.qb, quickRetry(), WithStartMessageID(1))
	require.NoError(t, err)
	n, err := restarted.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, uint64(2), restarted.NextMessageID())
	assert.Zero(t, restarted.AwaitingResponses())
	assert.Equal(t, 1, p.echo.RequestCount())
	assert.Equal(t, 1, p.src.ResponseCount())
}

func TestRelayer_TransientFailureRetriedNextPoll(t *testing.T) {
	p := newRelayedPair(t, false)
	ctx := context.Background()
	r, err := NewRelayer(p.qa, p.qb, quickRetry())
	require.NoError(t, err)

	_, err = p.src.SendWithFailover(ctx, []byte("x"))
	require.NoError(t, err)

	_, err = r.Poll(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, uint64(1), r.NextMessageID())
	assert.False(t, p.qb.InboundProcessed(ledgerA, 1))

	require.NoError(t, p.qb.Attach(p.b))
	n, err := r.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, p.src.ResponseCount())
}

func TestRelayer_SkipsMessagesForOtherLedgers(t *testing.T) {
	ctx := context.Background()
	qa, err := NewQueue(ledgerA)
	require.NoError(t, err)
	qb, err := NewQueue(ledgerB)
	require.NoError(t, err)

	_, err = qa.EnqueueMessage(ctx, clpr.MessageEnvelope{
		Version: clpr.EnvelopeVersion, AppMessageID: 1, SourceLedger: ledgerA, DestinationLedger: "ledger-c",
		SourceApp: "source", DestinationApp: "echo", DestinationConnector: "conn-c",
	})
	require.NoError(t, err)

	r, err := NewRelayer(qa, qb, quickRetry())
	require.NoError(t, err)
	n, err := r.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, uint64(2), r.NextMessageID())
}

func TestRelayer_Run(t *testing.T) {
	p := newRelayedPair(t, true)
	r, err := NewRelayer(p.qa, p.qb, quickRetry(), WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	_, err = p.src.SendWithFailover(ctx, []byte("x"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.src.ResponseCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relayer did not stop")
	}
}

func TestNewRelayer_Validation(t *testing.T) {
	qa, err := NewQueue(ledgerA)
	require.NoError(t, err)
	qb, err := NewQueue(ledgerB)
	require.NoError(t, err)

	_, err = NewRelayer(nil, qb)
	require.ErrorIs(t, err, errors.ErrInvalidQueue)

	_, err = NewRelayer(qa, qa)
	require.ErrorIs(t, err, errors.ErrInvalidConfig)

	_, err = NewRelayer(qa, qb, WithPollInterval(0))
	require.ErrorIs(t, err, errors.ErrInvalidConfig)
	assert.True(t, errors.IsFatal(err))

	_, err = NewRelayer(qa, qb, WithStartMessageID(0))
	require.ErrorIs(t, err, errors.ErrInvalidConfig)
}
