package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/c360/clpr/clpr"
	"github.com/c360/clpr/errors"
	"github.com/c360/clpr/metric"
	"github.com/c360/clpr/store"
	"github.com/c360/clpr/transport/relay"
)

const (
	ledgerA clpr.LedgerID = "ledger-a"
	ledgerB clpr.LedgerID = "ledger-b"
	unit                  = "tinybar"
)

// scenarioConfig tunes the two-ledger run.
type scenarioConfig struct {
	Sends           int
	PollInterval    time.Duration
	StartMessageID  uint64
	ResponseTimeout time.Duration
	// StatePath persists ledger-a's view of remote funds between runs.
	StatePath string
	Registry  *metric.MetricsRegistry
	Logger    *slog.Logger
}

// connectorSetup is the ledger-b side of one connector pair. The ledger-a
// side is funded generously; only the destination charges.
type connectorSetup struct {
	Name      string
	Balance   int64
	Threshold int64
	MinCharge int64
}

var scenarioConnectors = []connectorSetup{
	{Name: "primary", Balance: 160, Threshold: 60, MinCharge: 50},
	{Name: "backup", Balance: 1000, Threshold: 60, MinCharge: 50},
}

type sendOutcome struct {
	Send           int                `json:"send"`
	Accepted       bool               `json:"accepted"`
	Connector      string             `json:"connector,omitempty"`
	AppMessageID   clpr.AppMessageID  `json:"app_message_id,omitempty"`
	QueueMessageID uint64             `json:"queue_message_id,omitempty"`
	Attempts       []clpr.SendAttempt `json:"attempts"`
	ResponseStatus string             `json:"response_status,omitempty"`
	Error          string             `json:"error,omitempty"`
}

type connectorReport struct {
	Name             string              `json:"name"`
	DestinationFunds string              `json:"destination_funds"`
	Source           clpr.ConnectorStats `json:"source_stats"`
	Destination      clpr.ConnectorStats `json:"destination_stats"`
}

type report struct {
	Outcomes         []sendOutcome        `json:"outcomes"`
	Connectors       []connectorReport    `json:"connectors"`
	SourceStats      clpr.MiddlewareStats `json:"source_stats"`
	DestinationStats clpr.MiddlewareStats `json:"destination_stats"`
	WarmStarted      int                  `json:"warm_started"`
	EchoRequests     int                  `json:"echo_requests"`
	Responses        int                  `json:"responses"`
}

type connectorPair struct {
	setup connectorSetup
	a, b  *clpr.Connector
}

// runScenario wires ledger-a and ledger-b through relayed queues, sends
// cfg.Sends payloads from a source on ledger-a to an echo on ledger-b and
// waits for each response before the next send.
func runScenario(ctx context.Context, cfg scenarioConfig) (*report, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	qa, err := relay.NewQueue(ledgerA, relay.WithQueueLogger(logger))
	if err != nil {
		return nil, err
	}
	qb, err := relay.NewQueue(ledgerB, relay.WithQueueLogger(logger))
	if err != nil {
		return nil, err
	}

	optsA := []clpr.MiddlewareOption{clpr.WithLogger(logger), clpr.WithMetrics(cfg.Registry)}
	if cfg.StatePath != "" {
		state, err := store.OpenBoltStatusStore(cfg.StatePath)
		if err != nil {
			return nil, err
		}
		defer state.Close()
		optsA = append(optsA, clpr.WithStatusPersister(state))
	}
	mwA, err := clpr.NewMiddleware(qa, ledgerA, optsA...)
	if err != nil {
		return nil, err
	}
	mwB, err := clpr.NewMiddleware(qb, ledgerB, clpr.WithLogger(logger), clpr.WithMetrics(cfg.Registry))
	if err != nil {
		return nil, err
	}
	if err := qa.Attach(mwA); err != nil {
		return nil, err
	}
	if err := qb.Attach(mwB); err != nil {
		return nil, err
	}

	pairs := make([]connectorPair, 0, len(scenarioConnectors))
	names := make(map[clpr.ConnectorID]string, len(scenarioConnectors))
	ids := make([]clpr.ConnectorID, 0, len(scenarioConnectors))
	for _, setup := range scenarioConnectors {
		pair, err := newConnectorPair(mwA, mwB, setup)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, pair)
		names[pair.a.ID()] = setup.Name
		ids = append(ids, pair.a.ID())
	}

	echo, err := clpr.NewEchoApplication(mwB, "echo")
	if err != nil {
		return nil, err
	}
	if err := mwB.RegisterLocalApplication(echo); err != nil {
		return nil, err
	}
	src, err := clpr.NewSourceApplication(mwA, clpr.SourceConfig{
		ID:                "source",
		DestinationLedger: ledgerB,
		DestinationApp:    "echo",
		Connectors:        ids,
		MinCharge:         decimal.NewFromInt(50),
		Unit:              unit,
	})
	if err != nil {
		return nil, err
	}
	if err := mwA.RegisterLocalApplication(src); err != nil {
		return nil, err
	}

	rep := &report{}
	if cfg.StatePath != "" {
		if rep.WarmStarted, err = mwA.WarmStart(ctx); err != nil {
			return nil, err
		}
	}

	relayer, err := relay.NewRelayer(qa, qb,
		relay.WithPollInterval(cfg.PollInterval),
		relay.WithStartMessageID(cfg.StartMessageID),
		relay.WithRelayLogger(logger),
		relay.WithRelayMetrics(cfg.Registry))
	if err != nil {
		return nil, err
	}
	runCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = relayer.Run(runCtx)
	}()
	defer func() {
		stop()
		<-done
	}()

	for i := 1; i <= cfg.Sends; i++ {
		outcome, err := sendOnce(ctx, src, i, names, cfg.ResponseTimeout)
		if err != nil {
			return nil, err
		}
		logger.Info("Send complete", "send", i, "accepted", outcome.Accepted, "connector", outcome.Connector)
		rep.Outcomes = append(rep.Outcomes, outcome)
	}

	for _, pair := range pairs {
		rep.Connectors = append(rep.Connectors, connectorReport{
			Name:             pair.setup.Name,
			DestinationFunds: pair.b.StatusReport().AvailableBalance.String(),
			Source:           pair.a.Stats(),
			Destination:      pair.b.Stats(),
		})
	}
	rep.SourceStats = mwA.Stats()
	rep.DestinationStats = mwB.Stats()
	rep.EchoRequests = echo.RequestCount()
	rep.Responses = src.ResponseCount()
	return rep, nil
}

func newConnectorPair(mwA, mwB *clpr.Middleware, setup connectorSetup) (connectorPair, error) {
	idA, idB := clpr.DeriveConnectorPair("smoke", setup.Name, ledgerA, ledgerB)
	a, err := clpr.NewConnector(clpr.ConnectorRecord{
		ID: idA, CounterpartID: idB, LocalLedger: ledgerA, RemoteLedger: ledgerB,
		Unit: unit, Balance: decimal.NewFromInt(10_000),
	})
	if err != nil {
		return connectorPair{}, err
	}
	b, err := clpr.NewConnector(clpr.ConnectorRecord{
		ID: idB, CounterpartID: idA, LocalLedger: ledgerB, RemoteLedger: ledgerA,
		Unit:            unit,
		Balance:         decimal.NewFromInt(setup.Balance),
		SafetyThreshold: decimal.NewFromInt(setup.Threshold),
		MinCharge:       decimal.NewFromInt(setup.MinCharge),
	})
	if err != nil {
		return connectorPair{}, err
	}
	if err := a.RegisterWithMiddleware(mwA); err != nil {
		return connectorPair{}, err
	}
	if err := b.RegisterWithMiddleware(mwB); err != nil {
		return connectorPair{}, err
	}
	return connectorPair{setup: setup, a: a, b: b}, nil
}

func sendOnce(ctx context.Context, src *clpr.SourceApplication, n int, names map[clpr.ConnectorID]string, timeout time.Duration) (sendOutcome, error) {
	before := src.ResponseCount()
	result, err := src.SendWithFailover(ctx, []byte(fmt.Sprintf("smoke-%d", n)))
	if err != nil && !errors.Is(err, errors.ErrConnectorsExhausted) {
		return sendOutcome{}, err
	}

	out := sendOutcome{Send: n}
	if result != nil {
		out.Accepted = result.Accepted
		out.Connector = names[result.Connector]
		out.AppMessageID = result.AppMessageID
		out.QueueMessageID = result.QueueMessageID
		out.Attempts = result.Attempts
	}
	if err != nil {
		out.Error = err.Error()
		return out, nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()
	for src.ResponseCount() == before {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-deadline.C:
			return out, errors.WrapTransient(
				fmt.Errorf("%w: no response for send %d after %v", errors.ErrConnectionTimeout, n, timeout),
				"smoke", "sendOnce", "wait for response")
		case <-tick.C:
		}
	}
	if resp, ok := src.LastResponse(); ok {
		out.ResponseStatus = resp.Status.String()
	}
	return out, nil
}
