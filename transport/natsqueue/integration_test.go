//go:build integration

package natsqueue

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/clpr/clpr"
	"github.com/c360/clpr/natsclient"
)

func TestIntegration_ScenarioOverJetStream(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	qa, err := New(tc.Client, "ledger-a", WithAckWait(5*time.Second))
	require.NoError(t, err)
	qb, err := New(tc.Client, "ledger-b", WithAckWait(5*time.Second))
	require.NoError(t, err)
	require.NoError(t, qa.Setup(ctx))

	a, err := clpr.NewMiddleware(qa, "ledger-a")
	require.NoError(t, err)
	b, err := clpr.NewMiddleware(qb, "ledger-b")
	require.NoError(t, err)
	require.NoError(t, qa.Start(ctx, a))
	require.NoError(t, qb.Start(ctx, b))

	var srcIDs []clpr.ConnectorID
	var lowB clpr.ConnectorID
	for i, funds := range []int64{1000, 160, 1000} {
		owner := []string{"one", "two", "three"}[i]
		idA, idB := clpr.DeriveConnectorPair("it", owner, "ledger-a", "ledger-b")
		ca, err := clpr.NewConnector(clpr.ConnectorRecord{
			ID: idA, CounterpartID: idB, LocalLedger: "ledger-a", RemoteLedger: "ledger-b", Unit: "tinybar",
		})
		require.NoError(t, err)
		cb, err := clpr.NewConnector(clpr.ConnectorRecord{
			ID: idB, CounterpartID: idA, LocalLedger: "ledger-b", RemoteLedger: "ledger-a", Unit: "tinybar",
			Balance: decimal.NewFromInt(funds), SafetyThreshold: decimal.NewFromInt(60), MinCharge: decimal.NewFromInt(50),
		})
		require.NoError(t, err)
		require.NoError(t, ca.RegisterWithMiddleware(a))
		require.NoError(t, cb.RegisterWithMiddleware(b))
		if i == 0 {
			ca.SetDenyAuthorize(true)
		}
		if i == 1 {
			lowB = idB
		}
		srcIDs = append(srcIDs, idA)
	}

	echo, err := clpr.NewEchoApplication(b, "echo")
	require.NoError(t, err)
	require.NoError(t, b.RegisterLocalApplication(echo))
	src, err := clpr.NewSourceApplication(a, clpr.SourceConfig{
		ID: "source", DestinationLedger: "ledger-b", DestinationApp: "echo",
		Connectors: srcIDs, MinCharge: decimal.NewFromInt(50), Unit: "tinybar",
	})
	require.NoError(t, err)
	require.NoError(t, a.RegisterLocalApplication(src))

	for i := 1; i <= 2; i++ {
		res, err := src.SendWithFailover(ctx, []byte("ping"))
		require.NoError(t, err)
		assert.Equal(t, srcIDs[1], res.Connector)
		require.Eventually(t, func() bool { return src.ResponseCount() == i }, 10*time.Second, 20*time.Millisecond)
	}
	require.True(t, a.RemoteStatus(lowB).Insufficient(decimal.NewFromInt(50)))

	res, err := src.SendWithFailover(ctx, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, srcIDs[2], res.Connector)
	require.Len(t, res.Attempts, 3)
	assert.Equal(t, clpr.ReasonConnectorOutOfFunds, res.Attempts[1].Reason)

	require.Eventually(t, func() bool { return src.ResponseCount() == 3 }, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, 3, echo.RequestCount())
}
