package clpr_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/clpr/clpr"
	"github.com/c360/clpr/errors"
)

func baseRecord() clpr.ConnectorRecord {
	return clpr.ConnectorRecord{
		ID:              "conn-a",
		CounterpartID:   "conn-b",
		LocalLedger:     ledgerA,
		RemoteLedger:    ledgerB,
		Unit:            "tinybar",
		Balance:         decimal.NewFromInt(160),
		SafetyThreshold: decimal.NewFromInt(60),
		MinCharge:       decimal.NewFromInt(50),
	}
}

func TestNewConnector_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *clpr.ConnectorRecord)
	}{
		{"missing id", func(r *clpr.ConnectorRecord) { r.ID = "" }},
		{"missing counterpart", func(r *clpr.ConnectorRecord) { r.CounterpartID = "" }},
		{"same ledger", func(r *clpr.ConnectorRecord) { r.RemoteLedger = r.LocalLedger }},
		{"missing unit", func(r *clpr.ConnectorRecord) { r.Unit = "" }},
		{"negative balance", func(r *clpr.ConnectorRecord) { r.Balance = decimal.NewFromInt(-1) }},
		{"commitment without unit", func(r *clpr.ConnectorRecord) {
			r.MaxCommitment = &clpr.Commitment{Value: decimal.NewFromInt(5)}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := baseRecord()
			tt.mutate(&r)
			_, err := clpr.NewConnector(r)
			require.ErrorIs(t, err, errors.ErrInvalidConnector)
			assert.True(t, errors.IsFatal(err))
		})
	}
}

func TestConnector_ChargeRespectsThreshold(t *testing.T) {
	c, err := clpr.NewConnector(baseRecord())
	require.NoError(t, err)
	charge := decimal.NewFromInt(50)

	assert.True(t, c.Charge(charge))
	assert.True(t, c.Charge(charge))
	assert.False(t, c.Charge(charge))
	assert.True(t, decimal.NewFromInt(60).Equal(c.Record().Balance))

	stats := c.Stats()
	assert.Equal(t, 2, stats.ChargeCount)
	assert.Equal(t, 1, stats.ChargeRejectedCount)

	c.Fund(decimal.NewFromInt(50))
	assert.True(t, c.Charge(charge))

	report := c.StatusReport()
	assert.Equal(t, clpr.ConnectorID("conn-a"), report.ConnectorID)
	assert.True(t, decimal.NewFromInt(60).Equal(report.AvailableBalance))
	assert.True(t, decimal.NewFromInt(50).Equal(report.MinimumCharge))
	assert.Equal(t, "tinybar", report.Unit)
	assert.False(t, report.Unavailable)
}

func TestConnector_AuthorizeChecks(t *testing.T) {
	ctx := context.Background()
	r := baseRecord()
	r.MaxCommitment = &clpr.Commitment{Value: decimal.NewFromInt(100), Unit: "tinybar"}
	c, err := clpr.NewConnector(r)
	require.NoError(t, err)

	req := clpr.AuthorizeRequest{Source: "source", MinCharge: decimal.NewFromInt(50), Unit: "tinybar"}
	assert.True(t, c.Authorize(ctx, req))

	over := req
	over.MinCharge = decimal.NewFromInt(101)
	assert.False(t, c.Authorize(ctx, over))

	wrongUnit := req
	wrongUnit.Unit = "hbar"
	assert.False(t, c.Authorize(ctx, wrongUnit))

	c.SetDenyAuthorize(true)
	assert.False(t, c.Authorize(ctx, req))
	c.SetDenyAuthorize(false)
	assert.True(t, c.Authorize(ctx, req))

	stats := c.Stats()
	assert.Equal(t, 5, stats.AuthorizeCount)
	assert.Equal(t, 3, stats.AuthorizeRefusedCount)
}

func TestConnector_PolicyConsultedLast(t *testing.T) {
	ctx := context.Background()
	calls := 0
	counting := clpr.PolicyFunc(func(context.Context, clpr.AuthorizeRequest) bool {
		calls++
		return true
	})
	c, err := clpr.NewConnector(baseRecord(), clpr.WithPolicy(counting))
	require.NoError(t, err)

	c.SetDenyAuthorize(true)
	assert.False(t, c.Authorize(ctx, clpr.AuthorizeRequest{}))
	assert.Zero(t, calls)

	c.SetDenyAuthorize(false)
	assert.True(t, c.Authorize(ctx, clpr.AuthorizeRequest{}))
	assert.Equal(t, 1, calls)
}

func TestPolicies(t *testing.T) {
	ctx := context.Background()
	req := clpr.AuthorizeRequest{}

	assert.True(t, clpr.AllowAll().Authorize(ctx, req))
	assert.False(t, clpr.DenyAll().Authorize(ctx, req))
	assert.True(t, clpr.Chain().Authorize(ctx, req))
	assert.False(t, clpr.Chain(clpr.AllowAll(), clpr.DenyAll()).Authorize(ctx, req))

	limited := clpr.RateLimit(0.001, 2)
	assert.True(t, limited.Authorize(ctx, req))
	assert.True(t, limited.Authorize(ctx, req))
	assert.False(t, limited.Authorize(ctx, req))
}

func TestDeriveConnectorID(t *testing.T) {
	a1 := clpr.DeriveConnectorID("clpr", "owner", ledgerA, ledgerB)
	a2 := clpr.DeriveConnectorID("clpr", "owner", ledgerA, ledgerB)
	assert.Equal(t, a1, a2)
	assert.Len(t, string(a1), 36)

	back := clpr.DeriveConnectorID("clpr", "owner", ledgerB, ledgerA)
	assert.NotEqual(t, a1, back)
	assert.NotEqual(t, a1, clpr.DeriveConnectorID("clpr", "other", ledgerA, ledgerB))

	local, remote := clpr.DeriveConnectorPair("clpr", "owner", ledgerA, ledgerB)
	assert.Equal(t, a1, local)
	assert.Equal(t, back, remote)
}
