package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/clpr/errors"
)

const sampleYAML = `
node:
  ledger_id: ledger-a
  log_level: debug
nats:
  urls: ["nats://nats-1:4222"]
connectors:
  - name: bridge-1
    remote_ledger: ledger-b
    unit: WETH
    balance: 160
    safety_threshold: "60"
    min_charge: 50
    max_commitment: {value: 50, unit: WETH}
  - name: bridge-2
    remote_ledger: ledger-b
    unit: WETH
    balance: 500
    safety_threshold: 0
    min_charge: 1
    rate_limit: {per_second: 5, burst: 2}
applications:
  - id: echo
    kind: echo
  - id: sender
    kind: source
    destination_ledger: ledger-b
    destination_app: echo
    connectors: [bridge-1, bridge-2]
    min_charge: 50
    unit: WETH
pending:
  policy: expire
  expire_after: 30s
relayer:
  poll_interval: 250
`

func newTestLoader(env map[string]string) *Loader {
	l := NewLoader()
	l.getenv = func(key string) string { return env[key] }
	return l
}

func TestLoad_YAML(t *testing.T) {
	cfg, err := newTestLoader(nil).Load([]byte(sampleYAML), FormatYAML)
	require.NoError(t, err)

	assert.Equal(t, "ledger-a", cfg.Node.LedgerID)
	assert.Equal(t, "debug", cfg.Node.LogLevel)
	assert.Equal(t, "json", cfg.Node.LogFormat)
	assert.Equal(t, []string{"nats://nats-1:4222"}, cfg.NATS.URLs)
	assert.Equal(t, "CLPR", cfg.NATS.Stream)

	require.Len(t, cfg.Connectors, 2)
	assert.True(t, cfg.Connectors[0].Balance.Equal(decimal.NewFromInt(160)))
	assert.True(t, cfg.Connectors[0].SafetyThreshold.Equal(decimal.NewFromInt(60)))
	require.NotNil(t, cfg.Connectors[0].MaxCommitment)
	assert.Equal(t, "WETH", cfg.Connectors[0].MaxCommitment.Unit)
	require.NotNil(t, cfg.Connectors[1].RateLimit)
	assert.Equal(t, 2, cfg.Connectors[1].RateLimit.Burst)

	assert.Equal(t, PendingExpire, cfg.Pending.Policy)
	assert.Equal(t, 30*time.Second, cfg.Pending.ExpireAfter.Duration)
	assert.Equal(t, 250*time.Millisecond, cfg.Relayer.PollInterval.Duration)
	assert.Equal(t, uint64(1), cfg.Relayer.StartMessageID)

	conn, ok := cfg.Connector("bridge-2")
	assert.True(t, ok)
	assert.Equal(t, "ledger-b", conn.RemoteLedger)
}

func TestLoad_JSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"node": {"ledger_id": "ledger-b"},
		"applications": [{"id": "echo", "kind": "echo"}]
	}`), 0o600))

	cfg, err := newTestLoader(nil).LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "ledger-b", cfg.Node.LedgerID)
	assert.Equal(t, PendingRetain, cfg.Pending.Policy)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoad_EnvOverrides(t *testing.T) {
	cfg, err := newTestLoader(map[string]string{
		"CLPR_LEDGER_ID":  "ledger-z",
		"CLPR_NATS_URLS":  "nats://a:4222, nats://b:4222",
		"CLPR_NATS_TOKEN": "s3cret",
	}).Load([]byte(`node: {ledger_id: ledger-a}`), FormatYAML)
	require.NoError(t, err)

	assert.Equal(t, "ledger-z", cfg.Node.LedgerID)
	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.NATS.URLs)
	assert.NotContains(t, cfg.String(), "s3cret")
}

func TestLoad_SchemaRejections(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown top-level key", `{"node": {"ledger_id": "a"}, "graph": {}}`},
		{"bad log level", `{"node": {"ledger_id": "a", "log_level": "loud"}}`},
		{"connector missing unit", `{"node": {"ledger_id": "a"}, "connectors": [{"name": "c", "remote_ledger": "b", "balance": 1, "safety_threshold": 0, "min_charge": 1}]}`},
		{"bad amount", `{"node": {"ledger_id": "a"}, "connectors": [{"name": "c", "remote_ledger": "b", "unit": "U", "balance": "lots", "safety_threshold": 0, "min_charge": 1}]}`},
		{"bad app kind", `{"node": {"ledger_id": "a"}, "applications": [{"id": "x", "kind": "relay"}]}`},
		{"malformed", `{"node": `},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestLoader(nil).Load([]byte(tt.doc), FormatJSON)
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrInvalidConfig)
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Node.LedgerID = "ledger-a"
		cfg.Connectors = []ConnectorConfig{{
			Name: "bridge-1", RemoteLedger: "ledger-b", Unit: "WETH",
			Balance: decimal.NewFromInt(160), SafetyThreshold: decimal.NewFromInt(60), MinCharge: decimal.NewFromInt(50),
		}}
		cfg.Applications = []ApplicationConfig{{
			ID: "sender", Kind: AppKindSource, DestinationLedger: "ledger-b", DestinationApp: "echo",
			Connectors: []string{"bridge-1"},
		}}
		return cfg
	}

	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing ledger", func(c *Config) { c.Node.LedgerID = "" }},
		{"no nats urls", func(c *Config) { c.NATS.URLs = nil }},
		{"duplicate connector", func(c *Config) { c.Connectors = append(c.Connectors, c.Connectors[0]) }},
		{"loopback connector", func(c *Config) { c.Connectors[0].RemoteLedger = "ledger-a" }},
		{"negative balance", func(c *Config) { c.Connectors[0].Balance = decimal.NewFromInt(-1) }},
		{"unknown connector ref", func(c *Config) { c.Applications[0].Connectors = []string{"nope"} }},
		{"source without destination", func(c *Config) { c.Applications[0].DestinationApp = "" }},
		{"expire without duration", func(c *Config) { c.Pending.Policy = PendingExpire }},
		{"expire without sweep interval", func(c *Config) {
			c.Pending = PendingConfig{Policy: PendingExpire, ExpireAfter: Duration{time.Minute}}
		}},
		{"zero relayer poll interval", func(c *Config) { c.Relayer.PollInterval = Duration{} }},
		{"zero relayer start id", func(c *Config) { c.Relayer.StartMessageID = 0 }},
		{"bad rate limit", func(c *Config) { c.Connectors[0].RateLimit = &RateLimitConfig{PerSecond: 0, Burst: 1} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrInvalidConfig)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestLoad_ExpireNeedsSweepInterval(t *testing.T) {
	doc := `
node: {ledger_id: ledger-a}
pending: {policy: expire, expire_after: 1m, sweep_interval: 0s}
`
	_, err := newTestLoader(nil).Load([]byte(doc), FormatYAML)
	require.ErrorIs(t, err, errors.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "pending.sweep_interval")

	cfg, err := newTestLoader(nil).Load([]byte(`
node: {ledger_id: ledger-a}
pending: {policy: expire, expire_after: 1m}
`), FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.Pending.SweepInterval.Duration)
}

func TestDuration_UnmarshalJSON(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"1m30s"`)))
	assert.Equal(t, 90*time.Second, d.Duration)
	require.NoError(t, d.UnmarshalJSON([]byte(`1500`)))
	assert.Equal(t, 1500*time.Millisecond, d.Duration)
	assert.Error(t, d.UnmarshalJSON([]byte(`"soon"`)))
	assert.Error(t, d.UnmarshalJSON([]byte(`true`)))
}

func TestLoadFile_ShippedConfigs(t *testing.T) {
	for _, name := range []string{"node.yaml", "node-b.yaml"} {
		t.Run(name, func(t *testing.T) {
			cfg, err := NewLoader().LoadFile(filepath.Join("..", "configs", name))
			require.NoError(t, err)
			require.NoError(t, cfg.Validate())
			assert.NotEmpty(t, cfg.Connectors)
			assert.NotEmpty(t, cfg.Applications)
		})
	}
}
