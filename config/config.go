// Package config loads and validates the configuration of a CLPR node.
package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/c360/clpr/errors"
)

// Application kinds
const (
	AppKindEcho   = "echo"
	AppKindSource = "source"
)

// Pending policies
const (
	PendingRetain = "retain"
	PendingExpire = "expire"
)

// Config is the complete configuration of one CLPR node (one ledger endpoint)
type Config struct {
	Node         NodeConfig          `json:"node"`
	NATS         NATSConfig          `json:"nats"`
	Metrics      MetricsConfig       `json:"metrics"`
	Feed         FeedConfig          `json:"feed"`
	Connectors   []ConnectorConfig   `json:"connectors"`
	Applications []ApplicationConfig `json:"applications"`
	Pending      PendingConfig       `json:"pending"`
	Relayer      RelayerConfig       `json:"relayer"`
}

// NodeConfig identifies the ledger this node routes for
type NodeConfig struct {
	LedgerID  string `json:"ledger_id"`
	LogLevel  string `json:"log_level,omitempty"`
	LogFormat string `json:"log_format,omitempty"`
	// StatePath keeps remote statuses in a local file instead of the
	// JetStream KV bucket.
	StatePath string `json:"state_path,omitempty"`
}

// NATSConfig configures the JetStream transport
type NATSConfig struct {
	URLs          []string `json:"urls"`
	Username      string   `json:"username,omitempty"`
	Password      string   `json:"password,omitempty"`
	Token         string   `json:"token,omitempty"`
	Stream        string   `json:"stream,omitempty"`
	StatusBucket  string   `json:"status_bucket,omitempty"`
	MaxReconnects int      `json:"max_reconnects"`
	ReconnectWait Duration `json:"reconnect_wait"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port,omitempty"`
	Path    string `json:"path,omitempty"`
}

// FeedConfig configures the websocket event feed
type FeedConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port,omitempty"`
	Path    string `json:"path,omitempty"`
}

// ConnectorConfig describes one local connector. ID and CounterpartID are
// derived from Name and the ledger pair when left empty.
type ConnectorConfig struct {
	Name            string            `json:"name"`
	ID              string            `json:"id,omitempty"`
	CounterpartID   string            `json:"counterpart_id,omitempty"`
	RemoteLedger    string            `json:"remote_ledger"`
	Unit            string            `json:"unit"`
	Balance         decimal.Decimal   `json:"balance"`
	SafetyThreshold decimal.Decimal   `json:"safety_threshold"`
	MinCharge       decimal.Decimal   `json:"min_charge"`
	MaxCommitment   *CommitmentConfig `json:"max_commitment,omitempty"`
	DenyAuthorize   bool              `json:"deny_authorize,omitempty"`
	RateLimit       *RateLimitConfig  `json:"rate_limit,omitempty"`
}

// CommitmentConfig caps the charge a connector accepts for one send
type CommitmentConfig struct {
	Value decimal.Decimal `json:"value"`
	Unit  string          `json:"unit"`
}

// RateLimitConfig is a token bucket applied to Authorize
type RateLimitConfig struct {
	PerSecond float64 `json:"per_second"`
	Burst     int     `json:"burst"`
}

// ApplicationConfig registers a local application
type ApplicationConfig struct {
	ID                string          `json:"id"`
	Kind              string          `json:"kind"`
	DestinationLedger string          `json:"destination_ledger,omitempty"`
	DestinationApp    string          `json:"destination_app,omitempty"`
	Connectors        []string        `json:"connectors,omitempty"`
	MinCharge         decimal.Decimal `json:"min_charge,omitempty"`
	Unit              string          `json:"unit,omitempty"`
}

// PendingConfig selects what happens to unanswered messages
type PendingConfig struct {
	Policy        string   `json:"policy"`
	ExpireAfter   Duration `json:"expire_after,omitempty"`
	SweepInterval Duration `json:"sweep_interval,omitempty"`
}

// RelayerConfig configures the polling relayer
type RelayerConfig struct {
	PollInterval   Duration `json:"poll_interval"`
	StartMessageID uint64   `json:"start_message_id"`
}

// Duration is a time.Duration that reads "1500ms"-style strings or integer milliseconds
type Duration struct {
	time.Duration
}

// MarshalJSON writes the duration as a string
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts a duration string or a number of milliseconds
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		d.Duration = time.Duration(v) * time.Millisecond
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		d.Duration = parsed
	case nil:
		d.Duration = 0
	default:
		return fmt.Errorf("invalid duration %v", raw)
	}
	return nil
}

// Default returns the configuration used when a field is absent from the file
func Default() *Config {
	return &Config{
		Node: NodeConfig{LogLevel: "info", LogFormat: "json"},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			Stream:        "CLPR",
			StatusBucket:  "clpr_remote_status",
			MaxReconnects: -1,
			ReconnectWait: Duration{2 * time.Second},
		},
		Metrics: MetricsConfig{Enabled: true, Port: 9090, Path: "/metrics"},
		Feed:    FeedConfig{Port: 8081, Path: "/feed"},
		Pending: PendingConfig{Policy: PendingRetain, SweepInterval: Duration{10 * time.Second}},
		Relayer: RelayerConfig{PollInterval: Duration{time.Second}, StartMessageID: 1},
	}
}

// Connector returns the connector with the given name
func (c *Config) Connector(name string) (ConnectorConfig, bool) {
	for _, conn := range c.Connectors {
		if conn.Name == name {
			return conn, true
		}
	}
	return ConnectorConfig{}, false
}

// Validate checks the semantic rules the schema cannot express
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(c.Node.LedgerID) == "" {
		add("node.ledger_id is required")
	}
	if len(c.NATS.URLs) == 0 {
		add("nats.urls must not be empty")
	}

	names := make(map[string]bool, len(c.Connectors))
	for i, conn := range c.Connectors {
		if names[conn.Name] {
			add("connectors[%d]: duplicate name %q", i, conn.Name)
		}
		names[conn.Name] = true
		if conn.RemoteLedger == c.Node.LedgerID {
			add("connectors[%d]: remote_ledger must differ from node.ledger_id", i)
		}
		for field, v := range map[string]decimal.Decimal{
			"balance": conn.Balance, "safety_threshold": conn.SafetyThreshold, "min_charge": conn.MinCharge,
		} {
			if v.IsNegative() {
				add("connectors[%d]: %s cannot be negative", i, field)
			}
		}
		if conn.MaxCommitment != nil && conn.MaxCommitment.Value.IsNegative() {
			add("connectors[%d]: max_commitment.value cannot be negative", i)
		}
		if conn.RateLimit != nil && (conn.RateLimit.PerSecond <= 0 || conn.RateLimit.Burst <= 0) {
			add("connectors[%d]: rate_limit needs positive per_second and burst", i)
		}
	}

	apps := make(map[string]bool, len(c.Applications))
	for i, app := range c.Applications {
		if apps[app.ID] {
			add("applications[%d]: duplicate id %q", i, app.ID)
		}
		apps[app.ID] = true
		switch app.Kind {
		case AppKindEcho:
		case AppKindSource:
			if app.DestinationLedger == "" || app.DestinationApp == "" {
				add("applications[%d]: source needs destination_ledger and destination_app", i)
			}
			if len(app.Connectors) == 0 {
				add("applications[%d]: source needs at least one connector", i)
			}
			for _, name := range app.Connectors {
				if !names[name] {
					add("applications[%d]: unknown connector %q", i, name)
				}
			}
		default:
			add("applications[%d]: unknown kind %q", i, app.Kind)
		}
	}

	switch c.Pending.Policy {
	case PendingRetain, "":
	case PendingExpire:
		if c.Pending.ExpireAfter.Duration <= 0 {
			add("pending.expire_after must be positive when policy is expire")
		}
		if c.Pending.SweepInterval.Duration <= 0 {
			add("pending.sweep_interval must be positive when policy is expire")
		}
	default:
		add("pending.policy %q is not one of retain, expire", c.Pending.Policy)
	}

	if c.Relayer.PollInterval.Duration <= 0 {
		add("relayer.poll_interval must be positive")
	}
	if c.Relayer.StartMessageID == 0 {
		add("relayer.start_message_id must be at least 1")
	}

	if len(problems) > 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(problems, "; ")),
			"Config", "Validate", "validate configuration")
	}
	return nil
}

// String returns the configuration as JSON with credentials masked
func (c *Config) String() string {
	masked := *c
	masked.NATS.Password = mask(c.NATS.Password)
	masked.NATS.Token = mask(c.NATS.Token)
	data, err := json.MarshalIndent(masked, "", "  ")
	if err != nil {
		return fmt.Sprintf("Config{ledger=%s}", c.Node.LedgerID)
	}
	return string(data)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "****"
}
