package clpr

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c360/clpr/errors"
)

// Commitment caps what a connector accepts for a single send.
type Commitment struct {
	Value Amount
	Unit  string
}

// ConnectorRecord is the static description of a connector plus its funds.
type ConnectorRecord struct {
	ID              ConnectorID
	CounterpartID   ConnectorID
	LocalLedger     LedgerID
	RemoteLedger    LedgerID
	Unit            string
	Balance         Amount
	SafetyThreshold Amount
	MinCharge       Amount
	MaxCommitment   *Commitment
}

func (r ConnectorRecord) validate() error {
	var problem string
	switch {
	case r.ID == "":
		problem = "missing id"
	case r.CounterpartID == "":
		problem = "missing counterpart id"
	case r.LocalLedger == "" || r.RemoteLedger == "":
		problem = "missing ledger"
	case r.LocalLedger == r.RemoteLedger:
		problem = "local and remote ledger are the same"
	case r.Unit == "":
		problem = "missing unit"
	case r.Balance.IsNegative() || r.SafetyThreshold.IsNegative() || r.MinCharge.IsNegative():
		problem = "negative amount"
	case r.MaxCommitment != nil && (r.MaxCommitment.Value.IsNegative() || r.MaxCommitment.Unit == ""):
		problem = "invalid max commitment"
	default:
		return nil
	}
	return fmt.Errorf("%w: connector %q: %s", errors.ErrInvalidConnector, r.ID, problem)
}

// ConnectorStats are the counters a connector keeps about its own use.
type ConnectorStats struct {
	AuthorizeCount        int `json:"authorize_count"`
	AuthorizeRefusedCount int `json:"authorize_refused_count"`
	SendRejectedCount     int `json:"send_rejected_count"`
	ChargeCount           int `json:"charge_count"`
	ChargeRejectedCount   int `json:"charge_rejected_count"`
}

// Connector is a transport adapter for one (local, remote) ledger pair.
// It is safe for concurrent use.
type Connector struct {
	policy AuthorizePolicy
	logger *slog.Logger

	mu          sync.Mutex
	record      ConnectorRecord
	deny        bool
	unavailable bool
	stats       ConnectorStats
	owner       *Middleware
}

// ConnectorOption configures a Connector.
type ConnectorOption func(*Connector)

// WithPolicy sets the policy consulted after the built-in checks.
func WithPolicy(p AuthorizePolicy) ConnectorOption {
	return func(c *Connector) {
		if p != nil {
			c.policy = p
		}
	}
}

// WithConnectorLogger sets the connector's logger.
func WithConnectorLogger(l *slog.Logger) ConnectorOption {
	return func(c *Connector) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewConnector validates record and builds a connector allowing every send.
func NewConnector(record ConnectorRecord, opts ...ConnectorOption) (*Connector, error) {
	if err := record.validate(); err != nil {
		return nil, errors.WrapFatal(err, "Connector", "NewConnector", "validate record")
	}
	c := &Connector{
		record: record,
		policy: AllowAll(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("connector_id", string(record.ID))
	return c, nil
}

func (c *Connector) ID() ConnectorID            { return c.record.ID }
func (c *Connector) CounterpartID() ConnectorID { return c.record.CounterpartID }
func (c *Connector) LocalLedger() LedgerID      { return c.record.LocalLedger }
func (c *Connector) RemoteLedger() LedgerID     { return c.record.RemoteLedger }
func (c *Connector) Unit() string               { return c.record.Unit }

// Record returns a snapshot of the connector's record including its current balance.
func (c *Connector) Record() ConnectorRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.record
}

// MinCharge is what the connector debits for each message it delivers.
func (c *Connector) MinCharge() Amount {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.record.MinCharge
}

// Stats returns a snapshot of the counters.
func (c *Connector) Stats() ConnectorStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// SetDenyAuthorize forces every Authorize call to refuse.
func (c *Connector) SetDenyAuthorize(deny bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deny = deny
}

// SetUnavailable marks the connector as unable to deliver. It is reported to
// the remote side with the next response.
func (c *Connector) SetUnavailable(unavailable bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unavailable = unavailable
}

// Authorize decides whether this connector will carry a send. It checks the
// forced-deny switch, then the max commitment, then the policy.
func (c *Connector) Authorize(ctx context.Context, req AuthorizeRequest) bool {
	c.mu.Lock()
	c.stats.AuthorizeCount++
	ok := !c.deny
	if ok && c.record.MaxCommitment != nil {
		mc := c.record.MaxCommitment
		ok = req.Unit == mc.Unit && req.MinCharge.LessThanOrEqual(mc.Value)
	}
	c.mu.Unlock()

	if ok {
		ok = c.policy.Authorize(ctx, req)
	}
	if !ok {
		c.mu.Lock()
		c.stats.AuthorizeRefusedCount++
		c.mu.Unlock()
		c.logger.Debug("Authorize refused", "source_app", string(req.Source), "min_charge", req.MinCharge.String())
	}
	return ok
}

// NotifySendRejectedWithoutAuthorize records a send the middleware refused
// on this connector's behalf because the remote side is known to be short of funds.
func (c *Connector) NotifySendRejectedWithoutAuthorize() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.SendRejectedCount++
}

// Charge debits amount unless that would take the balance below the safety
// threshold or the connector is unavailable.
func (c *Connector) Charge(amount Amount) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.unavailable || c.record.Balance.Sub(amount).LessThan(c.record.SafetyThreshold) {
		c.stats.ChargeRejectedCount++
		return false
	}
	c.record.Balance = c.record.Balance.Sub(amount)
	c.stats.ChargeCount++
	return true
}

// Fund credits amount to the balance.
func (c *Connector) Fund(amount Amount) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record.Balance = c.record.Balance.Add(amount)
}

// StatusReport describes the connector's funds for the remote side's cache.
func (c *Connector) StatusReport() StatusReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return StatusReport{
		ConnectorID:      c.record.ID,
		Unavailable:      c.unavailable,
		AvailableBalance: c.record.Balance,
		SafetyThreshold:  c.record.SafetyThreshold,
		MinimumCharge:    c.record.MinCharge,
		Unit:             c.record.Unit,
	}
}

// RegisterWithMiddleware makes the connector routable through mw.
func (c *Connector) RegisterWithMiddleware(mw *Middleware) error {
	if mw == nil {
		return errors.WrapFatal(errors.ErrInvalidMiddleware, "Connector", "RegisterWithMiddleware", "check middleware")
	}
	return mw.RegisterConnector(c)
}

// bind records mw as the connector's owner. Called with mw's lock held.
func (c *Connector) bind(mw *Middleware) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.owner != nil && c.owner != mw {
		return fmt.Errorf("%w: %s", errors.ErrDuplicateConnector, c.record.ID)
	}
	c.owner = mw
	return nil
}
