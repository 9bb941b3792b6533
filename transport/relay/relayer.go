package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/clpr/clpr"
	"github.com/c360/clpr/errors"
	"github.com/c360/clpr/metric"
	"github.com/c360/clpr/pkg/retry"
)

// Relayer carries messages from src to dst and their responses back.
type Relayer struct {
	src    *Queue
	dst    *Queue
	logger *slog.Logger

	pollInterval time.Duration
	retry        retry.Config
	registry     *metric.MetricsRegistry
	metrics      *relayMetrics

	mu       sync.Mutex
	nextID   uint64
	awaiting []uint64
}

// Option configures a Relayer.
type Option func(*Relayer) error

// WithPollInterval sets how often Run polls. Must be positive.
func WithPollInterval(d time.Duration) Option {
	return func(r *Relayer) error {
		if d <= 0 {
			return fmt.Errorf("%w: poll interval must be positive, got %v", errors.ErrInvalidConfig, d)
		}
		r.pollInterval = d
		return nil
	}
}

// WithStartMessageID sets the first source message id relayed. Ids below it
// are assumed handled.
func WithStartMessageID(id uint64) Option {
	return func(r *Relayer) error {
		if id == 0 {
			return fmt.Errorf("%w: start message id begins at 1", errors.ErrInvalidConfig)
		}
		r.nextID = id
		return nil
	}
}

// WithRetry sets the backoff for each delivery. Only transient errors are
// retried regardless of cfg.ShouldRetry.
func WithRetry(cfg retry.Config) Option {
	return func(r *Relayer) error {
		cfg.ShouldRetry = errors.IsTransient
		r.retry = cfg
		return nil
	}
}

// WithRelayLogger sets the relayer's logger.
func WithRelayLogger(l *slog.Logger) Option {
	return func(r *Relayer) error {
		if l != nil {
			r.logger = l
		}
		return nil
	}
}

// WithRelayMetrics registers relay counters in reg.
func WithRelayMetrics(reg *metric.MetricsRegistry) Option {
	return func(r *Relayer) error {
		r.registry = reg
		return nil
	}
}

// NewRelayer creates a relayer from src to dst. Defaults: poll every second,
// start at message 1, retry.Relay backoff.
func NewRelayer(src, dst *Queue, opts ...Option) (*Relayer, error) {
	if src == nil || dst == nil {
		return nil, errors.WrapFatal(errors.ErrInvalidQueue, "Relayer", "NewRelayer", "check queues")
	}
	if src.LedgerID() == dst.LedgerID() {
		return nil, errors.WrapFatal(fmt.Errorf("%w: relaying %s to itself", errors.ErrInvalidConfig, src.LedgerID()),
			"Relayer", "NewRelayer", "check queues")
	}

	cfg := retry.Relay()
	cfg.ShouldRetry = errors.IsTransient
	r := &Relayer{
		src:          src,
		dst:          dst,
		logger:       slog.Default(),
		pollInterval: time.Second,
		retry:        cfg,
		nextID:       1,
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, errors.WrapFatal(err, "Relayer", "NewRelayer", "apply option")
		}
	}
	r.logger = r.logger.With("component", "relayer",
		"source_ledger", string(src.LedgerID()), "destination_ledger", string(dst.LedgerID()))

	metrics, err := newRelayMetrics(r.registry, src.LedgerID(), dst.LedgerID())
	if err != nil {
		return nil, errors.WrapFatal(err, "Relayer", "NewRelayer", "register metrics")
	}
	r.metrics = metrics
	return r, nil
}

// NextMessageID is the next source message id the relayer will look for.
func (r *Relayer) NextMessageID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextID
}

// AwaitingResponses is the number of relayed messages whose response has
// not yet been carried back.
func (r *Relayer) AwaitingResponses() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.awaiting)
}

// Poll relays every available message and response once and returns how
// many envelopes it carried. A transient failure stops the poll; the same
// envelope is retried on the next one.
func (r *Relayer) Poll(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	messages, err := r.relayMessages(ctx)
	if err != nil {
		return messages, err
	}
	responses, err := r.relayResponses(ctx)
	return messages + responses, err
}

func (r *Relayer) relayMessages(ctx context.Context) (int, error) {
	relayed := 0
	for {
		data, ok := r.src.OutboundMessage(r.nextID)
		if !ok {
			return relayed, nil
		}
		id := r.nextID

		env, err := clpr.DecodeMessage(data)
		switch {
		case err != nil:
			r.logger.Error("Skipping undecodable outbound message", "message_id", id, "error", err)
			r.metrics.record("message", "skipped")
			r.nextID++
			continue
		case env.DestinationLedger != r.dst.LedgerID():
			r.nextID++
			continue
		}

		err = retry.Do(ctx, r.retry, func() error {
			return r.dst.DeliverInboundMessage(ctx, id, data)
		})
		if errors.Is(err, errors.ErrMessageAlreadyProcessed) {
			if _, pending := r.dst.PendingResponse(r.src.LedgerID(), id); pending {
				r.awaiting = append(r.awaiting, id)
			}
			r.nextID++
			continue
		}
		if err != nil {
			if errors.IsTransient(err) {
				r.metrics.record("message", "failed")
				return relayed, errors.WrapTransient(err, "Relayer", "relayMessages", fmt.Sprintf("deliver message %d", id))
			}
			r.logger.Error("Dropping message rejected by destination", "message_id", id, "error", err)
			r.metrics.record("message", "skipped")
			r.nextID++
			continue
		}

		r.logger.Debug("Message relayed", "message_id", id, "app_message_id", uint64(env.AppMessageID))
		r.metrics.record("message", "relayed")
		r.awaiting = append(r.awaiting, id)
		r.nextID++
		relayed++
	}
}

func (r *Relayer) relayResponses(ctx context.Context) (int, error) {
	relayed := 0
	source := r.src.LedgerID()
	remaining := r.awaiting[:0]
	var firstErr error

	for i, id := range r.awaiting {
		if firstErr != nil {
			remaining = append(remaining, r.awaiting[i:]...)
			break
		}
		data, ok := r.dst.PendingResponse(source, id)
		if !ok {
			remaining = append(remaining, id)
			continue
		}

		err := retry.Do(ctx, r.retry, func() error {
			return r.src.DeliverInboundResponse(ctx, data)
		})
		switch {
		case err == nil:
			r.metrics.record("response", "relayed")
			relayed++
		case errors.IsTransient(err):
			r.metrics.record("response", "failed")
			remaining = append(remaining, id)
			firstErr = errors.WrapTransient(err, "Relayer", "relayResponses", fmt.Sprintf("deliver response %d", id))
			continue
		default:
			r.logger.Error("Dropping response rejected by source", "message_id", id, "error", err)
			r.metrics.record("response", "skipped")
		}
		r.dst.AckResponse(source, id)
	}
	r.awaiting = remaining
	return relayed, firstErr
}

// Run polls until ctx is cancelled. Poll failures are logged and retried on
// the next tick.
func (r *Relayer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	r.logger.Info("Relayer started", "poll_interval", r.pollInterval.String(), "start_message_id", r.NextMessageID())
	for {
		if _, err := r.Poll(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("Relay poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			r.logger.Info("Relayer stopped")
			return nil
		case <-ticker.C:
		}
	}
}

type relayMetrics struct {
	envelopes *prometheus.CounterVec
}

func newRelayMetrics(reg *metric.MetricsRegistry, src, dst clpr.LedgerID) (*relayMetrics, error) {
	if reg == nil {
		return nil, nil
	}
	m := &relayMetrics{
		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clpr",
			Name:      "relayed_envelopes_total",
			Help:      "Envelopes handled by a relayer, by kind and result",
			ConstLabels: prometheus.Labels{
				"source_ledger":      string(src),
				"destination_ledger": string(dst),
			},
		}, []string{"kind", "result"}),
	}
	service := fmt.Sprintf("relayer.%s.%s", src, dst)
	if err := reg.RegisterCounterVec(service, "relayed_envelopes", m.envelopes); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *relayMetrics) record(kind, result string) {
	if m == nil {
		return
	}
	m.envelopes.WithLabelValues(kind, result).Inc()
}
