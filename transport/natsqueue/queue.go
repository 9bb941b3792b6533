// Package natsqueue implements clpr.Queue on NATS JetStream.
//
// All ledgers share one stream. A message for ledger L is published on
// clpr.L.message and its response, addressed to the source ledger S, on
// clpr.S.response. Each ledger consumes its own two subjects through
// durable consumers, so a restarted node resumes where it stopped. The
// stream sequence assigned on publish is the global message id.
package natsqueue

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/clpr/clpr"
	"github.com/c360/clpr/errors"
	"github.com/c360/clpr/natsclient"
	"github.com/c360/clpr/pkg/retry"
)

// DefaultStream is the JetStream stream carrying every ledger's envelopes.
const DefaultStream = "CLPR"

var ledgerPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// StreamClient is the part of *natsclient.Client the queue needs.
type StreamClient interface {
	EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	PublishToStream(ctx context.Context, subject string, data []byte) (*jetstream.PubAck, error)
	ConsumeStream(ctx context.Context, cfg natsclient.ConsumerConfig, handler func(context.Context, jetstream.Msg) error) error
}

// MessageSubject is where messages for ledger are published.
func MessageSubject(ledger clpr.LedgerID) string {
	return fmt.Sprintf("clpr.%s.message", ledger)
}

// ResponseSubject is where responses for messages sent by ledger are published.
func ResponseSubject(ledger clpr.LedgerID) string {
	return fmt.Sprintf("clpr.%s.response", ledger)
}

// Queue is one ledger's view of the shared stream.
type Queue struct {
	client  StreamClient
	ledger  clpr.LedgerID
	stream  string
	logger  *slog.Logger
	retry   retry.Config
	ackWait time.Duration

	mu       sync.Mutex
	endpoint clpr.Endpoint
	started  bool
}

var _ clpr.Queue = (*Queue)(nil)

// Option configures a Queue.
type Option func(*Queue) error

// WithStream overrides DefaultStream.
func WithStream(name string) Option {
	return func(q *Queue) error {
		if name == "" {
			return fmt.Errorf("%w: empty stream name", errors.ErrInvalidConfig)
		}
		q.stream = name
		return nil
	}
}

// WithLogger sets the queue's logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) error {
		if l != nil {
			q.logger = l
		}
		return nil
	}
}

// WithRetry sets the response publish backoff. Only transient errors are
// retried. Message publishes are never retried.
func WithRetry(cfg retry.Config) Option {
	return func(q *Queue) error {
		cfg.ShouldRetry = errors.IsTransient
		q.retry = cfg
		return nil
	}
}

// WithAckWait sets how long JetStream waits for a handler before redelivering.
func WithAckWait(d time.Duration) Option {
	return func(q *Queue) error {
		if d <= 0 {
			return fmt.Errorf("%w: ack wait must be positive", errors.ErrInvalidConfig)
		}
		q.ackWait = d
		return nil
	}
}

// New creates the queue for ledger. Ledger ids become subject tokens and may
// only contain letters, digits, '-' and '_'.
func New(client StreamClient, ledger clpr.LedgerID, opts ...Option) (*Queue, error) {
	if client == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Queue", "New", "check nats client")
	}
	if !ledgerPattern.MatchString(string(ledger)) {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %q is not usable as a subject token", errors.ErrInvalidLedger, ledger),
			"Queue", "New", "check ledger id")
	}

	cfg := retry.DefaultConfig()
	cfg.ShouldRetry = errors.IsTransient
	q := &Queue{
		client:  client,
		ledger:  ledger,
		stream:  DefaultStream,
		logger:  slog.Default(),
		retry:   cfg,
		ackWait: 30 * time.Second,
	}
	for _, opt := range opts {
		if err := opt(q); err != nil {
			return nil, errors.WrapFatal(err, "Queue", "New", "apply option")
		}
	}
	q.logger = q.logger.With("component", "nats_queue", "ledger_id", string(ledger))
	return q, nil
}

// LedgerID returns the ledger this queue consumes for.
func (q *Queue) LedgerID() clpr.LedgerID { return q.ledger }

// Setup creates or updates the shared stream.
func (q *Queue) Setup(ctx context.Context) error {
	_, err := q.client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:        q.stream,
		Description: "CLPR cross-ledger messages and responses",
		Subjects:    []string{"clpr.*.message", "clpr.*.response"},
		Retention:   jetstream.LimitsPolicy,
		Storage:     jetstream.FileStorage,
	})
	return errors.Wrap(err, "Queue", "Setup", "ensure stream "+q.stream)
}

// Start attaches ep and begins consuming this ledger's messages and responses.
func (q *Queue) Start(ctx context.Context, ep clpr.Endpoint) error {
	if ep == nil {
		return errors.WrapFatal(errors.ErrInvalidMiddleware, "Queue", "Start", "check endpoint")
	}
	if ep.LedgerID() != q.ledger {
		return errors.WrapFatal(fmt.Errorf("%w: endpoint for %s", errors.ErrInvalidLedger, ep.LedgerID()),
			"Queue", "Start", "check endpoint ledger")
	}

	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Queue", "Start", "check state")
	}
	q.endpoint = ep
	q.started = true
	q.mu.Unlock()

	consumers := []struct {
		kind    string
		subject string
		handler func(context.Context, jetstream.Msg) error
	}{
		{"message", MessageSubject(q.ledger), q.handleMessage},
		{"response", ResponseSubject(q.ledger), q.handleResponse},
	}
	for _, c := range consumers {
		err := q.client.ConsumeStream(ctx, natsclient.ConsumerConfig{
			Stream:        q.stream,
			Durable:       fmt.Sprintf("clpr-%s-%s", q.ledger, c.kind),
			FilterSubject: c.subject,
			AckWait:       q.ackWait,
		}, c.handler)
		if err != nil {
			return errors.Wrap(err, "Queue", "Start", "consume "+c.subject)
		}
	}
	q.logger.Info("Consuming ledger subjects", "stream", q.stream)
	return nil
}

// EnqueueMessage publishes env to the destination ledger's message subject
// and returns the stream sequence. The middleware calls it while holding its
// lock, so it publishes once and leaves retrying the send to the caller.
func (q *Queue) EnqueueMessage(ctx context.Context, env clpr.MessageEnvelope) (uint64, error) {
	if !ledgerPattern.MatchString(string(env.DestinationLedger)) {
		return 0, errors.WrapInvalid(fmt.Errorf("%w: destination %q", errors.ErrInvalidEnvelope, env.DestinationLedger),
			"Queue", "EnqueueMessage", "check destination")
	}
	data, err := clpr.EncodeMessage(env)
	if err != nil {
		return 0, errors.Wrap(err, "Queue", "EnqueueMessage", "encode envelope")
	}
	ack, err := q.client.PublishToStream(ctx, MessageSubject(env.DestinationLedger), data)
	if err != nil {
		return 0, errors.Wrap(err, "Queue", "EnqueueMessage", "publish")
	}
	return ack.Sequence, nil
}

// EnqueueResponse publishes env to the source ledger's response subject.
func (q *Queue) EnqueueResponse(ctx context.Context, env clpr.ResponseEnvelope) error {
	if !ledgerPattern.MatchString(string(env.SourceLedger)) {
		return errors.WrapInvalid(fmt.Errorf("%w: source %q", errors.ErrInvalidEnvelope, env.SourceLedger),
			"Queue", "EnqueueResponse", "check source")
	}
	data, err := clpr.EncodeResponse(env)
	if err != nil {
		return errors.Wrap(err, "Queue", "EnqueueResponse", "encode envelope")
	}
	_, err = retry.DoWithResult(ctx, q.retry, func() (*jetstream.PubAck, error) {
		return q.client.PublishToStream(ctx, ResponseSubject(env.SourceLedger), data)
	})
	return errors.Wrap(err, "Queue", "EnqueueResponse", "publish")
}

func (q *Queue) currentEndpoint() (clpr.Endpoint, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.endpoint == nil {
		return nil, errors.WrapTransient(errors.ErrNotStarted, "Queue", "currentEndpoint", "resolve endpoint")
	}
	return q.endpoint, nil
}

// handleMessage returns an error only for transient failures; JetStream
// redelivers those. Undecodable or rejected envelopes are acked and dropped.
func (q *Queue) handleMessage(ctx context.Context, msg jetstream.Msg) error {
	env, err := clpr.DecodeMessage(msg.Data())
	if err != nil {
		q.logger.Error("Dropping undecodable message", "subject", msg.Subject(), "error", err)
		return nil
	}
	md, err := msg.Metadata()
	if err != nil {
		return errors.WrapTransient(err, "Queue", "handleMessage", "read metadata")
	}
	env.QueueMessageID = md.Sequence.Stream

	ep, err := q.currentEndpoint()
	if err != nil {
		return err
	}
	return q.settle("message", env.QueueMessageID, ep.OnMessage(ctx, env))
}

func (q *Queue) handleResponse(ctx context.Context, msg jetstream.Msg) error {
	env, err := clpr.DecodeResponse(msg.Data())
	if err != nil {
		q.logger.Error("Dropping undecodable response", "subject", msg.Subject(), "error", err)
		return nil
	}
	ep, err := q.currentEndpoint()
	if err != nil {
		return err
	}
	return q.settle("response", env.QueueMessageID, ep.OnResponse(ctx, env))
}

func (q *Queue) settle(kind string, id uint64, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.IsTransient(err):
		return err
	default:
		q.logger.Error("Dropping envelope rejected by middleware", "kind", kind, "message_id", id, "error", err)
		return nil
	}
}
