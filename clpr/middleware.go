package clpr

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/c360/clpr/errors"
	"github.com/c360/clpr/metric"
)

// Middleware is the routing endpoint for one ledger.
type Middleware struct {
	ledger    LedgerID
	queue     Queue
	logger    *slog.Logger
	registry  *metric.MetricsRegistry
	metrics   *middlewareMetrics
	observers []Observer
	policy    PendingPolicy
	persister StatusPersister
	now       func() time.Time

	mu         sync.Mutex
	apps       map[AppID]Application
	connectors map[ConnectorID]*Connector
	cache      statusCache
	pending    pendingRegistry
	lastID     AppMessageID
	stats      MiddlewareStats

	// Destination side. A message is inflight while it is being handled and
	// its response enqueued. Responses that could not be enqueued wait in
	// unsent for the redelivered message.
	inflight map[deliveryKey]struct{}
	unsent   map[deliveryKey]ResponseEnvelope
}

// deliveryKey identifies one logical inbound message across redeliveries.
type deliveryKey struct {
	source LedgerID
	id     AppMessageID
	trace  string
}

// MiddlewareStats are running totals for one middleware.
type MiddlewareStats struct {
	SendsAccepted    int `json:"sends_accepted"`
	SendsExhausted   int `json:"sends_exhausted"`
	ResponsesMatched int `json:"responses_matched"`
	StaleResponses   int `json:"stale_responses"`
	MessagesHandled  int `json:"messages_handled"`
	ResponsesResent  int `json:"responses_resent"`
	Expired          int `json:"expired"`
}

// MiddlewareOption configures a Middleware.
type MiddlewareOption func(*Middleware) error

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) MiddlewareOption {
	return func(m *Middleware) error {
		if l != nil {
			m.logger = l
		}
		return nil
	}
}

// WithMetrics registers the middleware's Prometheus metrics in reg.
func WithMetrics(reg *metric.MetricsRegistry) MiddlewareOption {
	return func(m *Middleware) error {
		m.registry = reg
		return nil
	}
}

// WithObserver adds observers notified of every send, response and handled message.
func WithObserver(obs ...Observer) MiddlewareOption {
	return func(m *Middleware) error {
		for _, o := range obs {
			if o != nil {
				m.observers = append(m.observers, o)
			}
		}
		return nil
	}
}

// WithPendingPolicy sets what ExpirePending does. The default retains every
// pending message.
func WithPendingPolicy(p PendingPolicy) MiddlewareOption {
	return func(m *Middleware) error {
		if p == nil {
			return fmt.Errorf("%w: nil pending policy", errors.ErrInvalidConfig)
		}
		if err := validatePendingPolicy(p); err != nil {
			return err
		}
		m.policy = p
		return nil
	}
}

// WithStatusPersister saves every remote status update and enables WarmStart.
func WithStatusPersister(p StatusPersister) MiddlewareOption {
	return func(m *Middleware) error {
		m.persister = p
		return nil
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) MiddlewareOption {
	return func(m *Middleware) error {
		if now != nil {
			m.now = now
		}
		return nil
	}
}

// NewMiddleware creates the middleware for ledger, sending through queue.
func NewMiddleware(queue Queue, ledger LedgerID, opts ...MiddlewareOption) (*Middleware, error) {
	if queue == nil {
		return nil, errors.WrapFatal(errors.ErrInvalidQueue, "Middleware", "NewMiddleware", "check queue")
	}
	if strings.TrimSpace(string(ledger)) == "" {
		return nil, errors.WrapFatal(errors.ErrInvalidLedger, "Middleware", "NewMiddleware", "check ledger id")
	}

	m := &Middleware{
		ledger:     ledger,
		queue:      queue,
		logger:     slog.Default(),
		policy:     RetainPending(),
		now:        time.Now,
		apps:       make(map[AppID]Application),
		connectors: make(map[ConnectorID]*Connector),
		cache:      make(statusCache),
		pending:    make(pendingRegistry),
		inflight:   make(map[deliveryKey]struct{}),
		unsent:     make(map[deliveryKey]ResponseEnvelope),
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, errors.WrapFatal(err, "Middleware", "NewMiddleware", "apply option")
		}
	}
	m.logger = m.logger.With("ledger_id", string(ledger))

	metrics, err := newMiddlewareMetrics(m.registry, ledger)
	if err != nil {
		return nil, errors.WrapFatal(err, "Middleware", "NewMiddleware", "register metrics")
	}
	m.metrics = metrics
	return m, nil
}

// LedgerID returns the ledger this middleware routes for.
func (m *Middleware) LedgerID() LedgerID { return m.ledger }

// RegisterLocalApplication makes app addressable. Registering the same id
// again replaces the previous application.
func (m *Middleware) RegisterLocalApplication(app Application) error {
	if app == nil || app.ID() == "" {
		return errors.WrapFatal(errors.ErrInvalidApplication, "Middleware", "RegisterLocalApplication", "check application")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apps[app.ID()] = app
	return nil
}

// RegisterConnector makes c routable. A connector belongs to at most one
// middleware and must be local to this ledger.
func (m *Middleware) RegisterConnector(c *Connector) error {
	if c == nil {
		return errors.WrapFatal(errors.ErrInvalidConnector, "Middleware", "RegisterConnector", "check connector")
	}
	if c.LocalLedger() != m.ledger {
		return errors.WrapFatal(
			fmt.Errorf("%w: connector %s is local to %s", errors.ErrInvalidConnector, c.ID(), c.LocalLedger()),
			"Middleware", "RegisterConnector", "check ledger")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.connectors[c.ID()]; ok {
		if existing == c {
			return nil
		}
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrDuplicateConnector, c.ID()),
			"Middleware", "RegisterConnector", "check id")
	}
	if err := c.bind(m); err != nil {
		return errors.WrapInvalid(err, "Middleware", "RegisterConnector", "bind connector")
	}
	m.connectors[c.ID()] = c
	m.logger.Debug("Connector registered", "connector_id", string(c.ID()), "remote_ledger", string(c.RemoteLedger()))
	return nil
}

// Connector returns a registered connector.
func (m *Middleware) Connector(id ConnectorID) (*Connector, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connectors[id]
	return c, ok
}

// WarmStart loads persisted remote statuses into the cache. Entries already
// in the cache are newer and are kept.
func (m *Middleware) WarmStart(ctx context.Context) (int, error) {
	if m.persister == nil {
		return 0, nil
	}
	statuses, err := m.persister.LoadStatuses(ctx)
	if err != nil {
		return 0, errors.WrapTransient(err, "Middleware", "WarmStart", "load remote statuses")
	}

	m.mu.Lock()
	loaded := 0
	for id, s := range statuses {
		if _, ok := m.cache[id]; ok {
			continue
		}
		m.cache.put(id, s)
		loaded++
	}
	m.mu.Unlock()

	for id, s := range statuses {
		m.metrics.recordRemoteStatus(id, s)
	}
	m.logger.Info("Remote status cache warm-started", "entries", loaded)
	return loaded, nil
}

// Send routes req through the first connector in req.Connectors that accepts
// it. Connectors are tried in order. A connector whose remote side is known
// to be short of funds is rejected without calling Authorize.
//
// When every connector rejects, the result lists every attempt and the error
// is ErrConnectorsExhausted. Send never waits for the response.
func (m *Middleware) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if len(req.Connectors) == 0 {
		return nil, errors.WrapInvalid(errors.ErrNoConnectorPreference, "Middleware", "Send", "check preference list")
	}

	m.mu.Lock()
	if _, ok := m.apps[req.Source]; !ok {
		m.mu.Unlock()
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrUnknownApplication, req.Source),
			"Middleware", "Send", "resolve source application")
	}

	result := &SendResult{Attempts: make([]SendAttempt, 0, len(req.Connectors))}
	var sendErr error

	for _, id := range req.Connectors {
		conn, ok := m.connectors[id]
		if !ok || (req.DestinationLedger != "" && conn.RemoteLedger() != req.DestinationLedger) {
			result.Attempts = append(result.Attempts, rejected(id, ReasonUnknownConnector, SideSource))
			continue
		}

		if m.cache.get(conn.CounterpartID()).Insufficient(req.MinCharge) {
			conn.NotifySendRejectedWithoutAuthorize()
			result.Attempts = append(result.Attempts, rejected(id, ReasonConnectorOutOfFunds, SideDestination))
			continue
		}

		authReq := AuthorizeRequest{
			Source:            req.Source,
			DestinationLedger: conn.RemoteLedger(),
			DestinationApp:    req.DestinationApp,
			MinCharge:         req.MinCharge,
			Unit:              req.Unit,
			PayloadSize:       len(req.Payload),
		}
		if !conn.Authorize(ctx, authReq) {
			result.Attempts = append(result.Attempts, rejected(id, ReasonLocalPolicy, SideSource))
			continue
		}

		result.Attempts = append(result.Attempts, accepted(id))
		sendErr = m.enqueueLocked(ctx, conn, req, result)
		break
	}

	if result.Accepted {
		m.stats.SendsAccepted++
	} else if sendErr == nil {
		m.stats.SendsExhausted++
	}
	pendingCount := len(m.pending)
	m.mu.Unlock()

	m.emitAttempts(ctx, req.Source, result)

	switch {
	case sendErr != nil:
		m.metrics.recordSend("error", pendingCount)
		m.logger.Warn("Enqueue failed", "source_app", string(req.Source), "error", sendErr)
		return result, sendErr
	case !result.Accepted:
		m.metrics.recordSend("exhausted", pendingCount)
		m.logger.Info("All connectors rejected send",
			"source_app", string(req.Source), "attempts", len(result.Attempts))
		return result, errors.WrapInvalid(errors.ErrConnectorsExhausted, "Middleware", "Send", "route message")
	default:
		m.metrics.recordSend("accepted", pendingCount)
		m.logger.Debug("Message enqueued",
			"source_app", string(req.Source),
			"app_message_id", uint64(result.AppMessageID),
			"queue_message_id", result.QueueMessageID,
			"connector_id", string(result.Connector))
		return result, nil
	}
}

// enqueueLocked allocates the next id, creates the pending entry and hands
// the envelope to the queue. On failure the pending entry is removed. The id
// is not reused.
func (m *Middleware) enqueueLocked(ctx context.Context, conn *Connector, req SendRequest, result *SendResult) error {
	m.lastID++
	id := m.lastID

	m.pending.add(PendingEntry{
		AppMessageID:      id,
		SourceApp:         req.Source,
		DestinationLedger: conn.RemoteLedger(),
		DestinationApp:    req.DestinationApp,
		IssuedConnector:   conn.ID(),
		RemoteConnector:   conn.CounterpartID(),
		CreatedAt:         m.now(),
	})

	env := MessageEnvelope{
		Version:              EnvelopeVersion,
		TraceID:              newTraceID(),
		AppMessageID:         id,
		SourceLedger:         m.ledger,
		DestinationLedger:    conn.RemoteLedger(),
		SourceApp:            req.Source,
		DestinationApp:       req.DestinationApp,
		SourceConnector:      conn.ID(),
		DestinationConnector: conn.CounterpartID(),
		MinCharge:            req.MinCharge,
		Unit:                 req.Unit,
		Payload:              req.Payload,
	}

	queueID, err := m.queue.EnqueueMessage(ctx, env)
	if err != nil {
		m.pending.take(id)
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrEnqueueFailed, err),
			"Middleware", "Send", "enqueue message")
	}

	m.pending.setQueueID(id, queueID)
	result.Accepted = true
	result.AppMessageID = id
	result.QueueMessageID = queueID
	result.Connector = conn.ID()
	return nil
}

func (m *Middleware) emitAttempts(ctx context.Context, source AppID, result *SendResult) {
	now := m.now()
	for _, a := range result.Attempts {
		m.metrics.recordAttempt(a)
		if len(m.observers) == 0 {
			continue
		}
		e := SendAttemptEvent{Ledger: m.ledger, Source: source, Attempt: a, Time: now}
		if a.Status == AttemptAccepted && result.Accepted {
			e.AppMessageID = result.AppMessageID
		}
		for _, o := range m.observers {
			o.SendAttempted(ctx, e)
		}
	}
}

// OnMessage handles a message addressed to this ledger. The receiving
// connector is charged its minimum charge; if that would breach its safety
// threshold the application is not invoked and the source is told the
// connector is out of funds. A response carrying the connector's status is
// always enqueued when the connector is known.
//
// A redelivered message is handled once. If its response failed to enqueue,
// the same response is enqueued again without charging the connector or
// calling the application. A redelivery that arrives while the first
// delivery is still being handled fails with ErrMessageInFlight.
func (m *Middleware) OnMessage(ctx context.Context, env MessageEnvelope) error {
	if err := env.Validate(); err != nil {
		return errors.WrapInvalid(err, "Middleware", "OnMessage", "validate envelope")
	}
	if env.DestinationLedger != m.ledger {
		return errors.WrapInvalid(fmt.Errorf("%w: addressed to %s", errors.ErrInvalidEnvelope, env.DestinationLedger),
			"Middleware", "OnMessage", "check destination ledger")
	}

	key := deliveryKey{source: env.SourceLedger, id: env.AppMessageID, trace: env.TraceID}
	m.mu.Lock()
	if _, busy := m.inflight[key]; busy {
		m.mu.Unlock()
		return errors.WrapTransient(errors.ErrMessageInFlight, "Middleware", "OnMessage", "check inflight")
	}
	m.inflight[key] = struct{}{}
	if resp, ok := m.unsent[key]; ok {
		delete(m.unsent, key)
		m.stats.ResponsesResent++
		m.mu.Unlock()

		m.logger.Debug("Re-enqueueing response for redelivered message",
			"app_message_id", uint64(env.AppMessageID), "source_ledger", string(env.SourceLedger))
		return m.enqueueResponse(ctx, key, resp)
	}
	conn := m.connectors[env.DestinationConnector]
	app := m.apps[env.DestinationApp]
	m.mu.Unlock()

	resp := ResponseEnvelope{
		Version:              EnvelopeVersion,
		TraceID:              env.TraceID,
		QueueMessageID:       env.QueueMessageID,
		AppMessageID:         env.AppMessageID,
		SourceLedger:         env.SourceLedger,
		DestinationLedger:    m.ledger,
		SourceApp:            env.SourceApp,
		DestinationApp:       env.DestinationApp,
		SourceConnector:      env.SourceConnector,
		DestinationConnector: env.DestinationConnector,
	}

	handler, isHandler := app.(MessageHandler)
	switch {
	case conn == nil:
		resp.Status = StatusUnknownConnector
	case app == nil || !isHandler:
		resp.Status = StatusUnknownApplication
	case !conn.Charge(conn.MinCharge()):
		resp.Status = StatusConnectorOutOfFunds
	default:
		payload, err := handler.HandleMessage(ctx, InboundMessage{
			AppMessageID: env.AppMessageID,
			SourceLedger: env.SourceLedger,
			SourceApp:    env.SourceApp,
			Connector:    conn.ID(),
			Payload:      env.Payload,
		})
		if err != nil {
			resp.Status = StatusApplicationError
			resp.Error = err.Error()
		} else {
			resp.Status = StatusSuccess
			resp.Success = true
			resp.Payload = payload
		}
	}
	if conn != nil {
		report := conn.StatusReport()
		resp.StatusReport = &report
	}

	m.mu.Lock()
	m.stats.MessagesHandled++
	m.mu.Unlock()
	m.metrics.recordHandled(resp.Status)

	m.logger.Debug("Message handled",
		"app_message_id", uint64(env.AppMessageID),
		"source_ledger", string(env.SourceLedger),
		"destination_app", string(env.DestinationApp),
		"status", resp.Status.String())

	event := MessageHandledEvent{
		Ledger:         m.ledger,
		AppMessageID:   env.AppMessageID,
		SourceLedger:   env.SourceLedger,
		SourceApp:      env.SourceApp,
		DestinationApp: env.DestinationApp,
		Connector:      env.DestinationConnector,
		Status:         resp.Status,
		Time:           m.now(),
	}
	for _, o := range m.observers {
		o.MessageHandled(ctx, event)
	}

	return m.enqueueResponse(ctx, key, resp)
}

// enqueueResponse hands resp to the queue and releases key. A response that
// cannot be enqueued is kept for the next delivery of the same message.
func (m *Middleware) enqueueResponse(ctx context.Context, key deliveryKey, resp ResponseEnvelope) error {
	err := m.queue.EnqueueResponse(ctx, resp)

	m.mu.Lock()
	delete(m.inflight, key)
	if err != nil {
		m.unsent[key] = resp
	}
	m.mu.Unlock()

	if err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrEnqueueFailed, err),
			"Middleware", "OnMessage", "enqueue response")
	}
	return nil
}

// OnResponse matches a response to its pending message. A response with no
// pending entry is a late or duplicate delivery and is ignored.
func (m *Middleware) OnResponse(ctx context.Context, env ResponseEnvelope) error {
	if err := env.Validate(); err != nil {
		return errors.WrapInvalid(err, "Middleware", "OnResponse", "validate envelope")
	}
	if env.SourceLedger != m.ledger {
		return errors.WrapInvalid(fmt.Errorf("%w: response for %s", errors.ErrInvalidEnvelope, env.SourceLedger),
			"Middleware", "OnResponse", "check source ledger")
	}

	now := m.now()
	m.mu.Lock()
	entry, ok := m.pending.take(env.AppMessageID)
	if !ok {
		m.stats.StaleResponses++
		m.mu.Unlock()

		m.metrics.recordStale()
		m.logger.Debug("Ignoring stale response", "app_message_id", uint64(env.AppMessageID))
		m.emitResponse(ctx, ResponseEvent{
			Ledger: m.ledger, AppMessageID: env.AppMessageID, Connector: env.SourceConnector,
			Success: env.Success, Status: env.Status, Stale: true, Time: now,
		})
		return nil
	}

	entry.Exists = false
	entry.Status = MessageDelivered

	var updated *RemoteStatus
	if env.StatusReport != nil {
		status := statusFromReport(*env.StatusReport, now)
		m.cache.put(env.StatusReport.ConnectorID, status)
		updated = &status
		if env.StatusReport.ConnectorID != entry.RemoteConnector {
			m.logger.Warn("Status report from unexpected connector",
				"app_message_id", uint64(env.AppMessageID),
				"expected", string(entry.RemoteConnector),
				"reported", string(env.StatusReport.ConnectorID))
		}
	}
	app := m.apps[entry.SourceApp]
	m.stats.ResponsesMatched++
	pendingCount := len(m.pending)
	m.mu.Unlock()

	m.metrics.recordResponse(env.Status, pendingCount)
	if updated != nil {
		m.metrics.recordRemoteStatus(env.StatusReport.ConnectorID, *updated)
		m.persistStatus(ctx, env.StatusReport.ConnectorID, *updated)
	}

	m.deliverResponse(ctx, app, Response{
		AppMessageID: env.AppMessageID,
		Success:      env.Success,
		Status:       env.Status,
		Payload:      env.Payload,
		Error:        env.Error,
		Connector:    entry.IssuedConnector,
	})
	m.emitResponse(ctx, ResponseEvent{
		Ledger: m.ledger, AppMessageID: env.AppMessageID, Source: entry.SourceApp,
		Connector: entry.IssuedConnector, Success: env.Success, Status: env.Status,
		MessageStatus: entry.Status, Time: now,
	})
	return nil
}

// ExpirePending fails every pending message the pending policy considers
// expired at now and reports them to their applications with StatusExpired.
// A response arriving later for an expired message is stale.
func (m *Middleware) ExpirePending(ctx context.Context, now time.Time) []PendingEntry {
	m.mu.Lock()
	expired := m.pending.takeExpired(m.policy, now)
	m.stats.Expired += len(expired)
	apps := make([]Application, len(expired))
	for i, e := range expired {
		apps[i] = m.apps[e.SourceApp]
	}
	pendingCount := len(m.pending)
	m.mu.Unlock()

	for i := range expired {
		e := &expired[i]
		e.Exists = false
		e.Status = MessageFailed
		m.metrics.recordResponse(StatusExpired, pendingCount)
		m.logger.Info("Pending message expired",
			"app_message_id", uint64(e.AppMessageID), "connector_id", string(e.IssuedConnector))
		m.deliverResponse(ctx, apps[i], Response{
			AppMessageID: e.AppMessageID,
			Status:       StatusExpired,
			Connector:    e.IssuedConnector,
		})
		m.emitResponse(ctx, ResponseEvent{
			Ledger: m.ledger, AppMessageID: e.AppMessageID, Source: e.SourceApp,
			Connector: e.IssuedConnector, Status: StatusExpired, MessageStatus: e.Status, Time: now,
		})
	}
	return expired
}

// RunExpiry calls ExpirePending every interval until ctx is done. It returns
// nil when ctx ends and an error right away if interval is not positive.
func (m *Middleware) RunExpiry(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.WrapFatal(fmt.Errorf("%w: sweep interval must be positive, got %v", errors.ErrInvalidConfig, interval),
			"Middleware", "RunExpiry", "check interval")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.ExpirePending(ctx, m.now())
		}
	}
}

func (m *Middleware) deliverResponse(ctx context.Context, app Application, resp Response) {
	handler, ok := app.(ResponseHandler)
	if !ok {
		m.logger.Warn("Response for application that cannot receive responses",
			"app_message_id", uint64(resp.AppMessageID))
		return
	}
	handler.HandleResponse(ctx, resp)
}

func (m *Middleware) emitResponse(ctx context.Context, e ResponseEvent) {
	for _, o := range m.observers {
		o.ResponseReceived(ctx, e)
	}
}

func (m *Middleware) persistStatus(ctx context.Context, id ConnectorID, s RemoteStatus) {
	if m.persister == nil {
		return
	}
	if err := m.persister.SaveStatus(ctx, id, s); err != nil {
		m.logger.Warn("Failed to persist remote status", "connector_id", string(id), "error", err)
	}
}

// Pending returns the pending entry for id. Exists is false when there is none.
func (m *Middleware) Pending(id AppMessageID) (PendingEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.pending[id]
	return e, ok
}

// UnsentResponseCount returns the number of handled messages whose response
// is waiting for a redelivery to be enqueued again.
func (m *Middleware) UnsentResponseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.unsent)
}

// PendingCount returns the number of messages awaiting a response.
func (m *Middleware) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// RemoteStatus returns the cached status of a remote connector. Known is
// false when no report has been received.
func (m *Middleware) RemoteStatus(id ConnectorID) RemoteStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.get(id)
}

// Stats returns a snapshot of the running totals.
func (m *Middleware) Stats() MiddlewareStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
