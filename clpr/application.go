package clpr

import (
	"context"
	"fmt"
	"sync"

	"github.com/c360/clpr/errors"
)

// Application is a local application addressable through a middleware.
type Application interface {
	ID() AppID
}

// MessageHandler is implemented by applications that accept inbound messages.
// The returned bytes become the response payload; an error becomes an
// ApplicationError response carrying the error text.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg InboundMessage) ([]byte, error)
}

// ResponseHandler is implemented by applications that send messages and want
// their outcome. Called without any middleware lock held.
type ResponseHandler interface {
	HandleResponse(ctx context.Context, resp Response)
}

// SourceConfig describes where a SourceApplication sends.
type SourceConfig struct {
	ID                AppID
	DestinationLedger LedgerID
	DestinationApp    AppID
	Connectors        []ConnectorID
	MinCharge         Amount
	Unit              string
}

// SourceApplication sends payloads to one remote application over an ordered
// list of preferred connectors and records every response it receives.
type SourceApplication struct {
	mw  *Middleware
	cfg SourceConfig

	mu        sync.Mutex
	responses []Response
}

// NewSourceApplication builds a source application. It is not registered;
// call RegisterLocalApplication.
func NewSourceApplication(mw *Middleware, cfg SourceConfig) (*SourceApplication, error) {
	if mw == nil {
		return nil, errors.WrapFatal(errors.ErrInvalidMiddleware, "SourceApplication", "NewSourceApplication", "check middleware")
	}
	if cfg.ID == "" || cfg.DestinationApp == "" {
		return nil, errors.WrapFatal(fmt.Errorf("%w: source application needs an id and a destination", errors.ErrInvalidApplication),
			"SourceApplication", "NewSourceApplication", "check config")
	}
	cfg.Connectors = append([]ConnectorID(nil), cfg.Connectors...)
	return &SourceApplication{mw: mw, cfg: cfg}, nil
}

func (a *SourceApplication) ID() AppID { return a.cfg.ID }

// SendWithFailover sends payload through the middleware. When every connector
// rejects, the result still lists each attempt. Nothing is retried.
func (a *SourceApplication) SendWithFailover(ctx context.Context, payload []byte) (*SendResult, error) {
	return a.mw.Send(ctx, SendRequest{
		Source:            a.cfg.ID,
		DestinationLedger: a.cfg.DestinationLedger,
		DestinationApp:    a.cfg.DestinationApp,
		Connectors:        a.cfg.Connectors,
		MinCharge:         a.cfg.MinCharge,
		Unit:              a.cfg.Unit,
		Payload:           payload,
	})
}

// HandleResponse records resp.
func (a *SourceApplication) HandleResponse(_ context.Context, resp Response) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.responses = append(a.responses, resp)
}

// Responses returns every response received, in arrival order.
func (a *SourceApplication) Responses() []Response {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Response(nil), a.responses...)
}

// LastResponse returns the most recent response.
func (a *SourceApplication) LastResponse() (Response, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.responses) == 0 {
		return Response{}, false
	}
	return a.responses[len(a.responses)-1], true
}

func (a *SourceApplication) ResponseCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.responses)
}

// EchoApplication answers every message with its own payload.
type EchoApplication struct {
	id AppID

	mu                sync.Mutex
	lastRequestID     AppMessageID
	lastRequestSource AppID
	lastPayload       []byte
	requestCount      int
}

// NewEchoApplication builds an echo application for mw. It is not
// registered; call RegisterLocalApplication.
func NewEchoApplication(mw *Middleware, id AppID) (*EchoApplication, error) {
	if mw == nil {
		return nil, errors.WrapFatal(errors.ErrInvalidMiddleware, "EchoApplication", "NewEchoApplication", "check middleware")
	}
	if id == "" {
		return nil, errors.WrapFatal(errors.ErrInvalidApplication, "EchoApplication", "NewEchoApplication", "check id")
	}
	return &EchoApplication{id: id}, nil
}

func (a *EchoApplication) ID() AppID { return a.id }

// HandleMessage returns a copy of the payload.
func (a *EchoApplication) HandleMessage(_ context.Context, msg InboundMessage) ([]byte, error) {
	payload := append([]byte(nil), msg.Payload...)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastRequestID = msg.AppMessageID
	a.lastRequestSource = msg.SourceApp
	a.lastPayload = payload
	a.requestCount++
	return append([]byte(nil), payload...), nil
}

func (a *EchoApplication) LastRequestID() AppMessageID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastRequestID
}

func (a *EchoApplication) LastRequestSource() AppID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastRequestSource
}

func (a *EchoApplication) LastPayload() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]byte(nil), a.lastPayload...)
}

func (a *EchoApplication) RequestCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requestCount
}
