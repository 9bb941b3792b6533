package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/c360/clpr/clpr"
	"github.com/c360/clpr/config"
	"github.com/c360/clpr/errors"
)

const connectorIDPrefix = "clpr"

// SendSubject is the request/reply subject that triggers a send from a local
// source application.
func SendSubject(ledger clpr.LedgerID, app clpr.AppID) string {
	return fmt.Sprintf("clpr.%s.app.%s.send", ledger, app)
}

// connectorRecord turns one configured connector into a record for ledger.
// Missing ids are derived from the connector name so both ledgers agree on
// them without coordination.
func connectorRecord(ledger clpr.LedgerID, cc config.ConnectorConfig) clpr.ConnectorRecord {
	remote := clpr.LedgerID(cc.RemoteLedger)
	id, counterpart := clpr.DeriveConnectorPair(connectorIDPrefix, cc.Name, ledger, remote)
	if cc.ID != "" {
		id = clpr.ConnectorID(cc.ID)
	}
	if cc.CounterpartID != "" {
		counterpart = clpr.ConnectorID(cc.CounterpartID)
	}

	rec := clpr.ConnectorRecord{
		ID:              id,
		CounterpartID:   counterpart,
		LocalLedger:     ledger,
		RemoteLedger:    remote,
		Unit:            cc.Unit,
		Balance:         cc.Balance,
		SafetyThreshold: cc.SafetyThreshold,
		MinCharge:       cc.MinCharge,
	}
	if cc.MaxCommitment != nil {
		rec.MaxCommitment = &clpr.Commitment{Value: cc.MaxCommitment.Value, Unit: cc.MaxCommitment.Unit}
	}
	return rec
}

func pendingPolicy(pc config.PendingConfig) clpr.PendingPolicy {
	if pc.Policy == config.PendingExpire {
		return clpr.ExpireAfter(pc.ExpireAfter.Duration)
	}
	return clpr.RetainPending()
}

// routing is what buildRouting registered on a middleware.
type routing struct {
	connectors map[string]*clpr.Connector
	sources    map[clpr.AppID]*clpr.SourceApplication
	echoes     map[clpr.AppID]*clpr.EchoApplication
}

// buildRouting creates every configured connector and application and
// registers them with mw.
func buildRouting(mw *clpr.Middleware, cfg *config.Config, logger *slog.Logger) (*routing, error) {
	r := &routing{
		connectors: make(map[string]*clpr.Connector, len(cfg.Connectors)),
		sources:    make(map[clpr.AppID]*clpr.SourceApplication),
		echoes:     make(map[clpr.AppID]*clpr.EchoApplication),
	}

	for _, cc := range cfg.Connectors {
		opts := []clpr.ConnectorOption{clpr.WithConnectorLogger(logger)}
		if cc.RateLimit != nil {
			opts = append(opts, clpr.WithPolicy(clpr.RateLimit(cc.RateLimit.PerSecond, cc.RateLimit.Burst)))
		}
		conn, err := clpr.NewConnector(connectorRecord(mw.LedgerID(), cc), opts...)
		if err != nil {
			return nil, errors.Wrap(err, "node", "buildRouting", "create connector "+cc.Name)
		}
		conn.SetDenyAuthorize(cc.DenyAuthorize)
		if err := conn.RegisterWithMiddleware(mw); err != nil {
			return nil, errors.Wrap(err, "node", "buildRouting", "register connector "+cc.Name)
		}
		r.connectors[cc.Name] = conn
		logger.Info("Registered connector",
			"name", cc.Name,
			"connector_id", conn.ID(),
			"counterpart_id", conn.CounterpartID(),
			"remote_ledger", conn.RemoteLedger())
	}

	for _, ac := range cfg.Applications {
		var app clpr.Application
		switch ac.Kind {
		case config.AppKindEcho:
			echo, err := clpr.NewEchoApplication(mw, clpr.AppID(ac.ID))
			if err != nil {
				return nil, errors.Wrap(err, "node", "buildRouting", "create application "+ac.ID)
			}
			r.echoes[echo.ID()] = echo
			app = echo
		case config.AppKindSource:
			ids := make([]clpr.ConnectorID, 0, len(ac.Connectors))
			for _, name := range ac.Connectors {
				conn, ok := r.connectors[name]
				if !ok {
					return nil, errors.WrapInvalid(fmt.Errorf("%w: %q", errors.ErrUnknownConnector, name),
						"node", "buildRouting", "resolve connectors of "+ac.ID)
				}
				ids = append(ids, conn.ID())
			}
			src, err := clpr.NewSourceApplication(mw, clpr.SourceConfig{
				ID:                clpr.AppID(ac.ID),
				DestinationLedger: clpr.LedgerID(ac.DestinationLedger),
				DestinationApp:    clpr.AppID(ac.DestinationApp),
				Connectors:        ids,
				MinCharge:         ac.MinCharge,
				Unit:              ac.Unit,
			})
			if err != nil {
				return nil, errors.Wrap(err, "node", "buildRouting", "create application "+ac.ID)
			}
			r.sources[src.ID()] = src
			app = src
		default:
			return nil, errors.WrapInvalid(fmt.Errorf("%w: kind %q", errors.ErrInvalidApplication, ac.Kind),
				"node", "buildRouting", "create application "+ac.ID)
		}

		if err := mw.RegisterLocalApplication(app); err != nil {
			return nil, errors.Wrap(err, "node", "buildRouting", "register application "+ac.ID)
		}
		logger.Info("Registered application", "app_id", ac.ID, "kind", ac.Kind)
	}
	return r, nil
}

// sendReply is the JSON answer to a send trigger.
type sendReply struct {
	Accepted       bool               `json:"accepted"`
	AppMessageID   clpr.AppMessageID  `json:"app_message_id,omitempty"`
	QueueMessageID uint64             `json:"queue_message_id,omitempty"`
	Connector      clpr.ConnectorID   `json:"connector_id,omitempty"`
	Attempts       []clpr.SendAttempt `json:"attempts"`
	Error          string             `json:"error,omitempty"`
}

// sendHandler answers send triggers for src. The request body is the payload.
func sendHandler(src *clpr.SourceApplication, logger *slog.Logger) func(context.Context, []byte) []byte {
	return func(ctx context.Context, payload []byte) []byte {
		result, err := src.SendWithFailover(ctx, payload)

		reply := sendReply{Attempts: []clpr.SendAttempt{}}
		if result != nil {
			reply.Accepted = result.Accepted
			reply.AppMessageID = result.AppMessageID
			reply.QueueMessageID = result.QueueMessageID
			reply.Connector = result.Connector
			if result.Attempts != nil {
				reply.Attempts = result.Attempts
			}
		}
		if err != nil {
			reply.Error = err.Error()
			logger.Warn("Send trigger failed", "app_id", src.ID(), "error", err)
		}

		data, err := json.Marshal(reply)
		if err != nil {
			return []byte(`{"accepted":false,"error":"encode reply"}`)
		}
		return data
	}
}
