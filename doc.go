// Package clpr is a cross-ledger routing middleware. Applications on one
// ledger send payloads to applications on another ledger through connectors:
// prepaid routing agents that hold a balance on the destination ledger and
// pay the per-message charge there.
//
// The repository contains the routing core and everything a ledger node needs
// to run it: NATS transport, persistence, metrics, health and a live event
// feed.
//
// # Architecture
//
//	┌──────────────────────┐                     ┌──────────────────────┐
//	│       Ledger A       │                     │       Ledger B       │
//	│                      │                     │                      │
//	│  SourceApplication   │                     │   EchoApplication    │
//	│          │ Send      │                     │          ▲ Handle    │
//	│          ▼           │                     │          │           │
//	│     Middleware ──────┼── outbound queue ──►│     Middleware       │
//	│   (failover, cache,  │     (relayer)       │  (authorize, charge, │
//	│    pending table)    │◄─ response queue ───┼   status report)     │
//	│          │           │                     │                      │
//	│    Connector pair    │                     │    Connector pair    │
//	└──────────────────────┘                     └──────────────────────┘
//
// A send walks the caller's connector list in order. Each connector is asked
// to authorize locally; a connector whose remote counterpart is known to be
// short of funds is skipped without contacting it. The first accepted
// connector gets the message enqueued, and its application message id is
// recorded in the pending table until the response arrives. Responses carry
// the destination connector's status report, which refreshes the source
// middleware's view of that connector.
//
// # Packages
//
// Routing core:
//   - clpr: envelopes, connectors, policies, status cache, pending table,
//     middleware and the sample source and echo applications
//
// Transport:
//   - transport/memqueue: in-process queue for tests and single-binary runs
//   - transport/relay: ledger-local queues and the relayer that moves
//     envelopes between them
//   - transport/natsqueue: JetStream-backed queue for multi-process nodes
//
// Node infrastructure:
//   - natsclient: NATS connection management with circuit breaker and KV helpers
//   - store: remote connector status persistence (NATS KV or a local bbolt file)
//   - feed: WebSocket broadcast of send attempts, responses and handled messages
//   - config: YAML node configuration validated against an embedded JSON schema
//   - metric: Prometheus registry and the /metrics and /health server
//   - health: component health aggregation
//   - errors: classified error wrapping (transient, invalid, fatal)
//   - pkg/retry: backoff for transient failures
//   - pkg/buffer: bounded ring buffer with overflow policies
//
// Binaries:
//   - cmd/clpr-node: one ledger's middleware served over NATS request/reply
//   - cmd/clpr-smoke: two ledgers in one process running the failover scenario
//
// # Running
//
// A node needs a NATS server with JetStream enabled:
//
//	nats-server -js &
//	clpr-node --config configs/node.yaml
//
// Applications send through the node with a NATS request on
// clpr.<ledger>.app.<app>.send. The smoke binary needs nothing external:
//
//	clpr-smoke -sends 4 -v
package clpr
