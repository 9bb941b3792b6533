// Package store persists middleware state in NATS JetStream KV.
//
// KVStatusStore implements clpr.StatusPersister. Every remote connector
// status the middleware learns from a response is written under the remote
// connector's id, so a restarted node can warm-start its status cache and
// keep suppressing sends through connectors known to be short of funds.
package store
