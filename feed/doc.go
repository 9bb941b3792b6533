// Package feed streams middleware events to websocket clients.
//
// A Hub is a clpr.Observer. Register it with clpr.WithObserver and mount it
// on an HTTP mux; every connected client receives each event as a JSON text
// frame:
//
//	{"type":"send_attempt","ledger_id":"ledger-a","time":"...","data":{...}}
//
// Each client has a bounded outbound ring. A client that cannot keep up loses
// its oldest undelivered events rather than slowing the middleware down.
// Clients are read-only; anything they send is discarded.
package feed
