// Package relay connects ledgers that do not share a queue.
//
// Each ledger owns a Queue that stores its outbound message envelopes as
// encoded bytes, numbered from 1. A Relayer polls the source ledger's queue,
// hands each message to the destination ledger's queue, and carries the
// destination's response back the same way. Delivery into a Queue is
// idempotent: a message id already processed is ignored, so relayers may
// restart from any start id.
//
// Relaying both directions between two ledgers takes two relayers:
//
//	ab, _ := relay.NewRelayer(queueA, queueB)
//	ba, _ := relay.NewRelayer(queueB, queueA)
//	go ab.Run(ctx)
//	go ba.Run(ctx)
package relay
