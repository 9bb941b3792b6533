// Package errors provides standardized error handling for CLPR components.
//
// # Overview
//
// Errors fall into three classes that drive how callers react:
//
//   - Transient: transport hiccups, timeouts, a disconnected NATS client. Retry.
//   - Invalid: a request that can never succeed as issued, such as sending from an
//     unregistered application or exhausting every preferred connector.
//   - Fatal: construction-time misconfiguration (ErrInvalidQueue,
//     ErrInvalidMiddleware, ErrInvalidLedger). The component never becomes
//     operational.
//
// Connector refusals are not errors. The middleware records them as SendAttempt
// values and only reports ErrConnectorsExhausted once the preference list is
// used up.
//
// # Usage
//
//	mw, err := clpr.NewMiddleware(nil, "ledger-a")
//	if errors.Is(err, errors.ErrInvalidQueue) {
//	    // fix configuration
//	}
//
// Wrap errors with component context:
//
//	return errors.WrapTransient(err, "Queue", "EnqueueMessage", "publish to stream")
//
// which renders as "Queue.EnqueueMessage: publish to stream failed: <cause>" and
// still satisfies errors.Is against the cause.
package errors
