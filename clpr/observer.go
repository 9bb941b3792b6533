package clpr

import (
	"context"
	"time"
)

// Observer receives middleware events. Calls happen outside the middleware's
// lock, in the order the events occurred for a single Send, OnMessage or
// OnResponse call. Implementations must not block for long.
type Observer interface {
	SendAttempted(ctx context.Context, e SendAttemptEvent)
	ResponseReceived(ctx context.Context, e ResponseEvent)
	MessageHandled(ctx context.Context, e MessageHandledEvent)
}

// SendAttemptEvent reports one attempt of a failover run.
type SendAttemptEvent struct {
	Ledger       LedgerID     `json:"ledger_id"`
	Source       AppID        `json:"source_app"`
	AppMessageID AppMessageID `json:"app_message_id,omitempty"`
	Attempt      SendAttempt  `json:"attempt"`
	Time         time.Time    `json:"time"`
}

// ResponseEvent reports a response arriving at the source. Stale responses
// have no pending entry and were ignored; their MessageStatus is unset.
type ResponseEvent struct {
	Ledger        LedgerID       `json:"ledger_id"`
	AppMessageID  AppMessageID   `json:"app_message_id"`
	Source        AppID          `json:"source_app,omitempty"`
	Connector     ConnectorID    `json:"connector_id,omitempty"`
	Success       bool           `json:"success"`
	Status        ResponseStatus `json:"status"`
	MessageStatus MessageStatus  `json:"message_status,omitempty"`
	Stale         bool           `json:"stale"`
	Time          time.Time      `json:"time"`
}

// MessageHandledEvent reports a message processed on the destination side.
type MessageHandledEvent struct {
	Ledger         LedgerID       `json:"ledger_id"`
	AppMessageID   AppMessageID   `json:"app_message_id"`
	SourceLedger   LedgerID       `json:"source_ledger"`
	SourceApp      AppID          `json:"source_app"`
	DestinationApp AppID          `json:"destination_app"`
	Connector      ConnectorID    `json:"connector_id"`
	Status         ResponseStatus `json:"status"`
	Time           time.Time      `json:"time"`
}

// NopObserver ignores every event. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) SendAttempted(context.Context, SendAttemptEvent)     {}
func (NopObserver) ResponseReceived(context.Context, ResponseEvent)     {}
func (NopObserver) MessageHandled(context.Context, MessageHandledEvent) {}
