package clpr

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// LedgerID identifies one ledger endpoint.
type LedgerID string

// ConnectorID identifies one connector instance.
type ConnectorID string

// AppID identifies an application within its ledger.
type AppID string

// AppMessageID is the per-middleware monotonic id of an outbound message.
type AppMessageID uint64

// Amount is a decimal quantity in a connector's settlement unit.
type Amount = decimal.Decimal

// MessageStatus is the lifecycle state of an outbound message.
type MessageStatus int

const (
	MessagePending MessageStatus = iota
	MessageDelivered
	MessageFailed
)

func (s MessageStatus) String() string {
	switch s {
	case MessagePending:
		return "pending"
	case MessageDelivered:
		return "delivered"
	case MessageFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s MessageStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *MessageStatus) UnmarshalText(text []byte) error {
	switch string(text) {
	case "pending":
		*s = MessagePending
	case "delivered":
		*s = MessageDelivered
	case "failed":
		*s = MessageFailed
	default:
		return fmt.Errorf("unknown message status %q", text)
	}
	return nil
}

// AttemptStatus is the outcome of trying one connector.
type AttemptStatus int

const (
	AttemptAccepted AttemptStatus = iota
	AttemptRejected
)

func (s AttemptStatus) String() string {
	if s == AttemptAccepted {
		return "accepted"
	}
	return "rejected"
}

// MarshalText implements encoding.TextMarshaler.
func (s AttemptStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *AttemptStatus) UnmarshalText(text []byte) error {
	switch string(text) {
	case "accepted":
		*s = AttemptAccepted
	case "rejected":
		*s = AttemptRejected
	default:
		return fmt.Errorf("unknown attempt status %q", text)
	}
	return nil
}

// FailureReason explains a rejected attempt.
type FailureReason int

const (
	ReasonNone FailureReason = iota
	ReasonLocalPolicy
	ReasonConnectorOutOfFunds
	ReasonUnknownConnector
)

func (r FailureReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonLocalPolicy:
		return "local_policy"
	case ReasonConnectorOutOfFunds:
		return "connector_out_of_funds"
	case ReasonUnknownConnector:
		return "unknown_connector"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r FailureReason) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *FailureReason) UnmarshalText(text []byte) error {
	for candidate := ReasonNone; candidate <= ReasonUnknownConnector; candidate++ {
		if candidate.String() == string(text) {
			*r = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown failure reason %q", text)
}

// FailureSide says which end of the route caused a rejection.
type FailureSide int

const (
	SideNone FailureSide = iota
	SideSource
	SideDestination
)

func (s FailureSide) String() string {
	switch s {
	case SideNone:
		return "none"
	case SideSource:
		return "source"
	case SideDestination:
		return "destination"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s FailureSide) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *FailureSide) UnmarshalText(text []byte) error {
	for candidate := SideNone; candidate <= SideDestination; candidate++ {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown failure side %q", text)
}

// ResponseStatus is the outcome the destination reports for a delivered message.
type ResponseStatus int

const (
	StatusSuccess ResponseStatus = iota
	StatusApplicationError
	StatusConnectorOutOfFunds
	StatusUnknownConnector
	StatusUnknownApplication
	StatusExpired
)

var responseStatusNames = map[ResponseStatus]string{
	StatusSuccess:             "success",
	StatusApplicationError:    "application_error",
	StatusConnectorOutOfFunds: "connector_out_of_funds",
	StatusUnknownConnector:    "unknown_connector",
	StatusUnknownApplication:  "unknown_application",
	StatusExpired:             "expired",
}

func (s ResponseStatus) String() string {
	if name, ok := responseStatusNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (s ResponseStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *ResponseStatus) UnmarshalText(text []byte) error {
	for status, name := range responseStatusNames {
		if name == string(text) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown response status %q", text)
}

// SendAttempt records the outcome of one connector in a failover run.
type SendAttempt struct {
	ConnectorID ConnectorID   `json:"connector_id"`
	Status      AttemptStatus `json:"status"`
	Reason      FailureReason `json:"reason"`
	Side        FailureSide   `json:"side"`
}

func accepted(id ConnectorID) SendAttempt {
	return SendAttempt{ConnectorID: id, Status: AttemptAccepted}
}

func rejected(id ConnectorID, reason FailureReason, side FailureSide) SendAttempt {
	return SendAttempt{ConnectorID: id, Status: AttemptRejected, Reason: reason, Side: side}
}

// SendRequest asks the middleware to route a payload to a remote application.
type SendRequest struct {
	Source AppID
	// DestinationLedger restricts the route; connectors reaching another
	// ledger are rejected as unknown. Empty accepts any connector.
	DestinationLedger LedgerID
	DestinationApp    AppID
	Connectors        []ConnectorID
	MinCharge         Amount
	Unit              string
	Payload           []byte
}

// SendResult is the verdict of a Send call.
type SendResult struct {
	Accepted       bool
	AppMessageID   AppMessageID
	QueueMessageID uint64
	Connector      ConnectorID
	Attempts       []SendAttempt
}

// PendingEntry correlates an outbound message with its eventual response.
type PendingEntry struct {
	AppMessageID      AppMessageID
	SourceApp         AppID
	DestinationLedger LedgerID
	DestinationApp    AppID
	IssuedConnector   ConnectorID
	RemoteConnector   ConnectorID
	QueueMessageID    uint64
	Exists            bool
	Status            MessageStatus
	CreatedAt         time.Time
}

// InboundMessage is what a destination application receives.
type InboundMessage struct {
	AppMessageID AppMessageID
	SourceLedger LedgerID
	SourceApp    AppID
	Connector    ConnectorID
	Payload      []byte
}

// Response is what a source application receives for one of its messages.
type Response struct {
	AppMessageID AppMessageID
	Success      bool
	Status       ResponseStatus
	Payload      []byte
	Error        string
	Connector    ConnectorID
}
