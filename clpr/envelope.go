package clpr

import (
	"encoding/json"
	"fmt"

	"github.com/c360/clpr/errors"
)

// EnvelopeVersion is the wire format version written by this package.
const EnvelopeVersion = 1

// MessageEnvelope carries a message from the source middleware to the destination.
type MessageEnvelope struct {
	Version              int          `json:"version"`
	TraceID              string       `json:"trace_id"`
	QueueMessageID       uint64       `json:"queue_message_id,omitempty"`
	AppMessageID         AppMessageID `json:"app_message_id"`
	SourceLedger         LedgerID     `json:"source_ledger"`
	DestinationLedger    LedgerID     `json:"destination_ledger"`
	SourceApp            AppID        `json:"source_app"`
	DestinationApp       AppID        `json:"destination_app"`
	SourceConnector      ConnectorID  `json:"source_connector"`
	DestinationConnector ConnectorID  `json:"destination_connector"`
	MinCharge            Amount       `json:"min_charge"`
	Unit                 string       `json:"unit"`
	Payload              []byte       `json:"payload"`
}

// StatusReport is a connector's view of its own funds, attached to responses.
type StatusReport struct {
	ConnectorID      ConnectorID `json:"connector_id"`
	Unavailable      bool        `json:"unavailable"`
	AvailableBalance Amount      `json:"available_balance"`
	SafetyThreshold  Amount      `json:"safety_threshold"`
	MinimumCharge    Amount      `json:"minimum_charge"`
	Unit             string      `json:"unit"`
}

// ResponseEnvelope carries the destination's answer back to the source.
// SourceLedger and SourceApp always name the original sender.
type ResponseEnvelope struct {
	Version              int            `json:"version"`
	TraceID              string         `json:"trace_id"`
	QueueMessageID       uint64         `json:"queue_message_id,omitempty"`
	AppMessageID         AppMessageID   `json:"app_message_id"`
	SourceLedger         LedgerID       `json:"source_ledger"`
	DestinationLedger    LedgerID       `json:"destination_ledger"`
	SourceApp            AppID          `json:"source_app"`
	DestinationApp       AppID          `json:"destination_app"`
	SourceConnector      ConnectorID    `json:"source_connector"`
	DestinationConnector ConnectorID    `json:"destination_connector"`
	Success              bool           `json:"success"`
	Status               ResponseStatus `json:"status"`
	Error                string         `json:"error,omitempty"`
	Payload              []byte         `json:"payload"`
	StatusReport         *StatusReport  `json:"status_report,omitempty"`
}

// Validate checks the fields every hop relies on.
func (e MessageEnvelope) Validate() error {
	switch {
	case e.Version != EnvelopeVersion:
		return fmt.Errorf("%w: version %d", errors.ErrUnsupportedEnvelope, e.Version)
	case e.AppMessageID == 0:
		return fmt.Errorf("%w: missing app message id", errors.ErrInvalidEnvelope)
	case e.SourceLedger == "" || e.DestinationLedger == "":
		return fmt.Errorf("%w: missing ledger", errors.ErrInvalidEnvelope)
	case e.DestinationApp == "" || e.SourceApp == "":
		return fmt.Errorf("%w: missing application", errors.ErrInvalidEnvelope)
	case e.DestinationConnector == "":
		return fmt.Errorf("%w: missing destination connector", errors.ErrInvalidEnvelope)
	}
	return nil
}

// Validate checks the fields every hop relies on.
func (e ResponseEnvelope) Validate() error {
	switch {
	case e.Version != EnvelopeVersion:
		return fmt.Errorf("%w: version %d", errors.ErrUnsupportedEnvelope, e.Version)
	case e.AppMessageID == 0:
		return fmt.Errorf("%w: missing app message id", errors.ErrInvalidEnvelope)
	case e.SourceLedger == "" || e.DestinationLedger == "":
		return fmt.Errorf("%w: missing ledger", errors.ErrInvalidEnvelope)
	}
	return nil
}

// EncodeMessage serializes a message envelope.
func EncodeMessage(env MessageEnvelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Envelope", "EncodeMessage", "validate envelope")
	}
	return json.Marshal(env)
}

// DecodeMessage parses and validates a message envelope.
func DecodeMessage(data []byte) (MessageEnvelope, error) {
	var env MessageEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidEnvelope, err),
			"Envelope", "DecodeMessage", "unmarshal envelope")
	}
	if err := env.Validate(); err != nil {
		return env, errors.WrapInvalid(err, "Envelope", "DecodeMessage", "validate envelope")
	}
	return env, nil
}

// EncodeResponse serializes a response envelope.
func EncodeResponse(env ResponseEnvelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Envelope", "EncodeResponse", "validate envelope")
	}
	return json.Marshal(env)
}

// DecodeResponse parses and validates a response envelope.
func DecodeResponse(data []byte) (ResponseEnvelope, error) {
	var env ResponseEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidEnvelope, err),
			"Envelope", "DecodeResponse", "unmarshal envelope")
	}
	if err := env.Validate(); err != nil {
		return env, errors.WrapInvalid(err, "Envelope", "DecodeResponse", "validate envelope")
	}
	return env, nil
}
