package state

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrMalformedPayload = errors.New("malformed payload")
	ErrAdmissionTimeout = errors.New("authentication grace period elapsed")
	ErrClientClosed     = errors.New("client is closed")
	ErrChannelClosed    = errors.New("channel is closed")
	ErrChannelExists    = errors.New("channel already exists")
	ErrInvalidTemplate  = errors.New("invalid channel path template")
	ErrParamMismatch    = errors.New("path parameters do not match channel template")
)

// AuthMessageType tags an inbound message as a credential submission.
const AuthMessageType = "auth"

// Socket is the transport-level connection a Client wraps.
type Socket interface {
	ID() uuid.UUID
	Send(message []byte) error
	Close(err error)
}

// Status is the position of a client in the admission state machine.
type Status int

const (
	// StatusPending: connected, no successful credential yet.
	StatusPending Status = iota
	StatusAuthorized
	// StatusRejected: the latest credential was refused. The client may resubmit.
	StatusRejected
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusAuthorized:
		return "authorized"
	case StatusRejected:
		return "rejected"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type EventType string

const (
	EventConnection EventType = "connection"
	EventMessage    EventType = "message"
	EventClose      EventType = "close"
	EventAuth       EventType = "auth"
	EventError      EventType = "error"
)

// Message is a parsed inbound message.
type Message struct {
	Type    string
	Payload json.RawMessage
	Raw     json.RawMessage
}

// Event is a lifecycle notification emitted by a Channel and re-emitted by the registry.
type Event struct {
	Type    EventType
	Client  *Client
	Channel *Channel
	// Message is set for EventMessage.
	Message *Message
	// Err is the close reason for EventClose and the failure for EventError.
	Err error
}

type EventHandler func(ev Event)
