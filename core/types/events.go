package types

import "time"

// EventType names one kind of domain event published on the bus.
type EventType string

const (
	EventSessionCreated    EventType = "session.created"
	EventSessionRecreated  EventType = "session.recreated"
	EventSessionExpired    EventType = "session.expired"
	EventSessionCompleted  EventType = "session.completed"
	EventTransferDetected  EventType = "transfer.detected"
	EventTransferUpdated   EventType = "transfer.updated"
	EventTransferConfirmed EventType = "transfer.confirmed"
	EventChainHalted       EventType = "chain.halted"
)

// EventData carries the payload of a domain event. Which fields are set
// depends on the event type; unset fields are omitted on the wire.
type EventData struct {
	Session           *Session  `json:"session,omitempty"`
	SessionID         string    `json:"sessionId,omitempty"`
	OriginalSessionID string    `json:"originalSessionId,omitempty"`
	Transfer          *Transfer `json:"transfer,omitempty"`
	TransferID        string    `json:"transferId,omitempty"`
	Confirmations     uint64    `json:"confirmations,omitempty"`
	Matched           *bool     `json:"matched,omitempty"`
	Reason            string    `json:"reason,omitempty"`
	Network           string    `json:"network,omitempty"`
}

// Event is one domain event as delivered to bus subscribers and webhooks.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	CreatedAt time.Time `json:"createdAt"`
	Data      EventData `json:"data"`
}

// BoolPtr is a small helper for the Matched payload field.
func BoolPtr(b bool) *bool { return &b }
