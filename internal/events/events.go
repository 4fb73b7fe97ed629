// ABOUTME: Dialog event envelope shared by the bus, delivery, and transports
// ABOUTME: Tagged union over message, handoff, and sync payloads with boundary validation

package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Type is the stable discriminant of an Event.
type Type string

const (
	TypeMessage Type = "message"
	TypeHandoff Type = "handoff"
	TypeSync    Type = "sync"
)

// Event validation errors
var (
	ErrUnknownType     = errors.New("unknown event type")
	ErrPayloadMismatch = errors.New("event payload does not match type")
	ErrMissingDialog   = errors.New("event missing dialog id")
	ErrInvalidDialogID = errors.New("dialog id must be 1-128 characters of A-Z, a-z, 0-9, '_' or '-'")
)

// Dialog ids become bus channel names and routing keys, so separators such as
// '.', '/', and ':' are excluded.
var dialogIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidateDialogID reports whether id can be used as a dialog id.
func ValidateDialogID(id string) error {
	if !dialogIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidDialogID, id)
	}
	return nil
}

// Handoff statuses carried on events and stored on dialogs.
const (
	StatusNone      = "none"
	StatusRequested = "requested"
	StatusActive    = "active"
	StatusReleased  = "released"
	StatusCancelled = "cancelled"
)

// Event is the outbound envelope. Exactly one of Message, Handoff, or Sync is
// set, selected by Type. The payload fields are flattened into the JSON object.
type Event struct {
	ID        string    `json:"id,omitempty"`
	Type      Type      `json:"type"`
	DialogID  string    `json:"dialog_id"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`

	*Message
	*Handoff
	*Sync
}

// Message is a chat message pushed for fan-out.
type Message struct {
	Sender    string `json:"sender"` // user, assistant, operator
	Text      string `json:"text"`
	MessageID string `json:"message_id"`
}

// Handoff describes one accepted handoff transition.
type Handoff struct {
	// Status is the transition target (released and cancelled included).
	Status string `json:"status"`
	// Current is the persisted dialog status after the transition.
	Current    string         `json:"current"`
	Reason     string         `json:"reason,omitempty"`
	Actor      string         `json:"actor"`
	Seq        int64          `json:"seq"`
	OperatorID string         `json:"operator_id,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// Sync carries the authoritative dialog state sent to a client on connect.
type Sync struct {
	State Snapshot `json:"state"`
}

// Snapshot is the current handoff state of one dialog.
type Snapshot struct {
	DialogID      string     `json:"dialog_id"`
	Status        string     `json:"status"`
	OperatorID    string     `json:"operator_id,omitempty"`
	LastSeq       int64      `json:"last_seq"`
	QueuePosition int        `json:"queue_position,omitempty"`
	EstimatedWait float64    `json:"estimated_wait_seconds,omitempty"`
	RequestedAt   *time.Time `json:"requested_at,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
}

// NewMessage builds a message event for a dialog.
func NewMessage(dialogID string, m Message) Event {
	return Event{Type: TypeMessage, DialogID: dialogID, Message: &m}
}

// NewHandoff builds a handoff transition event for a dialog.
func NewHandoff(dialogID string, h Handoff) Event {
	return Event{Type: TypeHandoff, DialogID: dialogID, Handoff: &h}
}

// NewSync builds a synchronization event carrying the current snapshot.
func NewSync(s Snapshot) Event {
	return Event{Type: TypeSync, DialogID: s.DialogID, Timestamp: time.Now().UTC(), Sync: &Sync{State: s}}
}

// Validate checks that the discriminant and payload agree.
func (e *Event) Validate() error {
	if e.DialogID == "" {
		return ErrMissingDialog
	}

	set := 0
	for _, present := range []bool{e.Message != nil, e.Handoff != nil, e.Sync != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: %d payloads for %q", ErrPayloadMismatch, set, e.Type)
	}

	switch e.Type {
	case TypeMessage:
		if e.Message == nil {
			return fmt.Errorf("%w: %q", ErrPayloadMismatch, e.Type)
		}
	case TypeHandoff:
		if e.Handoff == nil {
			return fmt.Errorf("%w: %q", ErrPayloadMismatch, e.Type)
		}
	case TypeSync:
		if e.Sync == nil {
			return fmt.Errorf("%w: %q", ErrPayloadMismatch, e.Type)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	return nil
}

// Decode parses and validates an event envelope.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("decoding event: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// Encode validates and serializes an event envelope.
func Encode(ev Event) ([]byte, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(ev)
}
