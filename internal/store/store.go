// ABOUTME: Store data types for switchboard persistence
// ABOUTME: Defines Tenant, Dialog, HandoffAuditEntry, and OperatorPresence plus sentinel errors

package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when creating an entity whose ID already exists
var ErrDuplicate = errors.New("already exists")

// ErrSeqConflict is returned when an audit seq collides with an existing entry
var ErrSeqConflict = errors.New("audit seq conflict")

// Handoff statuses. Only none, requested and active are persisted on a
// dialog; released and cancelled appear only as audit targets.
const (
	StatusNone      = "none"
	StatusRequested = "requested"
	StatusActive    = "active"
	StatusReleased  = "released"
	StatusCancelled = "cancelled"
)

// Tenant is a customer account whose widgets embed on its allowed domains.
type Tenant struct {
	ID             string
	Name           string
	AllowedDomains []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Dialog is one conversation and its current handoff state.
type Dialog struct {
	ID           string
	TenantID     string
	Channel      string // "web", "telegram", ...
	AssistantID  string
	GuestID      string
	Status       string
	OperatorID   string // empty when unassigned
	RequestID    string // idempotency key of the open request
	Reason       string
	LastUserText string
	RequestedAt  *time.Time
	StartedAt    *time.Time
	ResolvedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HandoffAuditEntry is one immutable, sequence-numbered transition record.
type HandoffAuditEntry struct {
	ID         int64
	DialogID   string
	Seq        int64
	FromStatus string
	ToStatus   string
	Actor      string
	Reason     string
	RequestID  string
	Extra      map[string]any
	CreatedAt  time.Time
}

// PresenceStatus is an operator's availability.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// OperatorPresence is one operator's status and load.
type OperatorPresence struct {
	OperatorID    string
	TenantID      string
	Status        PresenceStatus
	LastHeartbeat time.Time
	Capacity      map[string]int // max concurrent chats per channel
	ActiveChats   int
	UpdatedAt     time.Time
}

// CapacityFor returns the operator's capacity on a channel.
func (p *OperatorPresence) CapacityFor(channel string) int {
	return p.Capacity[channel]
}
