package notify

import (
	"time"
)

// Type is the closed set of event kinds a notification can describe.
type Type string

const (
	TypeTicketAssigned Type = "ticket.assigned"
	TypeTicketUpdated  Type = "ticket.updated"
	TypeTicketComment  Type = "ticket.comment"
	TypeTicketResolved Type = "ticket.resolved"
	TypeMention        Type = "mention"
	TypeSystem         Type = "system"
)

// Known reports whether t is one of the declared notification types.
func (t Type) Known() bool {
	switch t {
	case TypeTicketAssigned, TypeTicketUpdated, TypeTicketComment,
		TypeTicketResolved, TypeMention, TypeSystem:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// DeliveryStatus tracks whether a notification reached this client.
type DeliveryStatus string

const (
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryFailed    DeliveryStatus = "failed"
)

// MaxDeliveryRetries caps Notification.RetryCount.
const MaxDeliveryRetries = 5

// TemplateRef points at a translatable message template. Either the plain
// Title/Message strings or a TemplateRef is set, never both.
type TemplateRef struct {
	Key    string            `json:"key"`
	Params map[string]string `json:"params,omitempty"`
}

// Notification is the delivered unit of information. ID is immutable once
// assigned; Read transitions false->true except via an explicit mark-unread.
type Notification struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	Type           Type           `json:"type"`
	Priority       Priority       `json:"priority"`
	Title          string         `json:"title,omitempty"`
	Message        string         `json:"message,omitempty"`
	Template       *TemplateRef   `json:"template,omitempty"`
	TicketID       string         `json:"ticket_id,omitempty"`
	Read           bool           `json:"read"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeliveryStatus DeliveryStatus `json:"delivery_status"`
	RetryCount     int            `json:"retry_count"`
}

// NewerThan reports whether n carries state at least as fresh as the given
// timestamp. Used for compare-and-set merges so resync pages never clobber
// newer live events.
func (n *Notification) NewerThan(t time.Time) bool {
	return n.UpdatedAt.After(t)
}

// QuietHours is a daily do-not-disturb window in the user's locale,
// expressed as minutes since midnight. A window may wrap past midnight
// (Start > End).
type QuietHours struct {
	Enabled bool `json:"enabled"`
	Start   int  `json:"start"`
	End     int  `json:"end"`
}

// Contains reports whether t falls inside the quiet window.
func (q QuietHours) Contains(t time.Time) bool {
	if !q.Enabled {
		return false
	}
	m := t.Hour()*60 + t.Minute()
	if q.Start <= q.End {
		return m >= q.Start && m < q.End
	}
	return m >= q.Start || m < q.End
}

// Preferences is the read-only per-user preference document consulted
// before producing visible side effects.
type Preferences struct {
	UserID      string        `json:"user_id"`
	TypeEnabled map[Type]bool `json:"type_enabled"`
	QuietHours  QuietHours    `json:"quiet_hours"`
	Sound       bool          `json:"sound"`
	Toast       bool          `json:"toast"`
}

// TypeAllowed reports whether notifications of type t should surface.
// Types absent from the map default to enabled.
func (p *Preferences) TypeAllowed(t Type) bool {
	if p == nil || p.TypeEnabled == nil {
		return true
	}
	enabled, ok := p.TypeEnabled[t]
	if !ok {
		return true
	}
	return enabled
}
