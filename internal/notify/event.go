package notify

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ChangeOp classifies a change-stream event.
type ChangeOp string

const (
	OpInsert ChangeOp = "insert"
	OpUpdate ChangeOp = "update"
	OpDelete ChangeOp = "delete"
)

// ChangeEvent is the validated, closed form of a raw change-stream message.
// Raw payloads of uncertain shape are converted here at the boundary;
// nothing downstream touches unvalidated data.
type ChangeEvent struct {
	Op     ChangeOp     `json:"op"`
	Record Notification `json:"record"`
}

// rawChangeEvent mirrors the wire envelope before validation.
type rawChangeEvent struct {
	Op     string          `json:"op"`
	Record json.RawMessage `json:"record"`
}

// DecodeChangeEvent validates and converts a raw change-stream message.
// Malformed payloads return an error wrapping ErrValidation; callers skip
// the event and keep the stream alive.
func DecodeChangeEvent(data []byte) (*ChangeEvent, error) {
	var raw rawChangeEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope: %v", ErrValidation, err)
	}

	op := ChangeOp(strings.ToLower(strings.TrimSpace(raw.Op)))
	switch op {
	case OpInsert, OpUpdate, OpDelete:
	default:
		return nil, fmt.Errorf("%w: unknown op %q", ErrValidation, raw.Op)
	}

	if len(raw.Record) == 0 {
		return nil, fmt.Errorf("%w: missing record", ErrValidation)
	}

	var rec Notification
	if err := json.Unmarshal(raw.Record, &rec); err != nil {
		return nil, fmt.Errorf("%w: malformed record: %v", ErrValidation, err)
	}

	if err := validateRecord(op, &rec); err != nil {
		return nil, err
	}

	return &ChangeEvent{Op: op, Record: rec}, nil
}

func validateRecord(op ChangeOp, rec *Notification) error {
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("%w: record missing id", ErrValidation)
	}
	if op == OpDelete {
		// Deletes only need the id; the rest of the record may be zeroed.
		return nil
	}
	if strings.TrimSpace(rec.UserID) == "" {
		return fmt.Errorf("%w: record %s missing user_id", ErrValidation, rec.ID)
	}
	if !rec.Type.Known() {
		return fmt.Errorf("%w: record %s has unknown type %q", ErrValidation, rec.ID, rec.Type)
	}
	switch rec.Priority {
	case PriorityLow, PriorityMedium, PriorityHigh:
	case "":
		rec.Priority = PriorityMedium
	default:
		return fmt.Errorf("%w: record %s has unknown priority %q", ErrValidation, rec.ID, rec.Priority)
	}
	if rec.CreatedAt.IsZero() {
		return fmt.Errorf("%w: record %s missing created_at", ErrValidation, rec.ID)
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	if rec.DeliveryStatus == "" {
		rec.DeliveryStatus = DeliveryDelivered
	}
	return nil
}

// Encode serializes the event back to its wire form, used when
// rebroadcasting to peer contexts.
func (e *ChangeEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// StaleRelativeTo reports whether this event carries older state than a
// previously applied record with the same id.
func (e *ChangeEvent) StaleRelativeTo(applied time.Time) bool {
	return !e.Record.UpdatedAt.After(applied) && e.Op != OpDelete
}
