package notify

import (
	"errors"
	"testing"
	"time"
)

func TestDecodeChangeEventValid(t *testing.T) {
	data := []byte(`{
		"op": "insert",
		"record": {
			"id": "n-1",
			"user_id": "u-1",
			"type": "ticket.assigned",
			"title": "assigned to you",
			"created_at": "2026-02-01T10:00:00Z"
		}
	}`)

	ev, err := DecodeChangeEvent(data)
	if err != nil {
		t.Fatalf("DecodeChangeEvent: %v", err)
	}
	if ev.Op != OpInsert {
		t.Fatalf("op = %s, want insert", ev.Op)
	}
	if ev.Record.Priority != PriorityMedium {
		t.Fatalf("priority = %s, want defaulted medium", ev.Record.Priority)
	}
	if !ev.Record.UpdatedAt.Equal(ev.Record.CreatedAt) {
		t.Fatal("updated_at not defaulted to created_at")
	}
	if ev.Record.DeliveryStatus != DeliveryDelivered {
		t.Fatalf("delivery_status = %s, want defaulted delivered", ev.Record.DeliveryStatus)
	}
}

func TestDecodeChangeEventRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"invalid json", `{not json`},
		{"unknown op", `{"op":"upsert","record":{"id":"n-1"}}`},
		{"missing record", `{"op":"insert"}`},
		{"missing id", `{"op":"insert","record":{"user_id":"u-1","type":"mention","created_at":"2026-02-01T10:00:00Z"}}`},
		{"missing user", `{"op":"insert","record":{"id":"n-1","type":"mention","created_at":"2026-02-01T10:00:00Z"}}`},
		{"unknown type", `{"op":"insert","record":{"id":"n-1","user_id":"u-1","type":"carrier.pigeon","created_at":"2026-02-01T10:00:00Z"}}`},
		{"unknown priority", `{"op":"insert","record":{"id":"n-1","user_id":"u-1","type":"mention","priority":"urgent","created_at":"2026-02-01T10:00:00Z"}}`},
		{"missing created_at", `{"op":"insert","record":{"id":"n-1","user_id":"u-1","type":"mention"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeChangeEvent([]byte(tt.data))
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("error = %v, want wrapped ErrValidation", err)
			}
		})
	}
}

func TestDecodeChangeEventDeleteNeedsOnlyID(t *testing.T) {
	ev, err := DecodeChangeEvent([]byte(`{"op":"delete","record":{"id":"n-1"}}`))
	if err != nil {
		t.Fatalf("DecodeChangeEvent: %v", err)
	}
	if ev.Op != OpDelete || ev.Record.ID != "n-1" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestStaleRelativeTo(t *testing.T) {
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	ev := &ChangeEvent{Op: OpUpdate, Record: Notification{ID: "n-1", UpdatedAt: base}}
	if !ev.StaleRelativeTo(base) {
		t.Fatal("equal timestamps should be stale for updates")
	}
	if ev.StaleRelativeTo(base.Add(-time.Second)) {
		t.Fatal("newer event marked stale")
	}

	del := &ChangeEvent{Op: OpDelete, Record: Notification{ID: "n-1"}}
	if del.StaleRelativeTo(base) {
		t.Fatal("deletes are never stale")
	}
}

func TestQuietHours(t *testing.T) {
	at := func(h, m int) time.Time {
		return time.Date(2026, 2, 1, h, m, 0, 0, time.UTC)
	}

	plain := QuietHours{Enabled: true, Start: 9 * 60, End: 17 * 60}
	if !plain.Contains(at(12, 0)) {
		t.Fatal("noon should be inside 09:00-17:00")
	}
	if plain.Contains(at(17, 0)) {
		t.Fatal("end is exclusive")
	}

	wrapped := QuietHours{Enabled: true, Start: 22 * 60, End: 7 * 60}
	if !wrapped.Contains(at(23, 30)) || !wrapped.Contains(at(6, 59)) {
		t.Fatal("wrapped window should cover late night and early morning")
	}
	if wrapped.Contains(at(12, 0)) {
		t.Fatal("noon is outside a 22:00-07:00 window")
	}

	disabled := QuietHours{Enabled: false, Start: 0, End: 24 * 60}
	if disabled.Contains(at(12, 0)) {
		t.Fatal("disabled window contains nothing")
	}
}

func TestClassifyAndRetryable(t *testing.T) {
	if !Retryable(ErrNetwork) || !Retryable(ErrTimeout) || !Retryable(ErrStorage) {
		t.Fatal("network, timeout and storage failures must be retryable")
	}
	if Retryable(ErrPermission) || Retryable(ErrValidation) || Retryable(ErrNotFound) {
		t.Fatal("permission, validation and not-found must not be retryable")
	}
	if Retryable(nil) {
		t.Fatal("nil error is not retryable")
	}
}
