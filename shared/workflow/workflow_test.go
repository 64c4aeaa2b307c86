package workflow

import (
	"errors"
	"testing"
)

func TestAlertTransitions(t *testing.T) {
	cases := []struct {
		from, to string
		ok       bool
	}{
		{AlertOpen, AlertAcknowledged, true},
		{AlertOpen, AlertResolved, true},
		{AlertAcknowledged, AlertResolved, true},
		{AlertResolved, AlertOpen, false},
		{AlertAcknowledged, AlertOpen, false},
		{"open", "acknowledged", true},
	}
	for _, tc := range cases {
		if got := CanTransitionAlert(tc.from, tc.to); got != tc.ok {
			t.Fatalf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.ok, got)
		}
	}
	if err := CheckAlertTransition(AlertResolved, AlertAcknowledged); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestEventTypeForAlertTransition(t *testing.T) {
	if ev := EventTypeForAlertTransition(AlertOpen, AlertResolved); ev != AlertEventResolved {
		t.Fatalf("unexpected event type %q", ev)
	}
	if ev := EventTypeForAlertTransition(AlertOpen, AlertOpen); ev != "" {
		t.Fatalf("expected no event for self transition, got %q", ev)
	}
}

func TestOutboxTransitions(t *testing.T) {
	if CanTransitionOutbox(OutboxPublished, OutboxPending) {
		t.Fatalf("published must not return to pending")
	}
	if !CanTransitionOutbox(OutboxPublished, OutboxFailed) {
		t.Fatalf("consumer exhaustion must be recordable")
	}
	if !CanTransitionOutbox(OutboxFailed, OutboxPending) {
		t.Fatalf("failed events must be retryable")
	}
}
