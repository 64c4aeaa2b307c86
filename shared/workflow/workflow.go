package workflow

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidTransition = errors.New("invalid status transition")

const (
	AlertOpen         = "OPEN"
	AlertAcknowledged = "ACKNOWLEDGED"
	AlertResolved     = "RESOLVED"
)

const (
	AlertEventAcknowledged = "alert.acknowledged"
	AlertEventResolved     = "alert.resolved"
)

const (
	OutboxPending   = "PENDING"
	OutboxPublished = "PUBLISHED"
	OutboxFailed    = "FAILED"
)

var alertTransitions = map[string]map[string]string{
	AlertOpen: {
		AlertAcknowledged: AlertEventAcknowledged,
		AlertResolved:     AlertEventResolved,
	},
	AlertAcknowledged: {
		AlertResolved: AlertEventResolved,
	},
}

// FAILED -> PENDING is the operator or re-scan retry path. PUBLISHED -> FAILED
// records a broker consumer that exhausted its retries.
var outboxTransitions = map[string]map[string]struct{}{
	OutboxPending:   {OutboxPublished: {}, OutboxFailed: {}},
	OutboxPublished: {OutboxFailed: {}},
	OutboxFailed:    {OutboxPending: {}},
}

func Normalize(status string) string {
	return strings.ToUpper(strings.TrimSpace(status))
}

func CanTransitionAlert(from string, to string) bool {
	from, to = Normalize(from), Normalize(to)
	if from == to {
		return true
	}
	_, ok := alertTransitions[from][to]
	return ok
}

func CheckAlertTransition(from string, to string) error {
	if !CanTransitionAlert(from, to) {
		return fmt.Errorf("%w: alert %s -> %s", ErrInvalidTransition, Normalize(from), Normalize(to))
	}
	return nil
}

func EventTypeForAlertTransition(from string, to string) string {
	from, to = Normalize(from), Normalize(to)
	if from == to {
		return ""
	}
	return alertTransitions[from][to]
}

func CanTransitionOutbox(from string, to string) bool {
	from, to = Normalize(from), Normalize(to)
	_, ok := outboxTransitions[from][to]
	return ok
}
