package outbox

import "fmt"

const (
	OutboxStatusPending    = "PENDING"
	OutboxStatusDispatched = "DISPATCHED"
	OutboxStatusFailed     = "FAILED"
	OutboxStatusAbandoned  = "ABANDONED"
)

// Status represents a valid outbox entry lifecycle state.
type Status string

const (
	StatusPending    Status = OutboxStatusPending
	StatusDispatched Status = OutboxStatusDispatched
	StatusFailed     Status = OutboxStatusFailed
	StatusAbandoned  Status = OutboxStatusAbandoned
)

// ParseStatus validates and converts a raw string status.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)

	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrStatusInvalid, raw)
	}

	return status, nil
}

// IsValid reports whether the status is part of the outbox lifecycle.
func (status Status) IsValid() bool {
	switch status {
	case StatusPending, StatusDispatched, StatusFailed, StatusAbandoned:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status admits no further transitions.
func (status Status) IsTerminal() bool {
	return status == StatusDispatched || status == StatusAbandoned
}

// CanTransitionTo reports whether a transition from status to next is
// allowed. Failed entries may fail again (each failed dispatch attempt
// re-marks them) until the retry budget moves them to Abandoned; retry
// eligibility itself is time-gated by nextRetryAt, not by a status change.
func (status Status) CanTransitionTo(next Status) bool {
	switch status {
	case StatusPending:
		return next == StatusDispatched || next == StatusFailed
	case StatusFailed:
		return next == StatusDispatched || next == StatusFailed || next == StatusAbandoned
	case StatusDispatched, StatusAbandoned:
		return false
	default:
		return false
	}
}

// ValidateTransition validates a status transition using typed lifecycle rules.
func ValidateTransition(fromRaw, toRaw string) error {
	from, err := ParseStatus(fromRaw)
	if err != nil {
		return fmt.Errorf("from status: %w", err)
	}

	to, err := ParseStatus(toRaw)
	if err != nil {
		return fmt.Errorf("to status: %w", err)
	}

	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrTransitionInvalid, from, to)
	}

	return nil
}

func (status Status) String() string {
	return string(status)
}
