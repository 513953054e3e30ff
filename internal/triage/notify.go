package triage

import (
	"context"
	"errors"
	"time"
)

// EventKind names a triage lifecycle event.
type EventKind string

const (
	EventTriageCompleted EventKind = "triage.completed"
	EventTriageFailed    EventKind = "triage.failed"
)

// Event is published after each run finishes.
type Event struct {
	Kind     EventKind `json:"kind"`
	TicketID string    `json:"ticket_id"`
	RunID    string    `json:"run_id"`
	Trigger  Trigger   `json:"trigger"`
	Outcome  *Outcome  `json:"outcome,omitempty"`
	Ticket   *Ticket   `json:"ticket,omitempty"`
	Error    string    `json:"error,omitempty"`
	Time     time.Time `json:"time"`
}

// HandedOff reports whether the run assigned the ticket to a human.
func (e *Event) HandedOff() bool {
	return e.Outcome != nil && e.Outcome.Decision == DecisionAssignHuman
}

// Notifier receives run events. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, e *Event) error
}

// Notifiers fans an event out to every notifier and joins their errors.
type Notifiers []Notifier

// Notify implements Notifier.
func (ns Notifiers) Notify(ctx context.Context, e *Event) error {
	var errs []error
	for _, n := range ns {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
