package escrow

import (
	"time"

	"github.com/bruno-dias18/rivvlock-sub001/internal/apperror"
)

// DisputeStatus is the lifecycle state of a dispute.
type DisputeStatus string

const (
	StatusOpen            DisputeStatus = "open"        // Reported, counterparty has not answered
	StatusResponded       DisputeStatus = "responded"   // Counterparty replied
	StatusNegotiating     DisputeStatus = "negotiating" // A proposal is on the table
	StatusEscalated       DisputeStatus = "escalated"   // Deadline elapsed or forced, awaiting arbitration
	StatusResolved        DisputeStatus = "resolved"
	StatusResolvedRefund  DisputeStatus = "resolved_refund"
	StatusResolvedRelease DisputeStatus = "resolved_release"
)

func (s DisputeStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusResponded, StatusNegotiating, StatusEscalated,
		StatusResolved, StatusResolvedRefund, StatusResolvedRelease:
		return true
	}
	return false
}

// IsTerminal returns true if the dispute reached a final resolution.
func (s DisputeStatus) IsTerminal() bool {
	switch s {
	case StatusResolved, StatusResolvedRefund, StatusResolvedRelease:
		return true
	case StatusOpen, StatusResponded, StatusNegotiating, StatusEscalated:
		return false
	}
	panic("escrow: unknown dispute status " + string(s))
}

// IsTerminal returns true if the dispute is in a final state.
func (d *Dispute) IsTerminal() bool {
	return d.Status.IsTerminal()
}

// DisputeEvent triggers a dispute transition.
type DisputeEvent string

const (
	EventCounterpartyReplied DisputeEvent = "counterparty_replied"
	EventProposalPosted      DisputeEvent = "proposal_posted"
	EventArbitrationPosted   DisputeEvent = "arbitration_posted"
	EventEscalate            DisputeEvent = "escalate"
	EventArbitrationRejected DisputeEvent = "arbitration_rejected"
	EventSettled             DisputeEvent = "settled"
)

// Transition is an event plus what the settled event needs to pick a terminal
// status.
type Transition struct {
	Event   DisputeEvent
	Outcome ProposalKind
	Amount  int64
}

// Machine is the single authority on legal dispute moves. It holds no state;
// the current status always comes from the store.
type Machine struct{}

// Apply returns the status the dispute moves to for t, or a conflict error
// naming the current and requested status.
func (Machine) Apply(d *Dispute, t Transition) (DisputeStatus, error) {
	requested := requestedStatus(t)
	if d.Status.IsTerminal() {
		return "", apperror.Transition("dispute", string(d.Status), string(requested))
	}

	escalatedBefore := d.EscalatedAt != nil
	ok := false
	switch t.Event {
	case EventCounterpartyReplied:
		ok = d.Status == StatusOpen
	case EventProposalPosted:
		ok = !escalatedBefore && (d.Status == StatusOpen || d.Status == StatusResponded || d.Status == StatusNegotiating)
	case EventArbitrationPosted:
		ok = d.Status == StatusEscalated
	case EventEscalate:
		ok = !escalatedBefore && d.Status != StatusEscalated
	case EventArbitrationRejected:
		ok = escalatedBefore && d.Status == StatusNegotiating
	case EventSettled:
		ok = t.Outcome.Valid()
	default:
		return "", apperror.Validation("unknown dispute event %q", t.Event)
	}

	if !ok {
		return "", apperror.Transition("dispute", string(d.Status), string(requested))
	}
	return requested, nil
}

// CanPropose reports whether the dispute accepts a new proposal of the given
// family. Escalated disputes only take arbitration proposals.
func (m Machine) CanPropose(d *Dispute, arbitration bool) error {
	event := EventProposalPosted
	if arbitration {
		event = EventArbitrationPosted
	}
	_, err := m.Apply(d, Transition{Event: event})
	return err
}

// TerminalFor maps a settled outcome to the dispute's final status. A
// settlement that moves no money closes the dispute as plain resolved.
func TerminalFor(outcome ProposalKind, amount int64) DisputeStatus {
	if amount == 0 {
		return StatusResolved
	}
	switch outcome {
	case KindFullRefund, KindPartialRefund:
		return StatusResolvedRefund
	case KindNoRefund:
		return StatusResolvedRelease
	}
	panic("escrow: unknown proposal kind " + string(outcome))
}

func requestedStatus(t Transition) DisputeStatus {
	switch t.Event {
	case EventCounterpartyReplied:
		return StatusResponded
	case EventProposalPosted, EventArbitrationPosted:
		return StatusNegotiating
	case EventEscalate, EventArbitrationRejected:
		return StatusEscalated
	case EventSettled:
		if !t.Outcome.Valid() {
			return DisputeStatus("settled:" + string(t.Outcome))
		}
		return TerminalFor(t.Outcome, t.Amount)
	}
	return DisputeStatus(t.Event)
}

// EscalationEligible is the deadline sweep filter: a non-terminal dispute that
// was never escalated and whose deadline has passed. Every store implements
// its candidate query and its conditional escalate with exactly this
// predicate, which is what makes overlapping sweeps harmless.
func EscalationEligible(d *Dispute, now time.Time) bool {
	if d.EscalatedAt != nil {
		return false
	}
	switch d.Status {
	case StatusOpen, StatusResponded, StatusNegotiating:
		return !now.Before(d.DeadlineAt)
	}
	return false
}
