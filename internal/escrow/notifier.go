package escrow

import (
	"context"
	"time"
)

// NotificationType names a lifecycle event surfaced to collaborators.
type NotificationType string

const (
	NotifyDisputeCreated    NotificationType = "dispute.created"
	NotifyDisputeResponded  NotificationType = "dispute.responded"
	NotifyDisputeEscalated  NotificationType = "dispute.escalated"
	NotifyDisputeResolved   NotificationType = "dispute.resolved"
	NotifyProposalCreated   NotificationType = "proposal.created"
	NotifyProposalRejected  NotificationType = "proposal.rejected"
	NotifyProposalValidated NotificationType = "proposal.validated"
	NotifySettlementFailed  NotificationType = "settlement.failed"
)

// Notification is what the messaging and UI collaborators read to decide
// what to send or render.
type Notification struct {
	Type          NotificationType `json:"type"`
	DisputeID     string           `json:"disputeId"`
	TransactionID string           `json:"transactionId,omitempty"`
	ProposalID    string           `json:"proposalId,omitempty"`
	Status        DisputeStatus    `json:"status,omitempty"`
	Recipients    []string         `json:"recipients,omitempty"`
	Data          map[string]any   `json:"data,omitempty"`
	At            time.Time        `json:"at"`
}

// Notifier delivers notifications. Implementations are fire-and-forget:
// delivery problems are logged, never returned to the caller.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NopNotifier drops every notification.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Notification) {}

// NotificationFor fills the dispute fields shared by every notification.
func NotificationFor(typ NotificationType, d *Dispute, at time.Time) Notification {
	return Notification{
		Type:          typ,
		DisputeID:     d.ID,
		TransactionID: d.TransactionID,
		Status:        d.Status,
		Recipients:    []string{d.PayerID, d.PayeeID},
		At:            at,
	}
}
