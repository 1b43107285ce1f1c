// Package negotiation runs the settlement-proposal protocol of a dispute.
//
// Flow:
//  1. While a dispute is open, responded or negotiating, the payer and payee
//     post bilateral proposals; the other party accepts or rejects them
//  2. Once the dispute is escalated, only an arbitrator posts proposals, and
//     each needs validation from both parties
//  3. A rejected arbitration proposal sends the dispute back to escalated
//  4. An accepted (or fully validated) proposal is claimed exactly once and
//     handed to the settlement executor
//  5. An arbitrator may bypass dual validation, or retry a failed settlement
package negotiation

import (
	"context"
	"time"

	"github.com/bruno-dias18/rivvlock-sub001/internal/apperror"
	"github.com/bruno-dias18/rivvlock-sub001/internal/escrow"
)

// MaxMessageLength bounds the free-text message attached to a proposal.
const MaxMessageLength = 2000

var (
	ErrOwnProposal        = apperror.Authorization("Cannot accept own proposal")
	ErrOwnProposalReject  = apperror.Authorization("Cannot reject own proposal")
	ErrNotParticipant     = apperror.Authorization("not a party to this dispute")
	ErrArbitratorOnly     = apperror.Authorization("only an arbitrator can do this")
	ErrNeedsValidation    = apperror.Conflict("arbitration proposals are validated by both parties")
	ErrNotArbitration     = apperror.Conflict("proposal does not require dual validation")
	ErrNothingToRetry     = apperror.Conflict("proposal has no failed or abandoned settlement to retry")
	ErrInArbitration      = apperror.Conflict("dispute is in arbitration; bilateral proposals can no longer be accepted")
	ErrReasonRequired     = apperror.Validation("reason is required for an immediate execution")
	ErrSettlerUnavailable = apperror.Execution("settlement executor is not configured")
)

// Family groups proposals by who posts them.
type Family string

const (
	FamilyBilateral   Family = "bilateral"
	FamilyArbitration Family = "arbitration"
)

// FamilyOf returns the family of p.
func FamilyOf(p *escrow.Proposal) Family {
	if p.IsArbitration() {
		return FamilyArbitration
	}
	return FamilyBilateral
}

// CreateRequest is the body of POST /v1/disputes/:id/proposals.
type CreateRequest struct {
	Kind             escrow.ProposalKind `json:"kind" binding:"required"`
	RefundPercentage *int                `json:"refundPercentage,omitempty"`
	Message          string              `json:"message,omitempty"`
}

// Result is what accepting, validating or executing a proposal produced.
// Settlement is nil when nothing was executed by this call.
type Result struct {
	Proposal   *escrow.Proposal         `json:"proposal"`
	Settlement *escrow.SettlementRecord `json:"settlement,omitempty"`
}

// Store is the persistence the protocol needs.
type Store interface {
	GetDispute(ctx context.Context, id string) (*escrow.Dispute, error)
	AddProposal(ctx context.Context, p *escrow.Proposal, from, to escrow.DisputeStatus) error
	GetProposal(ctx context.Context, id string) (*escrow.Proposal, error)
	ListProposals(ctx context.Context, disputeID string) ([]*escrow.Proposal, error)
	RecordValidation(ctx context.Context, id string, party escrow.Party, at time.Time) (*escrow.Proposal, error)
	ClaimProposal(ctx context.Context, id, executedBy string, override bool, at time.Time) (bool, error)
	RejectProposal(ctx context.Context, id string, from, to escrow.DisputeStatus, at time.Time) error
	ReclaimExecution(ctx context.Context, id, executedBy string, staleBefore, at time.Time) (bool, error)
}

// Settler executes a claimed proposal against the payment gateway.
type Settler interface {
	Execute(ctx context.Context, proposalID string) (*escrow.SettlementRecord, error)
}
