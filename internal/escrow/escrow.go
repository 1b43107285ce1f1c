// Package escrow holds the data model of escrowed transactions, their disputes
// and settlement proposals, the dispute lifecycle machine, and the stores that
// persist them.
//
// Flow:
//  1. Payer authorizes funds → transaction paid, authorization held
//  2. Either party opens a dispute → transaction disputed
//  3. Parties post proposals; one is accepted (or dual-validated when it comes
//     from an arbitrator)
//  4. The settlement executor moves funds at the gateway and commits the
//     settlement record together with the terminal dispute status
//  5. Disputes left unresolved past their deadline are escalated to arbitration
package escrow

import (
	"time"

	"github.com/bruno-dias18/rivvlock-sub001/internal/apperror"
	"github.com/bruno-dias18/rivvlock-sub001/internal/money"
)

var (
	ErrTransactionNotFound = apperror.NotFound("transaction not found")
	ErrDisputeNotFound     = apperror.NotFound("dispute not found")
	ErrProposalNotFound    = apperror.NotFound("proposal not found")
	ErrSettlementNotFound  = apperror.NotFound("settlement not found")
	ErrPayoutNotFound      = apperror.NotFound("payout account not found")

	ErrTransactionExists  = apperror.Conflict("transaction already exists")
	ErrActiveDispute      = apperror.Conflict("transaction already has an open dispute")
	ErrTransactionNotPaid = apperror.Conflict("transaction is not in paid status")
	ErrStaleDispute       = apperror.Conflict("dispute changed concurrently")
	ErrStaleTransaction   = apperror.Conflict("transaction changed concurrently")
	ErrProposalNotPending = apperror.Conflict("proposal is not pending")
	ErrAlreadyAccepted    = apperror.Conflict("dispute already has an accepted proposal")
)

// TransactionStatus is the lifecycle of the escrowed contract.
type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionPaid      TransactionStatus = "paid"
	TransactionValidated TransactionStatus = "validated"
	TransactionDisputed  TransactionStatus = "disputed"
	TransactionRefunded  TransactionStatus = "refunded"
	TransactionExpired   TransactionStatus = "expired"
)

func (s TransactionStatus) Valid() bool {
	switch s {
	case TransactionPending, TransactionPaid, TransactionValidated,
		TransactionDisputed, TransactionRefunded, TransactionExpired:
		return true
	}
	return false
}

// RefundStatus summarizes how much of the transaction went back to the payer.
type RefundStatus string

const (
	RefundNone    RefundStatus = "none"
	RefundPartial RefundStatus = "partial"
	RefundFull    RefundStatus = "full"
)

func (s RefundStatus) Valid() bool {
	switch s {
	case RefundNone, RefundPartial, RefundFull:
		return true
	}
	return false
}

// AuthorizationState is the last known state of the gateway authorization.
type AuthorizationState string

const (
	AuthorizationHeld     AuthorizationState = "held"
	AuthorizationCaptured AuthorizationState = "captured"
	AuthorizationCanceled AuthorizationState = "canceled"
	AuthorizationUnknown  AuthorizationState = "unknown"
)

func (s AuthorizationState) Valid() bool {
	switch s {
	case AuthorizationHeld, AuthorizationCaptured, AuthorizationCanceled, AuthorizationUnknown:
		return true
	}
	return false
}

// Transaction is the escrowed contract between payer and payee.
type Transaction struct {
	ID                 string             `json:"id"`
	PayerID            string             `json:"payerId"`
	PayeeID            string             `json:"payeeId"`
	Amount             int64              `json:"amount"`
	Currency           string             `json:"currency"`
	FeeRatioBuyer      int                `json:"feeRatioBuyer"`
	AuthorizationRef   string             `json:"authorizationRef"`
	AuthorizationState AuthorizationState `json:"authorizationState"`
	Status             TransactionStatus  `json:"status"`
	RefundStatus       RefundStatus       `json:"refundStatus"`
	RefundedAmount     int64              `json:"refundedAmount"`
	CreatedAt          time.Time          `json:"createdAt"`
	UpdatedAt          time.Time          `json:"updatedAt"`
}

// Party is the side of a transaction an actor stands on.
type Party string

const (
	PartyBuyer  Party = "buyer"
	PartySeller Party = "seller"
	PartyNone   Party = ""
)

// Actor is the authenticated caller as injected by the auth collaborator.
type Actor struct {
	ID         string `json:"id"`
	Arbitrator bool   `json:"arbitrator"`
}

// Dispute is a disagreement over a paid transaction. Disputes are never
// deleted; terminal disputes stay as the audit record.
type Dispute struct {
	ID                   string        `json:"id"`
	TransactionID        string        `json:"transactionId"`
	PayerID              string        `json:"payerId"`
	PayeeID              string        `json:"payeeId"`
	ReporterID           string        `json:"reporterId"`
	Reason               string        `json:"reason"`
	Status               DisputeStatus `json:"status"`
	DeadlineAt           time.Time     `json:"deadlineAt"`
	EscalatedAt          *time.Time    `json:"escalatedAt,omitempty"`
	ArbitrationChannelID string        `json:"arbitrationChannelId,omitempty"`
	Resolution           string        `json:"resolution,omitempty"`
	ResolvedAt           *time.Time    `json:"resolvedAt,omitempty"`
	CreatedAt            time.Time     `json:"createdAt"`
	UpdatedAt            time.Time     `json:"updatedAt"`
}

// PartyOf returns which side actorID is on, or PartyNone.
func (d *Dispute) PartyOf(actorID string) Party {
	switch actorID {
	case d.PayerID:
		return PartyBuyer
	case d.PayeeID:
		return PartySeller
	}
	return PartyNone
}

// IsParticipant reports whether the actor may act on this dispute.
func (d *Dispute) IsParticipant(a Actor) bool {
	if a.Arbitrator {
		return true
	}
	return a.ID == d.ReporterID || d.PartyOf(a.ID) != PartyNone
}

// ProposalKind is the financial outcome a proposal asks for.
type ProposalKind string

const (
	KindFullRefund    ProposalKind = "full_refund"
	KindPartialRefund ProposalKind = "partial_refund"
	KindNoRefund      ProposalKind = "no_refund"
)

func (k ProposalKind) Valid() bool {
	switch k {
	case KindFullRefund, KindPartialRefund, KindNoRefund:
		return true
	}
	return false
}

// RefundPercentage returns the effective refund percentage for the kind.
func (k ProposalKind) RefundPercentage(partial int) int {
	switch k {
	case KindFullRefund:
		return 100
	case KindPartialRefund:
		return partial
	case KindNoRefund:
		return 0
	}
	panic("escrow: unknown proposal kind " + string(k))
}

// ProposalStatus is the negotiation state of a proposal.
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalAccepted ProposalStatus = "accepted"
	ProposalRejected ProposalStatus = "rejected"
)

func (s ProposalStatus) Valid() bool {
	switch s {
	case ProposalPending, ProposalAccepted, ProposalRejected:
		return true
	}
	return false
}

// ExecutionState tracks the settlement run of an accepted proposal.
type ExecutionState string

const (
	ExecutionNone      ExecutionState = "none"
	ExecutionRunning   ExecutionState = "executing"
	ExecutionSucceeded ExecutionState = "succeeded"
	ExecutionFailed    ExecutionState = "failed"
)

func (s ExecutionState) Valid() bool {
	switch s {
	case ExecutionNone, ExecutionRunning, ExecutionSucceeded, ExecutionFailed:
		return true
	}
	return false
}

// DefaultProposalValidity is how long a pending proposal can be accepted.
const DefaultProposalValidity = 48 * time.Hour

// DefaultStaleExecution is how long an execution may stay in executing
// before it is treated as abandoned and may be reclaimed.
const DefaultStaleExecution = 10 * time.Minute

// Proposal is a candidate resolution attached to a dispute.
type Proposal struct {
	ID                  string         `json:"id"`
	DisputeID           string         `json:"disputeId"`
	ProposerID          string         `json:"proposerId"`
	Kind                ProposalKind   `json:"kind"`
	RefundPercentage    *int           `json:"refundPercentage,omitempty"`
	Message             string         `json:"message,omitempty"`
	Status              ProposalStatus `json:"status"`
	AdminCreated        bool           `json:"adminCreated"`
	RequiresBothParties bool           `json:"requiresBothParties"`
	BuyerValidated      bool           `json:"buyerValidated"`
	SellerValidated     bool           `json:"sellerValidated"`
	ExpiresAt           time.Time      `json:"expiresAt"`
	Execution           ExecutionState `json:"execution"`
	ExecutionOverride   bool           `json:"executionOverride"`
	ExecutedBy          string         `json:"executedBy,omitempty"`
	ExecutionError      string         `json:"executionError,omitempty"`
	ExecutedAt          *time.Time     `json:"executedAt,omitempty"`
	CreatedAt           time.Time      `json:"createdAt"`
	UpdatedAt           time.Time      `json:"updatedAt"`
}

// IsArbitration reports whether the proposal needs dual validation.
func (p *Proposal) IsArbitration() bool {
	return p.AdminCreated && p.RequiresBothParties
}

// Percentage returns the refund percentage the proposal settles at.
func (p *Proposal) Percentage() int {
	partial := 0
	if p.RefundPercentage != nil {
		partial = *p.RefundPercentage
	}
	return p.Kind.RefundPercentage(partial)
}

// Expired reports whether the validity window has elapsed at now.
func (p *Proposal) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// BothValidated reports whether buyer and seller have both confirmed.
func (p *Proposal) BothValidated() bool {
	return p.BuyerValidated && p.SellerValidated
}

// OperationKind is a gateway operation performed during settlement.
type OperationKind string

const (
	OpCancel   OperationKind = "cancel"
	OpCapture  OperationKind = "capture"
	OpRefund   OperationKind = "refund"
	OpTransfer OperationKind = "transfer"
)

// Operation is one gateway call of a settlement.
type Operation struct {
	Kind           OperationKind `json:"kind"`
	Amount         int64         `json:"amount"`
	Destination    string        `json:"destination,omitempty"`
	SourceCharge   string        `json:"sourceCharge,omitempty"`
	IdempotencyKey string        `json:"idempotencyKey"`
	GatewayRef     string        `json:"gatewayRef,omitempty"`
	Skipped        bool          `json:"skipped,omitempty"`
	SkipReason     string        `json:"skipReason,omitempty"`
}

// SettlementRecord is the ledger entry for an executed resolution.
type SettlementRecord struct {
	ID                 string             `json:"id"`
	ProposalID         string             `json:"proposalId"`
	DisputeID          string             `json:"disputeId"`
	TransactionID      string             `json:"transactionId"`
	Outcome            ProposalKind       `json:"outcome"`
	AuthorizationState AuthorizationState `json:"authorizationState"`
	Currency           string             `json:"currency"`
	Split              money.Split        `json:"split"`
	Fee                money.FeeBreakdown `json:"fee"`
	CaptureAmount      int64              `json:"captureAmount"`
	RefundAmount       int64              `json:"refundAmount"`
	TransferAmount     int64              `json:"transferAmount"`
	Destination        string             `json:"destination,omitempty"`
	Operations         []Operation        `json:"operations"`
	CreatedAt          time.Time          `json:"createdAt"`
}

// SettlementCommit is everything that must become visible together once the
// gateway side of a settlement has completed.
type SettlementCommit struct {
	Record *SettlementRecord

	TransactionStatus  TransactionStatus
	RefundStatus       RefundStatus
	RefundedAmount     int64
	AuthorizationState AuthorizationState

	DisputeStatus DisputeStatus
	Resolution    string

	ExecutedBy string
	At         time.Time
}

// GatewayEvent is an entry of the append-only inbound webhook log.
type GatewayEvent struct {
	EventID     string     `json:"eventId"`
	EventType   string     `json:"eventType"`
	Payload     []byte     `json:"-"`
	ReceivedAt  time.Time  `json:"receivedAt"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
}
