package escrow

import (
	"context"
	"time"
)

// Store is the full persistence surface of the engine. Components depend on
// narrower interfaces declared next to them; MemoryStore and PostgresStore
// implement all of it.
type Store interface {
	CreateTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	GetTransactionByAuthorization(ctx context.Context, ref string) (*Transaction, error)
	// UpdateTransaction overwrites tx only if the stored status still equals
	// expected; otherwise ErrStaleTransaction.
	UpdateTransaction(ctx context.Context, tx *Transaction, expected TransactionStatus) error

	// OpenDispute inserts d and moves its transaction from paid to disputed in
	// one step. ErrTransactionNotPaid or ErrActiveDispute on conflict.
	OpenDispute(ctx context.Context, d *Dispute) error
	GetDispute(ctx context.Context, id string) (*Dispute, error)
	ListDisputesByTransaction(ctx context.Context, transactionID string) ([]*Dispute, error)
	// TransitionDispute is a compare-and-swap on the dispute status. Moving
	// to escalated stamps EscalatedAt the first time.
	TransitionDispute(ctx context.Context, id string, from, to DisputeStatus, at time.Time) error
	ListEscalationCandidates(ctx context.Context, now time.Time, limit int) ([]*Dispute, error)
	// EscalateDispute escalates id only while it still matches the
	// escalation filter. force skips the deadline check. Returns false when
	// the row no longer qualifies.
	EscalateDispute(ctx context.Context, id string, now time.Time, force bool) (bool, error)
	SetArbitrationChannel(ctx context.Context, id, channelID string) error

	// AddProposal inserts p and moves its dispute from -> to atomically.
	AddProposal(ctx context.Context, p *Proposal, from, to DisputeStatus) error
	GetProposal(ctx context.Context, id string) (*Proposal, error)
	ListProposals(ctx context.Context, disputeID string) ([]*Proposal, error)
	RecordValidation(ctx context.Context, id string, party Party, at time.Time) (*Proposal, error)
	// ClaimProposal flips a pending, never-executed proposal to accepted and
	// executing. It succeeds for exactly one caller.
	ClaimProposal(ctx context.Context, id, executedBy string, override bool, at time.Time) (bool, error)
	// RejectProposal marks a pending proposal rejected and, when from != to,
	// moves its dispute in the same step.
	RejectProposal(ctx context.Context, id string, from, to DisputeStatus, at time.Time) error
	MarkExecution(ctx context.Context, id string, state ExecutionState, execErr string, at time.Time) error
	// ReclaimExecution moves an accepted proposal back to executing when its
	// execution failed, or when it has been executing since staleBefore or
	// earlier. It succeeds for exactly one caller.
	ReclaimExecution(ctx context.Context, id, executedBy string, staleBefore, at time.Time) (bool, error)
	// ListUnsettledExecutions returns accepted proposals whose execution is
	// failed or still executing and was last touched at or before
	// updatedBefore, oldest first.
	ListUnsettledExecutions(ctx context.Context, updatedBefore time.Time, limit int) ([]*Proposal, error)

	CommitSettlement(ctx context.Context, c SettlementCommit) error
	GetSettlementByProposal(ctx context.Context, proposalID string) (*SettlementRecord, error)

	PayoutAccount(ctx context.Context, userID string) (string, error)
	SetPayoutAccount(ctx context.Context, userID, account string) error

	// RecordEvent appends to the gateway event log. It returns false when the
	// (EventID, EventType) pair was already recorded.
	RecordEvent(ctx context.Context, ev *GatewayEvent) (bool, error)
	ForgetEvent(ctx context.Context, eventID, eventType string) error
	MarkEventProcessed(ctx context.Context, eventID, eventType string, at time.Time) error
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
