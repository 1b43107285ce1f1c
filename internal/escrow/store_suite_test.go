package escrow

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bruno-dias18/rivvlock-sub001/internal/money"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeSuite runs the behavioral contract every Store must satisfy.
func storeSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("OpenDispute", func(t *testing.T) { testOpenDispute(t, newStore(t)) })
	t.Run("TransitionDispute", func(t *testing.T) { testTransitionDispute(t, newStore(t)) })
	t.Run("Escalation", func(t *testing.T) { testEscalation(t, newStore(t)) })
	t.Run("Proposals", func(t *testing.T) { testProposals(t, newStore(t)) })
	t.Run("ClaimOnce", func(t *testing.T) { testClaimOnce(t, newStore(t)) })
	t.Run("CommitSettlement", func(t *testing.T) { testCommitSettlement(t, newStore(t)) })
	t.Run("EventLog", func(t *testing.T) { testEventLog(t, newStore(t)) })
	t.Run("Payouts", func(t *testing.T) { testPayouts(t, newStore(t)) })
	t.Run("DuplicateTransaction", func(t *testing.T) { testDuplicateTransaction(t, newStore(t)) })
	t.Run("UnsettledExecutions", func(t *testing.T) { testUnsettledExecutions(t, newStore(t)) })
}

var suiteTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedTransaction(t *testing.T, s Store, id string, status TransactionStatus) *Transaction {
	t.Helper()
	tx := &Transaction{
		ID:                 id,
		PayerID:            "buyer_" + id,
		PayeeID:            "seller_" + id,
		Amount:             12300,
		Currency:           "eur",
		FeeRatioBuyer:      50,
		AuthorizationRef:   "pi_" + id,
		AuthorizationState: AuthorizationHeld,
		Status:             status,
		RefundStatus:       RefundNone,
		CreatedAt:          suiteTime,
		UpdatedAt:          suiteTime,
	}
	require.NoError(t, s.CreateTransaction(context.Background(), tx))
	return tx
}

func newDispute(id string, tx *Transaction, deadline time.Time) *Dispute {
	return &Dispute{
		ID:            id,
		TransactionID: tx.ID,
		PayerID:       tx.PayerID,
		PayeeID:       tx.PayeeID,
		ReporterID:    tx.PayerID,
		Reason:        "item never arrived",
		Status:        StatusOpen,
		DeadlineAt:    deadline,
		CreatedAt:     suiteTime,
		UpdatedAt:     suiteTime,
	}
}

func newProposal(id, disputeID, proposer string, kind ProposalKind) *Proposal {
	return &Proposal{
		ID:         id,
		DisputeID:  disputeID,
		ProposerID: proposer,
		Kind:       kind,
		Status:     ProposalPending,
		Execution:  ExecutionNone,
		ExpiresAt:  suiteTime.Add(DefaultProposalValidity),
		CreatedAt:  suiteTime,
		UpdatedAt:  suiteTime,
	}
}

func testOpenDispute(t *testing.T, s Store) {
	ctx := context.Background()
	tx := seedTransaction(t, s, "tx_open", TransactionPaid)

	d := newDispute("dsp_open_1", tx, suiteTime.Add(time.Hour))
	require.NoError(t, s.OpenDispute(ctx, d))

	got, err := s.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, TransactionDisputed, got.Status)

	err = s.OpenDispute(ctx, newDispute("dsp_open_2", tx, suiteTime.Add(time.Hour)))
	assert.ErrorIs(t, err, ErrActiveDispute)

	pending := seedTransaction(t, s, "tx_pending", TransactionPending)
	err = s.OpenDispute(ctx, newDispute("dsp_open_3", pending, suiteTime.Add(time.Hour)))
	assert.ErrorIs(t, err, ErrTransactionNotPaid)

	missing := &Transaction{ID: "tx_missing"}
	err = s.OpenDispute(ctx, newDispute("dsp_open_4", missing, suiteTime))
	assert.ErrorIs(t, err, ErrTransactionNotFound)

	list, err := s.ListDisputesByTransaction(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "dsp_open_1", list[0].ID)
	assert.Equal(t, tx.PayeeID, list[0].PayeeID)
}

func testTransitionDispute(t *testing.T, s Store) {
	ctx := context.Background()
	tx := seedTransaction(t, s, "tx_tr", TransactionPaid)
	d := newDispute("dsp_tr", tx, suiteTime.Add(time.Hour))
	require.NoError(t, s.OpenDispute(ctx, d))

	require.NoError(t, s.TransitionDispute(ctx, d.ID, StatusOpen, StatusResponded, suiteTime))
	assert.ErrorIs(t, s.TransitionDispute(ctx, d.ID, StatusOpen, StatusNegotiating, suiteTime), ErrStaleDispute)
	assert.ErrorIs(t, s.TransitionDispute(ctx, "dsp_nope", StatusOpen, StatusResponded, suiteTime), ErrDisputeNotFound)

	later := suiteTime.Add(time.Minute)
	require.NoError(t, s.TransitionDispute(ctx, d.ID, StatusResponded, StatusEscalated, later))
	got, err := s.GetDispute(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusEscalated, got.Status)
	require.NotNil(t, got.EscalatedAt)
	assert.True(t, got.EscalatedAt.Equal(later))
}

func testEscalation(t *testing.T, s Store) {
	ctx := context.Background()
	now := suiteTime.Add(2 * time.Hour)

	due := newDispute("dsp_due", seedTransaction(t, s, "tx_due", TransactionPaid), suiteTime.Add(time.Hour))
	notDue := newDispute("dsp_later", seedTransaction(t, s, "tx_later", TransactionPaid), suiteTime.Add(5*time.Hour))
	require.NoError(t, s.OpenDispute(ctx, due))
	require.NoError(t, s.OpenDispute(ctx, notDue))

	candidates, err := s.ListEscalationCandidates(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, due.ID, candidates[0].ID)

	ok, err := s.EscalateDispute(ctx, notDue.ID, now, false)
	require.NoError(t, err)
	assert.False(t, ok, "deadline not reached")

	ok, err = s.EscalateDispute(ctx, due.ID, now, false)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.EscalateDispute(ctx, due.ID, now, false)
	require.NoError(t, err)
	assert.False(t, ok, "second escalation is a no-op")

	candidates, err = s.ListEscalationCandidates(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, candidates)

	ok, err = s.EscalateDispute(ctx, notDue.ID, now, true)
	require.NoError(t, err)
	assert.True(t, ok, "force skips the deadline")

	require.NoError(t, s.SetArbitrationChannel(ctx, due.ID, "chan_1"))
	got, err := s.GetDispute(ctx, due.ID)
	require.NoError(t, err)
	assert.Equal(t, "chan_1", got.ArbitrationChannelID)
	assert.Equal(t, StatusEscalated, got.Status)
}

func testProposals(t *testing.T, s Store) {
	ctx := context.Background()
	tx := seedTransaction(t, s, "tx_prop", TransactionPaid)
	d := newDispute("dsp_prop", tx, suiteTime.Add(time.Hour))
	require.NoError(t, s.OpenDispute(ctx, d))

	pct := 40
	p := newProposal("prp_1", d.ID, tx.PayerID, KindPartialRefund)
	p.RefundPercentage = &pct
	p.Message = "meet halfway"
	require.NoError(t, s.AddProposal(ctx, p, StatusOpen, StatusNegotiating))

	stale := newProposal("prp_stale", d.ID, tx.PayerID, KindFullRefund)
	assert.ErrorIs(t, s.AddProposal(ctx, stale, StatusOpen, StatusNegotiating), ErrStaleDispute)

	got, err := s.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.RefundPercentage)
	assert.Equal(t, 40, *got.RefundPercentage)
	assert.Equal(t, "meet halfway", got.Message)

	second := newProposal("prp_2", d.ID, tx.PayeeID, KindNoRefund)
	second.CreatedAt = suiteTime.Add(time.Second)
	require.NoError(t, s.AddProposal(ctx, second, StatusNegotiating, StatusNegotiating))

	list, err := s.ListProposals(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "prp_1", list[0].ID)

	require.NoError(t, s.RejectProposal(ctx, second.ID, StatusNegotiating, StatusNegotiating, suiteTime))
	assert.ErrorIs(t, s.RejectProposal(ctx, second.ID, StatusNegotiating, StatusNegotiating, suiteTime), ErrProposalNotPending)

	v, err := s.RecordValidation(ctx, p.ID, PartyBuyer, suiteTime)
	require.NoError(t, err)
	assert.True(t, v.BuyerValidated)
	assert.False(t, v.SellerValidated)

	v, err = s.RecordValidation(ctx, p.ID, PartyBuyer, suiteTime)
	require.NoError(t, err)
	assert.True(t, v.BuyerValidated, "validation is idempotent")
	assert.False(t, v.SellerValidated)

	_, err = s.RecordValidation(ctx, second.ID, PartySeller, suiteTime)
	assert.ErrorIs(t, err, ErrProposalNotPending)

	_, err = s.GetProposal(ctx, "prp_missing")
	assert.ErrorIs(t, err, ErrProposalNotFound)
}

func testClaimOnce(t *testing.T, s Store) {
	ctx := context.Background()
	tx := seedTransaction(t, s, "tx_claim", TransactionPaid)
	d := newDispute("dsp_claim", tx, suiteTime.Add(time.Hour))
	require.NoError(t, s.OpenDispute(ctx, d))
	p := newProposal("prp_claim", d.ID, tx.PayerID, KindNoRefund)
	require.NoError(t, s.AddProposal(ctx, p, StatusOpen, StatusNegotiating))
	other := newProposal("prp_other", d.ID, tx.PayeeID, KindFullRefund)
	require.NoError(t, s.AddProposal(ctx, other, StatusNegotiating, StatusNegotiating))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ClaimProposal(ctx, p.ID, tx.PayeeID, false, suiteTime)
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	got, err := s.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, ProposalAccepted, got.Status)
	assert.Equal(t, ExecutionRunning, got.Execution)

	_, err = s.ClaimProposal(ctx, other.ID, tx.PayerID, false, suiteTime)
	assert.ErrorIs(t, err, ErrAlreadyAccepted)

	ok, err := s.ReclaimExecution(ctx, p.ID, "arb", suiteTime.Add(-DefaultStaleExecution), suiteTime)
	require.NoError(t, err)
	assert.False(t, ok, "a recent execution belongs to its runner")

	later := suiteTime.Add(DefaultStaleExecution)
	ok, err = s.ReclaimExecution(ctx, p.ID, "arb", later.Add(-DefaultStaleExecution), later)
	require.NoError(t, err)
	assert.True(t, ok, "an abandoned execution can be reclaimed")

	ok, err = s.ReclaimExecution(ctx, p.ID, "arb2", later.Add(-DefaultStaleExecution), later)
	require.NoError(t, err)
	assert.False(t, ok, "the reclaim refreshed the execution")

	require.NoError(t, s.MarkExecution(ctx, p.ID, ExecutionFailed, "gateway down", later))
	ok, err = s.ReclaimExecution(ctx, p.ID, "arb", later.Add(-DefaultStaleExecution), later)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err = s.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionRunning, got.Execution)
	assert.Empty(t, got.ExecutionError)
}

func testCommitSettlement(t *testing.T, s Store) {
	ctx := context.Background()
	tx := seedTransaction(t, s, "tx_commit", TransactionPaid)
	d := newDispute("dsp_commit", tx, suiteTime.Add(time.Hour))
	require.NoError(t, s.OpenDispute(ctx, d))
	p := newProposal("prp_commit", d.ID, tx.PayerID, KindPartialRefund)
	pct := 50
	p.RefundPercentage = &pct
	require.NoError(t, s.AddProposal(ctx, p, StatusOpen, StatusNegotiating))
	ok, err := s.ClaimProposal(ctx, p.ID, tx.PayeeID, false, suiteTime)
	require.NoError(t, err)
	require.True(t, ok)

	split, err := money.ComputeRefund(tx.Amount, 50)
	require.NoError(t, err)
	rec := &SettlementRecord{
		ID:                 "stl_1",
		ProposalID:         p.ID,
		DisputeID:          d.ID,
		TransactionID:      tx.ID,
		Outcome:            KindPartialRefund,
		AuthorizationState: AuthorizationHeld,
		Currency:           "eur",
		Split:              split,
		CaptureAmount:      tx.Amount - split.Refund,
		TransferAmount:     split.Seller,
		Destination:        "acct_seller",
		Operations: []Operation{
			{Kind: OpCapture, Amount: tx.Amount - split.Refund, IdempotencyKey: "settle_prp_commit_1_capture"},
			{Kind: OpTransfer, Amount: split.Seller, Destination: "acct_seller", IdempotencyKey: "settle_prp_commit_2_transfer"},
		},
		CreatedAt: suiteTime,
	}
	commit := SettlementCommit{
		Record:             rec,
		TransactionStatus:  TransactionValidated,
		RefundStatus:       RefundPartial,
		RefundedAmount:     split.Refund,
		AuthorizationState: AuthorizationCaptured,
		DisputeStatus:      StatusResolvedRefund,
		Resolution:         "partial_refund 50%",
		ExecutedBy:         tx.PayeeID,
		At:                 suiteTime.Add(time.Minute),
	}
	require.NoError(t, s.CommitSettlement(ctx, commit))

	gotTx, err := s.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, TransactionValidated, gotTx.Status)
	assert.Equal(t, RefundPartial, gotTx.RefundStatus)
	assert.Equal(t, split.Refund, gotTx.RefundedAmount)
	assert.Equal(t, AuthorizationCaptured, gotTx.AuthorizationState)

	gotD, err := s.GetDispute(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusResolvedRefund, gotD.Status)
	assert.NotNil(t, gotD.ResolvedAt)

	gotP, err := s.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionSucceeded, gotP.Execution)
	assert.NotNil(t, gotP.ExecutedAt)

	gotRec, err := s.GetSettlementByProposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, split, gotRec.Split)
	require.Len(t, gotRec.Operations, 2)
	assert.Equal(t, OpTransfer, gotRec.Operations[1].Kind)

	assert.ErrorIs(t, s.CommitSettlement(ctx, commit), ErrStaleDispute)

	_, err = s.GetSettlementByProposal(ctx, "prp_none")
	assert.ErrorIs(t, err, ErrSettlementNotFound)
}

func testEventLog(t *testing.T, s Store) {
	ctx := context.Background()
	ev := &GatewayEvent{EventID: "evt_1", EventType: "charge.refunded", Payload: []byte(`{}`), ReceivedAt: suiteTime}

	fresh, err := s.RecordEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = s.RecordEvent(ctx, ev)
	require.NoError(t, err)
	assert.False(t, fresh)

	other := &GatewayEvent{EventID: "evt_1", EventType: "payment_intent.succeeded", Payload: []byte(`{}`), ReceivedAt: suiteTime}
	fresh, err = s.RecordEvent(ctx, other)
	require.NoError(t, err)
	assert.True(t, fresh, "same id, different type is a different event")

	require.NoError(t, s.MarkEventProcessed(ctx, ev.EventID, ev.EventType, suiteTime))

	require.NoError(t, s.ForgetEvent(ctx, other.EventID, other.EventType))
	fresh, err = s.RecordEvent(ctx, other)
	require.NoError(t, err)
	assert.True(t, fresh, "forgotten events can be recorded again")
}

func testPayouts(t *testing.T, s Store) {
	ctx := context.Background()
	_, err := s.PayoutAccount(ctx, "seller")
	assert.ErrorIs(t, err, ErrPayoutNotFound)

	require.NoError(t, s.SetPayoutAccount(ctx, "seller", "acct_1"))
	require.NoError(t, s.SetPayoutAccount(ctx, "seller", "acct_2"))
	acct, err := s.PayoutAccount(ctx, "seller")
	require.NoError(t, err)
	assert.Equal(t, "acct_2", acct)
}

func testDuplicateTransaction(t *testing.T, s Store) {
	tx := seedTransaction(t, s, "tx_dup", TransactionPaid)
	err := s.CreateTransaction(context.Background(), tx)
	assert.ErrorIs(t, err, ErrTransactionExists)
}

func testUnsettledExecutions(t *testing.T, s Store) {
	ctx := context.Background()

	claim := func(n string, at time.Time) string {
		tx := seedTransaction(t, s, "tx_un_"+n, TransactionPaid)
		d := newDispute("dsp_un_"+n, tx, suiteTime.Add(time.Hour))
		require.NoError(t, s.OpenDispute(ctx, d))
		p := newProposal("prp_un_"+n, d.ID, tx.PayerID, KindFullRefund)
		require.NoError(t, s.AddProposal(ctx, p, StatusOpen, StatusNegotiating))
		ok, err := s.ClaimProposal(ctx, p.ID, tx.PayeeID, false, at)
		require.NoError(t, err)
		require.True(t, ok)
		return p.ID
	}

	failed := claim("failed", suiteTime)
	require.NoError(t, s.MarkExecution(ctx, failed, ExecutionFailed, "declined", suiteTime))
	running := claim("running", suiteTime.Add(time.Minute))
	done := claim("done", suiteTime)
	require.NoError(t, s.MarkExecution(ctx, done, ExecutionSucceeded, "", suiteTime))
	late := claim("late", suiteTime.Add(time.Hour))
	require.NoError(t, s.MarkExecution(ctx, late, ExecutionFailed, "declined", suiteTime.Add(time.Hour)))

	list, err := s.ListUnsettledExecutions(ctx, suiteTime.Add(10*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, failed, list[0].ID)
	assert.Equal(t, running, list[1].ID)
	assert.Equal(t, ExecutionRunning, list[1].Execution)

	limited, err := s.ListUnsettledExecutions(ctx, suiteTime.Add(2*time.Hour), 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, failed, limited[0].ID)
}
