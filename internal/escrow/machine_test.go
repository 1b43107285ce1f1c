package escrow

import (
	"testing"
	"time"

	"github.com/bruno-dias18/rivvlock-sub001/internal/apperror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func disputeIn(status DisputeStatus, escalated bool) *Dispute {
	d := &Dispute{ID: "dsp_1", Status: status, DeadlineAt: time.Now().Add(time.Hour)}
	if escalated {
		at := time.Now().Add(-time.Hour)
		d.EscalatedAt = &at
	}
	return d
}

func TestMachine_Edges(t *testing.T) {
	m := Machine{}
	tests := []struct {
		name      string
		from      DisputeStatus
		escalated bool
		tr        Transition
		want      DisputeStatus
	}{
		{"reply opens conversation", StatusOpen, false, Transition{Event: EventCounterpartyReplied}, StatusResponded},
		{"proposal from open", StatusOpen, false, Transition{Event: EventProposalPosted}, StatusNegotiating},
		{"proposal from responded", StatusResponded, false, Transition{Event: EventProposalPosted}, StatusNegotiating},
		{"proposal while negotiating", StatusNegotiating, false, Transition{Event: EventProposalPosted}, StatusNegotiating},
		{"arbitration proposal", StatusEscalated, true, Transition{Event: EventArbitrationPosted}, StatusNegotiating},
		{"escalate open", StatusOpen, false, Transition{Event: EventEscalate}, StatusEscalated},
		{"escalate negotiating", StatusNegotiating, false, Transition{Event: EventEscalate}, StatusEscalated},
		{"arbitration rejected", StatusNegotiating, true, Transition{Event: EventArbitrationRejected}, StatusEscalated},
		{"settle refund", StatusNegotiating, false, Transition{Event: EventSettled, Outcome: KindPartialRefund, Amount: 100}, StatusResolvedRefund},
		{"settle full refund", StatusNegotiating, true, Transition{Event: EventSettled, Outcome: KindFullRefund, Amount: 100}, StatusResolvedRefund},
		{"settle release", StatusNegotiating, false, Transition{Event: EventSettled, Outcome: KindNoRefund, Amount: 100}, StatusResolvedRelease},
		{"settle nothing to move", StatusNegotiating, false, Transition{Event: EventSettled, Outcome: KindNoRefund, Amount: 0}, StatusResolved},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.Apply(disputeIn(tt.from, tt.escalated), tt.tr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMachine_IllegalMovesNameBothStatuses(t *testing.T) {
	m := Machine{}
	tests := []struct {
		name      string
		from      DisputeStatus
		escalated bool
		tr        Transition
	}{
		{"second reply", StatusResponded, false, Transition{Event: EventCounterpartyReplied}},
		{"bilateral on escalated", StatusEscalated, true, Transition{Event: EventProposalPosted}},
		{"bilateral after arbitration started", StatusNegotiating, true, Transition{Event: EventProposalPosted}},
		{"arbitration before escalation", StatusNegotiating, false, Transition{Event: EventArbitrationPosted}},
		{"escalate twice", StatusEscalated, true, Transition{Event: EventEscalate}},
		{"reject arbitration never escalated", StatusNegotiating, false, Transition{Event: EventArbitrationRejected}},
		{"proposal on resolved", StatusResolvedRefund, false, Transition{Event: EventProposalPosted}},
		{"settle twice", StatusResolvedRelease, false, Transition{Event: EventSettled, Outcome: KindNoRefund, Amount: 1}},
		{"settle unknown outcome", StatusOpen, false, Transition{Event: EventSettled, Outcome: "split"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Apply(disputeIn(tt.from, tt.escalated), tt.tr)
			require.Error(t, err)
			assert.True(t, apperror.IsKind(err, apperror.KindConflict))

			var appErr *apperror.Error
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, string(tt.from), appErr.Current)
			assert.NotEmpty(t, appErr.Requested)
		})
	}
}

func TestMachine_UnknownEvent(t *testing.T) {
	_, err := Machine{}.Apply(disputeIn(StatusOpen, false), Transition{Event: "reopen"})
	assert.True(t, apperror.IsKind(err, apperror.KindValidation))
}

func TestMachine_CanPropose(t *testing.T) {
	m := Machine{}

	assert.NoError(t, m.CanPropose(disputeIn(StatusOpen, false), false))
	assert.Error(t, m.CanPropose(disputeIn(StatusOpen, false), true))
	assert.NoError(t, m.CanPropose(disputeIn(StatusEscalated, true), true))
	assert.Error(t, m.CanPropose(disputeIn(StatusEscalated, true), false))

	for _, s := range []DisputeStatus{StatusResolved, StatusResolvedRefund, StatusResolvedRelease} {
		err := m.CanPropose(disputeIn(s, false), false)
		assert.True(t, apperror.IsKind(err, apperror.KindConflict), s)
		err = m.CanPropose(disputeIn(s, true), true)
		assert.True(t, apperror.IsKind(err, apperror.KindConflict), s)
	}
}

func TestTerminalFor(t *testing.T) {
	assert.Equal(t, StatusResolvedRefund, TerminalFor(KindFullRefund, 10))
	assert.Equal(t, StatusResolvedRefund, TerminalFor(KindPartialRefund, 10))
	assert.Equal(t, StatusResolvedRelease, TerminalFor(KindNoRefund, 10))
	assert.Equal(t, StatusResolved, TerminalFor(KindFullRefund, 0))
	assert.Panics(t, func() { TerminalFor("other", 10) })
}

func TestEscalationEligible(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)

	d := &Dispute{Status: StatusResponded, DeadlineAt: past}
	assert.True(t, EscalationEligible(d, now))

	d.DeadlineAt = now
	assert.True(t, EscalationEligible(d, now), "deadline is inclusive")

	d.DeadlineAt = now.Add(time.Minute)
	assert.False(t, EscalationEligible(d, now))

	d = &Dispute{Status: StatusNegotiating, DeadlineAt: past, EscalatedAt: &past}
	assert.False(t, EscalationEligible(d, now), "escalated once, never again")

	for _, s := range []DisputeStatus{StatusEscalated, StatusResolved, StatusResolvedRefund, StatusResolvedRelease} {
		assert.False(t, EscalationEligible(&Dispute{Status: s, DeadlineAt: past}, now), s)
	}
}

func TestProposal_Helpers(t *testing.T) {
	pct := 30
	p := &Proposal{Kind: KindPartialRefund, RefundPercentage: &pct, ExpiresAt: time.Now().Add(time.Hour)}
	assert.Equal(t, 30, p.Percentage())
	assert.False(t, p.Expired(time.Now()))
	assert.True(t, p.Expired(p.ExpiresAt))

	assert.Equal(t, 100, (&Proposal{Kind: KindFullRefund}).Percentage())
	assert.Equal(t, 0, (&Proposal{Kind: KindNoRefund}).Percentage())

	arb := &Proposal{AdminCreated: true, RequiresBothParties: true}
	assert.True(t, arb.IsArbitration())
	arb.BuyerValidated = true
	assert.False(t, arb.BothValidated())
	arb.SellerValidated = true
	assert.True(t, arb.BothValidated())
}

func TestDispute_PartyOf(t *testing.T) {
	d := &Dispute{PayerID: "buyer", PayeeID: "seller", ReporterID: "buyer"}
	assert.Equal(t, PartyBuyer, d.PartyOf("buyer"))
	assert.Equal(t, PartySeller, d.PartyOf("seller"))
	assert.Equal(t, PartyNone, d.PartyOf("mallory"))

	assert.True(t, d.IsParticipant(Actor{ID: "seller"}))
	assert.True(t, d.IsParticipant(Actor{ID: "arb", Arbitrator: true}))
	assert.False(t, d.IsParticipant(Actor{ID: "mallory"}))
}
