package settlement

import (
	"fmt"

	"github.com/bruno-dias18/rivvlock-sub001/internal/apperror"
	"github.com/bruno-dias18/rivvlock-sub001/internal/escrow"
	"github.com/bruno-dias18/rivvlock-sub001/internal/money"
)

// Step is one gateway operation of a schedule.
type Step struct {
	Kind   escrow.OperationKind
	Amount int64
	// FromCharge links a transfer to the captured charge.
	FromCharge bool
}

// Schedule is the ordered list of gateway operations that settles an outcome,
// and what the ledger looks like once they have all run.
type Schedule struct {
	Steps []Step

	CaptureAmount  int64
	RefundAmount   int64
	TransferAmount int64

	AuthorizationAfter escrow.AuthorizationState
	TransactionStatus  escrow.TransactionStatus
	RefundStatus       escrow.RefundStatus
}

// PayeeShare is what outcome pays out to the payee, whatever the state of
// the authorization.
func PayeeShare(outcome escrow.ProposalKind, amount int64, split money.Split, fee money.FeeBreakdown) int64 {
	switch outcome {
	case escrow.KindPartialRefund:
		return split.Seller
	case escrow.KindNoRefund:
		return amount - fee.TotalFee
	default:
		return 0
	}
}

// Plan decides which gateway operations settle outcome given the current
// authorization state. It is pure. Zero-amount steps are left out.
//
//	outcome      held                                  captured
//	full refund  cancel                                refund gross
//	partial      capture gross-refund, transfer seller  transfer seller (from charge), refund
//	release      capture gross, transfer gross-fee     transfer gross-fee (from charge)
//
// A canceled authorization already returned everything to the payer, so it
// settles a full refund with no operation and nothing else.
func Plan(outcome escrow.ProposalKind, auth escrow.AuthorizationState, amount int64, split money.Split, fee money.FeeBreakdown) (*Schedule, error) {
	if !outcome.Valid() {
		return nil, apperror.Validation("unknown outcome %q", outcome)
	}
	if !split.Balanced() || split.Total != amount {
		return nil, apperror.Validation("split does not balance against amount %d", amount)
	}

	s := &Schedule{AuthorizationAfter: auth}
	add := func(kind escrow.OperationKind, amt int64, fromCharge bool) {
		if amt > 0 || kind == escrow.OpCancel {
			s.Steps = append(s.Steps, Step{Kind: kind, Amount: amt, FromCharge: fromCharge})
		}
	}

	switch auth {
	case escrow.AuthorizationHeld:
		switch outcome {
		case escrow.KindFullRefund:
			add(escrow.OpCancel, 0, false)
			s.AuthorizationAfter = escrow.AuthorizationCanceled
			s.RefundAmount = amount
		case escrow.KindPartialRefund:
			s.CaptureAmount = amount - split.Refund
			s.TransferAmount = PayeeShare(outcome, amount, split, fee)
			s.RefundAmount = split.Refund
			add(escrow.OpCapture, s.CaptureAmount, false)
			add(escrow.OpTransfer, s.TransferAmount, true)
			if s.CaptureAmount > 0 {
				s.AuthorizationAfter = escrow.AuthorizationCaptured
			} else {
				// Nothing to capture: release the whole hold instead.
				s.Steps = []Step{{Kind: escrow.OpCancel}}
				s.AuthorizationAfter = escrow.AuthorizationCanceled
			}
		case escrow.KindNoRefund:
			s.CaptureAmount = amount
			s.TransferAmount = PayeeShare(outcome, amount, split, fee)
			add(escrow.OpCapture, s.CaptureAmount, false)
			add(escrow.OpTransfer, s.TransferAmount, true)
			if s.CaptureAmount > 0 {
				s.AuthorizationAfter = escrow.AuthorizationCaptured
			}
		}

	case escrow.AuthorizationCaptured:
		switch outcome {
		case escrow.KindFullRefund:
			s.RefundAmount = amount
			add(escrow.OpRefund, amount, false)
		case escrow.KindPartialRefund:
			s.TransferAmount = PayeeShare(outcome, amount, split, fee)
			s.RefundAmount = split.Refund
			add(escrow.OpTransfer, s.TransferAmount, true)
			add(escrow.OpRefund, s.RefundAmount, false)
		case escrow.KindNoRefund:
			s.TransferAmount = PayeeShare(outcome, amount, split, fee)
			add(escrow.OpTransfer, s.TransferAmount, true)
		}

	case escrow.AuthorizationCanceled:
		if outcome != escrow.KindFullRefund {
			return nil, notActionable(auth)
		}
		s.RefundAmount = amount

	default:
		return nil, notActionable(auth)
	}

	switch {
	case outcome == escrow.KindFullRefund:
		s.TransactionStatus = escrow.TransactionRefunded
		s.RefundStatus = escrow.RefundFull
	case s.RefundAmount > 0:
		s.TransactionStatus = escrow.TransactionValidated
		s.RefundStatus = escrow.RefundPartial
	default:
		s.TransactionStatus = escrow.TransactionValidated
		s.RefundStatus = escrow.RefundNone
	}
	return s, nil
}

func notActionable(auth escrow.AuthorizationState) error {
	return apperror.Execution("authorization not refundable/capturable in status %s", auth)
}

// IdempotencyKey names the n-th operation of kind for a proposal. n counts
// operations of the same kind, so the key survives a retry whose schedule
// starts from a later authorization state.
func IdempotencyKey(proposalID string, n int, kind escrow.OperationKind) string {
	return fmt.Sprintf("settle_%s_%d_%s", proposalID, n, kind)
}

// ExecutedSplit is the split the parties actually end up with. A full refund
// returns the gross amount, fee included.
func ExecutedSplit(outcome escrow.ProposalKind, amount int64, split money.Split) money.Split {
	if outcome == escrow.KindFullRefund {
		return money.Split{Total: amount, Refund: amount, Percentage: 100}
	}
	return split
}
