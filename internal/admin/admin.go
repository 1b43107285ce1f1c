// Package admin provides arbitration-staff endpoints for operating the
// engine: intake of escrowed transactions from the checkout collaborator,
// payout account registration, on-demand escalation sweeps, and settlement
// reconciliation.
package admin

import (
	"context"
	"time"

	"github.com/bruno-dias18/rivvlock-sub001/internal/escalation"
	"github.com/bruno-dias18/rivvlock-sub001/internal/escrow"
	"github.com/bruno-dias18/rivvlock-sub001/internal/reconciliation"
)

// Transactions is the intake side of the transaction store.
type Transactions interface {
	CreateTransaction(ctx context.Context, tx *escrow.Transaction) error
	GetTransaction(ctx context.Context, id string) (*escrow.Transaction, error)
}

// Payouts registers where payees are paid out.
type Payouts interface {
	SetPayoutAccount(ctx context.Context, userID, account string) error
}

// Sweeper runs the deadline escalation sweep.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (escalation.SweepResult, error)
}

// Reconciler runs settlement reconciliation.
type Reconciler interface {
	RunAll(ctx context.Context) (*reconciliation.Report, error)
}

// ReportSource exposes the last scheduled reconciliation report.
type ReportSource interface {
	LastReport() *reconciliation.Report
}

// AuthorizationSeeder places a held authorization at the gateway. Only the
// in-process simulator implements it; with a real gateway the checkout
// collaborator authorizes before intake.
type AuthorizationSeeder interface {
	Authorize(ref string, amount int64, currency string)
}
