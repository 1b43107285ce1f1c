package escrow

import (
	"database/sql"
	"errors"
	"reflect"
	"testing"
	"time"
)

// row feeds fixed values to a scan function the way *sql.Row would.
type row []any

func (r row) Scan(dest ...interface{}) error {
	if len(dest) != len(r) {
		return errors.New("column count mismatch")
	}
	for i, v := range r {
		reflect.ValueOf(dest[i]).Elem().Set(reflect.ValueOf(v))
	}
	return nil
}

func disputeRow(status string) row {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return row{
		"dsp_1", "tx_1", "buyer", "seller", "buyer", "late delivery",
		status, now, sql.NullTime{}, sql.NullString{},
		sql.NullString{}, sql.NullTime{}, now, now,
	}
}

func proposalRow(kind, status, execution string) row {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return row{
		"prp_1", "dsp_1", "buyer", kind, sql.NullInt64{}, sql.NullString{},
		status, false, false, false, false,
		now, execution, false, sql.NullString{}, sql.NullString{},
		sql.NullTime{}, now, now,
	}
}

func transactionRow(authState, status, refund string) row {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return row{
		"tx_1", "buyer", "seller", int64(12300), "eur", 50,
		sql.NullString{String: "pi_1", Valid: true}, authState, status, refund,
		int64(0), now, now,
	}
}

func TestScanDispute_Status(t *testing.T) {
	d, err := scanDispute(disputeRow("escalated"))
	if err != nil {
		t.Fatalf("scanDispute: %v", err)
	}
	if d.Status != StatusEscalated {
		t.Errorf("status = %q, want %q", d.Status, StatusEscalated)
	}

	if _, err := scanDispute(disputeRow("archived")); !errors.Is(err, ErrCorruptRow) {
		t.Errorf("unknown status: err = %v, want ErrCorruptRow", err)
	}
}

func TestScanProposal_Enums(t *testing.T) {
	tests := []struct {
		name                    string
		kind, status, execution string
		ok                      bool
	}{
		{"known values", "partial_refund", "accepted", "executing", true},
		{"unknown kind", "store_credit", "pending", "none", false},
		{"unknown status", "no_refund", "withdrawn", "none", false},
		{"unknown execution", "no_refund", "accepted", "paused", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := scanProposal(proposalRow(tt.kind, tt.status, tt.execution))
			if tt.ok {
				if err != nil {
					t.Fatalf("scanProposal: %v", err)
				}
				if p.Kind != ProposalKind(tt.kind) {
					t.Errorf("kind = %q, want %q", p.Kind, tt.kind)
				}
				return
			}
			if !errors.Is(err, ErrCorruptRow) {
				t.Errorf("err = %v, want ErrCorruptRow", err)
			}
		})
	}
}

func TestScanTransaction_Enums(t *testing.T) {
	if _, err := scanTransaction(transactionRow("held", "paid", "none")); err != nil {
		t.Fatalf("scanTransaction: %v", err)
	}
	for _, r := range []row{
		transactionRow("voided", "paid", "none"),
		transactionRow("held", "settled", "none"),
		transactionRow("held", "paid", "most"),
	} {
		if _, err := scanTransaction(r); !errors.Is(err, ErrCorruptRow) {
			t.Errorf("err = %v, want ErrCorruptRow", err)
		}
	}
}
