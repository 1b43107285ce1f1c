package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists escrow data in PostgreSQL.
//
// Every state change is a conditional UPDATE on the previous state, so two
// concurrent requests can never both win a transition.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// ErrCorruptRow is returned when a row holds a status or kind this version
// does not know. Such rows are refused at scan time instead of reaching the
// state machine.
var ErrCorruptRow = errors.New("escrow: row holds an unknown enum value")

func corrupt(entity, id, column, value string) error {
	return fmt.Errorf("%w: %s %s has %s %q", ErrCorruptRow, entity, id, column, value)
}

const (
	uniqueViolation = "23505"

	activeStatusesSQL     = `('open', 'responded', 'negotiating', 'escalated')`
	escalationSourcesSQL  = `('open', 'responded', 'negotiating')`
	terminalStatusesSQL   = `('resolved', 'resolved_refund', 'resolved_release')`
	oneActiveDisputeIndex = "idx_disputes_one_active"
)

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != uniqueViolation {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

// --- transactions ---

const transactionColumns = `id, payer_id, payee_id, amount, currency, fee_ratio_buyer,
		       authorization_ref, authorization_state, status, refund_status,
		       refunded_amount, created_at, updated_at`

func (p *PostgresStore) CreateTransaction(ctx context.Context, tx *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, payer_id, payee_id, amount, currency, fee_ratio_buyer,
			authorization_ref, authorization_state, status, refund_status,
			refunded_amount, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		tx.ID, tx.PayerID, tx.PayeeID, tx.Amount, tx.Currency, tx.FeeRatioBuyer,
		nullString(tx.AuthorizationRef), string(tx.AuthorizationState), string(tx.Status), string(tx.RefundStatus),
		tx.RefundedAmount, tx.CreatedAt, tx.UpdatedAt,
	)
	if isUniqueViolation(err, "") {
		return ErrTransactionExists
	}
	return err
}

func (p *PostgresStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return tx, err
}

func (p *PostgresStore) GetTransactionByAuthorization(ctx context.Context, ref string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE authorization_ref = $1`, ref)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return tx, err
}

func (p *PostgresStore) UpdateTransaction(ctx context.Context, tx *Transaction, expected TransactionStatus) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET
			authorization_ref = $1, authorization_state = $2, status = $3,
			refund_status = $4, refunded_amount = $5, updated_at = $6
		WHERE id = $7 AND status = $8`,
		nullString(tx.AuthorizationRef), string(tx.AuthorizationState), string(tx.Status),
		string(tx.RefundStatus), tx.RefundedAmount, tx.UpdatedAt,
		tx.ID, string(expected),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.GetTransaction(ctx, tx.ID); err != nil {
			return err
		}
		return ErrStaleTransaction
	}
	return nil
}

func scanTransaction(s scanner) (*Transaction, error) {
	tx := &Transaction{}
	var (
		authRef   sql.NullString
		authState string
		status    string
		refund    string
	)
	err := s.Scan(
		&tx.ID, &tx.PayerID, &tx.PayeeID, &tx.Amount, &tx.Currency, &tx.FeeRatioBuyer,
		&authRef, &authState, &status, &refund,
		&tx.RefundedAmount, &tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	tx.AuthorizationRef = authRef.String
	tx.AuthorizationState = AuthorizationState(authState)
	tx.Status = TransactionStatus(status)
	tx.RefundStatus = RefundStatus(refund)
	switch {
	case !tx.Status.Valid():
		return nil, corrupt("transaction", tx.ID, "status", status)
	case !tx.AuthorizationState.Valid():
		return nil, corrupt("transaction", tx.ID, "authorization_state", authState)
	case !tx.RefundStatus.Valid():
		return nil, corrupt("transaction", tx.ID, "refund_status", refund)
	}
	return tx, nil
}

// --- disputes ---

const disputeColumns = `id, transaction_id, payer_id, payee_id, reporter_id, reason,
		       status, deadline_at, escalated_at, arbitration_channel_id,
		       resolution, resolved_at, created_at, updated_at`

func (p *PostgresStore) OpenDispute(ctx context.Context, d *Dispute) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE transactions SET status = 'disputed', updated_at = $2
		WHERE id = $1 AND status = 'paid'`, d.TransactionID, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to mark transaction disputed: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return p.openDisputeConflict(ctx, tx, d.TransactionID)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO disputes (
			id, transaction_id, payer_id, payee_id, reporter_id, reason,
			status, deadline_at, escalated_at, arbitration_channel_id,
			resolution, resolved_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		d.ID, d.TransactionID, d.PayerID, d.PayeeID, d.ReporterID, d.Reason,
		string(d.Status), d.DeadlineAt, nullTime(d.EscalatedAt), nullString(d.ArbitrationChannelID),
		nullString(d.Resolution), nullTime(d.ResolvedAt), d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, oneActiveDisputeIndex) {
			return ErrActiveDispute
		}
		return fmt.Errorf("failed to insert dispute: %w", err)
	}

	return tx.Commit()
}

// openDisputeConflict explains why the paid -> disputed update matched no row.
func (p *PostgresStore) openDisputeConflict(ctx context.Context, q querier, transactionID string) error {
	var status string
	err := q.QueryRowContext(ctx, `SELECT status FROM transactions WHERE id = $1`, transactionID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrTransactionNotFound
	}
	if err != nil {
		return err
	}

	var active bool
	err = q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM disputes WHERE transaction_id = $1 AND status IN `+activeStatusesSQL+`
		)`, transactionID).Scan(&active)
	if err != nil {
		return err
	}
	if active {
		return ErrActiveDispute
	}
	return ErrTransactionNotPaid
}

func (p *PostgresStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) ListDisputesByTransaction(ctx context.Context, transactionID string) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE transaction_id = $1
		ORDER BY created_at`, transactionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanDisputes(rows)
}

func (p *PostgresStore) TransitionDispute(ctx context.Context, id string, from, to DisputeStatus, at time.Time) error {
	return transitionDispute(ctx, p.db, id, from, to, at)
}

func transitionDispute(ctx context.Context, q querier, id string, from, to DisputeStatus, at time.Time) error {
	result, err := q.ExecContext(ctx, `
		UPDATE disputes SET
			status       = $3::VARCHAR,
			updated_at   = $4,
			escalated_at = CASE WHEN $3::VARCHAR = 'escalated' THEN COALESCE(escalated_at, $4) ELSE escalated_at END,
			resolved_at  = CASE WHEN $3::VARCHAR IN `+terminalStatusesSQL+` THEN COALESCE(resolved_at, $4) ELSE resolved_at END
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to), at,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM disputes WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrDisputeNotFound
		}
		return ErrStaleDispute
	}
	return nil
}

// ListEscalationCandidates mirrors EscalationEligible.
func (p *PostgresStore) ListEscalationCandidates(ctx context.Context, now time.Time, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE escalated_at IS NULL
		  AND status IN `+escalationSourcesSQL+`
		  AND deadline_at <= $1
		ORDER BY deadline_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanDisputes(rows)
}

// EscalateDispute mirrors EscalationEligible in its WHERE clause.
func (p *PostgresStore) EscalateDispute(ctx context.Context, id string, now time.Time, force bool) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET status = 'escalated', escalated_at = $2, updated_at = $2
		WHERE id = $1
		  AND escalated_at IS NULL
		  AND status IN `+escalationSourcesSQL+`
		  AND ($3 OR deadline_at <= $2)`,
		id, now, force,
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 0 {
		if _, err := p.GetDispute(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (p *PostgresStore) SetArbitrationChannel(ctx context.Context, id, channelID string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET arbitration_channel_id = $2 WHERE id = $1`, id, channelID)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		status      string
		escalatedAt sql.NullTime
		channelID   sql.NullString
		resolution  sql.NullString
		resolvedAt  sql.NullTime
	)
	err := s.Scan(
		&d.ID, &d.TransactionID, &d.PayerID, &d.PayeeID, &d.ReporterID, &d.Reason,
		&status, &d.DeadlineAt, &escalatedAt, &channelID,
		&resolution, &resolvedAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Status = DisputeStatus(status)
	if !d.Status.Valid() {
		return nil, corrupt("dispute", d.ID, "status", status)
	}
	d.ArbitrationChannelID = channelID.String
	d.Resolution = resolution.String
	if escalatedAt.Valid {
		d.EscalatedAt = &escalatedAt.Time
	}
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return d, nil
}

func scanDisputes(rows *sql.Rows) ([]*Dispute, error) {
	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// --- proposals ---

const proposalColumns = `id, dispute_id, proposer_id, kind, refund_percentage, message,
		       status, admin_created, requires_both_parties, buyer_validated, seller_validated,
		       expires_at, execution, execution_override, executed_by, execution_error,
		       executed_at, created_at, updated_at`

func (p *PostgresStore) AddProposal(ctx context.Context, pr *Proposal, from, to DisputeStatus) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := transitionDispute(ctx, tx, pr.DisputeID, from, to, pr.CreatedAt); err != nil {
		return err
	}

	var pct sql.NullInt64
	if pr.RefundPercentage != nil {
		pct = sql.NullInt64{Int64: int64(*pr.RefundPercentage), Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO proposals (
			id, dispute_id, proposer_id, kind, refund_percentage, message,
			status, admin_created, requires_both_parties, buyer_validated, seller_validated,
			expires_at, execution, execution_override, executed_by, execution_error,
			executed_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		pr.ID, pr.DisputeID, pr.ProposerID, string(pr.Kind), pct, nullString(pr.Message),
		string(pr.Status), pr.AdminCreated, pr.RequiresBothParties, pr.BuyerValidated, pr.SellerValidated,
		pr.ExpiresAt, string(pr.Execution), pr.ExecutionOverride, nullString(pr.ExecutedBy), nullString(pr.ExecutionError),
		nullTime(pr.ExecutedAt), pr.CreatedAt, pr.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert proposal: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresStore) GetProposal(ctx context.Context, id string) (*Proposal, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = $1`, id)
	pr, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProposalNotFound
	}
	return pr, err
}

func (p *PostgresStore) ListProposals(ctx context.Context, disputeID string) ([]*Proposal, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+proposalColumns+`
		FROM proposals
		WHERE dispute_id = $1
		ORDER BY created_at`, disputeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Proposal
	for rows.Next() {
		pr, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pr)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListUnsettledExecutions(ctx context.Context, updatedBefore time.Time, limit int) ([]*Proposal, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+proposalColumns+`
		FROM proposals
		WHERE status = 'accepted'
		  AND execution IN ('failed', 'executing')
		  AND updated_at <= $1
		ORDER BY updated_at
		LIMIT $2`, updatedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Proposal
	for rows.Next() {
		pr, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pr)
	}
	return result, rows.Err()
}

func (p *PostgresStore) RecordValidation(ctx context.Context, id string, party Party, at time.Time) (*Proposal, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE proposals SET
			buyer_validated  = buyer_validated OR $2,
			seller_validated = seller_validated OR $3,
			updated_at       = $4
		WHERE id = $1 AND status = 'pending'
		RETURNING `+proposalColumns,
		id, party == PartyBuyer, party == PartySeller, at,
	)
	pr, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := p.GetProposal(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrProposalNotPending
	}
	return pr, err
}

func (p *PostgresStore) ClaimProposal(ctx context.Context, id, executedBy string, override bool, at time.Time) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE proposals SET
			status = 'accepted', execution = 'executing',
			execution_override = $2, executed_by = $3, updated_at = $4
		WHERE id = $1 AND status = 'pending' AND execution = 'none'`,
		id, override, nullString(executedBy), at,
	)
	if err != nil {
		if isUniqueViolation(err, "idx_proposals_one_accepted") {
			return false, ErrAlreadyAccepted
		}
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 0 {
		if _, err := p.GetProposal(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (p *PostgresStore) RejectProposal(ctx context.Context, id string, from, to DisputeStatus, at time.Time) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var disputeID, status string
	err = tx.QueryRowContext(ctx, `
		SELECT dispute_id, status FROM proposals WHERE id = $1 FOR UPDATE`, id).Scan(&disputeID, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrProposalNotFound
	}
	if err != nil {
		return err
	}
	if ProposalStatus(status) != ProposalPending {
		return ErrProposalNotPending
	}

	if from != to {
		if err := transitionDispute(ctx, tx, disputeID, from, to, at); err != nil {
			return err
		}
	} else {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM disputes WHERE id = $1 FOR SHARE`, disputeID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrDisputeNotFound
		}
		if err != nil {
			return err
		}
		if DisputeStatus(current) != from {
			return ErrStaleDispute
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE proposals SET status = 'rejected', updated_at = $2 WHERE id = $1`, id, at); err != nil {
		return fmt.Errorf("failed to reject proposal: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresStore) MarkExecution(ctx context.Context, id string, state ExecutionState, execErr string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE proposals SET execution = $2, execution_error = $3, updated_at = $4
		WHERE id = $1`, id, string(state), nullString(execErr), at)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrProposalNotFound
	}
	return nil
}

func (p *PostgresStore) ReclaimExecution(ctx context.Context, id, executedBy string, staleBefore, at time.Time) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE proposals SET
			execution = 'executing', execution_error = NULL,
			executed_by = $2, updated_at = $3
		WHERE id = $1 AND status = 'accepted'
		  AND (execution = 'failed' OR (execution = 'executing' AND updated_at <= $4))`,
		id, nullString(executedBy), at, staleBefore,
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 0 {
		if _, err := p.GetProposal(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func scanProposal(s scanner) (*Proposal, error) {
	pr := &Proposal{}
	var (
		kind       string
		pct        sql.NullInt64
		message    sql.NullString
		status     string
		execution  string
		executedBy sql.NullString
		execErr    sql.NullString
		executedAt sql.NullTime
	)
	err := s.Scan(
		&pr.ID, &pr.DisputeID, &pr.ProposerID, &kind, &pct, &message,
		&status, &pr.AdminCreated, &pr.RequiresBothParties, &pr.BuyerValidated, &pr.SellerValidated,
		&pr.ExpiresAt, &execution, &pr.ExecutionOverride, &executedBy, &execErr,
		&executedAt, &pr.CreatedAt, &pr.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	pr.Kind = ProposalKind(kind)
	pr.Status = ProposalStatus(status)
	pr.Execution = ExecutionState(execution)
	switch {
	case !pr.Kind.Valid():
		return nil, corrupt("proposal", pr.ID, "kind", kind)
	case !pr.Status.Valid():
		return nil, corrupt("proposal", pr.ID, "status", status)
	case !pr.Execution.Valid():
		return nil, corrupt("proposal", pr.ID, "execution", execution)
	}
	pr.Message = message.String
	pr.ExecutedBy = executedBy.String
	pr.ExecutionError = execErr.String
	if pct.Valid {
		v := int(pct.Int64)
		pr.RefundPercentage = &v
	}
	if executedAt.Valid {
		pr.ExecutedAt = &executedAt.Time
	}
	return pr, nil
}

// --- settlements ---

// CommitSettlement writes the settlement record and every state change that
// goes with it in one database transaction.
func (p *PostgresStore) CommitSettlement(ctx context.Context, c SettlementCommit) error {
	rec := c.Record
	splitJSON, err := json.Marshal(rec.Split)
	if err != nil {
		return err
	}
	feeJSON, err := json.Marshal(rec.Fee)
	if err != nil {
		return err
	}
	opsJSON, err := json.Marshal(rec.Operations)
	if err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO settlements (
			id, proposal_id, dispute_id, transaction_id, outcome, authorization_state,
			currency, split, fee, capture_amount, refund_amount, transfer_amount,
			destination, operations, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		rec.ID, rec.ProposalID, rec.DisputeID, rec.TransactionID, string(rec.Outcome), string(rec.AuthorizationState),
		rec.Currency, splitJSON, feeJSON, rec.CaptureAmount, rec.RefundAmount, rec.TransferAmount,
		nullString(rec.Destination), opsJSON, rec.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "") {
			return ErrStaleDispute
		}
		return fmt.Errorf("failed to insert settlement: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE transactions SET
			status = $2, refund_status = $3, refunded_amount = $4,
			authorization_state = $5, updated_at = $6
		WHERE id = $1`,
		rec.TransactionID, string(c.TransactionStatus), string(c.RefundStatus), c.RefundedAmount,
		string(c.AuthorizationState), c.At,
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrTransactionNotFound
	}

	result, err = tx.ExecContext(ctx, `
		UPDATE disputes SET
			status = $2, resolution = $3, resolved_at = $4, updated_at = $4
		WHERE id = $1 AND status IN `+activeStatusesSQL,
		rec.DisputeID, string(c.DisputeStatus), nullString(c.Resolution), c.At,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve dispute: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrStaleDispute
	}

	result, err = tx.ExecContext(ctx, `
		UPDATE proposals SET
			execution = 'succeeded', execution_error = NULL,
			executed_by = $2, executed_at = $3, updated_at = $3
		WHERE id = $1`,
		rec.ProposalID, nullString(c.ExecutedBy), c.At,
	)
	if err != nil {
		return fmt.Errorf("failed to mark proposal executed: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrProposalNotFound
	}

	return tx.Commit()
}

func (p *PostgresStore) GetSettlementByProposal(ctx context.Context, proposalID string) (*SettlementRecord, error) {
	rec := &SettlementRecord{}
	var (
		outcome     string
		authState   string
		splitJSON   []byte
		feeJSON     []byte
		opsJSON     []byte
		destination sql.NullString
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, proposal_id, dispute_id, transaction_id, outcome, authorization_state,
		       currency, split, fee, capture_amount, refund_amount, transfer_amount,
		       destination, operations, created_at
		FROM settlements WHERE proposal_id = $1`, proposalID).Scan(
		&rec.ID, &rec.ProposalID, &rec.DisputeID, &rec.TransactionID, &outcome, &authState,
		&rec.Currency, &splitJSON, &feeJSON, &rec.CaptureAmount, &rec.RefundAmount, &rec.TransferAmount,
		&destination, &opsJSON, &rec.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSettlementNotFound
	}
	if err != nil {
		return nil, err
	}

	rec.Outcome = ProposalKind(outcome)
	rec.AuthorizationState = AuthorizationState(authState)
	rec.Destination = destination.String
	if err := json.Unmarshal(splitJSON, &rec.Split); err != nil {
		return nil, fmt.Errorf("decode split: %w", err)
	}
	if err := json.Unmarshal(feeJSON, &rec.Fee); err != nil {
		return nil, fmt.Errorf("decode fee: %w", err)
	}
	if err := json.Unmarshal(opsJSON, &rec.Operations); err != nil {
		return nil, fmt.Errorf("decode operations: %w", err)
	}
	return rec, nil
}

// --- payout accounts ---

func (p *PostgresStore) PayoutAccount(ctx context.Context, userID string) (string, error) {
	var account string
	err := p.db.QueryRowContext(ctx, `SELECT account FROM payout_accounts WHERE user_id = $1`, userID).Scan(&account)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && account == "") {
		return "", ErrPayoutNotFound
	}
	return account, err
}

func (p *PostgresStore) SetPayoutAccount(ctx context.Context, userID, account string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payout_accounts (user_id, account, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE SET account = EXCLUDED.account, updated_at = NOW()`,
		userID, account)
	return err
}

// --- gateway event log ---

func (p *PostgresStore) RecordEvent(ctx context.Context, ev *GatewayEvent) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO gateway_events (event_id, event_type, payload, received_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id, event_type) DO NOTHING`,
		ev.EventID, ev.EventType, ev.Payload, ev.ReceivedAt)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (p *PostgresStore) ForgetEvent(ctx context.Context, eventID, eventType string) error {
	_, err := p.db.ExecContext(ctx, `
		DELETE FROM gateway_events WHERE event_id = $1 AND event_type = $2`, eventID, eventType)
	return err
}

func (p *PostgresStore) MarkEventProcessed(ctx context.Context, eventID, eventType string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE gateway_events SET processed_at = $3 WHERE event_id = $1 AND event_type = $2`,
		eventID, eventType, at)
	return err
}

// Helper functions for nullable SQL types

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
