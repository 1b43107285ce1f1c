package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

type eventKey struct {
	id  string
	typ string
}

// MemoryStore is an in-memory store for demo/development mode and tests.
// A single mutex covers every map, so each method is atomic.
type MemoryStore struct {
	mu           sync.RWMutex
	transactions map[string]*Transaction
	disputes     map[string]*Dispute
	proposals    map[string]*Proposal
	settlements  map[string]*SettlementRecord // by proposal ID
	payouts      map[string]string
	events       map[eventKey]*GatewayEvent
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transactions: make(map[string]*Transaction),
		disputes:     make(map[string]*Dispute),
		proposals:    make(map[string]*Proposal),
		settlements:  make(map[string]*SettlementRecord),
		payouts:      make(map[string]string),
		events:       make(map[eventKey]*GatewayEvent),
	}
}

func (m *MemoryStore) CreateTransaction(_ context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.transactions[tx.ID]; ok {
		return ErrTransactionExists
	}
	cp := *tx
	m.transactions[tx.ID] = &cp
	return nil
}

func (m *MemoryStore) GetTransaction(_ context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.transactions[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) GetTransactionByAuthorization(_ context.Context, ref string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, tx := range m.transactions {
		if tx.AuthorizationRef == ref {
			cp := *tx
			return &cp, nil
		}
	}
	return nil, ErrTransactionNotFound
}

func (m *MemoryStore) UpdateTransaction(_ context.Context, tx *Transaction, expected TransactionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.transactions[tx.ID]
	if !ok {
		return ErrTransactionNotFound
	}
	if cur.Status != expected {
		return ErrStaleTransaction
	}
	cp := *tx
	m.transactions[tx.ID] = &cp
	return nil
}

func (m *MemoryStore) OpenDispute(_ context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[d.TransactionID]
	if !ok {
		return ErrTransactionNotFound
	}
	for _, other := range m.disputes {
		if other.TransactionID == d.TransactionID && !other.Status.IsTerminal() {
			return ErrActiveDispute
		}
	}
	if tx.Status != TransactionPaid {
		return ErrTransactionNotPaid
	}

	tx.Status = TransactionDisputed
	tx.UpdatedAt = d.CreatedAt
	m.disputes[d.ID] = copyDispute(d)
	return nil
}

func (m *MemoryStore) GetDispute(_ context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return copyDispute(d), nil
}

func (m *MemoryStore) ListDisputesByTransaction(_ context.Context, transactionID string) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.TransactionID == transactionID {
			result = append(result, copyDispute(d))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) TransitionDispute(_ context.Context, id string, from, to DisputeStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[id]
	if !ok {
		return ErrDisputeNotFound
	}
	if d.Status != from {
		return ErrStaleDispute
	}
	applyDisputeStatus(d, to, at)
	return nil
}

func (m *MemoryStore) ListEscalationCandidates(_ context.Context, now time.Time, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if EscalationEligible(d, now) {
			result = append(result, copyDispute(d))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].DeadlineAt.Before(result[j].DeadlineAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) EscalateDispute(_ context.Context, id string, now time.Time, force bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[id]
	if !ok {
		return false, ErrDisputeNotFound
	}
	check := now
	if force {
		check = d.DeadlineAt
	}
	if !EscalationEligible(d, check) {
		return false, nil
	}
	applyDisputeStatus(d, StatusEscalated, now)
	return true, nil
}

func (m *MemoryStore) SetArbitrationChannel(_ context.Context, id, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[id]
	if !ok {
		return ErrDisputeNotFound
	}
	d.ArbitrationChannelID = channelID
	return nil
}

func (m *MemoryStore) AddProposal(_ context.Context, p *Proposal, from, to DisputeStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[p.DisputeID]
	if !ok {
		return ErrDisputeNotFound
	}
	if d.Status != from {
		return ErrStaleDispute
	}
	applyDisputeStatus(d, to, p.CreatedAt)
	m.proposals[p.ID] = copyProposal(p)
	return nil
}

func (m *MemoryStore) GetProposal(_ context.Context, id string) (*Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.proposals[id]
	if !ok {
		return nil, ErrProposalNotFound
	}
	return copyProposal(p), nil
}

func (m *MemoryStore) ListProposals(_ context.Context, disputeID string) ([]*Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Proposal
	for _, p := range m.proposals {
		if p.DisputeID == disputeID {
			result = append(result, copyProposal(p))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) RecordValidation(_ context.Context, id string, party Party, at time.Time) (*Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.proposals[id]
	if !ok {
		return nil, ErrProposalNotFound
	}
	if p.Status != ProposalPending {
		return nil, ErrProposalNotPending
	}
	switch party {
	case PartyBuyer:
		p.BuyerValidated = true
	case PartySeller:
		p.SellerValidated = true
	}
	p.UpdatedAt = at
	return copyProposal(p), nil
}

func (m *MemoryStore) ClaimProposal(_ context.Context, id, executedBy string, override bool, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.proposals[id]
	if !ok {
		return false, ErrProposalNotFound
	}
	if p.Status != ProposalPending || p.Execution != ExecutionNone {
		return false, nil
	}
	for _, other := range m.proposals {
		if other.DisputeID == p.DisputeID && other.Status == ProposalAccepted {
			return false, ErrAlreadyAccepted
		}
	}
	p.Status = ProposalAccepted
	p.Execution = ExecutionRunning
	p.ExecutionOverride = override
	p.ExecutedBy = executedBy
	p.UpdatedAt = at
	return true, nil
}

func (m *MemoryStore) RejectProposal(_ context.Context, id string, from, to DisputeStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.proposals[id]
	if !ok {
		return ErrProposalNotFound
	}
	if p.Status != ProposalPending {
		return ErrProposalNotPending
	}
	d, ok := m.disputes[p.DisputeID]
	if !ok {
		return ErrDisputeNotFound
	}
	if d.Status != from {
		return ErrStaleDispute
	}
	if from != to {
		applyDisputeStatus(d, to, at)
	}
	p.Status = ProposalRejected
	p.UpdatedAt = at
	return nil
}

func (m *MemoryStore) MarkExecution(_ context.Context, id string, state ExecutionState, execErr string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.proposals[id]
	if !ok {
		return ErrProposalNotFound
	}
	p.Execution = state
	p.ExecutionError = execErr
	p.UpdatedAt = at
	return nil
}

func (m *MemoryStore) ReclaimExecution(_ context.Context, id, executedBy string, staleBefore, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.proposals[id]
	if !ok {
		return false, ErrProposalNotFound
	}
	if p.Status != ProposalAccepted {
		return false, nil
	}
	abandoned := p.Execution == ExecutionRunning && !p.UpdatedAt.After(staleBefore)
	if p.Execution != ExecutionFailed && !abandoned {
		return false, nil
	}
	p.Execution = ExecutionRunning
	p.ExecutionError = ""
	p.ExecutedBy = executedBy
	p.UpdatedAt = at
	return true, nil
}

func (m *MemoryStore) ListUnsettledExecutions(_ context.Context, updatedBefore time.Time, limit int) ([]*Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Proposal
	for _, p := range m.proposals {
		if p.Status != ProposalAccepted || p.UpdatedAt.After(updatedBefore) {
			continue
		}
		if p.Execution == ExecutionFailed || p.Execution == ExecutionRunning {
			result = append(result, copyProposal(p))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.Before(result[j].UpdatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CommitSettlement(_ context.Context, c SettlementCommit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := c.Record
	p, ok := m.proposals[rec.ProposalID]
	if !ok {
		return ErrProposalNotFound
	}
	d, ok := m.disputes[rec.DisputeID]
	if !ok {
		return ErrDisputeNotFound
	}
	tx, ok := m.transactions[rec.TransactionID]
	if !ok {
		return ErrTransactionNotFound
	}
	if d.Status.IsTerminal() {
		return ErrStaleDispute
	}
	if _, dup := m.settlements[rec.ProposalID]; dup {
		return ErrStaleDispute
	}

	m.settlements[rec.ProposalID] = copySettlement(rec)

	tx.Status = c.TransactionStatus
	tx.RefundStatus = c.RefundStatus
	tx.RefundedAmount = c.RefundedAmount
	tx.AuthorizationState = c.AuthorizationState
	tx.UpdatedAt = c.At

	applyDisputeStatus(d, c.DisputeStatus, c.At)
	d.Resolution = c.Resolution

	at := c.At
	p.Execution = ExecutionSucceeded
	p.ExecutionError = ""
	p.ExecutedBy = c.ExecutedBy
	p.ExecutedAt = &at
	p.UpdatedAt = c.At
	return nil
}

func (m *MemoryStore) GetSettlementByProposal(_ context.Context, proposalID string) (*SettlementRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.settlements[proposalID]
	if !ok {
		return nil, ErrSettlementNotFound
	}
	return copySettlement(rec), nil
}

func (m *MemoryStore) PayoutAccount(_ context.Context, userID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.payouts[userID]
	if !ok || acct == "" {
		return "", ErrPayoutNotFound
	}
	return acct, nil
}

func (m *MemoryStore) SetPayoutAccount(_ context.Context, userID, account string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.payouts[userID] = account
	return nil
}

func (m *MemoryStore) RecordEvent(_ context.Context, ev *GatewayEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := eventKey{ev.EventID, ev.EventType}
	if _, ok := m.events[k]; ok {
		return false, nil
	}
	cp := *ev
	m.events[k] = &cp
	return true, nil
}

func (m *MemoryStore) ForgetEvent(_ context.Context, eventID, eventType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.events, eventKey{eventID, eventType})
	return nil
}

func (m *MemoryStore) MarkEventProcessed(_ context.Context, eventID, eventType string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[eventKey{eventID, eventType}]
	if !ok {
		return nil
	}
	ev.ProcessedAt = &at
	return nil
}

// applyDisputeStatus sets the status plus the timestamps that go with it.
// Callers hold the lock.
func applyDisputeStatus(d *Dispute, to DisputeStatus, at time.Time) {
	d.Status = to
	d.UpdatedAt = at
	if to == StatusEscalated && d.EscalatedAt == nil {
		t := at
		d.EscalatedAt = &t
	}
	if to.IsTerminal() && d.ResolvedAt == nil {
		t := at
		d.ResolvedAt = &t
	}
}

// The copy helpers return deep copies so callers never share pointers with
// the stored values.

func copyDispute(d *Dispute) *Dispute {
	cp := *d
	if d.EscalatedAt != nil {
		t := *d.EscalatedAt
		cp.EscalatedAt = &t
	}
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

func copyProposal(p *Proposal) *Proposal {
	cp := *p
	if p.RefundPercentage != nil {
		v := *p.RefundPercentage
		cp.RefundPercentage = &v
	}
	if p.ExecutedAt != nil {
		t := *p.ExecutedAt
		cp.ExecutedAt = &t
	}
	return &cp
}

func copySettlement(r *SettlementRecord) *SettlementRecord {
	cp := *r
	cp.Operations = append([]Operation(nil), r.Operations...)
	return &cp
}
