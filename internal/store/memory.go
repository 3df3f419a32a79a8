package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/terminal-bench/minechain/pkg/micro"
)

// Memory is a snapshot-isolated in-memory Store. Each transaction works
// on a deep copy of the state and swaps it in on commit, so a failed
// closure leaves nothing behind. It exists for tests and single-node
// development; the serialization point is one big mutex.
type Memory struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	ledger      []LedgerEntry
	nextEntryID int64
	balances    map[string]micro.Amount
	enrollments map[int64]map[string]float64
	epochs      map[int64]EpochState
	transfers   map[int64]PendingTransfer
	hashIndex   map[string]int64
	nextXferID  int64
	nonces      map[string]time.Time
	withdrawals map[string]Withdrawal
	dayTotals   map[string]micro.Amount
	keys        map[string]WithdrawalKey
	proposals   map[int64]RotationProposal
	approvals   map[int64]map[int64]Approval
	signers     map[int64]Signer
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{state: newMemState()}
}

func newMemState() *memState {
	return &memState{
		nextEntryID: 1,
		nextXferID:  1,
		balances:    map[string]micro.Amount{},
		enrollments: map[int64]map[string]float64{},
		epochs:      map[int64]EpochState{},
		transfers:   map[int64]PendingTransfer{},
		hashIndex:   map[string]int64{},
		nonces:      map[string]time.Time{},
		withdrawals: map[string]Withdrawal{},
		dayTotals:   map[string]micro.Amount{},
		keys:        map[string]WithdrawalKey{},
		proposals:   map[int64]RotationProposal{},
		approvals:   map[int64]map[int64]Approval{},
		signers:     map[int64]Signer{},
	}
}

func (s *memState) clone() *memState {
	c := newMemState()
	c.nextEntryID = s.nextEntryID
	c.nextXferID = s.nextXferID
	c.ledger = append([]LedgerEntry(nil), s.ledger...)
	for k, v := range s.balances {
		c.balances[k] = v
	}
	for e, m := range s.enrollments {
		mm := map[string]float64{}
		for k, v := range m {
			mm[k] = v
		}
		c.enrollments[e] = mm
	}
	for k, v := range s.epochs {
		c.epochs[k] = v
	}
	for k, v := range s.transfers {
		c.transfers[k] = v
	}
	for k, v := range s.hashIndex {
		c.hashIndex[k] = v
	}
	for k, v := range s.nonces {
		c.nonces[k] = v
	}
	for k, v := range s.withdrawals {
		c.withdrawals[k] = v
	}
	for k, v := range s.dayTotals {
		c.dayTotals[k] = v
	}
	for k, v := range s.keys {
		c.keys[k] = v
	}
	for k, v := range s.proposals {
		p := v
		p.Members = append([]Signer(nil), v.Members...)
		c.proposals[k] = p
	}
	for e, m := range s.approvals {
		mm := map[int64]Approval{}
		for k, v := range m {
			mm[k] = v
		}
		c.approvals[e] = mm
	}
	for k, v := range s.signers {
		c.signers[k] = v
	}
	return c
}

// WithinTx runs fn against a private copy of the state and commits the
// copy only when fn returns nil.
func (m *Memory) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.state.clone()
	if err := fn(&memTx{s: work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

func (m *Memory) Close() error { return nil }

type memTx struct {
	s *memState
}

func (t *memTx) Ledger() LedgerRepo          { return &memLedger{t.s} }
func (t *memTx) Balances() BalanceRepo       { return &memBalances{t.s} }
func (t *memTx) Epochs() EpochRepo           { return &memEpochs{t.s} }
func (t *memTx) Transfers() TransferRepo     { return &memTransfers{t.s} }
func (t *memTx) Nonces() NonceRepo           { return &memNonces{t.s} }
func (t *memTx) Withdrawals() WithdrawalRepo { return &memWithdrawals{t.s} }
func (t *memTx) Governance() GovRepo         { return &memGov{t.s} }

type memLedger struct{ s *memState }

func (r *memLedger) Insert(ctx context.Context, e *LedgerEntry) error {
	e.ID = r.s.nextEntryID
	r.s.nextEntryID++
	r.s.ledger = append(r.s.ledger, *e)
	return nil
}

func (r *memLedger) ByAccount(ctx context.Context, account string, limit int) ([]LedgerEntry, error) {
	var out []LedgerEntry
	for i := len(r.s.ledger) - 1; i >= 0; i-- {
		if r.s.ledger[i].Account == account {
			out = append(out, r.s.ledger[i])
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (r *memLedger) ByEpochReason(ctx context.Context, epoch int64, reasonPrefix string) ([]LedgerEntry, error) {
	var out []LedgerEntry
	for _, e := range r.s.ledger {
		if e.Epoch == epoch && strings.HasPrefix(e.Reason, reasonPrefix) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *memLedger) SumDeltas(ctx context.Context, account string) (micro.Amount, error) {
	var sum micro.Amount
	var err error
	for _, e := range r.s.ledger {
		if e.Account == account {
			if sum, err = sum.Add(e.Delta); err != nil {
				return 0, err
			}
		}
	}
	return sum, nil
}

type memBalances struct{ s *memState }

func (r *memBalances) Get(ctx context.Context, account string) (micro.Amount, error) {
	return r.s.balances[account], nil
}

func (r *memBalances) GetForUpdate(ctx context.Context, account string) (micro.Amount, error) {
	if _, ok := r.s.balances[account]; !ok {
		r.s.balances[account] = 0
	}
	return r.s.balances[account], nil
}

func (r *memBalances) Set(ctx context.Context, account string, amount micro.Amount) error {
	r.s.balances[account] = amount
	return nil
}

func (r *memBalances) All(ctx context.Context) (map[string]micro.Amount, error) {
	out := map[string]micro.Amount{}
	for k, v := range r.s.balances {
		out[k] = v
	}
	return out, nil
}

type memEpochs struct{ s *memState }

func (r *memEpochs) Enroll(ctx context.Context, e Enrollment) error {
	m, ok := r.s.enrollments[e.Epoch]
	if !ok {
		m = map[string]float64{}
		r.s.enrollments[e.Epoch] = m
	}
	m[e.Account] = e.Weight
	if _, ok := r.s.epochs[e.Epoch]; !ok {
		r.s.epochs[e.Epoch] = EpochState{Epoch: e.Epoch}
	}
	return nil
}

func (r *memEpochs) Enrollments(ctx context.Context, epoch int64) ([]Enrollment, error) {
	m := r.s.enrollments[epoch]
	accounts := make([]string, 0, len(m))
	for a := range m {
		accounts = append(accounts, a)
	}
	sort.Strings(accounts)
	out := make([]Enrollment, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, Enrollment{Epoch: epoch, Account: a, Weight: m[a]})
	}
	return out, nil
}

func (r *memEpochs) Weight(ctx context.Context, epoch int64, account string) (float64, bool, error) {
	w, ok := r.s.enrollments[epoch][account]
	return w, ok, nil
}

func (r *memEpochs) State(ctx context.Context, epoch int64) (EpochState, error) {
	st, ok := r.s.epochs[epoch]
	if !ok {
		return EpochState{Epoch: epoch}, nil
	}
	return st, nil
}

func (r *memEpochs) MarkSettled(ctx context.Context, epoch int64, at time.Time) (bool, error) {
	st := r.s.epochs[epoch]
	st.Epoch = epoch
	if st.Settled {
		return false, nil
	}
	st.Settled = true
	ts := at
	st.SettledAt = &ts
	r.s.epochs[epoch] = st
	return true, nil
}

type memTransfers struct{ s *memState }

func (r *memTransfers) Insert(ctx context.Context, p *PendingTransfer) error {
	if _, dup := r.s.hashIndex[p.TxHash]; dup {
		return ErrDuplicate
	}
	p.ID = r.s.nextXferID
	r.s.nextXferID++
	r.s.transfers[p.ID] = *p
	r.s.hashIndex[p.TxHash] = p.ID
	return nil
}

func (r *memTransfers) Get(ctx context.Context, id int64) (*PendingTransfer, error) {
	p, ok := r.s.transfers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (r *memTransfers) GetByHash(ctx context.Context, txHash string) (*PendingTransfer, error) {
	id, ok := r.s.hashIndex[txHash]
	if !ok {
		return nil, ErrNotFound
	}
	p := r.s.transfers[id]
	return &p, nil
}

func (r *memTransfers) PendingDebits(ctx context.Context, account string) (micro.Amount, error) {
	var sum micro.Amount
	var err error
	for _, p := range r.s.transfers {
		if p.From == account && p.Status == TransferPending {
			if sum, err = sum.Add(p.Amount); err != nil {
				return 0, err
			}
		}
	}
	return sum, nil
}

func (r *memTransfers) Due(ctx context.Context, now time.Time) ([]PendingTransfer, error) {
	var out []PendingTransfer
	for _, p := range r.s.transfers {
		if p.Status == TransferPending && !p.ConfirmsAt.After(now) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memTransfers) List(ctx context.Context, status TransferStatus, limit int) ([]PendingTransfer, error) {
	var out []PendingTransfer
	for _, p := range r.s.transfers {
		if status == "" || p.Status == status {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memTransfers) MarkConfirmed(ctx context.Context, id int64, at time.Time) (bool, error) {
	p, ok := r.s.transfers[id]
	if !ok || p.Status != TransferPending {
		return false, nil
	}
	p.Status = TransferConfirmed
	ts := at
	p.ConfirmedAt = &ts
	r.s.transfers[id] = p
	return true, nil
}

func (r *memTransfers) MarkVoided(ctx context.Context, id int64, by, reason string) (bool, error) {
	p, ok := r.s.transfers[id]
	if !ok || p.Status != TransferPending {
		return false, nil
	}
	p.Status = TransferVoided
	p.VoidedBy = by
	p.VoidedReason = reason
	r.s.transfers[id] = p
	return true, nil
}

type memNonces struct{ s *memState }

func nonceKey(kind NonceKind, account, nonce string) string {
	return fmt.Sprintf("%s|%s|%s", kind, account, nonce)
}

func (r *memNonces) Claim(ctx context.Context, kind NonceKind, account, nonce string, at time.Time) (bool, time.Time, error) {
	k := nonceKey(kind, account, nonce)
	if used, ok := r.s.nonces[k]; ok {
		return false, used, nil
	}
	r.s.nonces[k] = at
	return true, at, nil
}

type memWithdrawals struct{ s *memState }

func (r *memWithdrawals) Insert(ctx context.Context, w *Withdrawal) error {
	if _, dup := r.s.withdrawals[w.ID]; dup {
		return ErrDuplicate
	}
	r.s.withdrawals[w.ID] = *w
	return nil
}

func (r *memWithdrawals) Get(ctx context.Context, id string) (*Withdrawal, error) {
	w, ok := r.s.withdrawals[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &w, nil
}

func (r *memWithdrawals) ByAccount(ctx context.Context, account string, limit int) ([]Withdrawal, error) {
	var out []Withdrawal
	for _, w := range r.s.withdrawals {
		if w.Account == account {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func dayKey(account, day string) string { return account + "|" + day }

func (r *memWithdrawals) DayTotal(ctx context.Context, account, day string) (micro.Amount, error) {
	return r.s.dayTotals[dayKey(account, day)], nil
}

func (r *memWithdrawals) AddDayTotal(ctx context.Context, account, day string, amount micro.Amount) error {
	k := dayKey(account, day)
	sum, err := r.s.dayTotals[k].Add(amount)
	if err != nil {
		return err
	}
	r.s.dayTotals[k] = sum
	return nil
}

func (r *memWithdrawals) Key(ctx context.Context, account string) (*WithdrawalKey, error) {
	k, ok := r.s.keys[account]
	if !ok {
		return nil, ErrNotFound
	}
	return &k, nil
}

func (r *memWithdrawals) PutKey(ctx context.Context, k WithdrawalKey, replace bool) error {
	if existing, ok := r.s.keys[k.Account]; ok && existing.PubKeyHex != k.PubKeyHex && !replace {
		return ErrDuplicate
	}
	r.s.keys[k.Account] = k
	return nil
}

type memGov struct{ s *memState }

func (r *memGov) Stage(ctx context.Context, p *RotationProposal) error {
	cp := *p
	cp.Members = append([]Signer(nil), p.Members...)
	r.s.proposals[p.EpochEffective] = cp
	delete(r.s.approvals, p.EpochEffective)
	return nil
}

func (r *memGov) Proposal(ctx context.Context, epochEffective int64) (*RotationProposal, error) {
	p, ok := r.s.proposals[epochEffective]
	if !ok {
		return nil, ErrNotFound
	}
	cp := p
	cp.Members = append([]Signer(nil), p.Members...)
	return &cp, nil
}

func (r *memGov) AddApproval(ctx context.Context, a Approval) (bool, error) {
	m, ok := r.s.approvals[a.EpochEffective]
	if !ok {
		m = map[int64]Approval{}
		r.s.approvals[a.EpochEffective] = m
	}
	if _, dup := m[a.SignerID]; dup {
		return false, nil
	}
	m[a.SignerID] = a
	return true, nil
}

func (r *memGov) ApprovalCount(ctx context.Context, epochEffective int64) (int, error) {
	return len(r.s.approvals[epochEffective]), nil
}

func (r *memGov) Commit(ctx context.Context, epochEffective int64, at time.Time) (bool, error) {
	p, ok := r.s.proposals[epochEffective]
	if !ok {
		return false, ErrNotFound
	}
	if p.Committed {
		return false, nil
	}
	p.Committed = true
	ts := at
	p.CommittedAt = &ts
	r.s.proposals[epochEffective] = p
	return true, nil
}

func (r *memGov) ActiveSigners(ctx context.Context) ([]Signer, error) {
	var out []Signer
	for _, s := range r.s.signers {
		if s.Active {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memGov) Signer(ctx context.Context, id int64) (*Signer, error) {
	s, ok := r.s.signers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (r *memGov) InstallSigners(ctx context.Context, members []Signer) error {
	r.s.signers = map[int64]Signer{}
	for _, m := range members {
		m.Active = true
		r.s.signers[m.ID] = m
	}
	return nil
}
