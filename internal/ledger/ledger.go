// Package ledger implements the append-only ledger and the materialized
// balance store. Every balance mutation in the system goes through
// Append inside some transaction scope; no other component writes
// balances directly.
package ledger

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/terminal-bench/minechain/internal/fault"
	"github.com/terminal-bench/minechain/internal/store"
	"github.com/terminal-bench/minechain/pkg/micro"
)

// Ledger mediates all balance mutations.
type Ledger struct {
	store store.Store
	now   func() time.Time
}

// New builds a Ledger over a store.
func New(s store.Store) *Ledger {
	return &Ledger{store: s, now: time.Now}
}

// WithClock overrides the time source, for tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Append writes one ledger entry and the matching balance update inside
// the caller's transaction. Both land together or not at all. The new
// balance must stay representable and non-negative.
func (l *Ledger) Append(ctx context.Context, tx store.Tx, account string, delta micro.Amount, reason string, epoch int64) (*store.LedgerEntry, error) {
	bal, err := tx.Balances().GetForUpdate(ctx, account)
	if err != nil {
		return nil, errors.Wrap(err, "locking balance")
	}

	next, err := bal.Add(delta)
	if err != nil {
		return nil, fault.New(fault.Overflow, "balance for %s would leave the 64-bit range", account)
	}
	if next < 0 {
		return nil, fault.New(fault.InsufficientBalance, "balance for %s would go negative", account).
			WithDetail("balance", bal.String()).
			WithDetail("delta", delta.String())
	}

	entry := &store.LedgerEntry{
		Timestamp: l.now().UTC(),
		Epoch:     epoch,
		Account:   account,
		Delta:     delta,
		Reason:    reason,
	}
	if err := tx.Ledger().Insert(ctx, entry); err != nil {
		return nil, errors.Wrap(err, "appending ledger entry")
	}
	if err := tx.Balances().Set(ctx, account, next); err != nil {
		return nil, errors.Wrap(err, "materializing balance")
	}
	return entry, nil
}

// AvailableBalance is the spendable balance: the materialized balance
// minus the account's pending outgoing transfers.
func (l *Ledger) AvailableBalance(ctx context.Context, tx store.Tx, account string) (micro.Amount, error) {
	bal, err := tx.Balances().Get(ctx, account)
	if err != nil {
		return 0, errors.Wrap(err, "reading balance")
	}
	pending, err := tx.Transfers().PendingDebits(ctx, account)
	if err != nil {
		return 0, errors.Wrap(err, "summing pending debits")
	}
	return bal.Sub(pending)
}

// Balance reads the materialized balance in its own transaction.
func (l *Ledger) Balance(ctx context.Context, account string) (micro.Amount, error) {
	var bal micro.Amount
	err := l.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		bal, err = tx.Balances().Get(ctx, account)
		return err
	})
	return bal, err
}

// Available reads the spendable balance in its own transaction.
func (l *Ledger) Available(ctx context.Context, account string) (micro.Amount, error) {
	var avail micro.Amount
	err := l.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		avail, err = l.AvailableBalance(ctx, tx, account)
		return err
	})
	return avail, err
}

// History lists an account's most recent entries, newest first.
func (l *Ledger) History(ctx context.Context, account string, limit int) ([]store.LedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var entries []store.LedgerEntry
	err := l.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		entries, err = tx.Ledger().ByAccount(ctx, account, limit)
		return err
	})
	return entries, err
}

// VerifyIntegrity recomputes the prefix sum for an account and compares
// it with the materialized balance.
func (l *Ledger) VerifyIntegrity(ctx context.Context, account string) (bool, error) {
	var ok bool
	err := l.store.WithinTx(ctx, func(tx store.Tx) error {
		sum, err := tx.Ledger().SumDeltas(ctx, account)
		if err != nil {
			return err
		}
		bal, err := tx.Balances().Get(ctx, account)
		if err != nil {
			return err
		}
		ok = sum == bal
		return nil
	})
	return ok, err
}
