// Package store abstracts the transactional tables behind small
// per-entity repositories so the atomicity contracts of the ledger,
// settlement, transfer and governance paths can run against Postgres in
// production and an in-memory snapshot store in tests.
package store

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/terminal-bench/minechain/pkg/micro"
)

var (
	// ErrDuplicate is returned when a uniqueness constraint rejects a
	// write ((account,nonce), tx_hash, (epoch_effective,signer_id)).
	ErrDuplicate = errors.New("store: duplicate key")

	// ErrNotFound is returned for missing rows.
	ErrNotFound = errors.New("store: not found")
)

// Store opens transactions. Every ledger-affecting operation runs inside
// WithinTx; the closure either commits as a whole or rolls back as a
// whole.
type Store interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Tx is one open transaction scope.
type Tx interface {
	Ledger() LedgerRepo
	Balances() BalanceRepo
	Epochs() EpochRepo
	Transfers() TransferRepo
	Nonces() NonceRepo
	Withdrawals() WithdrawalRepo
	Governance() GovRepo
}

// LedgerRepo owns the append-only entry table.
type LedgerRepo interface {
	// Insert appends one entry and assigns its ID.
	Insert(ctx context.Context, e *LedgerEntry) error
	ByAccount(ctx context.Context, account string, limit int) ([]LedgerEntry, error)
	ByEpochReason(ctx context.Context, epoch int64, reasonPrefix string) ([]LedgerEntry, error)
	// SumDeltas recomputes the prefix sum for integrity checks.
	SumDeltas(ctx context.Context, account string) (micro.Amount, error)
}

// BalanceRepo owns the materialized per-account balance rows. Only the
// ledger appender writes through it.
type BalanceRepo interface {
	Get(ctx context.Context, account string) (micro.Amount, error)
	// GetForUpdate locks the account row for the rest of the transaction,
	// creating a zero row if none exists.
	GetForUpdate(ctx context.Context, account string) (micro.Amount, error)
	Set(ctx context.Context, account string, amount micro.Amount) error
	All(ctx context.Context) (map[string]micro.Amount, error)
}

// EpochRepo owns enrollments and the settled flag.
type EpochRepo interface {
	Enroll(ctx context.Context, e Enrollment) error
	Enrollments(ctx context.Context, epoch int64) ([]Enrollment, error)
	Weight(ctx context.Context, epoch int64, account string) (float64, bool, error)
	State(ctx context.Context, epoch int64) (EpochState, error)
	// MarkSettled flips the settled flag if and only if it is still
	// unset, reporting whether this call won the flip.
	MarkSettled(ctx context.Context, epoch int64, at time.Time) (bool, error)
}

// TransferRepo owns the pending_ledger staging table.
type TransferRepo interface {
	Insert(ctx context.Context, t *PendingTransfer) error
	Get(ctx context.Context, id int64) (*PendingTransfer, error)
	GetByHash(ctx context.Context, txHash string) (*PendingTransfer, error)
	// PendingDebits sums pending outgoing amounts for an account.
	PendingDebits(ctx context.Context, account string) (micro.Amount, error)
	// Due lists pending transfers whose confirmation window has passed.
	Due(ctx context.Context, now time.Time) ([]PendingTransfer, error)
	List(ctx context.Context, status TransferStatus, limit int) ([]PendingTransfer, error)
	// MarkConfirmed and MarkVoided are conditional on status=pending and
	// report whether the transition happened.
	MarkConfirmed(ctx context.Context, id int64, at time.Time) (bool, error)
	MarkVoided(ctx context.Context, id int64, by, reason string) (bool, error)
}

// NonceRepo is the replay guard.
type NonceRepo interface {
	// Claim records (account, nonce) once. A second claim returns
	// claimed=false with the original use timestamp.
	Claim(ctx context.Context, kind NonceKind, account, nonce string, at time.Time) (claimed bool, usedAt time.Time, err error)
}

// WithdrawalRepo owns withdrawal rows, per-day totals and registered
// withdrawal keys.
type WithdrawalRepo interface {
	Insert(ctx context.Context, w *Withdrawal) error
	Get(ctx context.Context, id string) (*Withdrawal, error)
	ByAccount(ctx context.Context, account string, limit int) ([]Withdrawal, error)
	DayTotal(ctx context.Context, account, day string) (micro.Amount, error)
	AddDayTotal(ctx context.Context, account, day string, amount micro.Amount) error
	Key(ctx context.Context, account string) (*WithdrawalKey, error)
	PutKey(ctx context.Context, k WithdrawalKey, replace bool) error
}

// GovRepo owns rotation proposals, approvals and the active signer set.
type GovRepo interface {
	// Stage replaces any prior proposal for the epoch and clears its
	// approvals (they signed a different canonical message).
	Stage(ctx context.Context, p *RotationProposal) error
	Proposal(ctx context.Context, epochEffective int64) (*RotationProposal, error)
	// AddApproval is idempotent per (epoch_effective, signer_id); it
	// reports whether a new approval row was written.
	AddApproval(ctx context.Context, a Approval) (bool, error)
	ApprovalCount(ctx context.Context, epochEffective int64) (int, error)
	// Commit flips the one-way committed flag, reporting whether this
	// call won the flip.
	Commit(ctx context.Context, epochEffective int64, at time.Time) (bool, error)
	ActiveSigners(ctx context.Context) ([]Signer, error)
	Signer(ctx context.Context, id int64) (*Signer, error)
	// InstallSigners replaces the active signer set.
	InstallSigners(ctx context.Context, members []Signer) error
}
