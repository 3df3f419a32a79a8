package store

import (
	"time"

	"github.com/terminal-bench/minechain/pkg/micro"
)

// LedgerEntry is one immutable signed balance delta. Rows are only ever
// inserted; the account balance is the prefix sum of its entries.
type LedgerEntry struct {
	ID        int64
	Timestamp time.Time
	Epoch     int64
	Account   string
	Delta     micro.Amount
	Reason    string
}

// TransferStatus is the lifecycle state of a pending transfer.
type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferConfirmed TransferStatus = "confirmed"
	TransferVoided    TransferStatus = "voided"
)

// PendingTransfer is a staged two-phase-commit transfer. While pending
// it reduces the sender's available balance without touching the ledger.
type PendingTransfer struct {
	ID           int64
	Epoch        int64
	From         string
	To           string
	Amount       micro.Amount
	Reason       string
	Status       TransferStatus
	CreatedAt    time.Time
	ConfirmsAt   time.Time
	TxHash       string
	VoidedBy     string
	VoidedReason string
	ConfirmedAt  *time.Time
}

// Enrollment is one (epoch, account, weight) registration.
type Enrollment struct {
	Epoch   int64
	Account string
	Weight  float64
}

// EpochState tracks whether an epoch's rewards have been distributed.
type EpochState struct {
	Epoch     int64
	Settled   bool
	SettledAt *time.Time
}

// WithdrawalStatus is the payout lifecycle state.
type WithdrawalStatus string

const (
	WithdrawalPending   WithdrawalStatus = "pending"
	WithdrawalCompleted WithdrawalStatus = "completed"
	WithdrawalFailed    WithdrawalStatus = "failed"
)

// Withdrawal is a validated withdrawal request awaiting external payout.
type Withdrawal struct {
	ID          string
	Account     string
	Amount      micro.Amount
	Fee         micro.Amount
	Destination string
	Signature   string
	Status      WithdrawalStatus
	CreatedAt   time.Time
	ProcessedAt *time.Time
	TxHash      string
	ErrorMsg    string
}

// WithdrawalKey is the registered verification key for an account's
// withdrawal signatures.
type WithdrawalKey struct {
	Account      string
	PubKeyHex    string
	RegisteredAt time.Time
}

// Signer is one governance committee member.
type Signer struct {
	ID        int64
	PubKeyHex string
	Active    bool
}

// RotationProposal is a staged signer-set change. Committed is one-way.
type RotationProposal struct {
	EpochEffective int64
	Threshold      int
	Members        []Signer
	CreatedAt      time.Time
	Committed      bool
	CommittedAt    *time.Time
}

// Approval is one signer's signature over a staged rotation message.
type Approval struct {
	EpochEffective int64
	SignerID       int64
	SigHex         string
	ApprovedAt     time.Time
}

// NonceKind selects the replay-guard namespace.
type NonceKind string

const (
	NonceTransfer   NonceKind = "transfer"
	NonceWithdrawal NonceKind = "withdrawal"
)
