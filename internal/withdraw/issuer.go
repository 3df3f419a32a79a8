// Package withdraw validates signed withdrawal requests and turns them
// into pending payout records. The nonce claim, the balance deduction,
// the fee routing and the withdrawal row are written in one transaction
// so a crash can never leave a reusable nonce behind a spent balance.
package withdraw

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/terminal-bench/minechain/internal/chain"
	"github.com/terminal-bench/minechain/internal/fault"
	"github.com/terminal-bench/minechain/internal/ledger"
	"github.com/terminal-bench/minechain/internal/store"
	"github.com/terminal-bench/minechain/pkg/micro"
)

// Issuer validates and records withdrawal requests.
type Issuer struct {
	params chain.Params
	store  store.Store
	ledger *ledger.Ledger
	now    func() time.Time
	rand   io.Reader
}

func New(params chain.Params, s store.Store, l *ledger.Ledger) *Issuer {
	return &Issuer{params: params, store: s, ledger: l, now: time.Now, rand: rand.Reader}
}

// WithClock overrides the time source, for tests.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// Request is a signed withdrawal submission.
type Request struct {
	Account     string
	Amount      micro.Amount
	Destination string
	Nonce       string
	SigHex      string
}

// Receipt is what the caller gets back for an accepted request.
type Receipt struct {
	WithdrawalID string       `json:"withdrawal_id"`
	Status       string       `json:"status"`
	Amount       micro.Amount `json:"-"`
	Fee          micro.Amount `json:"-"`
}

// SigningMessage is the canonical byte string a client signs:
// account:destination:amount:nonce, with the amount as its decimal RTC
// value.
func SigningMessage(account, destination string, amount micro.Amount, nonce string) []byte {
	return []byte(fmt.Sprintf("%s:%s:%s:%s", account, destination, amount.RTC().String(), nonce))
}

// RegisterKey stores the withdrawal verification key for an account.
// First-time registration is open; rotating an existing key requires
// asAdmin (withdrawal takeover guard).
func (i *Issuer) RegisterKey(ctx context.Context, account, pubKeyHex string, asAdmin bool) error {
	pub, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return fault.New(fault.InvalidArgument, "invalid pubkey hex")
	}
	if len(pub) != ed25519.PublicKeySize {
		return fault.New(fault.InvalidArgument, "pubkey must be %d bytes", ed25519.PublicKeySize)
	}
	return i.store.WithinTx(ctx, func(tx store.Tx) error {
		existing, err := tx.Withdrawals().Key(ctx, account)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return errors.Wrap(err, "withdraw: read key")
		}
		if existing != nil && existing.PubKeyHex != pubKeyHex && !asAdmin {
			return fault.New(fault.KeyAlreadyRegistered, "pubkey already registered, admin required to rotate")
		}
		k := store.WithdrawalKey{Account: account, PubKeyHex: pubKeyHex, RegisteredAt: i.now()}
		return tx.Withdrawals().PutKey(ctx, k, existing != nil)
	})
}

// Issue validates a withdrawal request and, on success, records the
// nonce, debits amount+fee, credits the fee to the pool account and
// creates a pending withdrawal row atomically.
func (i *Issuer) Issue(ctx context.Context, req Request) (*Receipt, error) {
	if req.Account == "" || req.Destination == "" || req.Nonce == "" || req.SigHex == "" {
		return nil, fault.New(fault.InvalidArgument, "account, destination, nonce and signature are required")
	}
	if req.Amount < i.params.MinWithdrawal {
		return nil, fault.New(fault.BelowMinimum, "minimum withdrawal is %s RTC", i.params.MinWithdrawal.RTC())
	}

	entropy := make([]byte, 8)
	if _, err := io.ReadFull(i.rand, entropy); err != nil {
		return nil, errors.Wrap(err, "withdraw: entropy")
	}
	now := i.now()
	day := now.UTC().Format("2006-01-02")
	id := fmt.Sprintf("WD_%d_%s", now.UnixMicro(), hex.EncodeToString(entropy))
	fee := i.params.WithdrawalFee
	var receipt *Receipt

	err := i.store.WithinTx(ctx, func(tx store.Tx) error {
		claimed, usedAt, err := tx.Nonces().Claim(ctx, store.NonceWithdrawal, req.Account, req.Nonce, now)
		if err != nil {
			return errors.Wrap(err, "withdraw: claim nonce")
		}
		if !claimed {
			return fault.New(fault.ReplayDetected, "nonce already used").
				WithDetail("used_at", usedAt.UTC().Format(time.RFC3339))
		}

		key, err := tx.Withdrawals().Key(ctx, req.Account)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fault.New(fault.NotFound, "no withdrawal key registered for account")
			}
			return errors.Wrap(err, "withdraw: read key")
		}
		message := SigningMessage(req.Account, req.Destination, req.Amount, req.Nonce)
		if !verify(key.PubKeyHex, message, req.SigHex) {
			return fault.New(fault.SignatureInvalid, "invalid signature")
		}

		total, err := req.Amount.Add(fee)
		if err != nil {
			return fault.New(fault.Overflow, "amount plus fee overflows")
		}
		available, err := i.ledger.AvailableBalance(ctx, tx, req.Account)
		if err != nil {
			return errors.Wrap(err, "withdraw: available balance")
		}
		if available < total {
			return fault.New(fault.InsufficientBalance, "insufficient available balance").
				WithDetail("available_rtc", available.RTC().String()).
				WithDetail("required_rtc", total.RTC().String())
		}

		dayTotal, err := tx.Withdrawals().DayTotal(ctx, req.Account, day)
		if err != nil {
			return errors.Wrap(err, "withdraw: day total")
		}
		if dayTotal+req.Amount > i.params.DailyWithdrawCap {
			return fault.New(fault.DailyCapExceeded, "daily withdrawal limit is %s RTC", i.params.DailyWithdrawCap.RTC()).
				WithDetail("withdrawn_today_rtc", dayTotal.RTC().String())
		}

		epoch := i.params.EpochAt(now)
		if _, err := i.ledger.Append(ctx, tx, req.Account, -total, "withdrawal:"+id, epoch); err != nil {
			return err
		}
		if _, err := i.ledger.Append(ctx, tx, i.params.FeePoolAccount, fee, "withdrawal_fee:"+id, epoch); err != nil {
			return err
		}
		w := &store.Withdrawal{
			ID:          id,
			Account:     req.Account,
			Amount:      req.Amount,
			Fee:         fee,
			Destination: req.Destination,
			Signature:   req.SigHex,
			Status:      store.WithdrawalPending,
			CreatedAt:   now,
		}
		if err := tx.Withdrawals().Insert(ctx, w); err != nil {
			return errors.Wrap(err, "withdraw: insert")
		}
		if err := tx.Withdrawals().AddDayTotal(ctx, req.Account, day, req.Amount); err != nil {
			return errors.Wrap(err, "withdraw: bump day total")
		}
		receipt = &Receipt{WithdrawalID: id, Status: string(store.WithdrawalPending), Amount: req.Amount, Fee: fee}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// Status returns one withdrawal by ID.
func (i *Issuer) Status(ctx context.Context, id string) (*store.Withdrawal, error) {
	var out *store.Withdrawal
	err := i.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.Withdrawals().Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return fault.New(fault.NotFound, "withdrawal not found")
		}
		return err
	})
	return out, err
}

// History returns an account's withdrawals, newest first.
func (i *Issuer) History(ctx context.Context, account string, limit int) ([]store.Withdrawal, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []store.Withdrawal
	err := i.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.Withdrawals().ByAccount(ctx, account, limit)
		return err
	})
	return out, err
}

func verify(pubKeyHex string, message []byte, sigHex string) bool {
	pub, err := hex.DecodeString(pubKeyHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), message, sig)
}
