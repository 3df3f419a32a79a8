// Package transfer implements the two-phase-commit transfer pipeline.
// Transfers are staged as pending rows against the sender's available
// balance, sit through a mandatory delay window, and are then either
// confirmed by the sweep (two ledger entries) or voided. The ledger is
// never touched before confirmation.
package transfer

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/terminal-bench/minechain/internal/chain"
	"github.com/terminal-bench/minechain/internal/fault"
	"github.com/terminal-bench/minechain/internal/ledger"
	"github.com/terminal-bench/minechain/internal/store"
	"github.com/terminal-bench/minechain/internal/utils/logging"
	"github.com/terminal-bench/minechain/pkg/micro"
)

// Alerter receives best-effort notifications about notable pipeline
// activity. Delivery failures must never fail the transfer, so callers
// log the returned error and move on.
type Alerter interface {
	Notify(ctx context.Context, severity, message string, fields map[string]interface{}) error
}

// Pipeline stages, confirms and voids pending transfers.
type Pipeline struct {
	params chain.Params
	store  store.Store
	ledger *ledger.Ledger
	alerts Alerter
	now    func() time.Time
	rand   io.Reader
}

func New(params chain.Params, s store.Store, l *ledger.Ledger) *Pipeline {
	return &Pipeline{params: params, store: s, ledger: l, now: time.Now, rand: rand.Reader}
}

// WithAlerter attaches a best-effort alert sink.
func (p *Pipeline) WithAlerter(a Alerter) *Pipeline {
	p.alerts = a
	return p
}

// WithClock overrides the time source, for tests.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// SignedRequest is an end-user transfer carrying its own authorization.
type SignedRequest struct {
	From      string
	To        string
	Amount    micro.Amount
	Memo      string
	Nonce     string
	PubKeyHex string
	SigHex    string
}

// Stage inserts an operator-initiated pending transfer. The sender's
// available balance (balance minus other pending debits) must cover the
// amount; the ledger is not touched.
func (p *Pipeline) Stage(ctx context.Context, from, to string, amount micro.Amount, reason string) (*store.PendingTransfer, error) {
	if from == "" || to == "" {
		return nil, fault.New(fault.InvalidArgument, "from and to are required")
	}
	if amount <= 0 {
		return nil, fault.New(fault.InvalidArgument, "amount must be positive")
	}
	if reason == "" {
		reason = "admin_transfer"
	}

	entropy := make([]byte, 8)
	if _, err := io.ReadFull(p.rand, entropy); err != nil {
		return nil, errors.Wrap(err, "transfer: entropy")
	}
	now := p.now()
	t := &store.PendingTransfer{
		Epoch:      p.params.EpochAt(now),
		From:       from,
		To:         to,
		Amount:     amount,
		Reason:     reason,
		Status:     store.TransferPending,
		CreatedAt:  now,
		ConfirmsAt: now.Add(p.params.ConfirmDelay),
		TxHash:     adminTxHash(from, to, amount, now.Unix(), entropy),
	}
	if err := p.stage(ctx, t, nil); err != nil {
		return nil, err
	}
	p.alertStaged(ctx, t)
	return t, nil
}

// StageSigned verifies an end-user ed25519 transfer request and stages
// it through the same pending pipeline. The nonce claim and the
// availability check happen in one transaction so a replayed or racing
// request cannot slip between a read and a write.
func (p *Pipeline) StageSigned(ctx context.Context, req SignedRequest) (*store.PendingTransfer, error) {
	if req.Amount <= 0 {
		return nil, fault.New(fault.InvalidArgument, "amount must be positive")
	}
	if req.Nonce == "" {
		return nil, fault.New(fault.InvalidArgument, "nonce is required")
	}

	derived, err := AddressFromPubKey(req.PubKeyHex)
	if err != nil {
		return nil, fault.New(fault.InvalidArgument, "public key: %v", err)
	}
	if derived != req.From {
		return nil, fault.New(fault.SignatureInvalid, "public key does not match from address").
			WithDetail("expected", derived)
	}

	message := SignedMessage(req.From, req.To, req.Amount, req.Memo, req.Nonce)
	if !VerifySignature(req.PubKeyHex, message, req.SigHex) {
		return nil, fault.New(fault.SignatureInvalid, "invalid signature")
	}
	txHash, err := signedTxHash(message, req.SigHex)
	if err != nil {
		return nil, fault.New(fault.InvalidArgument, "signature: %v", err)
	}

	memo := req.Memo
	if len(memo) > 80 {
		memo = memo[:80]
	}
	now := p.now()
	t := &store.PendingTransfer{
		Epoch:      p.params.EpochAt(now),
		From:       req.From,
		To:         req.To,
		Amount:     req.Amount,
		Reason:     "signed_transfer:" + memo,
		Status:     store.TransferPending,
		CreatedAt:  now,
		ConfirmsAt: now.Add(p.params.ConfirmDelay),
		TxHash:     txHash,
	}
	claim := func(tx store.Tx) error {
		claimed, usedAt, err := tx.Nonces().Claim(ctx, store.NonceTransfer, req.From, req.Nonce, now)
		if err != nil {
			return errors.Wrap(err, "transfer: claim nonce")
		}
		if !claimed {
			return fault.New(fault.ReplayDetected, "nonce already used").
				WithDetail("nonce", req.Nonce).
				WithDetail("used_at", usedAt.UTC().Format(time.RFC3339))
		}
		return nil
	}
	if err := p.stage(ctx, t, claim); err != nil {
		return nil, err
	}
	p.alertStaged(ctx, t)
	return t, nil
}

// stage runs the availability check and the pending insert in one
// transaction. pre, when set, runs first in the same scope.
func (p *Pipeline) stage(ctx context.Context, t *store.PendingTransfer, pre func(tx store.Tx) error) error {
	return p.store.WithinTx(ctx, func(tx store.Tx) error {
		if pre != nil {
			if err := pre(tx); err != nil {
				return err
			}
		}
		balance, err := tx.Balances().Get(ctx, t.From)
		if err != nil {
			return errors.Wrap(err, "transfer: read balance")
		}
		pending, err := tx.Transfers().PendingDebits(ctx, t.From)
		if err != nil {
			return errors.Wrap(err, "transfer: sum pending debits")
		}
		available := balance - pending
		if available < t.Amount {
			return fault.New(fault.InsufficientBalance, "insufficient available balance").
				WithDetail("balance_rtc", balance.RTC().String()).
				WithDetail("pending_debits_rtc", pending.RTC().String()).
				WithDetail("available_rtc", available.RTC().String()).
				WithDetail("requested_rtc", t.Amount.RTC().String())
		}
		if err := tx.Transfers().Insert(ctx, t); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return fault.New(fault.ReplayDetected, "tx hash already staged").
					WithDetail("tx_hash", t.TxHash)
			}
			return errors.Wrap(err, "transfer: insert pending")
		}
		return nil
	})
}

// SweepError records one entry the sweep could not confirm.
type SweepError struct {
	ID     int64  `json:"id"`
	Reason string `json:"error"`
}

// SweepResult reports what one confirmation sweep did.
type SweepResult struct {
	Confirmed    int          `json:"confirmed_count"`
	ConfirmedIDs []int64      `json:"confirmed_ids"`
	VoidedIDs    []int64      `json:"voided_ids,omitempty"`
	Errors       []SweepError `json:"errors,omitempty"`
}

// Sweep confirms every pending transfer whose delay window has passed.
// Each entry runs in its own transaction so one failure cannot block
// the rest. Senders that became insolvent since staging are voided with
// reason insufficient_balance_at_confirm.
func (p *Pipeline) Sweep(ctx context.Context) (*SweepResult, error) {
	now := p.now()
	var due []store.PendingTransfer
	err := p.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		due, err = tx.Transfers().Due(ctx, now)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "transfer: list due")
	}

	res := &SweepResult{ConfirmedIDs: []int64{}}
	for i := range due {
		id := due[i].ID
		confirmed, voided, err := p.confirmOne(ctx, id, now)
		switch {
		case err != nil:
			logging.WithError(err).WithField("pending_id", id).Error("confirm sweep entry failed")
			res.Errors = append(res.Errors, SweepError{ID: id, Reason: err.Error()})
		case voided:
			res.VoidedIDs = append(res.VoidedIDs, id)
			res.Errors = append(res.Errors, SweepError{ID: id, Reason: "insufficient_balance"})
		case confirmed:
			res.Confirmed++
			res.ConfirmedIDs = append(res.ConfirmedIDs, id)
		}
	}
	if res.Confirmed > 0 && p.alerts != nil {
		if err := p.alerts.Notify(ctx, "info",
			fmt.Sprintf("Confirmed %d pending transfer(s)", res.Confirmed),
			map[string]interface{}{"confirmed": res.Confirmed, "errors": len(res.Errors)}); err != nil {
			logging.WithError(err).Warn("sweep alert failed")
		}
	}
	return res, nil
}

// confirmOne settles a single due transfer: re-check solvency, append
// the debit and credit entries, flip to confirmed. All in one
// transaction.
func (p *Pipeline) confirmOne(ctx context.Context, id int64, now time.Time) (confirmed, voided bool, err error) {
	err = p.store.WithinTx(ctx, func(tx store.Tx) error {
		t, err := tx.Transfers().Get(ctx, id)
		if err != nil {
			return err
		}
		if t.Status != store.TransferPending {
			return nil // another sweeper got here first
		}
		balance, err := tx.Balances().GetForUpdate(ctx, t.From)
		if err != nil {
			return err
		}
		if balance < t.Amount {
			ok, err := tx.Transfers().MarkVoided(ctx, id, "system", "insufficient_balance_at_confirm")
			if err != nil {
				return err
			}
			voided = ok
			return nil
		}
		if _, err := p.ledger.Append(ctx, tx, t.From, -t.Amount, fmt.Sprintf("transfer_out:%s:%s", t.To, t.TxHash), t.Epoch); err != nil {
			return err
		}
		if _, err := p.ledger.Append(ctx, tx, t.To, t.Amount, fmt.Sprintf("transfer_in:%s:%s", t.From, t.TxHash), t.Epoch); err != nil {
			return err
		}
		ok, err := tx.Transfers().MarkConfirmed(ctx, id, now)
		if err != nil {
			return err
		}
		if !ok {
			return fault.New(fault.RaceLost, "transfer %d left pending state mid-confirm", id)
		}
		confirmed = true
		return nil
	})
	if err != nil {
		return false, false, err
	}
	return confirmed, voided, nil
}

// Void permanently cancels a pending transfer. Only pending entries can
// be voided; the actor and reason are recorded.
func (p *Pipeline) Void(ctx context.Context, id int64, txHash, by, reason string) (*store.PendingTransfer, error) {
	if id == 0 && txHash == "" {
		return nil, fault.New(fault.InvalidArgument, "provide pending_id or tx_hash")
	}
	if by == "" {
		by = "admin"
	}
	if reason == "" {
		reason = "admin_void"
	}
	var out *store.PendingTransfer
	err := p.store.WithinTx(ctx, func(tx store.Tx) error {
		var t *store.PendingTransfer
		var err error
		if id != 0 {
			t, err = tx.Transfers().Get(ctx, id)
		} else {
			t, err = tx.Transfers().GetByHash(ctx, txHash)
		}
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fault.New(fault.NotFound, "pending transfer not found")
			}
			return err
		}
		if t.Status != store.TransferPending {
			return fault.New(fault.NotPending, "cannot void, status is %q", t.Status)
		}
		ok, err := tx.Transfers().MarkVoided(ctx, t.ID, by, reason)
		if err != nil {
			return err
		}
		if !ok {
			return fault.New(fault.RaceLost, "transfer %d left pending state mid-void", t.ID)
		}
		t.Status = store.TransferVoided
		t.VoidedBy = by
		t.VoidedReason = reason
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	if p.alerts != nil {
		if aerr := p.alerts.Notify(ctx, "info",
			fmt.Sprintf("Transfer voided by %s", by),
			map[string]interface{}{"pending_id": out.ID, "from": out.From, "to": out.To, "reason": reason}); aerr != nil {
			logging.WithError(aerr).Warn("void alert failed")
		}
	}
	return out, nil
}

// Get returns one pending transfer by ID.
func (p *Pipeline) Get(ctx context.Context, id int64) (*store.PendingTransfer, error) {
	var out *store.PendingTransfer
	err := p.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.Transfers().Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return fault.New(fault.NotFound, "pending transfer not found")
		}
		return err
	})
	return out, err
}

// List returns transfers in the given status, newest first.
func (p *Pipeline) List(ctx context.Context, status store.TransferStatus, limit int) ([]store.PendingTransfer, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []store.PendingTransfer
	err := p.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.Transfers().List(ctx, status, limit)
		return err
	})
	return out, err
}

// alertStaged fires the large-transfer alert when the staged amount
// crosses a threshold. Failures are logged and swallowed.
func (p *Pipeline) alertStaged(ctx context.Context, t *store.PendingTransfer) {
	if p.alerts == nil {
		return
	}
	var severity string
	switch {
	case t.Amount >= p.params.AlertCritical:
		severity = "critical"
	case t.Amount >= p.params.AlertWarning:
		severity = "warning"
	default:
		return
	}
	err := p.alerts.Notify(ctx, severity,
		fmt.Sprintf("Large transfer pending: %s RTC", t.Amount.RTC()),
		map[string]interface{}{
			"from":    t.From,
			"to":      t.To,
			"tx_hash": t.TxHash,
		})
	if err != nil {
		logging.WithError(err).WithField("tx_hash", t.TxHash).Warn("transfer alert failed")
	}
}
