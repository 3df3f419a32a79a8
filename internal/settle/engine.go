// Package settle distributes the fixed epoch pot across enrolled
// accounts pro-rata by weight, exactly once per epoch.
package settle

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/minechain/internal/chain"
	"github.com/terminal-bench/minechain/internal/fault"
	"github.com/terminal-bench/minechain/internal/ledger"
	"github.com/terminal-bench/minechain/internal/store"
	"github.com/terminal-bench/minechain/internal/utils/logging"
	"github.com/terminal-bench/minechain/pkg/micro"
)

// RewardReason is the ledger reason recorded for settlement credits.
const RewardReason = "epoch_reward"

// Engine runs epoch settlements.
type Engine struct {
	params chain.Params
	store  store.Store
	ledger *ledger.Ledger
	now    func() time.Time
}

// New builds a settlement engine.
func New(params chain.Params, s store.Store, l *ledger.Ledger) *Engine {
	return &Engine{params: params, store: s, ledger: l, now: time.Now}
}

// WithClock overrides the time source, for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Result reports what a settlement call did.
type Result struct {
	Epoch          int64
	AlreadySettled bool
	Accounts       int
	Distributed    micro.Amount
}

// Settle distributes epoch's pot. Calling it again for a settled epoch
// is a no-op. All credits and the settled flip commit atomically; a
// concurrent settler losing the flip aborts the whole transaction.
func (e *Engine) Settle(ctx context.Context, epoch int64) (*Result, error) {
	res := &Result{Epoch: epoch}
	err := e.store.WithinTx(ctx, func(tx store.Tx) error {
		state, err := tx.Epochs().State(ctx, epoch)
		if err != nil {
			return errors.Wrap(err, "reading epoch state")
		}
		if state.Settled {
			res.AlreadySettled = true
			return nil
		}

		enrollments, err := tx.Epochs().Enrollments(ctx, epoch)
		if err != nil {
			return errors.Wrap(err, "reading enrollments")
		}

		// Disqualify non-positive weights first, then cap outliers.
		// Capping after filtering keeps a capped outlier from inflating
		// the denominator for everyone else.
		qualified := enrollments[:0]
		for _, en := range enrollments {
			if en.Weight <= 0 {
				continue
			}
			if en.Weight > e.params.MaxWeight {
				logging.WithField("account", en.Account).
					WithField("weight", en.Weight).
					Warn("capping enrollment weight")
				en.Weight = e.params.MaxWeight
			}
			qualified = append(qualified, en)
		}

		if len(qualified) == 0 {
			// Nothing to pay out; the epoch still settles so it is never
			// revisited.
			if _, err := tx.Epochs().MarkSettled(ctx, epoch, e.now().UTC()); err != nil {
				return errors.Wrap(err, "settling empty epoch")
			}
			return nil
		}

		totalWeight := decimal.Zero
		for _, en := range qualified {
			totalWeight = totalWeight.Add(decimal.NewFromFloat(en.Weight))
		}
		if !totalWeight.IsPositive() {
			return errors.New("total weight not positive after filtering")
		}

		pot := decimal.NewFromInt(int64(e.params.PotPerEpoch))
		maxShare := decimal.NewFromInt(math.MaxInt64)

		var distributed micro.Amount
		for _, en := range qualified {
			// share = pot * w / totalWeight, truncated toward zero so the
			// sum of shares never exceeds the pot.
			share := pot.Mul(decimal.NewFromFloat(en.Weight)).Div(totalWeight).Truncate(0)
			if share.GreaterThan(maxShare) {
				return fault.New(fault.Overflow, "share for %s exceeds 64-bit range", en.Account)
			}
			amount := micro.Amount(share.IntPart())
			if amount == 0 {
				continue
			}
			if _, err := e.ledger.Append(ctx, tx, en.Account, amount, RewardReason, epoch); err != nil {
				return errors.Wrapf(err, "crediting %s", en.Account)
			}
			if distributed, err = distributed.Add(amount); err != nil {
				return fault.New(fault.Overflow, "epoch %d distribution overflow", epoch)
			}
		}

		flipped, err := tx.Epochs().MarkSettled(ctx, epoch, e.now().UTC())
		if err != nil {
			return errors.Wrap(err, "marking epoch settled")
		}
		if !flipped {
			return fault.New(fault.RaceLost, "epoch %d settled concurrently", epoch)
		}

		res.Accounts = len(qualified)
		res.Distributed = distributed
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !res.AlreadySettled {
		logging.WithField("epoch", epoch).
			WithField("accounts", res.Accounts).
			WithField("distributed", res.Distributed.String()).
			Info("epoch settled")
	}
	return res, nil
}

// EpochRewards lists the ledger entries a settlement produced.
func (e *Engine) EpochRewards(ctx context.Context, epoch int64) ([]store.LedgerEntry, error) {
	var out []store.LedgerEntry
	err := e.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.Ledger().ByEpochReason(ctx, epoch, RewardReason)
		return err
	})
	return out, err
}
