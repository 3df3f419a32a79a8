// Package lottery implements the deterministic eligibility oracle.
// Selection derives entirely from public data (chain ID, slot, epoch
// and the enrollment table) so any party can reproduce it.
package lottery

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/terminal-bench/minechain/internal/chain"
	"github.com/terminal-bench/minechain/internal/store"
)

// Oracle answers "is this account selected at this slot".
type Oracle struct {
	params chain.Params
	store  store.Store
}

func New(params chain.Params, s store.Store) *Oracle {
	return &Oracle{params: params, store: s}
}

// Eligibility is the oracle's answer for one (account, slot) pair.
type Eligibility struct {
	Account  string `json:"account"`
	Slot     int64  `json:"slot"`
	Epoch    int64  `json:"epoch"`
	Enrolled bool   `json:"enrolled"`
	Eligible bool   `json:"eligible"`
}

// seedPoint hashes the public chain parameters for a slot into a point
// in [0, totalWeight), using micro-weight resolution.
func seedPoint(chainID string, slot, epoch int64, totalWeight float64) float64 {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%d", chainID, slot, epoch)))
	r := binary.BigEndian.Uint64(sum[:8])
	modulus := uint64(totalWeight * 1_000_000)
	if modulus == 0 {
		return 0
	}
	return float64(r%modulus) / 1_000_000
}

// Check evaluates eligibility for an account at a slot. Unenrolled
// accounts short-circuit to not eligible without running the selection.
func (o *Oracle) Check(ctx context.Context, account string, slot int64) (*Eligibility, error) {
	epoch := o.params.EpochOf(slot)
	out := &Eligibility{Account: account, Slot: slot, Epoch: epoch}

	err := o.store.WithinTx(ctx, func(tx store.Tx) error {
		_, enrolled, err := tx.Epochs().Weight(ctx, epoch, account)
		if err != nil {
			return errors.Wrap(err, "lottery: read weight")
		}
		if !enrolled {
			return nil
		}
		out.Enrolled = true

		enrollments, err := tx.Epochs().Enrollments(ctx, epoch)
		if err != nil {
			return errors.Wrap(err, "lottery: list enrollments")
		}
		out.Eligible = selected(o.params.ChainID, account, slot, epoch, enrollments)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CheckNow evaluates eligibility at the slot containing t.
func (o *Oracle) CheckNow(ctx context.Context, account string, t time.Time) (*Eligibility, error) {
	return o.Check(ctx, account, o.params.SlotAt(t))
}

// selected walks the cumulative-weight intervals in enrollment order
// (sorted by account) and reports whether account owns the interval
// containing the seeded point.
func selected(chainID, account string, slot, epoch int64, enrollments []store.Enrollment) bool {
	var total float64
	for _, e := range enrollments {
		if e.Weight > 0 {
			total += e.Weight
		}
	}
	if total <= 0 {
		return false
	}
	point := seedPoint(chainID, slot, epoch, total)

	cumulative := 0.0
	for _, e := range enrollments {
		if e.Weight <= 0 {
			continue
		}
		cumulative += e.Weight
		if cumulative >= point {
			return e.Account == account
		}
	}
	return false
}
