// Package enroll registers miners into the current epoch with a
// hardware-derived weight. Trust validation itself is an external
// concern; this package only consumes its normalized signal.
package enroll

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/terminal-bench/minechain/internal/chain"
	"github.com/terminal-bench/minechain/internal/fault"
	"github.com/terminal-bench/minechain/internal/store"
	"github.com/terminal-bench/minechain/internal/utils/logging"
)

// vmWeight is the weight assigned to enrollments whose hardware trust
// check failed. Non-zero so the enrollment row exists, but economically
// negligible next to real hardware.
const vmWeight = 0.000000001

// hardwareWeights maps device family/arch to the base enrollment
// weight. Unknown families fall back to 1.0.
var hardwareWeights = map[string]map[string]float64{
	"PowerPC":       {"G4": 2.5, "G5": 2.0, "G3": 1.8, "power8": 2.0, "power9": 1.5, "default": 1.5},
	"Apple Silicon": {"M1": 1.2, "M2": 1.2, "M3": 1.1, "default": 1.2},
	"x86":           {"retro": 1.4, "core2": 1.3, "default": 1.0},
	"x86_64":        {"default": 1.0},
	"ARM":           {"default": 1.0},
	"console": {
		"nes_6502": 2.8, "snes_65c816": 2.7, "n64_mips": 2.5,
		"genesis_68000": 2.5, "gameboy_z80": 2.6, "ps1_mips": 2.8,
		"saturn_sh2": 2.6, "gba_arm7": 2.3, "default": 2.5,
	},
}

// HardwareWeight resolves the base weight for a device family and arch.
func HardwareWeight(family, arch string) float64 {
	archs, ok := hardwareWeights[family]
	if !ok {
		return 1.0
	}
	if w, ok := archs[arch]; ok {
		return w
	}
	if w, ok := archs["default"]; ok {
		return w
	}
	return 1.0
}

// TrustSignal is the normalized output of the external trust check.
type TrustSignal struct {
	Passed          bool
	EvidencePresent bool
}

// TrustPayload accepts the wire forms of a trust signal: a bare boolean
// or an object carrying evidence. It normalizes both to a TrustSignal.
type TrustPayload struct {
	signal TrustSignal
	set    bool
}

func (p *TrustPayload) UnmarshalJSON(data []byte) error {
	var bare bool
	if err := json.Unmarshal(data, &bare); err == nil {
		p.signal = TrustSignal{Passed: bare}
		p.set = true
		return nil
	}
	var detailed struct {
		Passed   bool            `json:"passed"`
		Evidence json.RawMessage `json:"evidence"`
	}
	if err := json.Unmarshal(data, &detailed); err != nil {
		return errors.New("trust signal must be a boolean or an object")
	}
	p.signal = TrustSignal{Passed: detailed.Passed, EvidencePresent: len(detailed.Evidence) > 0}
	p.set = true
	return nil
}

// Signal returns the normalized trust signal and whether one was given.
func (p *TrustPayload) Signal() (TrustSignal, bool) {
	return p.signal, p.set
}

// Registry enrolls accounts and keeps best-effort rejection tallies.
// The tallies are process-local observability only; they reset on
// restart and never gate enrollment or settlement decisions.
type Registry struct {
	params chain.Params
	store  store.Store
	now    func() time.Time

	mu         sync.Mutex
	accepted   uint64
	rejections map[string]uint64
}

func New(params chain.Params, s store.Store) *Registry {
	return &Registry{params: params, store: s, now: time.Now, rejections: map[string]uint64{}}
}

// WithClock overrides the time source, for tests.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Result echoes a successful enrollment.
type Result struct {
	Epoch    int64   `json:"epoch"`
	Account  string  `json:"account"`
	Weight   float64 `json:"weight"`
	HWWeight float64 `json:"hw_weight"`
	Trusted  bool    `json:"trusted"`
}

// Enroll registers an account into the epoch containing now. The trust
// signal decides whether the hardware weight applies or the VM floor
// weight does. Re-enrolling in the same epoch replaces the weight.
func (r *Registry) Enroll(ctx context.Context, account, family, arch string, trust TrustSignal, haveTrust bool) (*Result, error) {
	if account == "" {
		r.tallyRejection("missing_account")
		return nil, fault.New(fault.InvalidArgument, "account is required")
	}
	if !haveTrust {
		r.tallyRejection("missing_trust_signal")
		return nil, fault.New(fault.PrerequisiteFailed, "trust signal is required to enroll")
	}

	hwWeight := HardwareWeight(family, arch)
	weight := hwWeight
	if !trust.Passed {
		weight = vmWeight
	}
	if weight > r.params.MaxWeight {
		weight = r.params.MaxWeight
	}

	now := r.now()
	epoch := r.params.EpochAt(now)
	err := r.store.WithinTx(ctx, func(tx store.Tx) error {
		return tx.Epochs().Enroll(ctx, store.Enrollment{Epoch: epoch, Account: account, Weight: weight})
	})
	if err != nil {
		r.tallyRejection("store_error")
		return nil, errors.Wrap(err, "enroll: persist")
	}

	r.mu.Lock()
	r.accepted++
	r.mu.Unlock()

	if !trust.Passed {
		logging.WithField("account", account).Warn("enrollment trust check failed, assigned floor weight")
	}
	return &Result{Epoch: epoch, Account: account, Weight: weight, HWWeight: hwWeight, Trusted: trust.Passed}, nil
}

// EpochInfo summarizes the epoch containing t.
type EpochInfo struct {
	Epoch          int64  `json:"epoch"`
	Slot           int64  `json:"slot"`
	EpochPot       string `json:"epoch_pot"`
	EnrolledMiners int    `json:"enrolled_miners"`
	BlocksPerEpoch int64  `json:"blocks_per_epoch"`
	Settled        bool   `json:"settled"`
}

// Info reports the current epoch, slot and enrollment count.
func (r *Registry) Info(ctx context.Context, t time.Time) (*EpochInfo, error) {
	slot := r.params.SlotAt(t)
	epoch := r.params.EpochOf(slot)
	info := &EpochInfo{
		Epoch:          epoch,
		Slot:           slot,
		EpochPot:       r.params.PotPerEpoch.RTC().String(),
		BlocksPerEpoch: r.params.EpochSlots,
	}
	err := r.store.WithinTx(ctx, func(tx store.Tx) error {
		enrollments, err := tx.Epochs().Enrollments(ctx, epoch)
		if err != nil {
			return err
		}
		info.EnrolledMiners = len(enrollments)
		state, err := tx.Epochs().State(ctx, epoch)
		if err != nil {
			return err
		}
		info.Settled = state.Settled
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// Tally is a best-effort snapshot of process-local enrollment counters.
type Tally struct {
	Accepted   uint64            `json:"accepted"`
	Rejections map[string]uint64 `json:"rejections"`
}

// Counters returns a copy of the process-local tallies.
func (r *Registry) Counters() Tally {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := Tally{Accepted: r.accepted, Rejections: make(map[string]uint64, len(r.rejections))}
	for k, v := range r.rejections {
		out.Rejections[k] = v
	}
	return out
}

func (r *Registry) tallyRejection(reason string) {
	r.mu.Lock()
	r.rejections[reason]++
	r.mu.Unlock()
}
