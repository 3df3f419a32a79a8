// Package chain holds the protocol parameters and the pure wall-clock →
// slot → epoch mapping. Nothing in here touches storage.
package chain

import (
	"time"

	"github.com/terminal-bench/minechain/pkg/micro"
)

// Params are the fixed protocol constants. They are wired from config
// at startup and never change while the node runs.
type Params struct {
	ChainID    string
	Genesis    time.Time
	BlockTime  time.Duration
	EpochSlots int64

	// PotPerEpoch is the fixed reward distributed across all enrolled
	// accounts each epoch.
	PotPerEpoch micro.Amount

	// MaxWeight caps a single enrollment weight during settlement.
	MaxWeight float64

	MinWithdrawal    micro.Amount
	WithdrawalFee    micro.Amount
	DailyWithdrawCap micro.Amount
	FeePoolAccount   string

	// ConfirmDelay is the mandatory window between staging a transfer
	// and its eligibility for confirmation.
	ConfirmDelay time.Duration

	AlertWarning  micro.Amount
	AlertCritical micro.Amount
}

// MainnetParams mirrors the production deployment constants.
func MainnetParams() Params {
	return Params{
		ChainID:          "rustchain-mainnet-v2",
		Genesis:          time.Unix(1764706927, 0),
		BlockTime:        10 * time.Minute,
		EpochSlots:       144,
		PotPerEpoch:      micro.MustFromRTC("1.5"),
		MaxWeight:        10000,
		MinWithdrawal:    micro.MustFromRTC("0.1"),
		WithdrawalFee:    micro.MustFromRTC("0.01"),
		DailyWithdrawCap: micro.MustFromRTC("1000"),
		FeePoolAccount:   "founder_community",
		ConfirmDelay:     24 * time.Hour,
		AlertWarning:     micro.MustFromRTC("1000"),
		AlertCritical:    micro.MustFromRTC("10000"),
	}
}

// SlotAt maps a wall-clock instant to its slot index. Instants before
// genesis map to negative slots; callers treat those as "chain not
// started".
func (p Params) SlotAt(t time.Time) int64 {
	return int64(t.Sub(p.Genesis) / p.BlockTime)
}

// EpochOf maps a slot to its epoch index.
func (p Params) EpochOf(slot int64) int64 {
	slots := p.EpochSlots
	if slots < 1 {
		slots = 1
	}
	if slot < 0 {
		// Floor division so pre-genesis slots stay in negative epochs
		// instead of folding into epoch 0.
		return (slot - slots + 1) / slots
	}
	return slot / slots
}

// EpochAt is EpochOf(SlotAt(t)).
func (p Params) EpochAt(t time.Time) int64 {
	return p.EpochOf(p.SlotAt(t))
}

// EpochStartSlot returns the first slot of the given epoch.
func (p Params) EpochStartSlot(epoch int64) int64 {
	return epoch * p.EpochSlots
}
