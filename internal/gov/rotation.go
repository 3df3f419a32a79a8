// Package gov implements threshold-multisig rotation of the protocol
// signer set. A staged proposal fixes a canonical message; active
// signers approve it with ed25519 signatures; commit requires the
// approval count to reach the threshold, re-checked inside the commit
// transaction.
package gov

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"

	"github.com/terminal-bench/minechain/internal/fault"
	"github.com/terminal-bench/minechain/internal/store"
)

// Rotation manages the staged -> approved -> committed lifecycle.
type Rotation struct {
	store store.Store
	now   func() time.Time
}

func New(s store.Store) *Rotation {
	return &Rotation{store: s, now: time.Now}
}

// WithClock overrides the time source, for tests.
func (r *Rotation) WithClock(now func() time.Time) *Rotation {
	r.now = now
	return r
}

type memberJSON struct {
	SignerID  int64  `json:"signer_id"`
	PubKeyHex string `json:"pubkey_hex"`
}

// canonicalMembers sorts members by signer ID and serializes them to
// compact JSON. This is the byte string bound into the rotation
// message, so it must be stable across processes.
func canonicalMembers(members []store.Signer) ([]byte, error) {
	sorted := make([]memberJSON, len(members))
	for i, m := range members {
		sorted[i] = memberJSON{SignerID: m.ID, PubKeyHex: m.PubKeyHex}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SignerID < sorted[j].SignerID })
	return json.Marshal(sorted)
}

// RotationMessage is the canonical message signers approve:
// ROTATE|epoch|threshold|blake2b256(members_json).
func RotationMessage(epochEffective int64, threshold int, membersJSON []byte) []byte {
	h := blake2b.Sum256(membersJSON)
	return []byte(fmt.Sprintf("ROTATE|%d|%d|%s", epochEffective, threshold, hex.EncodeToString(h[:])))
}

// StageResult echoes the staged proposal plus the message to sign.
type StageResult struct {
	EpochEffective int64  `json:"epoch_effective"`
	Threshold      int    `json:"threshold"`
	Members        int    `json:"members"`
	Message        string `json:"message"`
}

// Stage records a rotation proposal, replacing any prior proposal for
// the same effective epoch and discarding its approvals (they signed a
// different message).
func (r *Rotation) Stage(ctx context.Context, epochEffective int64, threshold int, members []store.Signer) (*StageResult, error) {
	if epochEffective < 0 {
		return nil, fault.New(fault.InvalidArgument, "epoch_effective must be non-negative")
	}
	if len(members) == 0 {
		return nil, fault.New(fault.InvalidArgument, "members are required")
	}
	if threshold < 1 || threshold > len(members) {
		return nil, fault.New(fault.InvalidArgument, "threshold must be between 1 and %d", len(members))
	}
	seen := map[int64]bool{}
	for _, m := range members {
		pub, err := hex.DecodeString(m.PubKeyHex)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			return nil, fault.New(fault.InvalidArgument, "signer %d: invalid pubkey", m.ID)
		}
		if seen[m.ID] {
			return nil, fault.New(fault.InvalidArgument, "duplicate signer id %d", m.ID)
		}
		seen[m.ID] = true
	}

	membersJSON, err := canonicalMembers(members)
	if err != nil {
		return nil, errors.Wrap(err, "gov: canonicalize members")
	}
	p := &store.RotationProposal{
		EpochEffective: epochEffective,
		Threshold:      threshold,
		Members:        members,
		CreatedAt:      r.now(),
	}
	err = r.store.WithinTx(ctx, func(tx store.Tx) error {
		existing, err := tx.Governance().Proposal(ctx, epochEffective)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if existing != nil && existing.Committed {
			return fault.New(fault.AlreadyCommitted, "rotation for epoch %d is committed", epochEffective)
		}
		return tx.Governance().Stage(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	return &StageResult{
		EpochEffective: epochEffective,
		Threshold:      threshold,
		Members:        len(members),
		Message:        string(RotationMessage(epochEffective, threshold, membersJSON)),
	}, nil
}

// Message returns the canonical message for a staged proposal.
func (r *Rotation) Message(ctx context.Context, epochEffective int64) (string, error) {
	var msg string
	err := r.store.WithinTx(ctx, func(tx store.Tx) error {
		p, err := tx.Governance().Proposal(ctx, epochEffective)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fault.New(fault.NotStaged, "no rotation staged for epoch %d", epochEffective)
			}
			return err
		}
		membersJSON, err := canonicalMembers(p.Members)
		if err != nil {
			return err
		}
		msg = string(RotationMessage(p.EpochEffective, p.Threshold, membersJSON))
		return nil
	})
	return msg, err
}

// ApproveResult reports the approval tally after one submission.
type ApproveResult struct {
	EpochEffective int64 `json:"epoch_effective"`
	Approvals      int   `json:"approvals"`
	Threshold      int   `json:"threshold"`
	Ready          bool  `json:"ready"`
}

// Approve verifies one signer's signature over the canonical message
// and records it. A duplicate approval from the same signer is a no-op
// that returns the unchanged tally.
func (r *Rotation) Approve(ctx context.Context, epochEffective, signerID int64, sigHex string) (*ApproveResult, error) {
	if sigHex == "" {
		return nil, fault.New(fault.InvalidArgument, "sig_hex is required")
	}
	var out *ApproveResult
	err := r.store.WithinTx(ctx, func(tx store.Tx) error {
		p, err := tx.Governance().Proposal(ctx, epochEffective)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fault.New(fault.NotStaged, "no rotation staged for epoch %d", epochEffective)
			}
			return err
		}

		// Approvals must come from the CURRENT committee, not the
		// proposed one.
		signer, err := tx.Governance().Signer(ctx, signerID)
		if err != nil || !signer.Active {
			return fault.New(fault.UnknownSigner, "signer %d is not an active committee member", signerID)
		}

		membersJSON, err := canonicalMembers(p.Members)
		if err != nil {
			return err
		}
		msg := RotationMessage(p.EpochEffective, p.Threshold, membersJSON)
		if !verifySig(signer.PubKeyHex, msg, sigHex) {
			return fault.New(fault.SignatureInvalid, "invalid rotation signature")
		}

		a := store.Approval{
			EpochEffective: epochEffective,
			SignerID:       signerID,
			SigHex:         sigHex,
			ApprovedAt:     r.now(),
		}
		if _, err := tx.Governance().AddApproval(ctx, a); err != nil {
			return err
		}
		count, err := tx.Governance().ApprovalCount(ctx, epochEffective)
		if err != nil {
			return err
		}
		out = &ApproveResult{
			EpochEffective: epochEffective,
			Approvals:      count,
			Threshold:      p.Threshold,
			Ready:          count >= p.Threshold,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CommitResult reports a commit, including the idempotent case where
// the proposal was already committed.
type CommitResult struct {
	EpochEffective   int64 `json:"epoch_effective"`
	Approvals        int   `json:"approvals"`
	Threshold        int   `json:"threshold"`
	AlreadyCommitted bool  `json:"already_committed,omitempty"`
}

// Commit flips the proposal to committed and installs its member set as
// the active signer committee. The approval count is re-queried inside
// the transaction; a count below the threshold rejects the commit. A
// second commit of the same proposal short-circuits.
func (r *Rotation) Commit(ctx context.Context, epochEffective int64) (*CommitResult, error) {
	var out *CommitResult
	err := r.store.WithinTx(ctx, func(tx store.Tx) error {
		p, err := tx.Governance().Proposal(ctx, epochEffective)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fault.New(fault.NotStaged, "no rotation staged for epoch %d", epochEffective)
			}
			return err
		}
		count, err := tx.Governance().ApprovalCount(ctx, epochEffective)
		if err != nil {
			return err
		}
		if p.Committed {
			out = &CommitResult{EpochEffective: epochEffective, Approvals: count, Threshold: p.Threshold, AlreadyCommitted: true}
			return nil
		}
		if count < p.Threshold {
			return fault.New(fault.InsufficientApprovals, "need %d approvals, have %d", p.Threshold, count).
				WithDetail("have", count).
				WithDetail("need", p.Threshold)
		}
		flipped, err := tx.Governance().Commit(ctx, epochEffective, r.now())
		if err != nil {
			return err
		}
		if !flipped {
			out = &CommitResult{EpochEffective: epochEffective, Approvals: count, Threshold: p.Threshold, AlreadyCommitted: true}
			return nil
		}
		members := make([]store.Signer, len(p.Members))
		for i, m := range p.Members {
			members[i] = store.Signer{ID: m.ID, PubKeyHex: m.PubKeyHex, Active: true}
		}
		if err := tx.Governance().InstallSigners(ctx, members); err != nil {
			return err
		}
		out = &CommitResult{EpochEffective: epochEffective, Approvals: count, Threshold: p.Threshold}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Signers returns the active committee.
func (r *Rotation) Signers(ctx context.Context) ([]store.Signer, error) {
	var out []store.Signer
	err := r.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.Governance().ActiveSigners(ctx)
		return err
	})
	return out, err
}

// SeedSigners installs the genesis committee. Intended for bootstrap
// and migration tooling only; steady-state changes go through Stage,
// Approve and Commit.
func (r *Rotation) SeedSigners(ctx context.Context, members []store.Signer) error {
	for i := range members {
		members[i].Active = true
	}
	return r.store.WithinTx(ctx, func(tx store.Tx) error {
		return tx.Governance().InstallSigners(ctx, members)
	})
}

func verifySig(pubKeyHex string, message []byte, sigHex string) bool {
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
