package gov

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/minechain/internal/fault"
	"github.com/terminal-bench/minechain/internal/store"
)

type committee struct {
	signers []store.Signer
	keys    map[int64]ed25519.PrivateKey
}

func newCommittee(t *testing.T, n int) *committee {
	t.Helper()
	c := &committee{keys: map[int64]ed25519.PrivateKey{}}
	for i := 1; i <= n; i++ {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		id := int64(i)
		c.signers = append(c.signers, store.Signer{ID: id, PubKeyHex: hex.EncodeToString(pub), Active: true})
		c.keys[id] = priv
	}
	return c
}

func (c *committee) sign(t *testing.T, id int64, message string) string {
	t.Helper()
	priv, ok := c.keys[id]
	require.True(t, ok)
	return hex.EncodeToString(ed25519.Sign(priv, []byte(message)))
}

func newRotation(t *testing.T, c *committee) *Rotation {
	t.Helper()
	r := New(store.NewMemory())
	require.NoError(t, r.SeedSigners(context.Background(), append([]store.Signer{}, c.signers...)))
	return r
}

func TestStage(t *testing.T) {
	ctx := context.Background()
	c := newCommittee(t, 3)

	t.Run("returns the canonical message", func(t *testing.T) {
		r := newRotation(t, c)
		res, err := r.Stage(ctx, 100, 2, c.signers)
		require.NoError(t, err)
		assert.Equal(t, 3, res.Members)
		assert.Contains(t, res.Message, "ROTATE|100|2|")

		msg, err := r.Message(ctx, 100)
		require.NoError(t, err)
		assert.Equal(t, res.Message, msg)
	})

	t.Run("message is independent of member order", func(t *testing.T) {
		r := newRotation(t, c)
		res1, err := r.Stage(ctx, 100, 2, c.signers)
		require.NoError(t, err)

		reversed := []store.Signer{c.signers[2], c.signers[0], c.signers[1]}
		res2, err := r.Stage(ctx, 100, 2, reversed)
		require.NoError(t, err)
		assert.Equal(t, res1.Message, res2.Message)
	})

	t.Run("re-staging clears prior approvals", func(t *testing.T) {
		r := newRotation(t, c)
		res, err := r.Stage(ctx, 100, 2, c.signers)
		require.NoError(t, err)

		_, err = r.Approve(ctx, 100, 1, c.sign(t, 1, res.Message))
		require.NoError(t, err)

		// New proposal with a different threshold invalidates old
		// signatures.
		res2, err := r.Stage(ctx, 100, 3, c.signers)
		require.NoError(t, err)
		ap, err := r.Approve(ctx, 100, 1, c.sign(t, 1, res2.Message))
		require.NoError(t, err)
		assert.Equal(t, 1, ap.Approvals)
	})

	t.Run("validates arguments", func(t *testing.T) {
		r := newRotation(t, c)
		_, err := r.Stage(ctx, -1, 2, c.signers)
		assert.True(t, fault.Is(err, fault.InvalidArgument))
		_, err = r.Stage(ctx, 100, 0, c.signers)
		assert.True(t, fault.Is(err, fault.InvalidArgument))
		_, err = r.Stage(ctx, 100, 4, c.signers)
		assert.True(t, fault.Is(err, fault.InvalidArgument))
		_, err = r.Stage(ctx, 100, 1, nil)
		assert.True(t, fault.Is(err, fault.InvalidArgument))
		_, err = r.Stage(ctx, 100, 1, []store.Signer{{ID: 1, PubKeyHex: "zz"}})
		assert.True(t, fault.Is(err, fault.InvalidArgument))
	})
}

func TestApprove(t *testing.T) {
	ctx := context.Background()
	c := newCommittee(t, 3)

	t.Run("accumulates approvals from active signers", func(t *testing.T) {
		r := newRotation(t, c)
		res, err := r.Stage(ctx, 200, 2, c.signers)
		require.NoError(t, err)

		ap, err := r.Approve(ctx, 200, 1, c.sign(t, 1, res.Message))
		require.NoError(t, err)
		assert.Equal(t, 1, ap.Approvals)
		assert.False(t, ap.Ready)

		ap, err = r.Approve(ctx, 200, 2, c.sign(t, 2, res.Message))
		require.NoError(t, err)
		assert.Equal(t, 2, ap.Approvals)
		assert.True(t, ap.Ready)
	})

	t.Run("duplicate approval does not change the count", func(t *testing.T) {
		r := newRotation(t, c)
		res, err := r.Stage(ctx, 200, 2, c.signers)
		require.NoError(t, err)

		sig := c.sign(t, 1, res.Message)
		ap, err := r.Approve(ctx, 200, 1, sig)
		require.NoError(t, err)
		assert.Equal(t, 1, ap.Approvals)

		ap, err = r.Approve(ctx, 200, 1, sig)
		require.NoError(t, err)
		assert.Equal(t, 1, ap.Approvals)
	})

	t.Run("rejects unknown signers", func(t *testing.T) {
		r := newRotation(t, c)
		res, err := r.Stage(ctx, 200, 2, c.signers)
		require.NoError(t, err)

		_, err = r.Approve(ctx, 200, 99, c.sign(t, 1, res.Message))
		assert.True(t, fault.Is(err, fault.UnknownSigner))
	})

	t.Run("rejects signatures over a different message", func(t *testing.T) {
		r := newRotation(t, c)
		_, err := r.Stage(ctx, 200, 2, c.signers)
		require.NoError(t, err)

		_, err = r.Approve(ctx, 200, 1, c.sign(t, 1, "ROTATE|200|3|deadbeef"))
		assert.True(t, fault.Is(err, fault.SignatureInvalid))
	})

	t.Run("rejects approvals for unstaged epochs", func(t *testing.T) {
		r := newRotation(t, c)
		_, err := r.Approve(ctx, 999, 1, c.sign(t, 1, "anything"))
		assert.True(t, fault.Is(err, fault.NotStaged))
	})
}

func TestCommit(t *testing.T) {
	ctx := context.Background()

	t.Run("requires the threshold, counted at commit time", func(t *testing.T) {
		c := newCommittee(t, 3)
		r := newRotation(t, c)
		res, err := r.Stage(ctx, 300, 2, c.signers)
		require.NoError(t, err)

		_, err = r.Approve(ctx, 300, 1, c.sign(t, 1, res.Message))
		require.NoError(t, err)

		// T-1 approvals: commit refused.
		_, err = r.Commit(ctx, 300)
		require.Error(t, err)
		assert.True(t, fault.Is(err, fault.InsufficientApprovals))

		_, err = r.Approve(ctx, 300, 2, c.sign(t, 2, res.Message))
		require.NoError(t, err)

		cr, err := r.Commit(ctx, 300)
		require.NoError(t, err)
		assert.False(t, cr.AlreadyCommitted)
		assert.Equal(t, 2, cr.Approvals)
	})

	t.Run("installs the proposed committee", func(t *testing.T) {
		old := newCommittee(t, 2)
		next := newCommittee(t, 3)
		r := newRotation(t, old)

		res, err := r.Stage(ctx, 300, 2, next.signers)
		require.NoError(t, err)
		_, err = r.Approve(ctx, 300, 1, old.sign(t, 1, res.Message))
		require.NoError(t, err)
		_, err = r.Approve(ctx, 300, 2, old.sign(t, 2, res.Message))
		require.NoError(t, err)
		_, err = r.Commit(ctx, 300)
		require.NoError(t, err)

		active, err := r.Signers(ctx)
		require.NoError(t, err)
		assert.Len(t, active, 3)
	})

	t.Run("is idempotent", func(t *testing.T) {
		c := newCommittee(t, 2)
		r := newRotation(t, c)
		res, err := r.Stage(ctx, 300, 1, c.signers)
		require.NoError(t, err)
		_, err = r.Approve(ctx, 300, 1, c.sign(t, 1, res.Message))
		require.NoError(t, err)

		first, err := r.Commit(ctx, 300)
		require.NoError(t, err)
		assert.False(t, first.AlreadyCommitted)

		second, err := r.Commit(ctx, 300)
		require.NoError(t, err)
		assert.True(t, second.AlreadyCommitted)
	})

	t.Run("rejects unstaged epochs", func(t *testing.T) {
		c := newCommittee(t, 2)
		r := newRotation(t, c)
		_, err := r.Commit(ctx, 12345)
		assert.True(t, fault.Is(err, fault.NotStaged))
	})
}
