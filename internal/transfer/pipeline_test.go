package transfer

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/minechain/internal/chain"
	"github.com/terminal-bench/minechain/internal/fault"
	"github.com/terminal-bench/minechain/internal/ledger"
	"github.com/terminal-bench/minechain/internal/store"
	"github.com/terminal-bench/minechain/pkg/micro"
)

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestPipeline(t *testing.T) (*Pipeline, *ledger.Ledger, *store.Memory, *testClock) {
	t.Helper()
	clock := &testClock{t: time.Unix(1_800_000_000, 0)}
	mem := store.NewMemory()
	l := ledger.New(mem).WithClock(clock.now)
	p := New(chain.MainnetParams(), mem, l).WithClock(clock.now)
	return p, l, mem, clock
}

func fund(t *testing.T, mem *store.Memory, l *ledger.Ledger, account string, amount micro.Amount) {
	t.Helper()
	err := mem.WithinTx(context.Background(), func(tx store.Tx) error {
		_, err := l.Append(context.Background(), tx, account, amount, "test_deposit", 0)
		return err
	})
	require.NoError(t, err)
}

func TestStage(t *testing.T) {
	ctx := context.Background()

	t.Run("holds amount against available balance without touching the ledger", func(t *testing.T) {
		p, l, mem, _ := newTestPipeline(t)
		fund(t, mem, l, "x", 1_000_000)

		tr, err := p.Stage(ctx, "x", "y", 400_000, "payout")
		require.NoError(t, err)
		assert.Equal(t, store.TransferPending, tr.Status)
		assert.NotEmpty(t, tr.TxHash)
		assert.Equal(t, tr.CreatedAt.Add(24*time.Hour), tr.ConfirmsAt)

		bal, err := l.Balance(ctx, "x")
		require.NoError(t, err)
		assert.Equal(t, micro.Amount(1_000_000), bal, "staging must not move the ledger balance")

		avail, err := l.Available(ctx, "x")
		require.NoError(t, err)
		assert.Equal(t, micro.Amount(600_000), avail)

		entries, err := l.History(ctx, "x", 10)
		require.NoError(t, err)
		assert.Len(t, entries, 1, "only the funding entry exists")
	})

	t.Run("rejects amounts beyond the available balance", func(t *testing.T) {
		p, l, mem, _ := newTestPipeline(t)
		fund(t, mem, l, "x", 1_000_000)

		_, err := p.Stage(ctx, "x", "y", 700_000, "")
		require.NoError(t, err)

		// 700k held, only 300k left.
		_, err = p.Stage(ctx, "x", "y", 400_000, "")
		require.Error(t, err)
		assert.True(t, fault.Is(err, fault.InsufficientBalance))
	})

	t.Run("rejects non-positive amounts", func(t *testing.T) {
		p, _, _, _ := newTestPipeline(t)
		_, err := p.Stage(ctx, "x", "y", 0, "")
		assert.True(t, fault.Is(err, fault.InvalidArgument))
		_, err = p.Stage(ctx, "x", "y", -5, "")
		assert.True(t, fault.Is(err, fault.InvalidArgument))
	})

	t.Run("permits self transfers", func(t *testing.T) {
		p, l, mem, _ := newTestPipeline(t)
		fund(t, mem, l, "x", 1_000_000)
		_, err := p.Stage(ctx, "x", "x", 100_000, "")
		assert.NoError(t, err)
	})
}

func signRequest(t *testing.T, priv ed25519.PrivateKey, req *SignedRequest) {
	t.Helper()
	msg := SignedMessage(req.From, req.To, req.Amount, req.Memo, req.Nonce)
	req.SigHex = hex.EncodeToString(ed25519.Sign(priv, msg))
}

func TestStageSigned(t *testing.T) {
	ctx := context.Background()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pubHex := hex.EncodeToString(pub)
	addr, err := AddressFromPubKey(pubHex)
	require.NoError(t, err)

	newReq := func(nonce string) SignedRequest {
		return SignedRequest{
			From:      addr,
			To:        "y",
			Amount:    250_000,
			Memo:      "rent",
			Nonce:     nonce,
			PubKeyHex: pubHex,
		}
	}

	t.Run("accepts a valid signed request", func(t *testing.T) {
		p, l, mem, _ := newTestPipeline(t)
		fund(t, mem, l, addr, 1_000_000)

		req := newReq("n-1")
		signRequest(t, priv, &req)
		tr, err := p.StageSigned(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, store.TransferPending, tr.Status)
		assert.Equal(t, "signed_transfer:rent", tr.Reason)
		assert.Len(t, tr.TxHash, 32)
	})

	t.Run("rejects a replayed nonce without state change", func(t *testing.T) {
		p, l, mem, _ := newTestPipeline(t)
		fund(t, mem, l, addr, 1_000_000)

		req := newReq("n-2")
		signRequest(t, priv, &req)
		_, err := p.StageSigned(ctx, req)
		require.NoError(t, err)

		availBefore, _ := l.Available(ctx, addr)
		_, err = p.StageSigned(ctx, req)
		require.Error(t, err)
		assert.True(t, fault.Is(err, fault.ReplayDetected))

		availAfter, _ := l.Available(ctx, addr)
		assert.Equal(t, availBefore, availAfter)
	})

	t.Run("rejects a tampered message", func(t *testing.T) {
		p, l, mem, _ := newTestPipeline(t)
		fund(t, mem, l, addr, 1_000_000)

		req := newReq("n-3")
		signRequest(t, priv, &req)
		req.Amount = 900_000 // signed over 250_000
		_, err := p.StageSigned(ctx, req)
		assert.True(t, fault.Is(err, fault.SignatureInvalid))
	})

	t.Run("rejects a key that does not derive the from address", func(t *testing.T) {
		p, _, _, _ := newTestPipeline(t)
		req := newReq("n-4")
		req.From = "RTC0000000000000000000000000000000000000000"
		signRequest(t, priv, &req)
		_, err := p.StageSigned(ctx, req)
		assert.True(t, fault.Is(err, fault.SignatureInvalid))
	})

	t.Run("keeps nonce unclaimed when the balance check fails", func(t *testing.T) {
		p, l, mem, _ := newTestPipeline(t)
		fund(t, mem, l, addr, 100_000) // less than the 250_000 request

		req := newReq("n-5")
		signRequest(t, priv, &req)
		_, err := p.StageSigned(ctx, req)
		assert.True(t, fault.Is(err, fault.InsufficientBalance))

		// The rejected request rolled back its nonce claim, so topping up
		// and retrying the same nonce succeeds.
		fund(t, mem, l, addr, 1_000_000)
		_, err = p.StageSigned(ctx, req)
		assert.NoError(t, err)
	})
}

func TestSweep(t *testing.T) {
	ctx := context.Background()

	t.Run("confirms due transfers with paired ledger entries", func(t *testing.T) {
		p, l, mem, clock := newTestPipeline(t)
		fund(t, mem, l, "x", 1_000_000)

		tr, err := p.Stage(ctx, "x", "y", 400_000, "")
		require.NoError(t, err)

		// Not due yet.
		res, err := p.Sweep(ctx)
		require.NoError(t, err)
		assert.Zero(t, res.Confirmed)

		clock.advance(24*time.Hour + time.Minute)
		res, err = p.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Confirmed)
		assert.Equal(t, []int64{tr.ID}, res.ConfirmedIDs)

		balX, _ := l.Balance(ctx, "x")
		balY, _ := l.Balance(ctx, "y")
		assert.Equal(t, micro.Amount(600_000), balX)
		assert.Equal(t, micro.Amount(400_000), balY)

		got, err := p.Get(ctx, tr.ID)
		require.NoError(t, err)
		assert.Equal(t, store.TransferConfirmed, got.Status)
		require.NotNil(t, got.ConfirmedAt)

		histY, _ := l.History(ctx, "y", 10)
		require.Len(t, histY, 1)
		assert.Equal(t, "transfer_in:x:"+tr.TxHash, histY[0].Reason)
	})

	t.Run("voids transfers whose sender became insolvent", func(t *testing.T) {
		p, l, mem, clock := newTestPipeline(t)
		fund(t, mem, l, "x", 1_000_000)

		tr, err := p.Stage(ctx, "x", "y", 800_000, "")
		require.NoError(t, err)

		// Drain the sender after staging.
		err = mem.WithinTx(ctx, func(tx store.Tx) error {
			_, err := l.Append(ctx, tx, "x", -900_000, "test_drain", 0)
			return err
		})
		require.NoError(t, err)

		clock.advance(25 * time.Hour)
		res, err := p.Sweep(ctx)
		require.NoError(t, err)
		assert.Zero(t, res.Confirmed)
		assert.Equal(t, []int64{tr.ID}, res.VoidedIDs)

		got, _ := p.Get(ctx, tr.ID)
		assert.Equal(t, store.TransferVoided, got.Status)
		assert.Equal(t, "system", got.VoidedBy)
		assert.Equal(t, "insufficient_balance_at_confirm", got.VoidedReason)

		balY, _ := l.Balance(ctx, "y")
		assert.Equal(t, micro.Amount(0), balY)
	})

	t.Run("one failing entry does not block the rest", func(t *testing.T) {
		p, l, mem, clock := newTestPipeline(t)
		fund(t, mem, l, "solvent", 1_000_000)
		fund(t, mem, l, "broke", 500_000)

		ok, err := p.Stage(ctx, "solvent", "y", 300_000, "")
		require.NoError(t, err)
		bad, err := p.Stage(ctx, "broke", "y", 500_000, "")
		require.NoError(t, err)

		err = mem.WithinTx(ctx, func(tx store.Tx) error {
			_, err := l.Append(ctx, tx, "broke", -500_000, "test_drain", 0)
			return err
		})
		require.NoError(t, err)

		clock.advance(25 * time.Hour)
		res, err := p.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Confirmed)
		assert.Contains(t, res.ConfirmedIDs, ok.ID)
		assert.Contains(t, res.VoidedIDs, bad.ID)
	})
}

func TestVoid(t *testing.T) {
	ctx := context.Background()

	t.Run("releases the hold and leaves the ledger untouched", func(t *testing.T) {
		p, l, mem, _ := newTestPipeline(t)
		fund(t, mem, l, "x", 1_000_000)

		tr, err := p.Stage(ctx, "x", "y", 400_000, "")
		require.NoError(t, err)

		avail, _ := l.Available(ctx, "x")
		assert.Equal(t, micro.Amount(600_000), avail)

		voided, err := p.Void(ctx, tr.ID, "", "ops", "fat finger")
		require.NoError(t, err)
		assert.Equal(t, store.TransferVoided, voided.Status)
		assert.Equal(t, "ops", voided.VoidedBy)

		avail, _ = l.Available(ctx, "x")
		assert.Equal(t, micro.Amount(1_000_000), avail)

		entries, _ := l.History(ctx, "x", 10)
		assert.Len(t, entries, 1)
	})

	t.Run("finds the transfer by hash", func(t *testing.T) {
		p, l, mem, _ := newTestPipeline(t)
		fund(t, mem, l, "x", 1_000_000)
		tr, err := p.Stage(ctx, "x", "y", 100_000, "")
		require.NoError(t, err)

		voided, err := p.Void(ctx, 0, tr.TxHash, "", "")
		require.NoError(t, err)
		assert.Equal(t, tr.ID, voided.ID)
	})

	t.Run("refuses non-pending transfers", func(t *testing.T) {
		p, l, mem, clock := newTestPipeline(t)
		fund(t, mem, l, "x", 1_000_000)
		tr, err := p.Stage(ctx, "x", "y", 100_000, "")
		require.NoError(t, err)

		clock.advance(25 * time.Hour)
		_, err = p.Sweep(ctx)
		require.NoError(t, err)

		_, err = p.Void(ctx, tr.ID, "", "ops", "too late")
		assert.True(t, fault.Is(err, fault.NotPending))
	})

	t.Run("reports missing transfers", func(t *testing.T) {
		p, _, _, _ := newTestPipeline(t)
		_, err := p.Void(ctx, 12345, "", "ops", "")
		assert.True(t, fault.Is(err, fault.NotFound))
	})
}

func TestAddressFromPubKey(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	addr, err := AddressFromPubKey(hex.EncodeToString(pub))
	require.NoError(t, err)
	assert.Len(t, addr, 43)
	assert.Equal(t, "RTC", addr[:3])

	_, err = AddressFromPubKey("zz")
	assert.Error(t, err)
	_, err = AddressFromPubKey("abcd")
	assert.Error(t, err)
}
