package withdraw

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

type fixture struct {
	issuer *Issuer
	ledger *ledger.Ledger
	mem    *store.Memory
	priv   ed25519.PrivateKey
	pubHex string
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	now := time.Unix(1_800_000_000, 0)
	mem := store.NewMemory()
	l := ledger.New(mem).WithClock(func() time.Time { return now })
	iss := New(chain.MainnetParams(), mem, l).WithClock(func() time.Time { return now })
	return &fixture{issuer: iss, ledger: l, mem: mem, priv: priv, pubHex: hex.EncodeToString(pub), now: now}
}

func (f *fixture) fund(t *testing.T, account string, amount micro.Amount) {
	t.Helper()
	err := f.mem.WithinTx(context.Background(), func(tx store.Tx) error {
		_, err := f.ledger.Append(context.Background(), tx, account, amount, "test_deposit", 0)
		return err
	})
	require.NoError(t, err)
}

func (f *fixture) signedRequest(account, destination string, amount micro.Amount, nonce string) Request {
	msg := SigningMessage(account, destination, amount, nonce)
	return Request{
		Account:     account,
		Amount:      amount,
		Destination: destination,
		Nonce:       nonce,
		SigHex:      hex.EncodeToString(ed25519.Sign(f.priv, msg)),
	}
}

func TestIssue(t *testing.T) {
	ctx := context.Background()
	rtc := micro.MustFromRTC

	t.Run("debits amount plus fee and routes the fee to the pool", func(t *testing.T) {
		f := newFixture(t)
		f.fund(t, "miner", rtc("10"))
		require.NoError(t, f.issuer.RegisterKey(ctx, "miner", f.pubHex, false))

		receipt, err := f.issuer.Issue(ctx, f.signedRequest("miner", "dest-addr", rtc("5"), "n-1"))
		require.NoError(t, err)
		assert.Equal(t, "pending", receipt.Status)
		assert.Equal(t, rtc("0.01"), receipt.Fee)
		assert.Contains(t, receipt.WithdrawalID, "WD_")

		bal, _ := f.ledger.Balance(ctx, "miner")
		assert.Equal(t, rtc("4.99"), bal)

		pool, _ := f.ledger.Balance(ctx, "founder_community")
		assert.Equal(t, rtc("0.01"), pool)

		w, err := f.issuer.Status(ctx, receipt.WithdrawalID)
		require.NoError(t, err)
		assert.Equal(t, store.WithdrawalPending, w.Status)
		assert.Equal(t, "dest-addr", w.Destination)
	})

	t.Run("rejects a replayed nonce with the prior use timestamp", func(t *testing.T) {
		f := newFixture(t)
		f.fund(t, "miner", rtc("100"))
		require.NoError(t, f.issuer.RegisterKey(ctx, "miner", f.pubHex, false))

		req := f.signedRequest("miner", "dest", rtc("1"), "n-dup")
		_, err := f.issuer.Issue(ctx, req)
		require.NoError(t, err)

		balBefore, _ := f.ledger.Balance(ctx, "miner")
		_, err = f.issuer.Issue(ctx, req)
		require.Error(t, err)
		assert.True(t, fault.Is(err, fault.ReplayDetected))

		var fe *fault.Error
		require.ErrorAs(t, err, &fe)
		assert.Contains(t, fe.Details, "used_at")

		balAfter, _ := f.ledger.Balance(ctx, "miner")
		assert.Equal(t, balBefore, balAfter)
	})

	t.Run("rejects below the minimum", func(t *testing.T) {
		f := newFixture(t)
		f.fund(t, "miner", rtc("100"))
		require.NoError(t, f.issuer.RegisterKey(ctx, "miner", f.pubHex, false))

		_, err := f.issuer.Issue(ctx, f.signedRequest("miner", "dest", rtc("0.05"), "n-min"))
		assert.True(t, fault.Is(err, fault.BelowMinimum))
	})

	t.Run("rejects when amount plus fee exceeds the available balance", func(t *testing.T) {
		f := newFixture(t)
		f.fund(t, "miner", rtc("5"))
		require.NoError(t, f.issuer.RegisterKey(ctx, "miner", f.pubHex, false))

		// 5 exactly, but the fee pushes it over.
		_, err := f.issuer.Issue(ctx, f.signedRequest("miner", "dest", rtc("5"), "n-bal"))
		assert.True(t, fault.Is(err, fault.InsufficientBalance))
	})

	t.Run("enforces the per-day cumulative cap", func(t *testing.T) {
		f := newFixture(t)
		f.fund(t, "miner", rtc("5000"))
		require.NoError(t, f.issuer.RegisterKey(ctx, "miner", f.pubHex, false))

		_, err := f.issuer.Issue(ctx, f.signedRequest("miner", "dest", rtc("600"), "n-a"))
		require.NoError(t, err)

		_, err = f.issuer.Issue(ctx, f.signedRequest("miner", "dest", rtc("500"), "n-b"))
		require.Error(t, err)
		assert.True(t, fault.Is(err, fault.DailyCapExceeded))

		// A smaller request that stays under the cap still goes through.
		_, err = f.issuer.Issue(ctx, f.signedRequest("miner", "dest", rtc("400"), "n-c"))
		assert.NoError(t, err)
	})

	t.Run("rejects an invalid signature", func(t *testing.T) {
		f := newFixture(t)
		f.fund(t, "miner", rtc("100"))
		require.NoError(t, f.issuer.RegisterKey(ctx, "miner", f.pubHex, false))

		req := f.signedRequest("miner", "dest", rtc("1"), "n-sig")
		req.Destination = "attacker-dest" // signed over "dest"
		_, err := f.issuer.Issue(ctx, req)
		assert.True(t, fault.Is(err, fault.SignatureInvalid))

		// The failed attempt rolled back, so the nonce is still free.
		_, err = f.issuer.Issue(ctx, f.signedRequest("miner", "dest", rtc("1"), "n-sig"))
		assert.NoError(t, err)
	})

	t.Run("rejects accounts without a registered key", func(t *testing.T) {
		f := newFixture(t)
		f.fund(t, "miner", rtc("100"))
		_, err := f.issuer.Issue(ctx, f.signedRequest("miner", "dest", rtc("1"), "n-key"))
		assert.True(t, fault.Is(err, fault.NotFound))
	})
}

func TestRegisterKey(t *testing.T) {
	ctx := context.Background()

	t.Run("allows first registration and re-registering the same key", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.issuer.RegisterKey(ctx, "miner", f.pubHex, false))
		require.NoError(t, f.issuer.RegisterKey(ctx, "miner", f.pubHex, false))
	})

	t.Run("requires admin to rotate to a different key", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.issuer.RegisterKey(ctx, "miner", f.pubHex, false))

		otherPub, _, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		otherHex := hex.EncodeToString(otherPub)

		err = f.issuer.RegisterKey(ctx, "miner", otherHex, false)
		assert.True(t, fault.Is(err, fault.KeyAlreadyRegistered))

		require.NoError(t, f.issuer.RegisterKey(ctx, "miner", otherHex, true))
	})

	t.Run("rejects malformed keys", func(t *testing.T) {
		f := newFixture(t)
		err := f.issuer.RegisterKey(ctx, "miner", "zz", false)
		assert.True(t, fault.Is(err, fault.InvalidArgument))
		err = f.issuer.RegisterKey(ctx, "miner", "abcd", false)
		assert.True(t, fault.Is(err, fault.InvalidArgument))
	})
}
