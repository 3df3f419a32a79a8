package httpapi

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/minechain/internal/chain"
	"github.com/terminal-bench/minechain/internal/enroll"
	"github.com/terminal-bench/minechain/internal/gov"
	"github.com/terminal-bench/minechain/internal/ledger"
	"github.com/terminal-bench/minechain/internal/lottery"
	"github.com/terminal-bench/minechain/internal/settle"
	"github.com/terminal-bench/minechain/internal/store"
	"github.com/terminal-bench/minechain/internal/transfer"
	"github.com/terminal-bench/minechain/internal/withdraw"
	"github.com/terminal-bench/minechain/pkg/micro"
)

const testSecret = "test-secret"

type env struct {
	server *Server
	store  *store.Memory
	ledger *ledger.Ledger
	now    time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	now := time.Unix(1_800_000_000, 0)
	clock := func() time.Time { return now }

	params := chain.MainnetParams()
	mem := store.NewMemory()
	l := ledger.New(mem).WithClock(clock)

	srv := NewServer(Config{JWTSecret: testSecret}, Deps{
		Params:   params,
		Registry: enroll.New(params, mem).WithClock(clock),
		Oracle:   lottery.New(params, mem),
		Pipeline: transfer.New(params, mem, l).WithClock(clock),
		Issuer:   withdraw.New(params, mem, l).WithClock(clock),
		Rotation: gov.New(mem).WithClock(clock),
		Engine:   settle.New(params, mem, l).WithClock(clock),
		Ledger:   l,
	}).WithClock(clock)
	return &env{server: srv, store: mem, ledger: l, now: now}
}

func (e *env) fund(t *testing.T, account string, amount micro.Amount) {
	t.Helper()
	err := e.store.WithinTx(context.Background(), func(tx store.Tx) error {
		_, err := e.ledger.Append(context.Background(), tx, account, amount, "test_deposit", 0)
		return err
	})
	require.NoError(t, err)
}

func (e *env) do(t *testing.T, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.server.Router().ServeHTTP(w, req)
	return w
}

func operatorToken(t *testing.T) string {
	t.Helper()
	token, err := OperatorToken(testSecret, "ops", time.Hour)
	require.NoError(t, err)
	return token
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body: %s", w.Body.String())
	return out
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode(t, w)
	errObj, ok := body["error"].(map[string]interface{})
	require.True(t, ok, "body: %s", w.Body.String())
	code, _ := errObj["code"].(string)
	return code
}

func TestHealthAndEpoch(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "rustchain-mainnet-v2", decode(t, w)["chain_id"])

	w = e.do(t, http.MethodGet, "/epoch", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(144), body["blocks_per_epoch"])
}

func TestEnrollEndpoint(t *testing.T) {
	e := newEnv(t)

	t.Run("accepts a bare boolean trust signal", func(t *testing.T) {
		w := e.do(t, http.MethodPost, "/epoch/enroll", map[string]interface{}{
			"account": "miner-1",
			"device":  map[string]string{"family": "PowerPC", "arch": "G4"},
			"trust":   true,
		}, "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, 2.5, decode(t, w)["weight"])
	})

	t.Run("accepts a detailed trust object", func(t *testing.T) {
		w := e.do(t, http.MethodPost, "/epoch/enroll", map[string]interface{}{
			"account": "miner-2",
			"device":  map[string]string{"family": "x86_64"},
			"trust":   map[string]interface{}{"passed": false, "evidence": map[string]float64{"entropy": 0.1}},
		}, "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, false, decode(t, w)["trusted"])
	})

	t.Run("412 without a trust signal", func(t *testing.T) {
		w := e.do(t, http.MethodPost, "/epoch/enroll", map[string]interface{}{
			"account": "miner-3",
		}, "")
		require.Equal(t, http.StatusPreconditionFailed, w.Code)
		assert.Equal(t, "prerequisite_failed", errorCode(t, w))
	})
}

func TestTransferEndpoints(t *testing.T) {
	t.Run("admin transfer requires an operator token", func(t *testing.T) {
		e := newEnv(t)
		e.fund(t, "x", micro.MustFromRTC("10"))

		body := map[string]interface{}{"from": "x", "to": "y", "amount_rtc": 1.5}
		w := e.do(t, http.MethodPost, "/wallet/transfer", body, "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)

		w = e.do(t, http.MethodPost, "/wallet/transfer", body, operatorToken(t))
		require.Equal(t, http.StatusOK, w.Code)
		resp := decode(t, w)
		assert.Equal(t, "pending", resp["phase"])
		assert.NotEmpty(t, resp["tx_hash"])
	})

	t.Run("insufficient balance is a 400 with a stable code", func(t *testing.T) {
		e := newEnv(t)
		w := e.do(t, http.MethodPost, "/wallet/transfer", map[string]interface{}{
			"from": "x", "to": "y", "amount_rtc": 1,
		}, operatorToken(t))
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "insufficient_balance", errorCode(t, w))
	})

	t.Run("signed transfer verifies and stages", func(t *testing.T) {
		e := newEnv(t)
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		pubHex := hex.EncodeToString(pub)
		addr, err := transfer.AddressFromPubKey(pubHex)
		require.NoError(t, err)
		e.fund(t, addr, micro.MustFromRTC("10"))

		amount := micro.MustFromRTC("2.5")
		msg := transfer.SignedMessage(addr, "y", amount, "", "n-1")
		sig := hex.EncodeToString(ed25519.Sign(priv, msg))

		body := map[string]interface{}{
			"from_address": addr, "to_address": "y", "amount_rtc": 2.5,
			"nonce": "n-1", "public_key": pubHex, "signature": sig,
		}
		w := e.do(t, http.MethodPost, "/wallet/transfer/signed", body, "")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, true, decode(t, w)["verified"])

		// Replay of the same nonce.
		w = e.do(t, http.MethodPost, "/wallet/transfer/signed", body, "")
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "replay_detected", errorCode(t, w))
	})

	t.Run("bad signature is a 401", func(t *testing.T) {
		e := newEnv(t)
		pub, _, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		pubHex := hex.EncodeToString(pub)
		addr, err := transfer.AddressFromPubKey(pubHex)
		require.NoError(t, err)
		e.fund(t, addr, micro.MustFromRTC("10"))

		w := e.do(t, http.MethodPost, "/wallet/transfer/signed", map[string]interface{}{
			"from_address": addr, "to_address": "y", "amount_rtc": 1,
			"nonce": "n-1", "public_key": pubHex,
			"signature": hex.EncodeToString(make([]byte, 64)),
		}, "")
		require.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "signature_invalid", errorCode(t, w))
	})

	t.Run("void of an unknown transfer is a 404", func(t *testing.T) {
		e := newEnv(t)
		w := e.do(t, http.MethodPost, "/pending/void", map[string]interface{}{
			"pending_id": 999,
		}, operatorToken(t))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestWithdrawEndpoints(t *testing.T) {
	e := newEnv(t)
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pubHex := hex.EncodeToString(pub)

	e.fund(t, "miner", micro.MustFromRTC("50"))

	w := e.do(t, http.MethodPost, "/withdraw/register", map[string]interface{}{
		"account": "miner", "pubkey_hex": pubHex,
	}, operatorToken(t))
	require.Equal(t, http.StatusOK, w.Code)

	amount := micro.MustFromRTC("5")
	sig := hex.EncodeToString(ed25519.Sign(priv, withdraw.SigningMessage("miner", "dest", amount, "n-1")))
	body := map[string]interface{}{
		"account": "miner", "amount_rtc": 5, "destination": "dest",
		"nonce": "n-1", "signature": sig,
	}
	w = e.do(t, http.MethodPost, "/withdraw/request", body, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode(t, w)
	assert.Equal(t, "pending", resp["status"])
	assert.Equal(t, "4.99", resp["net_amount_rtc"])
	id, _ := resp["withdrawal_id"].(string)

	// Status lookup.
	w = e.do(t, http.MethodGet, "/withdraw/status/"+id, nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	// Replay.
	w = e.do(t, http.MethodPost, "/withdraw/request", body, "")
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "replay_detected", errorCode(t, w))

	// Fee pool reflects the routed fee.
	w = e.do(t, http.MethodGet, "/fees/pool", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0.01", decode(t, w)["destination_balance_rtc"])
}

func TestGovEndpoints(t *testing.T) {
	e := newEnv(t)

	type signer struct {
		id   int64
		priv ed25519.PrivateKey
		hex  string
	}
	var members []map[string]interface{}
	var signers []signer
	var seed []store.Signer
	for i := int64(1); i <= 3; i++ {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		h := hex.EncodeToString(pub)
		signers = append(signers, signer{id: i, priv: priv, hex: h})
		members = append(members, map[string]interface{}{"signer_id": i, "pubkey_hex": h})
		seed = append(seed, store.Signer{ID: i, PubKeyHex: h, Active: true})
	}
	require.NoError(t, gov.New(e.store).SeedSigners(context.Background(), seed))

	// Stage is operator-only.
	stageBody := map[string]interface{}{"epoch_effective": 500, "threshold": 2, "members": members}
	w := e.do(t, http.MethodPost, "/gov/rotate/stage", stageBody, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = e.do(t, http.MethodPost, "/gov/rotate/stage", stageBody, operatorToken(t))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	message, _ := decode(t, w)["message"].(string)
	require.NotEmpty(t, message)

	// Commit below threshold is 403.
	w = e.do(t, http.MethodPost, "/gov/rotate/commit", map[string]interface{}{"epoch_effective": 500}, "")
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "insufficient_approvals", errorCode(t, w))

	for i := 0; i < 2; i++ {
		sig := hex.EncodeToString(ed25519.Sign(signers[i].priv, []byte(message)))
		w = e.do(t, http.MethodPost, "/gov/rotate/approve", map[string]interface{}{
			"epoch_effective": 500, "signer_id": signers[i].id, "sig_hex": sig,
		}, "")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	w = e.do(t, http.MethodPost, "/gov/rotate/commit", map[string]interface{}{"epoch_effective": 500}, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["already_committed"])

	// Canonical message endpoint for a missing epoch.
	w = e.do(t, http.MethodGet, "/gov/rotate/message/777", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRewardsEndpoints(t *testing.T) {
	e := newEnv(t)
	epoch := chain.MainnetParams().EpochAt(e.now)

	for i, account := range []string{"a", "b"} {
		w := e.do(t, http.MethodPost, "/epoch/enroll", map[string]interface{}{
			"account": account,
			"device":  map[string]string{"family": "x86_64"},
			"trust":   true,
		}, "")
		require.Equal(t, http.StatusOK, w.Code, "enroll %d", i)
	}

	w := e.do(t, http.MethodPost, "/rewards/settle", map[string]interface{}{"epoch": epoch}, operatorToken(t))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode(t, w)
	assert.Equal(t, false, resp["already_settled"])
	assert.Equal(t, float64(2), resp["accounts"])

	w = e.do(t, http.MethodGet, fmt.Sprintf("/rewards/epoch/%d", epoch), nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decode(t, w)["count"])

	w = e.do(t, http.MethodGet, "/wallet/balance?account=a", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0.75", decode(t, w)["balance_rtc"])
}

func TestLotteryEndpoint(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodGet, "/lottery/eligibility", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodGet, "/lottery/eligibility?account=nobody", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, false, body["eligible"])
	assert.Equal(t, false, body["enrolled"])
}
