package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/minechain/internal/enroll"
	"github.com/terminal-bench/minechain/internal/fault"
	"github.com/terminal-bench/minechain/internal/store"
	"github.com/terminal-bench/minechain/internal/transfer"
	"github.com/terminal-bench/minechain/internal/withdraw"
	"github.com/terminal-bench/minechain/pkg/micro"
)

// parseRTC converts a JSON number or string holding a decimal RTC value
// into micro-units.
func parseRTC(raw json.Number) (micro.Amount, error) {
	d, err := decimal.NewFromString(raw.String())
	if err != nil {
		return 0, fault.New(fault.InvalidArgument, "invalid amount %q", raw.String())
	}
	amount, err := micro.FromRTC(d)
	if err != nil {
		return 0, fault.New(fault.Overflow, "amount out of range")
	}
	return amount, nil
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok":       true,
		"chain_id": s.params.ChainID,
		"time":     s.now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) epochInfo(c *gin.Context) {
	info, err := s.registry.Info(c.Request.Context(), s.now())
	if err != nil {
		abortFault(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

type enrollRequest struct {
	Account string `json:"account"`
	Device  struct {
		Family string `json:"family"`
		Arch   string `json:"arch"`
	} `json:"device"`
	Trust *enroll.TrustPayload `json:"trust"`
}

func (s *Server) enrollHandler(c *gin.Context) {
	var req enrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid_argument", "invalid JSON body"))
		return
	}
	var signal enroll.TrustSignal
	var have bool
	if req.Trust != nil {
		signal, have = req.Trust.Signal()
	}
	res, err := s.registry.Enroll(c.Request.Context(), req.Account, req.Device.Family, req.Device.Arch, signal, have)
	if err != nil {
		abortFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "epoch": res.Epoch, "weight": res.Weight, "hw_weight": res.HWWeight, "trusted": res.Trusted})
}

func (s *Server) lotteryEligibility(c *gin.Context) {
	account := c.Query("account")
	if account == "" {
		c.JSON(http.StatusBadRequest, errorBody("invalid_argument", "account is required"))
		return
	}
	slot := s.params.SlotAt(s.now())
	if raw := c.Query("slot"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorBody("invalid_argument", "invalid slot"))
			return
		}
		slot = parsed
	}
	res, err := s.oracle.Check(c.Request.Context(), account, slot)
	if err != nil {
		abortFault(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) walletBalance(c *gin.Context) {
	account := c.Query("account")
	if account == "" {
		c.JSON(http.StatusBadRequest, errorBody("invalid_argument", "account is required"))
		return
	}
	balance, err := s.ledger.Balance(c.Request.Context(), account)
	if err != nil {
		abortFault(c, err)
		return
	}
	available, err := s.ledger.Available(c.Request.Context(), account)
	if err != nil {
		abortFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account":       account,
		"balance_rtc":   balance.RTC().String(),
		"available_rtc": available.RTC().String(),
	})
}

func (s *Server) walletLedger(c *gin.Context) {
	account := c.Query("account")
	if account == "" {
		c.JSON(http.StatusBadRequest, errorBody("invalid_argument", "account is required"))
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	entries, err := s.ledger.History(c.Request.Context(), account, limit)
	if err != nil {
		abortFault(c, err)
		return
	}
	out := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		out = append(out, gin.H{
			"timestamp": e.Timestamp.UTC().Format(time.RFC3339),
			"epoch":     e.Epoch,
			"delta_rtc": e.Delta.RTC().String(),
			"reason":    e.Reason,
		})
	}
	c.JSON(http.StatusOK, gin.H{"account": account, "entries": out})
}

type adminTransferRequest struct {
	From      string      `json:"from"`
	To        string      `json:"to"`
	AmountRTC json.Number `json:"amount_rtc"`
	Reason    string      `json:"reason"`
}

func (s *Server) transferAdmin(c *gin.Context) {
	var req adminTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid_argument", "invalid JSON body"))
		return
	}
	amount, err := parseRTC(req.AmountRTC)
	if err != nil {
		abortFault(c, err)
		return
	}
	t, err := s.pipeline.Stage(c.Request.Context(), req.From, req.To, amount, req.Reason)
	if err != nil {
		abortFault(c, err)
		return
	}
	c.JSON(http.StatusOK, stagedResponse(t))
}

type signedTransferRequest struct {
	FromAddress string      `json:"from_address"`
	ToAddress   string      `json:"to_address"`
	AmountRTC   json.Number `json:"amount_rtc"`
	Memo        string      `json:"memo"`
	Nonce       string      `json:"nonce"`
	PublicKey   string      `json:"public_key"`
	Signature   string      `json:"signature"`
}

func (s *Server) transferSigned(c *gin.Context) {
	var req signedTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid_argument", "invalid JSON body"))
		return
	}
	amount, err := parseRTC(req.AmountRTC)
	if err != nil {
		abortFault(c, err)
		return
	}
	t, err := s.pipeline.StageSigned(c.Request.Context(), transfer.SignedRequest{
		From:      req.FromAddress,
		To:        req.ToAddress,
		Amount:    amount,
		Memo:      req.Memo,
		Nonce:     req.Nonce,
		PubKeyHex: req.PublicKey,
		SigHex:    req.Signature,
	})
	if err != nil {
		abortFault(c, err)
		return
	}
	resp := stagedResponse(t)
	resp["verified"] = true
	c.JSON(http.StatusOK, resp)
}

func stagedResponse(t *store.PendingTransfer) gin.H {
	return gin.H{
		"ok":          true,
		"phase":       "pending",
		"pending_id":  t.ID,
		"tx_hash":     t.TxHash,
		"from":        t.From,
		"to":          t.To,
		"amount_rtc":  t.Amount.RTC().String(),
		"confirms_at": t.ConfirmsAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) pendingList(c *gin.Context) {
	status := store.TransferStatus(c.DefaultQuery("status", "pending"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	list, err := s.pipeline.List(c.Request.Context(), status, limit)
	if err != nil {
		abortFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "transfers": list, "count": len(list)})
}

func (s *Server) pendingConfirm(c *gin.Context) {
	res, err := s.pipeline.Sweep(c.Request.Context())
	if err != nil {
		abortFault(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type voidRequest struct {
	PendingID int64  `json:"pending_id"`
	TxHash    string `json:"tx_hash"`
	VoidedBy  string `json:"voided_by"`
	Reason    string `json:"reason"`
}

func (s *Server) pendingVoid(c *gin.Context) {
	var req voidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid_argument", "invalid JSON body"))
		return
	}
	if req.VoidedBy == "" {
		if op, ok := c.Get("operator"); ok {
			req.VoidedBy, _ = op.(string)
		}
	}
	t, err := s.pipeline.Void(c.Request.Context(), req.PendingID, req.TxHash, req.VoidedBy, req.Reason)
	if err != nil {
		abortFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "voided_id": t.ID, "voided_by": t.VoidedBy, "reason": t.VoidedReason})
}

type registerKeyRequest struct {
	Account   string `json:"account"`
	PubKeyHex string `json:"pubkey_hex"`
}

func (s *Server) withdrawRegister(c *gin.Context) {
	var req registerKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid_argument", "invalid JSON body"))
		return
	}
	// Routed through operator auth, so rotation is always permitted.
	if err := s.issuer.RegisterKey(c.Request.Context(), req.Account, req.PubKeyHex, true); err != nil {
		abortFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "account": req.Account, "can_withdraw": true})
}

type withdrawRequestBody struct {
	Account     string      `json:"account"`
	AmountRTC   json.Number `json:"amount_rtc"`
	Destination string      `json:"destination"`
	Nonce       string      `json:"nonce"`
	Signature   string      `json:"signature"`
}

func (s *Server) withdrawRequest(c *gin.Context) {
	var req withdrawRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid_argument", "invalid JSON body"))
		return
	}
	amount, err := parseRTC(req.AmountRTC)
	if err != nil {
		abortFault(c, err)
		return
	}
	receipt, err := s.issuer.Issue(c.Request.Context(), withdraw.Request{
		Account:     req.Account,
		Amount:      amount,
		Destination: req.Destination,
		Nonce:       req.Nonce,
		SigHex:      req.Signature,
	})
	if err != nil {
		abortFault(c, err)
		return
	}
	net, _ := receipt.Amount.Sub(receipt.Fee)
	c.JSON(http.StatusOK, gin.H{
		"withdrawal_id":  receipt.WithdrawalID,
		"status":         receipt.Status,
		"amount_rtc":     receipt.Amount.RTC().String(),
		"fee_rtc":        receipt.Fee.RTC().String(),
		"net_amount_rtc": net.RTC().String(),
	})
}

func (s *Server) withdrawStatus(c *gin.Context) {
	w, err := s.issuer.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"withdrawal_id": w.ID,
		"account":       w.Account,
		"amount_rtc":    w.Amount.RTC().String(),
		"fee_rtc":       w.Fee.RTC().String(),
		"destination":   w.Destination,
		"status":        w.Status,
		"created_at":    w.CreatedAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) feePool(c *gin.Context) {
	pool := s.params.FeePoolAccount
	balance, err := s.ledger.Balance(c.Request.Context(), pool)
	if err != nil {
		abortFault(c, err)
		return
	}
	recent, err := s.ledger.History(c.Request.Context(), pool, 10)
	if err != nil {
		abortFault(c, err)
		return
	}
	events := make([]gin.H, 0, len(recent))
	for _, e := range recent {
		events = append(events, gin.H{
			"reason":    e.Reason,
			"delta_rtc": e.Delta.RTC().String(),
			"timestamp": e.Timestamp.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"destination":             pool,
		"destination_balance_rtc": balance.RTC().String(),
		"withdrawal_fee_rtc":      s.params.WithdrawalFee.RTC().String(),
		"recent_events":           events,
	})
}

type govStageRequest struct {
	EpochEffective int64 `json:"epoch_effective"`
	Threshold      int   `json:"threshold"`
	Members        []struct {
		SignerID  int64  `json:"signer_id"`
		PubKeyHex string `json:"pubkey_hex"`
	} `json:"members"`
}

func (s *Server) govStage(c *gin.Context) {
	var req govStageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid_argument", "invalid JSON body"))
		return
	}
	members := make([]store.Signer, 0, len(req.Members))
	for _, m := range req.Members {
		members = append(members, store.Signer{ID: m.SignerID, PubKeyHex: m.PubKeyHex})
	}
	res, err := s.rotation.Stage(c.Request.Context(), req.EpochEffective, req.Threshold, members)
	if err != nil {
		abortFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "staged_epoch": res.EpochEffective, "threshold": res.Threshold, "members": res.Members, "message": res.Message})
}

type govApproveRequest struct {
	EpochEffective int64  `json:"epoch_effective"`
	SignerID       int64  `json:"signer_id"`
	SigHex         string `json:"sig_hex"`
}

func (s *Server) govApprove(c *gin.Context) {
	var req govApproveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid_argument", "invalid JSON body"))
		return
	}
	res, err := s.rotation.Approve(c.Request.Context(), req.EpochEffective, req.SignerID, req.SigHex)
	if err != nil {
		abortFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "epoch_effective": res.EpochEffective, "approvals": res.Approvals, "threshold": res.Threshold, "ready": res.Ready})
}

type govCommitRequest struct {
	EpochEffective int64 `json:"epoch_effective"`
}

func (s *Server) govCommit(c *gin.Context) {
	var req govCommitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid_argument", "invalid JSON body"))
		return
	}
	res, err := s.rotation.Commit(c.Request.Context(), req.EpochEffective)
	if err != nil {
		abortFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":                true,
		"epoch_effective":   res.EpochEffective,
		"approvals":         res.Approvals,
		"threshold":         res.Threshold,
		"already_committed": res.AlreadyCommitted,
	})
}

func (s *Server) govMessage(c *gin.Context) {
	epoch, err := strconv.ParseInt(c.Param("epoch"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid_argument", "invalid epoch"))
		return
	}
	msg, err := s.rotation.Message(c.Request.Context(), epoch)
	if err != nil {
		abortFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "epoch_effective": epoch, "message": msg})
}

type settleRequest struct {
	Epoch int64 `json:"epoch"`
}

func (s *Server) rewardsSettle(c *gin.Context) {
	var req settleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid_argument", "invalid JSON body"))
		return
	}
	res, err := s.engine.Settle(c.Request.Context(), req.Epoch)
	if err != nil {
		abortFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":              true,
		"epoch":           res.Epoch,
		"already_settled": res.AlreadySettled,
		"accounts":        res.Accounts,
		"distributed_rtc": res.Distributed.RTC().String(),
	})
}

func (s *Server) rewardsForEpoch(c *gin.Context) {
	epoch, err := strconv.ParseInt(c.Param("epoch"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid_argument", "invalid epoch"))
		return
	}
	entries, err := s.engine.EpochRewards(c.Request.Context(), epoch)
	if err != nil {
		abortFault(c, err)
		return
	}
	rewards := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		rewards = append(rewards, gin.H{"account": e.Account, "reward_rtc": e.Delta.RTC().String()})
	}
	c.JSON(http.StatusOK, gin.H{"epoch": epoch, "rewards": rewards, "count": len(rewards)})
}
