// Package httpapi exposes the node's HTTP surface over gin. Handlers
// translate wire payloads into service calls and coded faults into
// stable HTTP statuses; no business rules live here.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/terminal-bench/minechain/internal/chain"
	"github.com/terminal-bench/minechain/internal/enroll"
	"github.com/terminal-bench/minechain/internal/fault"
	"github.com/terminal-bench/minechain/internal/gov"
	"github.com/terminal-bench/minechain/internal/ledger"
	"github.com/terminal-bench/minechain/internal/lottery"
	"github.com/terminal-bench/minechain/internal/settle"
	"github.com/terminal-bench/minechain/internal/transfer"
	"github.com/terminal-bench/minechain/internal/withdraw"
)

// Config holds the HTTP-layer settings.
type Config struct {
	Addr            string
	JWTSecret       string
	EnrollRateLimit int
	EnrollRateWin   time.Duration
}

// Server wires the service layer onto routes.
type Server struct {
	cfg      Config
	params   chain.Params
	router   *gin.Engine
	registry *enroll.Registry
	oracle   *lottery.Oracle
	pipeline *transfer.Pipeline
	issuer   *withdraw.Issuer
	rotation *gov.Rotation
	engine   *settle.Engine
	ledger   *ledger.Ledger
	rdb      *redis.Client
	now      func() time.Time
}

// Deps carries the service-layer dependencies.
type Deps struct {
	Params   chain.Params
	Registry *enroll.Registry
	Oracle   *lottery.Oracle
	Pipeline *transfer.Pipeline
	Issuer   *withdraw.Issuer
	Rotation *gov.Rotation
	Engine   *settle.Engine
	Ledger   *ledger.Ledger
	Redis    *redis.Client
}

// NewServer builds the router. Redis may be nil, which disables rate
// limiting.
func NewServer(cfg Config, d Deps) *Server {
	s := &Server{
		cfg:      cfg,
		params:   d.Params,
		registry: d.Registry,
		oracle:   d.Oracle,
		pipeline: d.Pipeline,
		issuer:   d.Issuer,
		rotation: d.Rotation,
		engine:   d.Engine,
		ledger:   d.Ledger,
		rdb:      d.Redis,
		now:      time.Now,
	}
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.setupRoutes()
	return s
}

// WithClock overrides the time source, for tests.
func (s *Server) WithClock(now func() time.Time) *Server {
	s.now = now
	return s
}

// Router exposes the gin engine, for tests and embedding.
func (s *Server) Router() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.health)
	s.router.GET("/epoch", s.epochInfo)
	s.router.POST("/epoch/enroll",
		RateLimit(s.rdb, "enroll", s.cfg.EnrollRateLimit, s.cfg.EnrollRateWin),
		s.enrollHandler)
	s.router.GET("/lottery/eligibility", s.lotteryEligibility)

	s.router.GET("/wallet/balance", s.walletBalance)
	s.router.GET("/wallet/ledger", s.walletLedger)
	s.router.POST("/wallet/transfer/signed", s.transferSigned)

	s.router.POST("/withdraw/request", s.withdrawRequest)
	s.router.GET("/withdraw/status/:id", s.withdrawStatus)

	s.router.GET("/fees/pool", s.feePool)

	s.router.POST("/gov/rotate/approve", s.govApprove)
	s.router.POST("/gov/rotate/commit", s.govCommit)
	s.router.GET("/gov/rotate/message/:epoch", s.govMessage)

	s.router.GET("/rewards/epoch/:epoch", s.rewardsForEpoch)

	op := s.router.Group("/", OperatorAuth(s.cfg.JWTSecret))
	op.POST("/wallet/transfer", s.transferAdmin)
	op.GET("/pending/list", s.pendingList)
	op.POST("/pending/confirm", s.pendingConfirm)
	op.POST("/pending/void", s.pendingVoid)
	op.POST("/withdraw/register", s.withdrawRegister)
	op.POST("/gov/rotate/stage", s.govStage)
	op.POST("/rewards/settle", s.rewardsSettle)
}

// errorBody is the stable rejection envelope.
func errorBody(code, message string) gin.H {
	return gin.H{"error": gin.H{"code": code, "message": message}}
}

// abortFault maps a coded fault onto an HTTP status and the error
// envelope, carrying structured details through.
func abortFault(c *gin.Context, err error) {
	var fe *fault.Error
	code := fault.CodeOf(err)
	if code == "" {
		c.JSON(http.StatusInternalServerError, errorBody("internal", "internal error"))
		return
	}
	status := statusFor(code)
	body := gin.H{"code": string(code), "message": err.Error()}
	if errors.As(err, &fe) {
		for k, v := range fe.Details {
			body[k] = v
		}
	}
	c.JSON(status, gin.H{"error": body})
}

func statusFor(code fault.Code) int {
	switch code {
	case fault.SignatureInvalid:
		return http.StatusUnauthorized
	case fault.InsufficientApprovals:
		return http.StatusForbidden
	case fault.NotFound, fault.NotStaged:
		return http.StatusNotFound
	case fault.RaceLost, fault.AlreadyCommitted, fault.KeyAlreadyRegistered:
		return http.StatusConflict
	case fault.PrerequisiteFailed:
		return http.StatusPreconditionFailed
	default:
		return http.StatusBadRequest
	}
}
