// Package node assembles the storage, service, and transport layers
// into a runnable ledger node.
package node

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/minechain/internal/alerts"
	"github.com/terminal-bench/minechain/internal/chain"
	"github.com/terminal-bench/minechain/internal/config"
	"github.com/terminal-bench/minechain/internal/enroll"
	"github.com/terminal-bench/minechain/internal/gov"
	"github.com/terminal-bench/minechain/internal/httpapi"
	"github.com/terminal-bench/minechain/internal/ledger"
	"github.com/terminal-bench/minechain/internal/lottery"
	"github.com/terminal-bench/minechain/internal/settle"
	"github.com/terminal-bench/minechain/internal/store"
	"github.com/terminal-bench/minechain/internal/transfer"
	"github.com/terminal-bench/minechain/internal/utils/logging"
	"github.com/terminal-bench/minechain/internal/withdraw"
	"github.com/terminal-bench/minechain/pkg/messaging"
)

type Node struct {
	cfg    *config.Config
	params chain.Params

	store    store.Store
	nats     *messaging.Client
	rdb      *redis.Client
	engine   *settle.Engine
	pipeline *transfer.Pipeline
	rotation *gov.Rotation
	server   *httpapi.Server

	closers []func() error
}

// NewNode builds a node from config. Postgres, NATS, and redis are all
// optional; without a DSN the node runs on the in-memory store.
func NewNode(ctx context.Context, cfg *config.Config) (*Node, error) {
	n := &Node{cfg: cfg, params: chain.MainnetParams()}

	var st store.Store
	if dsn := cfg.Storage().PostgresDSN; dsn != "" {
		pg, err := store.OpenPostgres(dsn)
		if err != nil {
			return nil, errors.Wrap(err, "opening postgres")
		}
		n.closers = append(n.closers, pg.Close)
		st = pg
	} else {
		logging.Warn("no postgres DSN configured, using in-memory store")
		st = store.NewMemory()
	}
	n.store = st

	if url := cfg.Storage().NATSURL; url != "" {
		nc, err := messaging.NewClient(messaging.Config{
			URL:            url,
			Name:           "minechain-node",
			ReconnectWait:  time.Second,
			MaxReconnects:  60,
			ConnectTimeout: 10 * time.Second,
		})
		if err != nil {
			return nil, errors.Wrap(err, "connecting to nats")
		}
		n.closers = append(n.closers, nc.Close)
		n.nats = nc
	}

	if addr := cfg.Storage().RedisAddr; addr != "" {
		n.rdb = redis.NewClient(&redis.Options{Addr: addr})
		n.closers = append(n.closers, n.rdb.Close)
	}

	l := ledger.New(st)
	n.engine = settle.New(n.params, st, l)
	n.pipeline = transfer.New(n.params, st, l)
	n.rotation = gov.New(st)

	var alerter transfer.Alerter = alerts.LogOnly{}
	if n.nats != nil || cfg.Storage().WebhookURL != "" {
		alerter = alerts.New(n.nats, cfg.Storage().WebhookURL, "minechain-node")
	}
	n.pipeline = n.pipeline.WithAlerter(alerter)

	if err := n.seedSigners(ctx); err != nil {
		return nil, err
	}

	n.server = httpapi.NewServer(httpapi.Config{
		Addr:            cfg.HTTP().Addr,
		JWTSecret:       cfg.HTTP().JWTSecret,
		EnrollRateLimit: cfg.HTTP().EnrollLimit,
		EnrollRateWin:   cfg.HTTP().EnrollWindow,
	}, httpapi.Deps{
		Params:   n.params,
		Registry: enroll.New(n.params, st),
		Oracle:   lottery.New(n.params, st),
		Pipeline: n.pipeline,
		Issuer:   withdraw.New(n.params, st, l),
		Rotation: n.rotation,
		Engine:   n.engine,
		Ledger:   l,
		Redis:    n.rdb,
	})

	return n, nil
}

// seedSigners installs the bootstrap committee, but only on an empty
// signer table so a restart never clobbers a rotated set.
func (n *Node) seedSigners(ctx context.Context) error {
	entries := n.cfg.Node().SeedSigners
	if len(entries) == 0 {
		return nil
	}
	existing, err := n.rotation.Signers(ctx)
	if err != nil {
		return errors.Wrap(err, "loading signer set")
	}
	if len(existing) > 0 {
		return nil
	}

	signers := make([]store.Signer, 0, len(entries))
	for _, raw := range entries {
		parts := strings.SplitN(raw, ":", 2)
		id, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return errors.Wrapf(err, "seed signer %q", raw)
		}
		signers = append(signers, store.Signer{ID: id, PubKeyHex: parts[1], Active: true})
	}
	if err := n.rotation.SeedSigners(ctx, signers); err != nil {
		return errors.Wrap(err, "seeding signers")
	}
	logging.WithField("signers", len(signers)).Info("bootstrap committee installed")
	return nil
}

// Run serves HTTP and drives the confirmation sweep and settlement
// tickers until the context is cancelled.
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return n.server.Run(ctx) })
	g.Go(func() error { return n.sweepLoop(ctx) })
	g.Go(func() error { return n.settleLoop(ctx) })

	return g.Wait()
}

func (n *Node) sweepLoop(ctx context.Context) error {
	t := time.NewTicker(n.cfg.Node().SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			res, err := n.pipeline.Sweep(ctx)
			if err != nil {
				logging.WithError(err).Error("confirmation sweep failed")
				continue
			}
			if res.Confirmed > 0 || len(res.VoidedIDs) > 0 {
				logging.WithField("confirmed", res.Confirmed).
					WithField("voided", len(res.VoidedIDs)).
					Info("confirmation sweep")
				n.publish(messaging.EventTypeTransferConfirmed, res)
			}
		}
	}
}

// settleLoop settles the previous epoch once it has fully elapsed.
// Settle is idempotent, so re-ticking over a settled epoch is a no-op.
func (n *Node) settleLoop(ctx context.Context) error {
	t := time.NewTicker(n.cfg.Node().SettleEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			epoch := n.params.EpochAt(time.Now()) - 1
			if epoch < 0 {
				continue
			}
			res, err := n.engine.Settle(ctx, epoch)
			if err != nil {
				logging.WithError(err).WithField("epoch", epoch).Error("settlement failed")
				continue
			}
			if !res.AlreadySettled {
				logging.WithField("epoch", epoch).
					WithField("accounts", res.Accounts).
					WithField("distributed", res.Distributed.String()).
					Info("epoch settled")
				n.publish(messaging.EventTypeEpochSettled, res)
			}
		}
	}
}

func (n *Node) publish(subject string, payload interface{}) {
	if n.nats == nil {
		return
	}
	ev, err := messaging.NewEvent(subject, "minechain-node", payload)
	if err != nil {
		logging.WithError(err).Warn("building event")
		return
	}
	if err := n.nats.Publish(context.Background(), subject, ev); err != nil {
		logging.WithError(err).WithField("subject", subject).Warn("publishing event")
	}
}

// Stop releases node resources in reverse acquisition order.
func (n *Node) Stop() error {
	var first error
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}
