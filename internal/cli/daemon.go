package cli

import (
	"context"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/terminal-bench/minechain/internal/config"
	"github.com/terminal-bench/minechain/internal/node"
	"github.com/terminal-bench/minechain/internal/utils/logging"
)

var (
	daemonCmd = &cobra.Command{
		Use:   "daemon",
		Short: "run the ledger node",
		RunE:  runDaemon,
	}
)

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	cfg, err := config.GetConfig()
	if err != nil {
		return errors.Wrap(err, "loading config")
	}

	n, err := node.NewNode(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "initing node")
	}
	defer n.Stop()

	errCh := make(chan error, 1)
	go func() { errCh <- n.Run(ctx) }()

	logging.WithField("addr", cfg.HTTP().Addr).Info("node started")

	select {
	case err := <-errCh:
		return err
	case <-waitExit():
		cancel()
		return <-errCh
	}
}
