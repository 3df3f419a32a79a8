package cli

import (
	"github.com/spf13/cobra"

	"github.com/terminal-bench/minechain/internal/chain"
	"github.com/terminal-bench/minechain/internal/ledger"
	"github.com/terminal-bench/minechain/internal/transfer"
	"github.com/terminal-bench/minechain/internal/utils/logging"
)

var (
	sweepCmd = &cobra.Command{
		Use:   "sweep",
		Short: "confirm or void pending transfers that are due",
		RunE:  runSweep,
	}
)

func runSweep(cmd *cobra.Command, args []string) error {
	pg, _, err := openStore()
	if err != nil {
		return err
	}
	defer pg.Close()

	params := chain.MainnetParams()
	pipeline := transfer.New(params, pg, ledger.New(pg))
	res, err := pipeline.Sweep(cmd.Context())
	if err != nil {
		return err
	}

	logging.WithField("confirmed", res.Confirmed).
		WithField("voided", len(res.VoidedIDs)).
		WithField("errors", len(res.Errors)).
		Info("sweep complete")
	for _, e := range res.Errors {
		logging.WithField("pending_id", e.ID).Warn(e.Reason)
	}
	return nil
}
