package cli

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/terminal-bench/minechain/internal/chain"
	"github.com/terminal-bench/minechain/internal/ledger"
	"github.com/terminal-bench/minechain/internal/settle"
	"github.com/terminal-bench/minechain/internal/utils/logging"
)

var (
	settleCmd = &cobra.Command{
		Use:   "settle",
		Short: "settle a single epoch",
		RunE:  runSettle,
	}
)

func init() {
	settleCmd.Flags().Int64P("epoch", "e", -1, "epoch to settle (default: previous epoch)")
	viper.BindPFlag("settle_epoch", settleCmd.Flags().Lookup("epoch"))
}

func runSettle(cmd *cobra.Command, args []string) error {
	pg, _, err := openStore()
	if err != nil {
		return err
	}
	defer pg.Close()

	params := chain.MainnetParams()
	epoch := viper.GetInt64("settle_epoch")
	if epoch < 0 {
		epoch = params.EpochAt(time.Now()) - 1
	}

	engine := settle.New(params, pg, ledger.New(pg))
	res, err := engine.Settle(cmd.Context(), epoch)
	if err != nil {
		return err
	}

	entry := logging.WithField("epoch", res.Epoch)
	if res.AlreadySettled {
		entry.Info("epoch was already settled")
		return nil
	}
	entry.WithField("accounts", res.Accounts).
		WithField("distributed", res.Distributed.String()).
		Info("epoch settled")
	return nil
}
