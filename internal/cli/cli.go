// Package cli is the command surface of the minechain binary.
package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/terminal-bench/minechain/internal/utils/logging"
)

var (
	rootCmd = &cobra.Command{
		Use:               "minechain",
		Short:             "ledger and settlement node",
		PersistentPreRun:  setVerbosity,
		RunE:              runDaemon,
		SilenceUsage:      true,
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
	}
)

func Execute() error {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "increase verbosity")
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	regCommands()

	return rootCmd.Execute()
}

func setVerbosity(cmd *cobra.Command, args []string) {
	if viper.GetBool("verbose") {
		logging.SetLevel(logrus.DebugLevel)
	}
}

func waitExit() <-chan os.Signal {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	return sigs
}
