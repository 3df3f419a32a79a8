package cli

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/terminal-bench/minechain/internal/config"
	"github.com/terminal-bench/minechain/internal/httpapi"
)

var (
	tokenCmd = &cobra.Command{
		Use:   "token",
		Short: "mint an operator token",
		RunE:  runToken,
	}
)

func init() {
	tokenCmd.Flags().StringP("subject", "s", "operator", "token subject")
	tokenCmd.Flags().DurationP("ttl", "t", 24*time.Hour, "token lifetime")
	viper.BindPFlag("token_subject", tokenCmd.Flags().Lookup("subject"))
	viper.BindPFlag("token_ttl", tokenCmd.Flags().Lookup("ttl"))
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.GetConfig()
	if err != nil {
		return errors.Wrap(err, "loading config")
	}

	token, err := httpapi.OperatorToken(cfg.HTTP().JWTSecret,
		viper.GetString("token_subject"), viper.GetDuration("token_ttl"))
	if err != nil {
		return errors.Wrap(err, "signing token")
	}
	fmt.Println(token)
	return nil
}
