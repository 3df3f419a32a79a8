package cli

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/terminal-bench/minechain/internal/config"
	"github.com/terminal-bench/minechain/internal/store"
	"github.com/terminal-bench/minechain/internal/utils/logging"
)

var (
	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "apply pending schema migrations",
		RunE:  runMigrate,
	}
)

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.GetConfig()
	if err != nil {
		return errors.Wrap(err, "loading config")
	}
	dsn := cfg.Storage().PostgresDSN
	if dsn == "" {
		return errors.New("storage.postgres_dsn is required for migrate")
	}

	pg, err := store.OpenPostgres(dsn)
	if err != nil {
		return errors.Wrap(err, "opening postgres")
	}
	defer pg.Close()

	if err := store.Migrate(cmd.Context(), pg.DB()); err != nil {
		return err
	}
	logging.Info("migrations applied")
	return nil
}
