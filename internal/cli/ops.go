package cli

import (
	"github.com/pkg/errors"

	"github.com/terminal-bench/minechain/internal/config"
	"github.com/terminal-bench/minechain/internal/store"
)

// openStore opens the configured postgres store for one-shot commands.
// The in-memory store is pointless outside the daemon, so a DSN is
// mandatory here.
func openStore() (*store.Postgres, *config.Config, error) {
	cfg, err := config.GetConfig()
	if err != nil {
		return nil, nil, errors.Wrap(err, "loading config")
	}
	dsn := cfg.Storage().PostgresDSN
	if dsn == "" {
		return nil, nil, errors.New("storage.postgres_dsn is required")
	}
	pg, err := store.OpenPostgres(dsn)
	if err != nil {
		return nil, nil, errors.Wrap(err, "opening postgres")
	}
	return pg, cfg, nil
}
