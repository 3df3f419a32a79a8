package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type Node struct {
	SweepEvery  time.Duration
	SettleEvery time.Duration

	// Bootstrap committee, "id:pubkey_hex" per entry. Only installed
	// when no signer set exists yet.
	SeedSigners []string
}

const (
	Cfg_node_sweepEvery  = "node.sweep_every"
	Cfg_node_settleEvery = "node.settle_every"
	Cfg_node_seedSigners = "node.seed_signers"
)

func buildNodeConfig() (*Node, error) {
	c := &Node{
		SeedSigners: viper.GetStringSlice(Cfg_node_seedSigners),
	}

	var err error
	if c.SweepEvery, err = time.ParseDuration(viper.GetString(Cfg_node_sweepEvery)); err != nil {
		return nil, errors.Wrap(err, "parsing sweep interval")
	}
	if c.SettleEvery, err = time.ParseDuration(viper.GetString(Cfg_node_settleEvery)); err != nil {
		return nil, errors.Wrap(err, "parsing settle interval")
	}

	for _, s := range c.SeedSigners {
		if !strings.Contains(s, ":") {
			return nil, errors.Errorf("seed signer %q is not id:pubkey_hex", s)
		}
	}

	return c, nil
}
