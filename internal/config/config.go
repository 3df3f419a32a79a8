package config

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

var (
	defaults = map[string]interface{}{
		"verbose":             false,
		Cfg_http_addr:         ":8099",
		Cfg_http_enrollLimit:  60,
		Cfg_http_enrollWindow: "1m",
		Cfg_node_sweepEvery:   "1m",
		Cfg_node_settleEvery:  "5m",
	}
)

func init() {
	for k, v := range defaults {
		viper.SetDefault(k, v)
	}
}

// GetConfig reads minechain.yaml from the usual locations and overlays
// MINECHAIN_* environment variables. A missing config file is not an
// error, defaults and environment cover the standalone case.
func GetConfig() (*Config, error) {
	viper.SetConfigType("yaml")
	viper.SetConfigName("minechain")
	viper.AddConfigPath("/etc/minechain/")
	viper.AddConfigPath("$HOME/.minechain")
	viper.AddConfigPath(".")
	viper.SetEnvPrefix("MINECHAIN")
	viper.AutomaticEnv()
	err := viper.ReadInConfig()
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			logrus.New().Warnf("no config found")
		} else {
			return nil, errors.Wrap(err, "reading config file")
		}
	}

	c := &Config{}

	c.http, err = buildHTTPConfig()
	if err != nil {
		return nil, errors.Wrap(err, "http config")
	}

	c.storage, err = buildStorageConfig()
	if err != nil {
		return nil, errors.Wrap(err, "storage config")
	}

	c.node, err = buildNodeConfig()
	if err != nil {
		return nil, errors.Wrap(err, "node config")
	}

	return c, nil
}

type Config struct {
	http    *HTTP
	storage *Storage
	node    *Node
}

func (c *Config) HTTP() *HTTP       { return c.http }
func (c *Config) Storage() *Storage { return c.storage }
func (c *Config) Node() *Node       { return c.node }
