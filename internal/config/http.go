package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type HTTP struct {
	Addr         string
	JWTSecret    string
	EnrollLimit  int
	EnrollWindow time.Duration
}

const (
	Cfg_http_addr         = "http.addr"
	Cfg_http_jwtSecret    = "http.jwt_secret"
	Cfg_http_enrollLimit  = "http.enroll_limit"
	Cfg_http_enrollWindow = "http.enroll_window"
)

func buildHTTPConfig() (*HTTP, error) {
	c := &HTTP{
		Addr:        viper.GetString(Cfg_http_addr),
		JWTSecret:   viper.GetString(Cfg_http_jwtSecret),
		EnrollLimit: viper.GetInt(Cfg_http_enrollLimit),
	}

	if c.JWTSecret == "" {
		return nil, errors.New("http.jwt_secret is required")
	}

	window, err := time.ParseDuration(viper.GetString(Cfg_http_enrollWindow))
	if err != nil {
		return nil, errors.Wrap(err, "parsing enroll window")
	}
	c.EnrollWindow = window

	return c, nil
}
