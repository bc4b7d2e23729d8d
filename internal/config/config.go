package config

import (
	"log"
	"sync"

	"github.com/caarlos0/env/v6"
)

type Config struct {
	DbURI string `env:"DRIP_DB_URI" envDefault:"./drip.sqlite"`

	// Timezone defining the business day boundary for daily quota resets.
	Timezone string `env:"DRIP_TIMEZONE" envDefault:"America/New_York"`

	APIPort         int    `env:"DRIP_API_PORT" envDefault:"8080"`
	APIAutoTLS      bool   `env:"DRIP_API_AUTO_TLS" envDefault:"false"` // use echo AutoTLSManager for getting a certificate for DRIP_HOSTNAME
	APIAutoTLSEmail string `env:"DRIP_API_AUTO_TLS_EMAIL"`              // account email for Let's Encrypt
	Hostname        string `env:"DRIP_HOSTNAME"`

	APIKeys []string `env:"DRIP_API_KEYS" envSeparator:","`
}

var (
	once sync.Once
	cfg  Config
)

func Get() *Config {
	once.Do(func() {
		cfg = Config{}
		if err := env.Parse(&cfg); err != nil {
			log.Panic("Couldn't parse Config from env: ", err)
		}
	})
	return &cfg
}
