// Package env loads service configuration from the environment, with an
// optional .env file for development.
package env

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type Config struct {
	ListenAddr  string
	DatabaseURL string
}

func Load(log *logrus.Logger) *Config {
	if err := godotenv.Load(); err == nil {
		log.Info("loaded .env file")
	}

	cfg := &Config{
		ListenAddr:  os.Getenv("EXCHANGE_LISTEN_ADDR"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	return cfg
}
