package config

import (
	"log"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	AppEnv            string `env:"APP_ENV,notEmpty"`
	APIAddr           string `env:"API_ADDR" envDefault:":8080"`
	PostgresDSN       string `env:"POSTGRES_DSN,notEmpty"`
	RedisAddr         string `env:"REDIS_ADDR,notEmpty"`
	RedisPassword     string `env:"REDIS_PASSWORD"`
	JWTSigningKey     string `env:"JWT_SIGNING_KEY,notEmpty"`
	MigrationsDir     string `env:"MIGRATIONS_DIR" envDefault:"migrations"`
	WorkerConcurrency int    `env:"WORKER_CONCURRENCY" envDefault:"4"`
	MaxAttempts       int    `env:"MAX_ATTEMPTS" envDefault:"3"`
	RetryBackoffSec   int    `env:"RETRY_BACKOFF_SEC" envDefault:"30"`
	RedriveEverySec   int    `env:"REDRIVE_EVERY_SEC" envDefault:"1"`
}

func Load() Config {
	var c Config
	if err := env.Parse(&c); err != nil {
		log.Fatal(err)
	}
	return c
}
