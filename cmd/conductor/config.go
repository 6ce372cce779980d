package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config is the service configuration. Every field is read from a
// CONDUCTOR_ prefixed environment variable.
type Config struct {
	Addr         string        `env:"ADDR, default=:9001"`
	Settings     string        `env:"SETTINGS, default=settings.yaml"`
	DataDir      string        `env:"DATA_DIR, default=/var/lib/conductor"`
	BaseURL      string        `env:"BASE_URL"`
	LogLevel     string        `env:"LOG_LEVEL, default=info"`
	JWTSecret    string        `env:"JWT_SECRET"`
	QueueSize    int           `env:"QUEUE_SIZE, default=64"`
	PollInterval time.Duration `env:"POLL_INTERVAL, default=1m"`
	NatsURL      string        `env:"NATS_URL"`

	Postgres  Postgres  `env:",prefix=POSTGRES_"`
	Secrets   Secrets   `env:",prefix=SECRETS_"`
	Artifacts Artifacts `env:",prefix=ARTIFACTS_"`
}

// Postgres locates the run database. Runs are kept in memory when Href is
// empty.
type Postgres struct {
	User string `env:"USER"`
	Pass string `env:"PASS"`
	Href string `env:"HREF"`
	DB   string `env:"DB"`
	SSL  string `env:"SSL, default=verify-full"`
}

// ConnString is the lib/pq connection URL.
func (p Postgres) ConnString() string {
	return fmt.Sprintf("postgres://%v:%v@%v/%v?sslmode=%v",
		p.User, p.Pass, p.Href, p.DB, p.SSL)
}

// Secrets selects where credential handles are resolved.
type Secrets struct {
	Provider  string `env:"PROVIDER, default=env"`
	EnvPrefix string `env:"ENV_PREFIX"`
	Vault     Vault  `env:",prefix=VAULT_"`
}

type Vault struct {
	Addr   string `env:"ADDR, default=http://127.0.0.1:8200"`
	Token  string `env:"TOKEN"`
	Mount  string `env:"MOUNT, default=secret"`
	Prefix string `env:"PREFIX, default=conductor"`
}

// Artifacts selects where published artifacts go.
type Artifacts struct {
	Store    string `env:"STORE, default=local"`
	Bucket   string `env:"BUCKET"`
	Prefix   string `env:"PREFIX, default=conductor"`
	Endpoint string `env:"ENDPOINT"`
}

func loadConfig(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var env struct {
		Conductor Config `env:",prefix=CONDUCTOR_"`
	}

	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &env,
		Lookuper: lookuper,
	})
	if err != nil {
		return Config{}, err
	}

	cfg := env.Conductor
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (cfg Config) validate() error {
	var errs []error

	if cfg.Postgres.Href != "" {
		if cfg.Postgres.User == "" {
			errs = append(errs, errors.New("need CONDUCTOR_POSTGRES_USER"))
		}
		if cfg.Postgres.DB == "" {
			errs = append(errs, errors.New("need CONDUCTOR_POSTGRES_DB"))
		}
	}

	switch cfg.Secrets.Provider {
	case "env":
	case "vault":
		if cfg.Secrets.Vault.Token == "" {
			errs = append(errs, errors.New("need CONDUCTOR_SECRETS_VAULT_TOKEN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown secrets provider %q", cfg.Secrets.Provider))
	}

	switch cfg.Artifacts.Store {
	case "local":
	case "s3":
		if cfg.Artifacts.Bucket == "" {
			errs = append(errs, errors.New("need CONDUCTOR_ARTIFACTS_BUCKET"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown artifact store %q", cfg.Artifacts.Store))
	}

	if cfg.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("queue size must be positive, got %d", cfg.QueueSize))
	}

	return errors.Join(errs...)
}
