package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v6"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/brandur/signpost/internal/spannounce"
	"github.com/brandur/signpost/internal/spkv"
	"github.com/brandur/signpost/internal/spkv/spgcpstorage"
	"github.com/brandur/signpost/internal/spkv/spmemorykv"
	"github.com/brandur/signpost/internal/spkv/sppostgres"
	"github.com/brandur/signpost/internal/spkv/spredis"
	"github.com/brandur/signpost/internal/sptemplate"
)

const defaultPort = 5000

const secretLength = 32

const (
	StoreGCPStorage = "gcpstorage"
	StoreMemory     = "memory"
	StorePostgres   = "postgres"
	StoreRedis      = "redis"
)

// Config is loaded from the environment once at startup.
type Config struct {
	AllowPublicAccess bool          `env:"ALLOW_PUBLIC_ACCESS" envDefault:"true"`
	DatabaseURL       string        `env:"DATABASE_URL"`
	DeniedKeys        []string      `env:"DENIED_KEYS" envSeparator:","`
	GCPBucket         string        `env:"GCP_STORAGE_BUCKET"`
	GCPCredentials    string        `env:"GCP_SERVICE_ACCOUNT_JSON"`
	LogFormat         string        `env:"LOG_FORMAT" envDefault:"text"`
	LogLevel          string        `env:"LOG_LEVEL" envDefault:"info"`
	MasterPassword    string        `env:"MASTER_PASSWORD"`
	Port              int           `env:"PORT" envDefault:"5000"`
	RedisDB           int           `env:"REDIS_DB" envDefault:"0"`
	RedisHost         string        `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPassword     string        `env:"REDIS_PASSWORD"`
	RedisPort         int           `env:"REDIS_PORT" envDefault:"6379"`
	RedisTLS          bool          `env:"REDIS_TLS" envDefault:"false"`
	RequestTimeout    time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10s"`
	Store             string        `env:"STORE" envDefault:"redis"`
}

func main() {
	time.Local = time.UTC

	rootCmd := &cobra.Command{
		Use:   "signpost",
		Short: "Keyed announcement server",
		Long: strings.TrimSpace(`
Signpost stores short announcements under keys of your choosing. Each
announcement is protected by a secret needed to change or delete it, can be
made private so that reading it also needs the secret, and can be set to
expire.

Running with no arguments starts the server.
			`),
		Example: strings.TrimSpace(`
# start the server listening on $PORT
signpost serve

# generate a secret for a new announcement
signpost gensecret

# preview how announcement content renders
signpost expand "Players online: <!r10-50>"
		`),
		Run: func(cmd *cobra.Command, args []string) {
			if err := runServe(); err != nil {
				abortErr(err)
			}
		},
	}

	// signpost expand
	{
		cmd := &cobra.Command{
			Use:   "expand <content>",
			Short: "Render announcement content",
			Long: strings.TrimSpace(`
Renders announcement content the way it's shown to readers, replacing each
random-range placeholder like <!r1-6> with a random integer between its bounds
(inclusive). Every run draws new numbers.
			`),
			Args: cobra.MinimumNArgs(1),
			Run: func(cmd *cobra.Command, args []string) {
				runExpand(cmd.OutOrStdout(), strings.Join(args, " "))
			},
		}
		rootCmd.AddCommand(cmd)
	}

	// signpost gensecret
	{
		cmd := &cobra.Command{
			Use:   "gensecret",
			Short: "Generate a random announcement secret",
			Run: func(cmd *cobra.Command, args []string) {
				if err := runGenSecret(cmd.OutOrStdout()); err != nil {
					abortErr(err)
				}
			},
		}
		rootCmd.AddCommand(cmd)
	}

	// signpost serve
	{
		cmd := &cobra.Command{
			Use:   "serve",
			Short: "Start Signpost server",
			Long: strings.TrimSpace(fmt.Sprintf(`
Starts a Signpost server, binding to $PORT, or default to %d. Announcements are
kept in the store selected by $STORE (one of redis, postgres, gcpstorage, or
memory).
			`, defaultPort)),
			Run: func(cmd *cobra.Command, args []string) {
				if err := runServe(); err != nil {
					abortErr(err)
				}
			},
		}
		rootCmd.AddCommand(cmd)
	}

	if err := rootCmd.Execute(); err != nil {
		abortErr(err)
	}
}

func abort(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}

func abortErr(err error) {
	abort("error: %v", err)
}

func parseConfig() (*Config, error) {
	config := Config{}
	if err := env.Parse(&config); err != nil {
		return nil, xerrors.Errorf("error parsing env config: %w", err)
	}

	return &config, nil
}

func newLogger(config *Config) (*logrus.Logger, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(config.LogLevel)
	if err != nil {
		return nil, xerrors.Errorf("error parsing log level: %w", err)
	}
	logger.SetLevel(level)

	switch config.LogFormat {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text":
	default:
		return nil, xerrors.Errorf("unknown log format %q (should be 'json' or 'text')", config.LogFormat)
	}

	return logger, nil
}

func runExpand(out io.Writer, content string) {
	fmt.Fprintln(out, sptemplate.NewExpander().Expand(content))
}

func runGenSecret(out io.Writer) error {
	secret, err := gonanoid.New(secretLength)
	if err != nil {
		return xerrors.Errorf("error generating secret: %w", err)
	}

	fmt.Fprintln(out, secret)
	return nil
}

// A backend along with anything that needs to run alongside it.
type kvBackend struct {
	store    spkv.Store
	close    func() error
	reapLoop func(shutdown <-chan struct{})
}

func newKVBackend(ctx context.Context, logger *logrus.Logger, config *Config) (*kvBackend, error) {
	switch config.Store {
	case StoreGCPStorage:
		if config.GCPBucket == "" {
			return nil, xerrors.New("GCP_STORAGE_BUCKET is required for the gcpstorage store")
		}

		store, err := spgcpstorage.NewGCPStorageStore(ctx, logger, config.GCPCredentials, config.GCPBucket)
		if err != nil {
			return nil, err
		}
		return &kvBackend{store: store, close: store.Close}, nil

	case StoreMemory:
		store := spmemorykv.NewMemoryStore(logger)
		return &kvBackend{store: store, reapLoop: store.ReapLoop}, nil

	case StorePostgres:
		if config.DatabaseURL == "" {
			return nil, xerrors.New("DATABASE_URL is required for the postgres store")
		}

		store, err := sppostgres.NewPostgresStore(logger, config.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return &kvBackend{store: store, close: store.Close, reapLoop: store.ReapLoop}, nil

	case StoreRedis:
		store, err := spredis.NewRedisStore(logger, &spredis.Options{
			Host:     config.RedisHost,
			Port:     config.RedisPort,
			Password: config.RedisPassword,
			DB:       config.RedisDB,
			TLS:      config.RedisTLS,
		})
		if err != nil {
			return nil, err
		}
		return &kvBackend{store: store, close: store.Close}, nil
	}

	return nil, xerrors.Errorf("unknown store %q (should be one of %s, %s, %s, or %s)",
		config.Store, StoreGCPStorage, StoreMemory, StorePostgres, StoreRedis)
}

func runServe() error {
	config, err := parseConfig()
	if err != nil {
		return err
	}

	logger, err := newLogger(config)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := newKVBackend(ctx, logger, config)
	if err != nil {
		return xerrors.Errorf("error initializing %s store: %w", config.Store, err)
	}
	if backend.close != nil {
		defer backend.close()
	}

	if !config.AllowPublicAccess && config.MasterPassword == "" {
		logger.Warnf("ALLOW_PUBLIC_ACCESS is false but MASTER_PASSWORD is empty; all changes will be rejected")
	}

	denyList := NewMemoryDenyList(config.DeniedKeys...)
	if keys := denyList.Keys(); len(keys) > 0 {
		logger.Infof("Denying keys: %s", strings.Join(keys, ", "))
	}

	gate := spannounce.NewGate(&spannounce.Config{
		AllowPublicAccess: config.AllowPublicAccess,
		MasterPassword:    config.MasterPassword,
	})
	announcementStore := spannounce.NewStore(logger, backend.store, gate, sptemplate.NewExpander())
	server := NewServer(logger, announcementStore, gate, denyList, config.Port, config.RequestTimeout)

	errGroup, ctx := errgroup.WithContext(ctx)

	if backend.reapLoop != nil {
		errGroup.Go(func() error {
			backend.reapLoop(ctx.Done())
			return nil
		})
	}

	errGroup.Go(func() error {
		return server.Start(ctx)
	})

	return errGroup.Wait() //nolint:wrapcheck
}
