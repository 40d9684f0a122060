// Package commands implements the wacore command line.
package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/wacore"
	"github.com/opd-ai/wacore/metrics"
	"github.com/opd-ai/wacore/store"
	"github.com/opd-ai/wacore/store/redisstore"
	"github.com/opd-ai/wacore/store/sqlstore"
)

var (
	home        string
	dbPath      string
	passphrase  string
	redisAddr   string
	redisPrefix string
	logLevel    string

	commitRetries int
	commitDelay   time.Duration
)

func Execute() error {
	root := &cobra.Command{
		Use:          "wacore",
		Short:        "Link a companion device and keep its session online",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			logrus.SetLevel(level)
			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".wacore")
			}
			return os.MkdirAll(home, 0o700)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&home, "home", "", "state dir (default ~/.wacore)")
	flags.StringVar(&dbPath, "db", "", "sqlite database (default <home>/device.db)")
	flags.StringVarP(&passphrase, "passphrase", "p", "", "passphrase sealing keys and sessions at rest")
	flags.StringVar(&redisAddr, "redis", "", "store state in redis at this address instead of sqlite")
	flags.StringVar(&redisPrefix, "redis-prefix", "wacore", "key prefix in redis")
	flags.StringVar(&logLevel, "log-level", "info", "log level")
	flags.IntVar(&commitRetries, "commit-retries", wacore.DefaultMaxCommitRetries, "retries of a busy sqlite transaction")
	flags.DurationVar(&commitDelay, "commit-delay", wacore.DefaultTransactionRetryDelay, "pause between sqlite transaction retries")

	root.AddCommand(pairCmd(), connectCmd(), logoutCmd())
	return root.Execute()
}

func openBackend(ctx context.Context, cfg *wacore.Config) (store.Backend, error) {
	if redisAddr != "" {
		return redisstore.Dial(ctx, redisAddr, redisPrefix)
	}
	path := dbPath
	if path == "" {
		path = filepath.Join(home, "device.db")
	}
	opts := sqlstore.Options{
		MaxCommitRetries: cfg.TransactionMaxCommitRetries,
		RetryDelay:       cfg.TransactionRetryDelay,
		Logger:           cfg.Logger.WithField("component", "sqlstore"),
	}
	if passphrase != "" {
		opts.Passphrase = []byte(passphrase)
	}
	return sqlstore.Open(ctx, path, opts)
}

// newClient builds a client on the configured backend. Closing the client
// closes the backend.
func newClient(ctx context.Context, m *metrics.Metrics) (*wacore.Client, error) {
	cfg := wacore.NewConfig()
	cfg.TransactionMaxCommitRetries = commitRetries
	cfg.TransactionRetryDelay = commitDelay
	cfg.Metrics = m
	cfg.Logger = logrus.WithField("app", "wacore")

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	cli, err := wacore.NewClient(backend, cfg)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return cli, nil
}
