// Package sqlstore persists a store.Backend in SQLite.
//
// Secret-bearing columns can be sealed with a passphrase. The PBKDF2 salt
// lives in the meta table so the same passphrase opens the database again.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wacore/crypto"
	"github.com/opd-ai/wacore/store"
)

// Options configures a Store.
type Options struct {
	// Passphrase enables sealing of keys and sessions at rest.
	Passphrase []byte
	// MaxCommitRetries bounds retries of a transaction that hit a busy or
	// locked database.
	MaxCommitRetries int
	// RetryDelay is the pause between those retries.
	RetryDelay time.Duration
	Logger     *logrus.Entry
}

// Store is a store.Backend on a SQLite database.
type Store struct {
	db         *sql.DB
	sealer     *crypto.Sealer
	maxRetries int
	retryDelay time.Duration
	log        *logrus.Entry
}

var _ store.Backend = (*Store)(nil)

// Open opens or creates the database at path and applies pending
// migrations.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes writers and keeps in-memory
	// databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Store{
		db:         db,
		maxRetries: opts.MaxCommitRetries,
		retryDelay: opts.RetryDelay,
		log:        log.WithField("component", "sqlstore"),
	}
	if s.maxRetries <= 0 {
		s.maxRetries = 10
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	if len(opts.Passphrase) > 0 {
		if s.sealer, err = s.openSealer(ctx, opts.Passphrase); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) openSealer(ctx context.Context, passphrase []byte) (*crypto.Sealer, error) {
	var salt []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'salt'`).Scan(&salt)
	if errors.Is(err, sql.ErrNoRows) {
		if salt, err = crypto.NewSalt(); err != nil {
			return nil, err
		}
		_, err = s.db.ExecContext(ctx, `INSERT INTO meta (key, value) VALUES ('salt', ?)`, salt)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load salt: %w", err)
	}
	return crypto.NewSealer(append([]byte(nil), passphrase...), salt)
}

func (s *Store) seal(data []byte, ad string) ([]byte, error) {
	if s.sealer == nil {
		return data, nil
	}
	return s.sealer.Seal(data, []byte(ad))
}

func (s *Store) open(data []byte, ad string) ([]byte, error) {
	if s.sealer == nil {
		return data, nil
	}
	return s.sealer.Open(data, []byte(ad))
}

func retryable(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) &&
		(sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked)
}

// withTx runs fn in a transaction, retrying when the database is busy.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		err = s.tryTx(ctx, fn)
		if err == nil || !retryable(err) {
			return err
		}
		s.log.WithFields(logrus.Fields{
			"function": "withTx",
			"attempt":  attempt,
			"error":    err.Error(),
		}).Warn("Database busy, retrying transaction")

		select {
		case <-time.After(s.retryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("transaction failed after %d attempts: %w", s.maxRetries, err)
}

func (s *Store) tryTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// LoadDevice implements store.IdentityStore.
func (s *Store) LoadDevice(ctx context.Context) (*store.Device, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM device WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load device: %w", err)
	}
	if data, err = s.open(data, "device"); err != nil {
		return nil, err
	}
	d := &store.Device{}
	if err := d.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return d, nil
}

// SaveDevice implements store.IdentityStore.
func (s *Store) SaveDevice(ctx context.Context, d *store.Device) error {
	data, err := d.MarshalBinary()
	if err != nil {
		return err
	}
	if data, err = s.seal(data, "device"); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO device (id, data) VALUES (1, ?) ON CONFLICT (id) DO UPDATE SET data = excluded.data`, data)
	if err != nil {
		return fmt.Errorf("failed to save device: %w", err)
	}
	return nil
}

// DeleteDevice implements store.IdentityStore.
func (s *Store) DeleteDevice(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"device", "prekeys", "sessions", "sender_keys", "identities"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		return nil
	})
}

// Close implements store.Backend.
func (s *Store) Close() error {
	if s.sealer != nil {
		s.sealer.Close()
	}
	return s.db.Close()
}
