package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/opd-ai/wacore/store"
)

// GetSession implements store.SessionStore.
func (s *Store) GetSession(ctx context.Context, addr string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM sessions WHERE address = ?`, addr).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s.open(data, "session:"+addr)
}

// PutSession implements store.SessionStore.
func (s *Store) PutSession(ctx context.Context, addr string, data []byte) error {
	sealed, err := s.seal(data, "session:"+addr)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (address, data) VALUES (?, ?) ON CONFLICT (address) DO UPDATE SET data = excluded.data`,
		addr, sealed)
	if err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

// DeleteSession implements store.SessionStore.
func (s *Store) DeleteSession(ctx context.Context, addr string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE address = ?`, addr); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// HasSession implements store.SessionStore.
func (s *Store) HasSession(ctx context.Context, addr string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM sessions WHERE address = ?)`, addr).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check session: %w", err)
	}
	return exists, nil
}

// GetSenderKey implements store.SenderKeyStore.
func (s *Store) GetSenderKey(ctx context.Context, group, sender string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM sender_keys WHERE group_id = ? AND sender = ?`, group, sender).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sender key: %w", err)
	}
	return s.open(data, "senderkey:"+group+":"+sender)
}

// PutSenderKey implements store.SenderKeyStore.
func (s *Store) PutSenderKey(ctx context.Context, group, sender string, data []byte) error {
	sealed, err := s.seal(data, "senderkey:"+group+":"+sender)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sender_keys (group_id, sender, data) VALUES (?, ?, ?)
		 ON CONFLICT (group_id, sender) DO UPDATE SET data = excluded.data`,
		group, sender, sealed)
	if err != nil {
		return fmt.Errorf("failed to store sender key: %w", err)
	}
	return nil
}
