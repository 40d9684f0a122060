package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/opd-ai/wacore/crypto"
	"github.com/opd-ai/wacore/store"
)

func preKeyAD(id uint32) string {
	return "prekey:" + strconv.FormatUint(uint64(id), 10)
}

// StorePreKeys implements store.PreKeyStore.
func (s *Store) StorePreKeys(ctx context.Context, keys []*crypto.PreKey) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO prekeys (id, key, uploaded) VALUES (?, ?, 0)
			 ON CONFLICT (id) DO UPDATE SET key = excluded.key, uploaded = 0`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, k := range keys {
			data, err := s.seal(store.MarshalPreKey(k), preKeyAD(k.KeyID))
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, k.KeyID, data); err != nil {
				return fmt.Errorf("failed to store prekey %d: %w", k.KeyID, err)
			}
		}
		return nil
	})
}

func (s *Store) decodePreKey(id uint32, data []byte) (*crypto.PreKey, error) {
	data, err := s.open(data, preKeyAD(id))
	if err != nil {
		return nil, err
	}
	return store.UnmarshalPreKey(data)
}

// GetPreKey implements store.PreKeyStore.
func (s *Store) GetPreKey(ctx context.Context, id uint32) (*crypto.PreKey, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT key FROM prekeys WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get prekey %d: %w", id, err)
	}
	return s.decodePreKey(id, data)
}

// ConsumePreKey implements store.PreKeyStore with a single DELETE ...
// RETURNING statement.
func (s *Store) ConsumePreKey(ctx context.Context, id uint32) (*crypto.PreKey, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `DELETE FROM prekeys WHERE id = ? RETURNING key`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume prekey %d: %w", id, err)
	}
	return s.decodePreKey(id, data)
}

// UnuploadedPreKeys implements store.PreKeyStore.
func (s *Store) UnuploadedPreKeys(ctx context.Context) ([]*crypto.PreKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, key FROM prekeys WHERE uploaded = 0 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list prekeys: %w", err)
	}
	defer rows.Close()

	var keys []*crypto.PreKey
	for rows.Next() {
		var id uint32
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		pk, err := s.decodePreKey(id, data)
		if err != nil {
			return nil, err
		}
		keys = append(keys, pk)
	}
	return keys, rows.Err()
}

// MarkPreKeysUploaded implements store.PreKeyStore.
func (s *Store) MarkPreKeysUploaded(ctx context.Context, upTo uint32) error {
	_, err := s.db.ExecContext(ctx, `UPDATE prekeys SET uploaded = 1 WHERE id <= ?`, upTo)
	if err != nil {
		return fmt.Errorf("failed to mark prekeys uploaded: %w", err)
	}
	return nil
}

// UploadedPreKeyCount implements store.PreKeyStore.
func (s *Store) UploadedPreKeyCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM prekeys WHERE uploaded = 1`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count prekeys: %w", err)
	}
	return n, nil
}

// PutIdentity implements store.PeerIdentityStore.
func (s *Store) PutIdentity(ctx context.Context, addr string, key [32]byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO identities (address, key) VALUES (?, ?) ON CONFLICT (address) DO UPDATE SET key = excluded.key`,
		addr, key[:])
	if err != nil {
		return fmt.Errorf("failed to store identity: %w", err)
	}
	return nil
}

// IsTrustedIdentity implements store.PeerIdentityStore.
func (s *Store) IsTrustedIdentity(ctx context.Context, addr string, key [32]byte) (bool, error) {
	var known []byte
	err := s.db.QueryRowContext(ctx, `SELECT key FROM identities WHERE address = ?`, addr).Scan(&known)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load identity: %w", err)
	}
	return string(known) == string(key[:]), nil
}
