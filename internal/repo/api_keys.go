package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"fieldline/internal/domain"
)

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// InsertAPIKey stores a hashed key for a farmer, registering the farmer when needed.
// KeyHash must already contain the hashed value.
func (r Repo) InsertAPIKey(ctx context.Context, key domain.APIKey) error {
	switch {
	case key.ID == "":
		return errors.New("id required")
	case key.FarmerID == "":
		return errors.New("farmer_id required")
	case key.KeyHash == "":
		return errors.New("key_hash required")
	}
	if key.CreatedAt == "" {
		key.CreatedAt = formatTime(time.Now())
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := ensureFarmer(ctx, tx, key.FarmerID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO api_keys(id, farmer_id, name, key_hash, created_at) VALUES (?,?,?,?,?)`,
		key.ID, key.FarmerID, nullable(key.Name), key.KeyHash, key.CreatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

// GetAPIKeyByHash returns an API key by its hashed value.
func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id, farmer_id, COALESCE(name,''), key_hash, created_at FROM api_keys WHERE key_hash=? LIMIT 1`, hash)
	var key domain.APIKey
	err := row.Scan(&key.ID, &key.FarmerID, &key.Name, &key.KeyHash, &key.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.APIKey{}, ErrNotFound
	}
	if err != nil {
		return domain.APIKey{}, err
	}
	return key, nil
}

// GetAPIKey returns an API key by ID.
func (r Repo) GetAPIKey(ctx context.Context, id string) (domain.APIKey, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id, farmer_id, COALESCE(name,''), key_hash, created_at FROM api_keys WHERE id=?`, id)
	var key domain.APIKey
	err := row.Scan(&key.ID, &key.FarmerID, &key.Name, &key.KeyHash, &key.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.APIKey{}, ErrNotFound
	}
	if err != nil {
		return domain.APIKey{}, err
	}
	return key, nil
}

// ListAPIKeys returns keys newest first, optionally for one farmer.
func (r Repo) ListAPIKeys(ctx context.Context, farmerID string) ([]domain.APIKey, error) {
	query := `SELECT id, farmer_id, COALESCE(name,''), key_hash, created_at FROM api_keys`
	var args []any
	if farmerID != "" {
		query += ` WHERE farmer_id=?`
		args = append(args, farmerID)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := []domain.APIKey{}
	for rows.Next() {
		var key domain.APIKey
		if err := rows.Scan(&key.ID, &key.FarmerID, &key.Name, &key.KeyHash, &key.CreatedAt); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// DeleteAPIKey deletes an API key by ID.
func (r Repo) DeleteAPIKey(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	res, err := r.DB.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
