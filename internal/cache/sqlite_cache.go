package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/shelfware/stocksync/internal/model"
	"github.com/shelfware/stocksync/internal/syncerr"
)

const schema = `
	CREATE TABLE IF NOT EXISTS cache_metadata (
		organization_id TEXT PRIMARY KEY,
		version         INTEGER NOT NULL,
		storage_path    TEXT NOT NULL,
		updated_at      TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS profiles (
		organization_id TEXT NOT NULL,
		code            TEXT NOT NULL,
		name            TEXT NOT NULL,
		series          TEXT NOT NULL DEFAULT '',
		finish          TEXT NOT NULL DEFAULT '',
		price_per_m     REAL NOT NULL DEFAULT 0,
		weight_per_m    REAL NOT NULL DEFAULT 0,
		length_mm       INTEGER NOT NULL DEFAULT 0,
		extra           TEXT,
		PRIMARY KEY (organization_id, code)
	);
	CREATE TABLE IF NOT EXISTS accessories (
		organization_id TEXT NOT NULL,
		code            TEXT NOT NULL,
		name            TEXT NOT NULL,
		unit            TEXT NOT NULL DEFAULT '',
		price_unit      REAL NOT NULL DEFAULT 0,
		extra           TEXT,
		PRIMARY KEY (organization_id, code)
	);
`

// SQLiteCache implements ReplicaCache on a local SQLite file. Atomicity of
// ReplaceAll and Clear comes from wrapping each in a single transaction.
type SQLiteCache struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteCache opens (creating if needed) the cache database at path
func NewSQLiteCache(path string, logger *zap.Logger) (*SQLiteCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, &syncerr.StorageUnavailableError{Op: "open", Cause: err}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, &syncerr.StorageUnavailableError{Op: "open", Cause: err}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, &syncerr.StorageUnavailableError{Op: "migrate", Cause: err}
	}

	return &SQLiteCache{db: db, logger: logger}, nil
}

// ReadAll returns the stored rows and metadata for a tenant
func (c *SQLiteCache) ReadAll(ctx context.Context, organizationID string) (*model.Snapshot, *model.CacheMetadata, error) {
	meta, err := c.readMetadata(ctx, organizationID)
	if err != nil {
		return nil, nil, err
	}
	if meta == nil {
		return &model.Snapshot{}, nil, nil
	}

	snap := &model.Snapshot{}

	rows, err := c.db.QueryContext(ctx, `
		SELECT code, name, series, finish, price_per_m, weight_per_m, length_mm, extra
		FROM profiles WHERE organization_id = ? ORDER BY code
	`, organizationID)
	if err != nil {
		return nil, nil, &syncerr.StorageUnavailableError{Op: "read profiles", Cause: err}
	}
	defer rows.Close()

	for rows.Next() {
		var p model.Profile
		var extra sql.NullString
		if err := rows.Scan(&p.Code, &p.Name, &p.Series, &p.Finish, &p.PricePerM, &p.WeightPerM, &p.LengthMM, &extra); err != nil {
			return nil, nil, &syncerr.StorageUnavailableError{Op: "read profiles", Cause: err}
		}
		if p.Extra, err = decodeExtra(extra); err != nil {
			return nil, nil, &syncerr.StorageUnavailableError{Op: "read profiles", Cause: err}
		}
		snap.Profiles = append(snap.Profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, &syncerr.StorageUnavailableError{Op: "read profiles", Cause: err}
	}

	arows, err := c.db.QueryContext(ctx, `
		SELECT code, name, unit, price_unit, extra
		FROM accessories WHERE organization_id = ? ORDER BY code
	`, organizationID)
	if err != nil {
		return nil, nil, &syncerr.StorageUnavailableError{Op: "read accessories", Cause: err}
	}
	defer arows.Close()

	for arows.Next() {
		var a model.Accessory
		var extra sql.NullString
		if err := arows.Scan(&a.Code, &a.Name, &a.Unit, &a.PriceUnit, &extra); err != nil {
			return nil, nil, &syncerr.StorageUnavailableError{Op: "read accessories", Cause: err}
		}
		if a.Extra, err = decodeExtra(extra); err != nil {
			return nil, nil, &syncerr.StorageUnavailableError{Op: "read accessories", Cause: err}
		}
		snap.Accessories = append(snap.Accessories, a)
	}
	if err := arows.Err(); err != nil {
		return nil, nil, &syncerr.StorageUnavailableError{Op: "read accessories", Cause: err}
	}

	return snap, meta, nil
}

// ReplaceAll swaps the tenant's row set and metadata in one transaction
func (c *SQLiteCache) ReplaceAll(ctx context.Context, organizationID string, version int64, storagePath string, snap *model.Snapshot) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return &syncerr.StorageUnavailableError{Op: "replace", Cause: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM profiles WHERE organization_id = ?`, organizationID); err != nil {
		return &syncerr.StorageUnavailableError{Op: "replace", Cause: err}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM accessories WHERE organization_id = ?`, organizationID); err != nil {
		return &syncerr.StorageUnavailableError{Op: "replace", Cause: err}
	}

	for _, p := range snap.Profiles {
		extra, err := encodeExtra(p.Extra)
		if err != nil {
			return &syncerr.StorageUnavailableError{Op: "replace", Cause: err}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO profiles
				(organization_id, code, name, series, finish, price_per_m, weight_per_m, length_mm, extra)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, organizationID, p.Code, p.Name, p.Series, p.Finish, p.PricePerM, p.WeightPerM, p.LengthMM, extra); err != nil {
			return &syncerr.StorageUnavailableError{Op: "replace", Cause: err}
		}
	}

	for _, a := range snap.Accessories {
		extra, err := encodeExtra(a.Extra)
		if err != nil {
			return &syncerr.StorageUnavailableError{Op: "replace", Cause: err}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO accessories (organization_id, code, name, unit, price_unit, extra)
			VALUES (?, ?, ?, ?, ?, ?)
		`, organizationID, a.Code, a.Name, a.Unit, a.PriceUnit, extra); err != nil {
			return &syncerr.StorageUnavailableError{Op: "replace", Cause: err}
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO cache_metadata (organization_id, version, storage_path, updated_at)
		VALUES (?, ?, ?, ?)
	`, organizationID, version, storagePath, time.Now().UTC()); err != nil {
		return &syncerr.StorageUnavailableError{Op: "replace", Cause: err}
	}

	if err := tx.Commit(); err != nil {
		return &syncerr.StorageUnavailableError{Op: "replace", Cause: err}
	}

	profiles, accessories := snap.Counts()
	c.logger.Debug("Replaced cached dataset",
		zap.String("organization_id", organizationID),
		zap.Int64("version", version),
		zap.Int("profiles", profiles),
		zap.Int("accessories", accessories))

	return nil
}

// Clear wipes the tenant's rows and metadata in one transaction
func (c *SQLiteCache) Clear(ctx context.Context, organizationID string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return &syncerr.StorageUnavailableError{Op: "clear", Cause: err}
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM profiles WHERE organization_id = ?`,
		`DELETE FROM accessories WHERE organization_id = ?`,
		`DELETE FROM cache_metadata WHERE organization_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, organizationID); err != nil {
			return &syncerr.StorageUnavailableError{Op: "clear", Cause: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &syncerr.StorageUnavailableError{Op: "clear", Cause: err}
	}

	c.logger.Debug("Cleared cached dataset", zap.String("organization_id", organizationID))
	return nil
}

// Close closes the database
func (c *SQLiteCache) Close() error {
	return c.db.Close()
}

func (c *SQLiteCache) readMetadata(ctx context.Context, organizationID string) (*model.CacheMetadata, error) {
	var meta model.CacheMetadata
	err := c.db.QueryRowContext(ctx, `
		SELECT version, storage_path, updated_at
		FROM cache_metadata WHERE organization_id = ?
	`, organizationID).Scan(&meta.Version, &meta.StoragePath, &meta.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &syncerr.StorageUnavailableError{Op: "read metadata", Cause: err}
	}

	return &meta, nil
}

func encodeExtra(extra map[string]string) (sql.NullString, error) {
	if len(extra) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(extra)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode extra columns: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeExtra(extra sql.NullString) (map[string]string, error) {
	if !extra.Valid || extra.String == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(extra.String), &m); err != nil {
		return nil, fmt.Errorf("failed to decode extra columns: %w", err)
	}
	return m, nil
}
