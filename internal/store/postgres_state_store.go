package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/shelfware/stocksync/internal/model"
	"github.com/shelfware/stocksync/internal/syncerr"
)

// PostgresStateStore implements StateStore for PostgreSQL
type PostgresStateStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStateStore creates a new PostgreSQL state store
func NewPostgresStateStore(
	host string,
	port int,
	database, user, password string,
	maxConns, minConns int,
	logger *zap.Logger,
) (*PostgresStateStore, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		host, port, database, user, password, maxConns, minConns,
	)

	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStateStore{
		pool:   pool,
		logger: logger,
	}, nil
}

// EnsureSchema creates the tenant_states table if it does not exist.
func (s *PostgresStateStore) EnsureSchema(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS tenant_states (
			organization_id TEXT PRIMARY KEY,
			storage_path    TEXT NOT NULL,
			version         BIGINT NOT NULL DEFAULT 1,
			invalidate_at   TIMESTAMPTZ,
			updated_by      TEXT NOT NULL,
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`

	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create tenant_states table: %w", err)
	}

	return nil
}

// Get retrieves the state row for a tenant
func (s *PostgresStateStore) Get(ctx context.Context, organizationID string) (*model.TenantState, error) {
	query := `
		SELECT organization_id, storage_path, version, invalidate_at, updated_by, updated_at
		FROM tenant_states
		WHERE organization_id = $1
	`

	var state model.TenantState
	err := s.pool.QueryRow(ctx, query, organizationID).Scan(
		&state.OrganizationID,
		&state.StoragePath,
		&state.Version,
		&state.InvalidateAt,
		&state.UpdatedBy,
		&state.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("tenant %s: %w", organizationID, syncerr.ErrNotFound)
		}
		return nil, classifyPgError("get tenant state", err)
	}

	return &state, nil
}

// BumpVersion atomically inserts-or-increments the tenant's state row. The
// single upsert statement takes a row lock on conflict, so concurrent bumps
// serialize inside postgres and can never commit duplicate versions.
func (s *PostgresStateStore) BumpVersion(ctx context.Context, organizationID, storagePath, actor string) (*model.TenantState, error) {
	query := `
		INSERT INTO tenant_states (organization_id, storage_path, version, invalidate_at, updated_by, updated_at)
		VALUES ($1, $2, 1, NULL, $3, NOW())
		ON CONFLICT (organization_id) DO UPDATE
		SET version       = tenant_states.version + 1,
		    storage_path  = EXCLUDED.storage_path,
		    invalidate_at = NULL,
		    updated_by    = EXCLUDED.updated_by,
		    updated_at    = NOW()
		RETURNING organization_id, storage_path, version, invalidate_at, updated_by, updated_at
	`

	var state model.TenantState
	err := s.pool.QueryRow(ctx, query, organizationID, storagePath, actor).Scan(
		&state.OrganizationID,
		&state.StoragePath,
		&state.Version,
		&state.InvalidateAt,
		&state.UpdatedBy,
		&state.UpdatedAt,
	)

	if err != nil {
		return nil, classifyPgError("bump version", err)
	}

	s.logger.Info("Bumped tenant version",
		zap.String("organization_id", organizationID),
		zap.Int64("version", state.Version),
		zap.String("storage_path", storagePath),
		zap.String("actor", actor))

	return &state, nil
}

// InvalidateAll stamps invalidate_at; the version is left unchanged.
func (s *PostgresStateStore) InvalidateAll(ctx context.Context, organizationID, actor string) (*model.TenantState, error) {
	query := `
		UPDATE tenant_states
		SET invalidate_at = NOW(), updated_by = $2, updated_at = NOW()
		WHERE organization_id = $1
		RETURNING organization_id, storage_path, version, invalidate_at, updated_by, updated_at
	`

	var state model.TenantState
	err := s.pool.QueryRow(ctx, query, organizationID, actor).Scan(
		&state.OrganizationID,
		&state.StoragePath,
		&state.Version,
		&state.InvalidateAt,
		&state.UpdatedBy,
		&state.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("tenant %s: %w", organizationID, syncerr.ErrNotFound)
		}
		return nil, classifyPgError("invalidate", err)
	}

	s.logger.Info("Invalidated tenant caches",
		zap.String("organization_id", organizationID),
		zap.Int64("version", state.Version),
		zap.String("actor", actor))

	return &state, nil
}

// Ping checks the database connection
func (s *PostgresStateStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool
func (s *PostgresStateStore) Close() {
	s.pool.Close()
}

// classifyPgError maps driver failures onto the sync error taxonomy.
// Serialization failures surface as ConflictError so the publisher can
// retry the bump once; everything else is treated as transient.
func classifyPgError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 40001 serialization_failure, 40P01 deadlock_detected
		if pgErr.Code == "40001" || pgErr.Code == "40P01" {
			return &syncerr.ConflictError{Cause: err}
		}
	}
	return syncerr.Transient(op, err)
}
