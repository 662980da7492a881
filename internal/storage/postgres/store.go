// Package postgres provides the Postgres-backed fitment store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/fitment-scraper/internal/scraper"
	"github.com/JakeFAU/fitment-scraper/internal/storage"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	Schema          storage.Schema
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

type pool interface {
	querier
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// Store implements scraper.Store on pgx.
type Store struct {
	pool    pool
	schema  storage.Schema
	queries storage.Queries
	logger  *zap.Logger
}

// NewStore connects to Postgres using the provided config.
func NewStore(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if err := cfg.Schema.Validate(); err != nil {
		return nil, fmt.Errorf("postgres schema: %w", err)
	}
	p, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewStoreWithPool(p, cfg.Schema, logger)
}

// Connect opens a pool that several provider stores can share. cfg.Schema is
// ignored.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return p, nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStoreWithPool(p pool, schema storage.Schema, logger *zap.Logger) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if err := schema.Validate(); err != nil {
		return nil, fmt.Errorf("postgres schema: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pool:    p,
		schema:  schema,
		queries: schema.Queries(storage.Postgres),
		logger:  logger.Named("postgres"),
	}, nil
}

// EnsureSchema creates the provider tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range s.schema.DDL(storage.Postgres) {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return &scraper.PersistError{Op: "ensure schema", Err: err}
		}
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// UpsertVehicleIdentity returns the id of the row matching the exact key,
// inserting it when absent.
func (s *Store) UpsertVehicleIdentity(ctx context.Context, identity scraper.VehicleIdentity) (int64, error) {
	id, _, err := s.upsert(ctx, s.pool, identity)
	return id, err
}

// InsertFitmentRecords appends rows for identityID.
func (s *Store) InsertFitmentRecords(ctx context.Context, identityID int64, records []scraper.FitmentRecord) (int, error) {
	return s.insertRecords(ctx, s.pool, identityID, records)
}

// BackfillEnrichment sets field only where it is NULL or empty.
func (s *Store) BackfillEnrichment(ctx context.Context, identityID int64, field, value string) (bool, error) {
	return s.backfill(ctx, s.pool, identityID, field, value)
}

// SaveLeaf writes the identity, its enrichment and its fitment rows in one
// transaction.
func (s *Store) SaveLeaf(ctx context.Context, result scraper.LeafResult) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, &scraper.PersistError{Op: "begin", Err: err}
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				s.logger.Warn("rollback save leaf", zap.Error(rbErr))
			}
		}
	}()

	id, created, err := s.upsert(ctx, tx, result.Identity)
	if err != nil {
		return 0, err
	}
	if !created {
		for _, field := range s.schema.Enrichment {
			if v := result.Identity.Enrichment[field]; v != "" {
				if _, err := s.backfill(ctx, tx, id, field, v); err != nil {
					return 0, err
				}
			}
		}
	}
	if _, err := s.insertRecords(ctx, tx, id, result.Records); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, &scraper.PersistError{Op: "commit", Err: err}
	}
	committed = true
	return id, nil
}

// Exists reports whether an identity with the exact key is stored.
func (s *Store) Exists(ctx context.Context, key scraper.Key) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, s.queries.Exists, s.schema.KeyArgs(key)...).Scan(&exists); err != nil {
		return false, &scraper.PersistError{Op: "exists", Err: err}
	}
	return exists, nil
}

// LastIdentity returns the most recently created identity.
func (s *Store) LastIdentity(ctx context.Context) (scraper.VehicleIdentity, bool, error) {
	return s.scanIdentity(s.pool.QueryRow(ctx, s.queries.LastIdentity), "last identity")
}

// LevelValues lists the stored values of the level below parent.
func (s *Store) LevelValues(ctx context.Context, parent scraper.Key) ([]string, error) {
	if len(parent) >= len(s.schema.Levels) {
		return nil, &scraper.ParsingError{Reason: fmt.Sprintf("%s has no level below depth %d", s.schema.IdentityTable(), len(parent))}
	}
	rows, err := s.pool.Query(ctx, s.queries.LevelValues[len(parent)], s.schema.KeyArgs(parent)...)
	if err != nil {
		return nil, &scraper.PersistError{Op: "level values", Err: err}
	}
	values, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, &scraper.PersistError{Op: "level values", Err: err}
	}
	return values, nil
}

// Vehicle returns the identity stored under key and its fitment rows.
func (s *Store) Vehicle(ctx context.Context, key scraper.Key) (scraper.VehicleIdentity, []scraper.FitmentRecord, bool, error) {
	if len(key) != len(s.schema.Levels) {
		return scraper.VehicleIdentity{}, nil, false, &scraper.ParsingError{
			Reason: fmt.Sprintf("key %q has %d levels, want %d", key.String(), len(key), len(s.schema.Levels)),
		}
	}
	identity, ok, err := s.scanIdentity(s.pool.QueryRow(ctx, s.queries.IdentityByKey, s.schema.KeyArgs(key)...), "vehicle")
	if err != nil || !ok {
		return scraper.VehicleIdentity{}, nil, false, err
	}
	rows, err := s.pool.Query(ctx, s.queries.Records, identity.ID)
	if err != nil {
		return scraper.VehicleIdentity{}, nil, false, &scraper.PersistError{Op: "fitment records", Err: err}
	}
	records, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return scraper.VehicleIdentity{}, nil, false, &scraper.PersistError{Op: "fitment records", Err: err}
	}
	return identity, records, true, nil
}

func scanRecord(row pgx.CollectableRow) (scraper.FitmentRecord, error) {
	cols := make([]*string, len(storage.FitmentColumns)-1)
	var attrs []byte
	dest := make([]any, 0, len(cols)+1)
	for i := range cols {
		dest = append(dest, &cols[i])
	}
	dest = append(dest, &attrs)
	if err := row.Scan(dest...); err != nil {
		return scraper.FitmentRecord{}, err
	}
	values := make([]string, len(cols))
	for i, v := range cols {
		if v != nil {
			values[i] = *v
		}
	}
	return storage.RecordFromRow(values, attrs)
}

func (s *Store) scanIdentity(row pgx.Row, op string) (scraper.VehicleIdentity, bool, error) {
	levels := make([]*string, len(s.schema.Levels))
	enrichment := make([]*string, len(s.schema.Enrichment))
	var (
		id      int64
		ids     []byte
		created time.Time
	)
	dest := []any{&id}
	for i := range levels {
		dest = append(dest, &levels[i])
	}
	dest = append(dest, &ids)
	for i := range enrichment {
		dest = append(dest, &enrichment[i])
	}
	dest = append(dest, &created)

	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scraper.VehicleIdentity{}, false, nil
		}
		return scraper.VehicleIdentity{}, false, &scraper.PersistError{Op: op, Err: err}
	}
	externalIDs, err := storage.UnmarshalIDs(ids)
	if err != nil {
		return scraper.VehicleIdentity{}, false, &scraper.PersistError{Op: op, Err: err}
	}
	identity := scraper.VehicleIdentity{
		ID:          id,
		Key:         make(scraper.Key, len(levels)),
		ExternalIDs: externalIDs,
		CreatedAt:   created,
	}
	for i, v := range levels {
		if v != nil {
			identity.Key[i] = *v
		}
	}
	for i, v := range enrichment {
		if v != nil && *v != "" {
			if identity.Enrichment == nil {
				identity.Enrichment = make(map[string]string)
			}
			identity.Enrichment[s.schema.Enrichment[i]] = *v
		}
	}
	return identity, true, nil
}

// LogError appends to the error log with details stored as JSON.
func (s *Store) LogError(ctx context.Context, source string, details map[string]any, message string) error {
	payload, err := storage.MarshalJSON(details)
	if err != nil {
		return fmt.Errorf("marshal error context: %w", err)
	}
	if _, err := s.pool.Exec(ctx, s.queries.LogError, source, payload, message); err != nil {
		return &scraper.PersistError{Op: "log error", Err: err}
	}
	return nil
}

func (s *Store) upsert(ctx context.Context, q querier, identity scraper.VehicleIdentity) (int64, bool, error) {
	args, err := s.schema.IdentityArgs(identity)
	if err != nil {
		return 0, false, &scraper.ParsingError{Reason: err.Error()}
	}
	var id int64
	err = q.QueryRow(ctx, s.queries.SelectID, s.schema.KeyArgs(identity.Key)...).Scan(&id)
	switch {
	case err == nil:
		return id, false, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return 0, false, &scraper.PersistError{Op: "select identity", Err: err}
	}
	if err := q.QueryRow(ctx, s.queries.InsertIdentity, args...).Scan(&id); err != nil {
		return 0, false, &scraper.PersistError{Op: "insert identity", Err: err}
	}
	return id, true, nil
}

func (s *Store) insertRecords(ctx context.Context, q querier, identityID int64, records []scraper.FitmentRecord) (int, error) {
	for i, rec := range records {
		args, err := storage.FitmentArgs(identityID, rec)
		if err != nil {
			return i, &scraper.ParsingError{Reason: err.Error()}
		}
		if _, err := q.Exec(ctx, s.queries.InsertFitment, args...); err != nil {
			return i, &scraper.PersistError{Op: "insert fitment", Err: err}
		}
	}
	return len(records), nil
}

func (s *Store) backfill(ctx context.Context, q querier, identityID int64, field, value string) (bool, error) {
	stmt, ok := s.queries.Backfill[field]
	if !ok {
		return false, fmt.Errorf("backfill %s: not an enrichment column of %s", field, s.schema.IdentityTable())
	}
	tag, err := q.Exec(ctx, stmt, value, identityID)
	if err != nil {
		return false, &scraper.PersistError{Op: "backfill " + field, Err: err}
	}
	return tag.RowsAffected() > 0, nil
}
