// Package sqlite provides the local SQLite fitment store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // driver
	"go.uber.org/zap"

	"github.com/JakeFAU/fitment-scraper/internal/scraper"
	"github.com/JakeFAU/fitment-scraper/internal/storage"
)

// DefaultBusyTimeout is how long a writer waits for the database lock.
const DefaultBusyTimeout = 5 * time.Second

// Config locates the database file.
type Config struct {
	Path        string
	BusyTimeout time.Duration
	Schema      storage.Schema
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements scraper.Store on SQLite.
type Store struct {
	db      *sql.DB
	schema  storage.Schema
	queries storage.Queries
	logger  *zap.Logger
}

// Open opens (creating if needed) the database in WAL mode.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("db.sqlite_path is required")
	}
	if err := cfg.Schema.Validate(); err != nil {
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = DefaultBusyTimeout
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d&_foreign_keys=on&_txlock=immediate",
		cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &Store{
		db:      db,
		schema:  cfg.Schema,
		queries: cfg.Schema.Queries(storage.SQLite),
		logger:  logger.Named("sqlite"),
	}, nil
}

// EnsureSchema creates the provider tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range s.schema.DDL(storage.SQLite) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return &scraper.PersistError{Op: "ensure schema", Err: err}
		}
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		s.logger.Warn("close sqlite", zap.Error(err))
	}
}

// UpsertVehicleIdentity returns the id of the row matching the exact key,
// inserting it when absent.
func (s *Store) UpsertVehicleIdentity(ctx context.Context, identity scraper.VehicleIdentity) (int64, error) {
	id, _, err := s.upsert(ctx, s.db, identity)
	return id, err
}

// InsertFitmentRecords appends rows for identityID.
func (s *Store) InsertFitmentRecords(ctx context.Context, identityID int64, records []scraper.FitmentRecord) (int, error) {
	return s.insertRecords(ctx, s.db, identityID, records)
}

// BackfillEnrichment sets field only where it is NULL or empty.
func (s *Store) BackfillEnrichment(ctx context.Context, identityID int64, field, value string) (bool, error) {
	return s.backfill(ctx, s.db, identityID, field, value)
}

// SaveLeaf writes the identity, its enrichment and its fitment rows in one
// transaction.
func (s *Store) SaveLeaf(ctx context.Context, result scraper.LeafResult) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &scraper.PersistError{Op: "begin", Err: err}
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
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
	if err := tx.Commit(); err != nil {
		return 0, &scraper.PersistError{Op: "commit", Err: err}
	}
	committed = true
	return id, nil
}

// Exists reports whether an identity with the exact key is stored.
func (s *Store) Exists(ctx context.Context, key scraper.Key) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, s.queries.Exists, s.schema.KeyArgs(key)...).Scan(&exists); err != nil {
		return false, &scraper.PersistError{Op: "exists", Err: err}
	}
	return exists, nil
}

// LastIdentity returns the most recently created identity.
func (s *Store) LastIdentity(ctx context.Context) (scraper.VehicleIdentity, bool, error) {
	return s.scanIdentity(s.db.QueryRowContext(ctx, s.queries.LastIdentity), "last identity")
}

// LevelValues lists the stored values of the level below parent.
func (s *Store) LevelValues(ctx context.Context, parent scraper.Key) ([]string, error) {
	if len(parent) >= len(s.schema.Levels) {
		return nil, &scraper.ParsingError{Reason: fmt.Sprintf("%s has no level below depth %d", s.schema.IdentityTable(), len(parent))}
	}
	rows, err := s.db.QueryContext(ctx, s.queries.LevelValues[len(parent)], s.schema.KeyArgs(parent)...)
	if err != nil {
		return nil, &scraper.PersistError{Op: "level values", Err: err}
	}
	defer rows.Close()
	values := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, &scraper.PersistError{Op: "level values", Err: err}
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
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
	identity, ok, err := s.scanIdentity(s.db.QueryRowContext(ctx, s.queries.IdentityByKey, s.schema.KeyArgs(key)...), "vehicle")
	if err != nil || !ok {
		return scraper.VehicleIdentity{}, nil, false, err
	}
	records, err := s.records(ctx, identity.ID)
	if err != nil {
		return scraper.VehicleIdentity{}, nil, false, &scraper.PersistError{Op: "fitment records", Err: err}
	}
	return identity, records, true, nil
}

func (s *Store) records(ctx context.Context, identityID int64) ([]scraper.FitmentRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.queries.Records, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	records := []scraper.FitmentRecord{}
	cols := make([]sql.NullString, len(storage.FitmentColumns))
	dest := make([]any, len(cols))
	for i := range cols {
		dest[i] = &cols[i]
	}
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		values := make([]string, len(cols)-1)
		for i := range values {
			values[i] = cols[i].String
		}
		rec, err := storage.RecordFromRow(values, []byte(cols[len(cols)-1].String))
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *Store) scanIdentity(row *sql.Row, op string) (scraper.VehicleIdentity, bool, error) {
	levels := make([]sql.NullString, len(s.schema.Levels))
	enrichment := make([]sql.NullString, len(s.schema.Enrichment))
	var (
		id      int64
		ids     sql.NullString
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
		if errors.Is(err, sql.ErrNoRows) {
			return scraper.VehicleIdentity{}, false, nil
		}
		return scraper.VehicleIdentity{}, false, &scraper.PersistError{Op: op, Err: err}
	}
	externalIDs, err := storage.UnmarshalIDs([]byte(ids.String))
	if err != nil {
		return scraper.VehicleIdentity{}, false, &scraper.PersistError{Op: op, Err: err}
	}
	identity := scraper.VehicleIdentity{
		ID:          id,
		Key:         make(scraper.Key, len(levels)),
		ExternalIDs: externalIDs,
		CreatedAt:   created.UTC(),
	}
	for i, v := range levels {
		identity.Key[i] = v.String
	}
	for i, v := range enrichment {
		if v.String != "" {
			if identity.Enrichment == nil {
				identity.Enrichment = make(map[string]string)
			}
			identity.Enrichment[s.schema.Enrichment[i]] = v.String
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
	if _, err := s.db.ExecContext(ctx, s.queries.LogError, source, payload, message); err != nil {
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
	err = q.QueryRowContext(ctx, s.queries.SelectID, s.schema.KeyArgs(identity.Key)...).Scan(&id)
	switch {
	case err == nil:
		return id, false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return 0, false, &scraper.PersistError{Op: "select identity", Err: err}
	}
	if err := q.QueryRowContext(ctx, s.queries.InsertIdentity, args...).Scan(&id); err != nil {
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
		if _, err := q.ExecContext(ctx, s.queries.InsertFitment, args...); err != nil {
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
	res, err := q.ExecContext(ctx, stmt, value, identityID)
	if err != nil {
		return false, &scraper.PersistError{Op: "backfill " + field, Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &scraper.PersistError{Op: "backfill " + field, Err: err}
	}
	return n > 0, nil
}
