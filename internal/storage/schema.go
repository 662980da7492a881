// Package storage describes the relational layout shared by the Postgres and
// SQLite stores: one identity table and one fitment table per provider plus a
// shared error log.
package storage

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/JakeFAU/fitment-scraper/internal/scraper"
)

// DefaultErrorTable is the shared append-only error log.
const DefaultErrorTable = "scrape_error_log"

// YearLevel is listed newest first by LevelValues.
const YearLevel = "year"

var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Dialect selects placeholder and DDL syntax.
type Dialect int

// Supported dialects.
const (
	Postgres Dialect = iota
	SQLite
)

// FitmentColumns are the value columns of the fitment table, in insert order.
var FitmentColumns = []string{
	"position",
	"category",
	"diameter_min",
	"diameter_max",
	"width_min",
	"width_max",
	"offset_min",
	"offset_max",
	"tire_size",
	"attrs",
}

// Schema names the tables and columns of one provider.
type Schema struct {
	// Prefix names the tables <prefix>_ymm and <prefix>_fitment.
	Prefix string
	// Levels are the identity key columns, top-down.
	Levels []string
	// Enrichment are the backfillable identity columns.
	Enrichment []string
	ErrorTable string
}

// Validate checks every identifier before it is interpolated into SQL.
func (s Schema) Validate() error {
	if len(s.Levels) == 0 {
		return fmt.Errorf("schema %q has no levels", s.Prefix)
	}
	names := append([]string{s.Prefix, s.errorTable()}, s.Levels...)
	names = append(names, s.Enrichment...)
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if !validIdentifier.MatchString(name) {
			return fmt.Errorf("invalid identifier %q", name)
		}
	}
	for _, col := range append(append([]string(nil), s.Levels...), s.Enrichment...) {
		switch col {
		case "id", "external_ids", "created_at":
			return fmt.Errorf("column %q is reserved", col)
		}
		if seen[col] {
			return fmt.Errorf("duplicate column %q", col)
		}
		seen[col] = true
	}
	return nil
}

// IdentityTable returns <prefix>_ymm.
func (s Schema) IdentityTable() string { return s.Prefix + "_ymm" }

// FitmentTable returns <prefix>_fitment.
func (s Schema) FitmentTable() string { return s.Prefix + "_fitment" }

func (s Schema) errorTable() string {
	if s.ErrorTable == "" {
		return DefaultErrorTable
	}
	return s.ErrorTable
}

// HasEnrichment reports whether field is a configured enrichment column.
func (s Schema) HasEnrichment(field string) bool {
	for _, f := range s.Enrichment {
		if f == field {
			return true
		}
	}
	return false
}

// Queries holds the prebuilt statements of one schema.
type Queries struct {
	SelectID       string
	Exists         string
	InsertIdentity string
	InsertFitment  string
	LastIdentity   string
	LogError       string
	Backfill       map[string]string

	// LevelValues[d] lists the distinct values of level d under levels 0..d-1.
	LevelValues   []string
	IdentityByKey string
	Records       string
}

// Queries renders every statement for d.
func (s Schema) Queries(d Dialect) Queries {
	ph := func(n int) string {
		if d == SQLite {
			return "?"
		}
		return fmt.Sprintf("$%d", n)
	}
	where := make([]string, len(s.Levels))
	for i, col := range s.Levels {
		where[i] = fmt.Sprintf("%s = %s", col, ph(i+1))
	}
	keyMatch := strings.Join(where, " AND ")

	identityCols := append(append(append([]string(nil), s.Levels...), "external_ids"), s.Enrichment...)
	identityPH := make([]string, len(identityCols))
	for i := range identityCols {
		identityPH[i] = ph(i + 1)
	}
	fitmentCols := append([]string{"ymm_id"}, FitmentColumns...)
	fitmentPH := make([]string, len(fitmentCols))
	for i := range fitmentCols {
		fitmentPH[i] = ph(i + 1)
	}

	q := Queries{
		SelectID: fmt.Sprintf("SELECT id FROM %s WHERE %s ORDER BY id LIMIT 1",
			s.IdentityTable(), keyMatch),
		Exists: fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE %s)",
			s.IdentityTable(), keyMatch),
		InsertIdentity: fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING id",
			s.IdentityTable(), strings.Join(identityCols, ", "), strings.Join(identityPH, ", ")),
		InsertFitment: fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			s.FitmentTable(), strings.Join(fitmentCols, ", "), strings.Join(fitmentPH, ", ")),
		LastIdentity: fmt.Sprintf("SELECT id, %s, created_at FROM %s ORDER BY created_at DESC, id DESC LIMIT 1",
			strings.Join(identityCols, ", "), s.IdentityTable()),
		LogError: fmt.Sprintf("INSERT INTO %s (source, context, message) VALUES (%s, %s, %s)",
			s.errorTable(), ph(1), ph(2), ph(3)),
		Backfill: make(map[string]string, len(s.Enrichment)),
	}
	q.IdentityByKey = fmt.Sprintf("SELECT id, %s, created_at FROM %s WHERE %s ORDER BY id LIMIT 1",
		strings.Join(identityCols, ", "), s.IdentityTable(), keyMatch)
	q.Records = fmt.Sprintf("SELECT %s FROM %s WHERE ymm_id = %s ORDER BY id",
		strings.Join(FitmentColumns, ", "), s.FitmentTable(), ph(1))
	q.LevelValues = make([]string, len(s.Levels))
	for depth, col := range s.Levels {
		stmt := fmt.Sprintf("SELECT DISTINCT %s FROM %s", col, s.IdentityTable())
		if depth > 0 {
			stmt += " WHERE " + strings.Join(where[:depth], " AND ")
		}
		order := "ASC"
		if col == YearLevel {
			order = "DESC"
		}
		q.LevelValues[depth] = fmt.Sprintf("%s ORDER BY %s %s", stmt, col, order)
	}
	for _, field := range s.Enrichment {
		q.Backfill[field] = fmt.Sprintf("UPDATE %s SET %s = %s WHERE id = %s AND (%s IS NULL OR %s = '')",
			s.IdentityTable(), field, ph(1), ph(2), field, field)
	}
	return q
}

// DDL returns the CREATE statements for d.
func (s Schema) DDL(d Dialect) []string {
	idCol := "id BIGSERIAL PRIMARY KEY"
	jsonType := "JSONB"
	tsCol := "created_at TIMESTAMPTZ NOT NULL DEFAULT now()"
	if d == SQLite {
		idCol = "id INTEGER PRIMARY KEY AUTOINCREMENT"
		jsonType = "TEXT"
		tsCol = "created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP"
	}

	identity := []string{idCol}
	for _, col := range s.Levels {
		identity = append(identity, col+" TEXT NOT NULL")
	}
	identity = append(identity, "external_ids "+jsonType)
	for _, col := range s.Enrichment {
		identity = append(identity, col+" TEXT")
	}
	identity = append(identity, tsCol)

	fitment := []string{idCol, fmt.Sprintf("ymm_id BIGINT NOT NULL REFERENCES %s(id)", s.IdentityTable())}
	for _, col := range FitmentColumns {
		switch col {
		case "position":
			fitment = append(fitment, "position TEXT NOT NULL CHECK (position IN ('front', 'rear'))")
		case "attrs":
			fitment = append(fitment, "attrs "+jsonType)
		default:
			fitment = append(fitment, col+" TEXT")
		}
	}
	fitment = append(fitment, tsCol)

	errorLog := []string{idCol, "source TEXT NOT NULL", "context " + jsonType + " NOT NULL", "message TEXT NOT NULL", tsCol}

	return []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", s.IdentityTable(), strings.Join(identity, ", ")),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_key_idx ON %s (%s)",
			s.IdentityTable(), s.IdentityTable(), strings.Join(s.Levels, ", ")),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", s.FitmentTable(), strings.Join(fitment, ", ")),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", s.errorTable(), strings.Join(errorLog, ", ")),
	}
}

// IdentityArgs returns the insert arguments of identity in column order.
func (s Schema) IdentityArgs(identity scraper.VehicleIdentity) ([]any, error) {
	if len(identity.Key) != len(s.Levels) {
		return nil, fmt.Errorf("identity %q has %d levels, table %s has %d",
			identity.Key.String(), len(identity.Key), s.IdentityTable(), len(s.Levels))
	}
	args := s.KeyArgs(identity.Key)
	ids, err := MarshalJSON(identity.ExternalIDs)
	if err != nil {
		return nil, fmt.Errorf("marshal external ids: %w", err)
	}
	args = append(args, ids)
	for _, field := range s.Enrichment {
		args = append(args, Nullable(identity.Enrichment[field]))
	}
	return args, nil
}

// KeyArgs returns the key values as query arguments.
func (s Schema) KeyArgs(key scraper.Key) []any {
	args := make([]any, len(key))
	for i, v := range key {
		args[i] = v
	}
	return args
}

// FitmentArgs returns the insert arguments of rec in column order.
func FitmentArgs(identityID int64, rec scraper.FitmentRecord) ([]any, error) {
	attrs, err := MarshalJSON(rec.Attrs)
	if err != nil {
		return nil, fmt.Errorf("marshal fitment attrs: %w", err)
	}
	return []any{
		identityID,
		string(rec.Position),
		Nullable(string(rec.Category)),
		Nullable(rec.Diameter.Min),
		Nullable(rec.Diameter.Max),
		Nullable(rec.Width.Min),
		Nullable(rec.Width.Max),
		Nullable(rec.Offset.Min),
		Nullable(rec.Offset.Max),
		Nullable(rec.TireSize),
		attrs,
	}, nil
}

// MarshalJSON encodes m, rendering nil and empty maps as "{}".
func MarshalJSON[V any](m map[string]V) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// UnmarshalIDs decodes a JSON object column. Empty input yields nil.
func UnmarshalIDs(raw []byte) (map[string]string, error) {
	if len(raw) == 0 || string(raw) == "{}" || string(raw) == "null" {
		return nil, nil
	}
	out := make(map[string]string)
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode ids: %w", err)
	}
	return out, nil
}

// RecordFromRow assembles a fitment record from one row of the Records query.
// cols holds position through tire_size with NULL read as ""; attrs is the
// raw JSON column.
func RecordFromRow(cols []string, attrs []byte) (scraper.FitmentRecord, error) {
	if len(cols) != len(FitmentColumns)-1 {
		return scraper.FitmentRecord{}, fmt.Errorf("fitment row has %d columns, want %d", len(cols), len(FitmentColumns)-1)
	}
	parsed, err := UnmarshalIDs(attrs)
	if err != nil {
		return scraper.FitmentRecord{}, fmt.Errorf("decode attrs: %w", err)
	}
	return scraper.FitmentRecord{
		Position: scraper.Position(cols[0]),
		Category: scraper.Category(cols[1]),
		Diameter: scraper.FitmentRange{Min: cols[2], Max: cols[3]},
		Width:    scraper.FitmentRange{Min: cols[4], Max: cols[5]},
		Offset:   scraper.FitmentRange{Min: cols[6], Max: cols[7]},
		TireSize: cols[8],
		Attrs:    parsed,
	}, nil
}

// Nullable maps "" to SQL NULL.
func Nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
