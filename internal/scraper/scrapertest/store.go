package scrapertest

import (
	"context"
	"sync"

	"github.com/JakeFAU/fitment-scraper/internal/scraper"
)

// ErrorEntry is one captured error log row.
type ErrorEntry struct {
	Source  string
	Details map[string]any
	Message string
}

// Store is an in-memory scraper.Store.
type Store struct {
	mu         sync.Mutex
	identities []scraper.VehicleIdentity
	records    map[int64][]scraper.FitmentRecord
	saves      map[string]int
	errors     []ErrorEntry
	nextID     int64
	closed     bool

	// Fail injects an error per operation: "exists", "save_leaf",
	// "last_identity", "log_error".
	Fail map[string]error
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		records: make(map[int64][]scraper.FitmentRecord),
		saves:   make(map[string]int),
	}
}

// Seed stores identity as if a previous run persisted it.
func (s *Store) Seed(identity scraper.VehicleIdentity) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(identity)
}

// UpsertVehicleIdentity implements scraper.Store.
func (s *Store) UpsertVehicleIdentity(_ context.Context, identity scraper.VehicleIdentity) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(identity), nil
}

// InsertFitmentRecords implements scraper.Store.
func (s *Store) InsertFitmentRecords(_ context.Context, id int64, records []scraper.FitmentRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id] = append(s.records[id], records...)
	return len(records), nil
}

// BackfillEnrichment implements scraper.Store.
func (s *Store) BackfillEnrichment(_ context.Context, id int64, field, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.identities {
		ident := &s.identities[i]
		if ident.ID != id {
			continue
		}
		if ident.Enrichment[field] != "" {
			return false, nil
		}
		if ident.Enrichment == nil {
			ident.Enrichment = make(map[string]string)
		}
		ident.Enrichment[field] = value
		return true, nil
	}
	return false, nil
}

// SaveLeaf implements scraper.Store.
func (s *Store) SaveLeaf(_ context.Context, result scraper.LeafResult) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Fail["save_leaf"]; err != nil {
		return 0, &scraper.PersistError{Op: "save leaf", Err: err}
	}
	id := s.upsertLocked(result.Identity)
	s.records[id] = append(s.records[id], result.Records...)
	s.saves[result.Identity.Key.String()]++
	return id, nil
}

// Exists implements scraper.Store.
func (s *Store) Exists(_ context.Context, key scraper.Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Fail["exists"]; err != nil {
		return false, &scraper.PersistError{Op: "exists", Err: err}
	}
	return s.findLocked(key) >= 0, nil
}

// LastIdentity implements scraper.Store.
func (s *Store) LastIdentity(_ context.Context) (scraper.VehicleIdentity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Fail["last_identity"]; err != nil {
		return scraper.VehicleIdentity{}, false, &scraper.PersistError{Op: "last identity", Err: err}
	}
	if len(s.identities) == 0 {
		return scraper.VehicleIdentity{}, false, nil
	}
	return s.identities[len(s.identities)-1], true, nil
}

// LogError implements scraper.ErrorLogger.
func (s *Store) LogError(_ context.Context, source string, details map[string]any, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Fail["log_error"]; err != nil {
		return err
	}
	s.errors = append(s.errors, ErrorEntry{Source: source, Details: details, Message: message})
	return nil
}

// Close implements scraper.Store.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Closed reports whether Close ran.
func (s *Store) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Saves returns how often SaveLeaf persisted key.
func (s *Store) Saves(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves[key]
}

// Identities returns the stored identities in insertion order.
func (s *Store) Identities() []scraper.VehicleIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]scraper.VehicleIdentity(nil), s.identities...)
}

// Records returns the fitment rows of identity id.
func (s *Store) Records(id int64) []scraper.FitmentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]scraper.FitmentRecord(nil), s.records[id]...)
}

// Errors returns the captured error log.
func (s *Store) Errors() []ErrorEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ErrorEntry(nil), s.errors...)
}

func (s *Store) upsertLocked(identity scraper.VehicleIdentity) int64 {
	if i := s.findLocked(identity.Key); i >= 0 {
		return s.identities[i].ID
	}
	s.nextID++
	identity.ID = s.nextID
	identity.Key = identity.Key.Clone()
	s.identities = append(s.identities, identity)
	return identity.ID
}

func (s *Store) findLocked(key scraper.Key) int {
	for i, ident := range s.identities {
		if ident.Key.Equal(key) {
			return i
		}
	}
	return -1
}
