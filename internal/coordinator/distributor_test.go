package coordinator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fitment-scraper/internal/id/uuid"
	"github.com/JakeFAU/fitment-scraper/internal/scraper"
	"github.com/JakeFAU/fitment-scraper/internal/scraper/scrapertest"
	"github.com/JakeFAU/fitment-scraper/internal/session"
	"github.com/JakeFAU/fitment-scraper/internal/supervisor"
	"github.com/JakeFAU/fitment-scraper/internal/taxonomy"
	"github.com/JakeFAU/fitment-scraper/internal/tokencache"
)

var sampleTree = scrapertest.Tree{
	"":          {"2026", "2025"},
	"2026":      {"Audi", "Ford"},
	"2026|Audi": {"A4", "A6"},
	"2026|Ford": {"Bronco"},
	"2025":      {"Ford"},
	"2025|Ford": {"F-150", "Ranger"},
}

var sampleLeaves = []string{
	"2026|Audi|A4",
	"2026|Audi|A6",
	"2026|Ford|Bronco",
	"2025|Ford|F-150",
	"2025|Ford|Ranger",
}

type harness struct {
	provider *scrapertest.Provider
	fetcher  *scrapertest.Fetcher
	store    *scrapertest.Store
	sessions *session.Store
	state    *supervisor.State
	sup      *supervisor.Supervisor
	tokens   *tokencache.Cache
	dist     *Distributor
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	provider := scrapertest.NewProvider(sampleTree)
	provider.LevelNames = []string{"year", "make", "model"}
	store := scrapertest.NewStore()
	sessions := session.NewStore(uuid.New(), nil)
	state := supervisor.NewState()
	tokens := tokencache.New(filepath.Join(t.TempDir(), "tokens.json"))
	require.NoError(t, tokens.SaveToken("cached-token"))
	sup := supervisor.New("fake", state, nil, sessions, tokens, store, 200*time.Millisecond, nil)
	fetcher := &scrapertest.Fetcher{}
	return &harness{
		provider: provider,
		fetcher:  fetcher,
		store:    store,
		sessions: sessions,
		state:    state,
		sup:      sup,
		tokens:   tokens,
		dist:     New(cfg, provider, fetcher, store, sessions, sup, nil),
	}
}

func (h *harness) crawl() *Crawl {
	walker := taxonomy.New(h.provider, h.fetcher, taxonomy.Config{}, h.state, h.store, nil)
	return NewCrawl(walker, h.dist, h.store, h.sessions, nil)
}

func items(keys ...string) []scraper.WorkItem {
	out := make([]scraper.WorkItem, 0, len(keys))
	for _, k := range keys {
		out = append(out, scraper.WorkItem{Leaf: scraper.Leaf{Key: splitKey(k)}})
	}
	return out
}

func splitKey(k string) scraper.Key {
	var key scraper.Key
	start := 0
	for i := 0; i < len(k); i++ {
		if k[i] == '|' {
			key = append(key, k[start:i])
			start = i + 1
		}
	}
	return append(key, k[start:])
}

// failFirst fails the first n calls for key with err.
func failFirst(key string, n int, err error) func(scraper.Leaf) (scraper.LeafResult, error) {
	var mu sync.Mutex
	calls := 0
	return func(leaf scraper.Leaf) (scraper.LeafResult, error) {
		if leaf.Key.String() == key {
			mu.Lock()
			calls++
			c := calls
			mu.Unlock()
			if c <= n {
				return scraper.LeafResult{}, err
			}
		}
		return scraper.LeafResult{Identity: scraper.VehicleIdentity{Key: leaf.Key.Clone()}}, nil
	}
}

func TestSubmitPersistsEveryItemOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Workers: 4})
	report, err := h.dist.Submit(context.Background(), items(sampleLeaves...))
	require.NoError(t, err)
	require.Equal(t, len(sampleLeaves), report.Persisted)
	require.Equal(t, len(sampleLeaves), report.Total())
	for _, k := range sampleLeaves {
		require.Equal(t, 1, h.store.Saves(k), k)
		require.Equal(t, 1, h.provider.LeafCalls(k), k)
	}
	for _, ident := range h.store.Identities() {
		require.Equal(t, "fake", ident.Provider)
		require.Len(t, h.store.Records(ident.ID), 1)
	}
}

func TestSubmitDropsQueuedDuplicates(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Workers: 1})
	report, err := h.dist.Submit(context.Background(), items("2025|Ford|F-150", "2025|Ford|F-150", "2025|FORD|F-150"))
	require.NoError(t, err)
	require.Equal(t, 1, report.Duplicate)
	// identity keys compare exactly, so a differently cased key is its own row
	require.Zero(t, report.Exists)
	require.Equal(t, 2, report.Persisted)
	require.Equal(t, 1, h.store.Saves("2025|Ford|F-150"))
	require.Equal(t, 1, h.store.Saves("2025|FORD|F-150"))
	require.Len(t, h.store.Identities(), 2)
}

func TestSubmitSkipsItemsAlreadyStored(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Workers: 2})
	h.store.Seed(scraper.VehicleIdentity{Provider: "fake", Key: splitKey("2026|Audi|A4")})

	report, err := h.dist.Submit(context.Background(), items("2026|Audi|A4", "2026|Audi|A6"))
	require.NoError(t, err)
	require.Equal(t, 1, report.Exists)
	require.Equal(t, 1, report.Persisted)
	require.Zero(t, h.provider.LeafCalls("2026|Audi|A4"))
	require.Zero(t, h.store.Saves("2026|Audi|A4"))
}

func TestConcurrentWorkersPersistSharedIdentityOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Workers: 8})
	shared := splitKey("2025|Ford|F-150")
	h.provider.LeafFunc = func(scraper.Leaf) (scraper.LeafResult, error) {
		time.Sleep(5 * time.Millisecond)
		return scraper.LeafResult{Identity: scraper.VehicleIdentity{Key: shared.Clone()}}, nil
	}

	var keys []string
	for i := 0; i < 16; i++ {
		keys = append(keys, fmt.Sprintf("2025|Ford|F-150 v%d", i))
	}
	report, err := h.dist.Submit(context.Background(), items(keys...))
	require.NoError(t, err)
	require.Equal(t, 1, report.Persisted)
	require.Equal(t, 15, report.Duplicate+report.Exists)
	require.Equal(t, 1, h.store.Saves(shared.String()))
}

func TestTransientErrorsAreRetried(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Workers: 2, MaxItemRetries: 3})
	h.provider.LeafFunc = failFirst("2025|Ford|F-150", 2, &scraper.APIError{URL: "fake://leaf", Attempts: 18})

	report, err := h.dist.Submit(context.Background(), items("2025|Ford|F-150", "2025|Ford|Ranger"))
	require.NoError(t, err)
	require.Equal(t, 2, report.Persisted)
	require.Equal(t, 2, report.Retried)
	require.Equal(t, 3, h.provider.LeafCalls("2025|Ford|F-150"))
	require.Empty(t, h.store.Errors())
}

func TestItemFailsAfterMaxRetries(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Workers: 2, MaxItemRetries: 2})
	h.provider.LeafFunc = failFirst("2025|Ford|F-150", 100, errors.New("upstream returned 502"))

	report, err := h.dist.Submit(context.Background(), items("2025|Ford|F-150", "2025|Ford|Ranger"))
	require.NoError(t, err)
	require.Equal(t, 1, report.Failed)
	require.Equal(t, []string{"2025|Ford|F-150"}, report.FailedKeys)
	require.Equal(t, 1, report.Persisted)
	require.Equal(t, 3, h.provider.LeafCalls("2025|Ford|F-150"))

	logged := h.store.Errors()
	require.Len(t, logged, 1)
	require.Equal(t, "fake", logged[0].Source)
	require.Equal(t, "2025|Ford|F-150", logged[0].Details["key"])
	require.Equal(t, 2, logged[0].Details["retry"])
}

func TestParseErrorsAreSkipped(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Workers: 2})
	h.provider.LeafFunc = failFirst("2026|Audi|A6", 100, &scraper.ParsingError{Reason: "fitment table missing"})

	report, err := h.dist.Submit(context.Background(), items("2026|Audi|A4", "2026|Audi|A6"))
	require.NoError(t, err)
	require.Equal(t, 1, report.Skipped)
	require.Equal(t, 1, report.Persisted)
	require.Equal(t, 1, h.provider.LeafCalls("2026|Audi|A6"))
	require.Len(t, h.store.Errors(), 1)
}

func TestInvalidResultIsSkipped(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Workers: 1})
	h.provider.LeafFunc = func(leaf scraper.Leaf) (scraper.LeafResult, error) {
		return scraper.LeafResult{
			Identity: scraper.VehicleIdentity{Key: leaf.Key[:2]},
		}, nil
	}

	report, err := h.dist.Submit(context.Background(), items("2026|Audi|A4"))
	require.NoError(t, err)
	require.Equal(t, 1, report.Skipped)
	require.Empty(t, h.store.Identities())
}

func TestFatalErrorTriggersSingleRestart(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Workers: 8})
	h.provider.LeafFunc = func(scraper.Leaf) (scraper.LeafResult, error) {
		time.Sleep(2 * time.Millisecond)
		return scraper.LeafResult{}, &scraper.HumanVerificationError{URL: "fake://leaf", Attempts: 20}
	}

	var keys []string
	for i := 0; i < 40; i++ {
		keys = append(keys, fmt.Sprintf("2025|Ford|Model %02d", i))
	}
	report, err := h.dist.Submit(context.Background(), items(keys...))

	var needs *scraper.NeedsRestartError
	require.ErrorAs(t, err, &needs)
	var human *scraper.HumanVerificationError
	require.ErrorAs(t, err, &human)
	require.True(t, h.state.Stopped())
	require.True(t, h.state.Restarting())
	require.Zero(t, report.Persisted)

	fatal := 0
	for _, e := range h.store.Errors() {
		if e.Details["kind"] == supervisor.KindAntiBot.String() {
			fatal++
		}
	}
	require.Equal(t, 1, fatal)

	entry, loadErr := h.tokens.Load()
	require.NoError(t, loadErr)
	require.Empty(t, entry.AWSWAFToken)
}

func TestPersistFailureRestarts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Workers: 2})
	h.store.Fail = map[string]error{"save_leaf": errors.New("connection refused")}

	_, err := h.dist.Submit(context.Background(), items("2026|Audi|A4"))
	var needs *scraper.NeedsRestartError
	require.ErrorAs(t, err, &needs)
	var persist *scraper.PersistError
	require.ErrorAs(t, err, &persist)
}

func TestStoppedRunAttemptsNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Workers: 2})
	h.state.Stop()

	report, err := h.dist.Submit(context.Background(), items(sampleLeaves...))
	require.NoError(t, err)
	require.Zero(t, report.Persisted)
	for _, k := range sampleLeaves {
		require.Zero(t, h.provider.LeafCalls(k))
	}
}

func TestSubmitHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Workers: 2})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.dist.Submit(ctx, items(sampleLeaves...))
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, h.store.Identities())
}

func TestTrackerMarkIfNew(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	require.True(t, tr.MarkIfNew("a"))
	require.False(t, tr.MarkIfNew("a"))
	require.False(t, tr.Completed("a"))
	tr.Complete("a")
	require.True(t, tr.Completed("a"))
}
