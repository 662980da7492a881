// Package coordinator fans taxonomy leaves out to a bounded worker pool and
// persists every leaf at most once.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/fitment-scraper/internal/metrics"
	"github.com/JakeFAU/fitment-scraper/internal/queue/memory"
	"github.com/JakeFAU/fitment-scraper/internal/scraper"
	"github.com/JakeFAU/fitment-scraper/internal/session"
	"github.com/JakeFAU/fitment-scraper/internal/supervisor"
)

// Defaults applied by New.
const (
	DefaultWorkers        = 200
	DefaultMaxItemRetries = 3
)

// Config sizes the pool.
type Config struct {
	Workers    int
	QueueDepth int
	// MaxItemRetries bounds re-enqueues after non-fatal errors.
	MaxItemRetries int
}

// Producer streams leaves into emit until the taxonomy is exhausted.
type Producer func(ctx context.Context, emit func(scraper.Leaf) error) error

// Distributor owns the dedup sets and the persist mutex of one run.
type Distributor struct {
	cfg        Config
	provider   scraper.Provider
	fetcher    scraper.PageFetcher
	store      scraper.Store
	sessions   *session.Store
	supervisor *supervisor.Supervisor
	state      *supervisor.State
	tracker    *Tracker
	persistMu  sync.Mutex
	logger     *zap.Logger
}

// New builds a Distributor.
func New(
	cfg Config,
	provider scraper.Provider,
	fetcher scraper.PageFetcher,
	store scraper.Store,
	sessions *session.Store,
	sup *supervisor.Supervisor,
	logger *zap.Logger,
) *Distributor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = cfg.Workers * 2
	}
	if cfg.MaxItemRetries < 0 {
		cfg.MaxItemRetries = 0
	}
	return &Distributor{
		cfg:        cfg,
		provider:   provider,
		fetcher:    fetcher,
		store:      store,
		sessions:   sessions,
		supervisor: sup,
		state:      sup.State(),
		tracker:    NewTracker(),
		logger:     logger.Named("coordinator").With(zap.String("provider", provider.Name())),
	}
}

// Tracker exposes the run's dedup sets.
func (d *Distributor) Tracker() *Tracker { return d.tracker }

// Submit processes a fixed batch of items.
func (d *Distributor) Submit(ctx context.Context, items []scraper.WorkItem) (Report, error) {
	return d.execute(ctx, func(ctx context.Context, r *run) error {
		for _, item := range items {
			if err := d.submit(ctx, r, item); err != nil {
				return err
			}
		}
		return nil
	})
}

// Run processes every leaf produce emits. It returns *scraper.NeedsRestartError
// when a worker hit a fatal error and won the restart.
func (d *Distributor) Run(ctx context.Context, produce Producer) (Report, error) {
	return d.execute(ctx, func(ctx context.Context, r *run) error {
		return produce(ctx, func(leaf scraper.Leaf) error {
			return d.submit(ctx, r, scraper.WorkItem{Leaf: leaf})
		})
	})
}

type run struct {
	queue   *memory.Queue
	rec     *recorder
	pending *pending
	retries sync.WaitGroup
}

func (r *run) finish(item scraper.WorkItem, outcome Outcome) {
	r.rec.record(item.Key(), outcome)
	r.pending.finish()
}

// retry hands the item back to the queue from a separate goroutine so a
// worker never blocks on its own full queue.
func (r *run) retry(ctx context.Context, item scraper.WorkItem) {
	next := scraper.WorkItem{Leaf: item.Leaf, Retry: item.Retry + 1}
	r.pending.add()
	r.rec.retried()
	r.retries.Add(1)
	go func() {
		defer r.retries.Done()
		if err := r.queue.Enqueue(ctx, next); err != nil {
			r.finish(next, OutcomeNotAttempted)
		}
	}()
	r.pending.finish()
}

func (d *Distributor) execute(ctx context.Context, produce func(context.Context, *run) error) (Report, error) {
	r := &run{
		queue:   memory.NewQueue(d.cfg.QueueDepth),
		rec:     newRecorder(d.provider.Name()),
		pending: newPending(),
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 1; i <= d.cfg.Workers; i++ {
		handle := d.sessions.Handle(i)
		g.Go(func() error {
			return d.work(gctx, r, handle)
		})
	}
	g.Go(func() error {
		defer r.pending.seal()
		if err := produce(gctx, r); err != nil {
			return d.escalate(gctx, err, map[string]any{"op": "produce"})
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-r.pending.done:
		case <-gctx.Done():
		}
		r.queue.Close()
		return nil
	})

	err := g.Wait()
	r.retries.Wait()
	for {
		item, derr := r.queue.Dequeue(context.Background())
		if derr != nil {
			break
		}
		r.rec.record(item.Key(), OutcomeNotAttempted)
	}

	report := r.rec.snapshot()
	if err == nil && ctx.Err() != nil {
		err = fmt.Errorf("distribute %s: %w", d.provider.Name(), ctx.Err())
	}
	d.logger.Info("run finished",
		zap.Int("persisted", report.Persisted),
		zap.Int("duplicate", report.Duplicate),
		zap.Int("exists", report.Exists),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Int("not_attempted", report.NotAttempted),
		zap.Int("retried", report.Retried),
		zap.Error(err),
	)
	return report, err
}

// submit applies the enqueue-time dedup and queues the item.
func (d *Distributor) submit(ctx context.Context, r *run, item scraper.WorkItem) error {
	key := item.Key()
	if d.state.Stopped() {
		return scraper.ErrStopped
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("submit %s: %w", key, err)
	}
	if !d.tracker.MarkIfNew(key) {
		r.rec.record(key, OutcomeDuplicate)
		return nil
	}
	exists, err := d.store.Exists(ctx, item.Leaf.Key)
	if err != nil {
		return asPersistError("exists", err)
	}
	if exists {
		d.tracker.Complete(key)
		r.rec.record(key, OutcomeExists)
		return nil
	}
	r.pending.add()
	if err := r.queue.Enqueue(ctx, item); err != nil {
		r.finish(item, OutcomeNotAttempted)
		return fmt.Errorf("enqueue %s: %w", key, err)
	}
	return nil
}

func (d *Distributor) work(ctx context.Context, r *run, handle *session.Handle) error {
	name := d.provider.Name()
	metrics.IncActiveWorkers(name)
	defer metrics.DecActiveWorkers(name)
	logger := d.logger.With(zap.Int("worker", handle.Worker()))

	for {
		if ctx.Err() != nil {
			return nil
		}
		item, err := r.queue.Dequeue(ctx)
		if err != nil {
			return nil
		}
		if !d.state.Enter() {
			r.finish(item, OutcomeNotAttempted)
			continue
		}
		outcome, err := d.process(ctx, handle, item)
		d.state.Exit()
		if err == nil {
			logger.Debug("item done", zap.String("key", item.Key()), zap.String("outcome", string(outcome)))
			r.finish(item, outcome)
			continue
		}
		if exit, ferr := d.handleError(ctx, r, handle, item, err, logger); exit {
			return ferr
		}
	}
}

func (d *Distributor) process(ctx context.Context, handle *session.Handle, item scraper.WorkItem) (Outcome, error) {
	key := item.Key()
	if d.tracker.Completed(key) {
		return OutcomeDuplicate, nil
	}
	result, err := d.provider.FetchLeaf(ctx, d.fetcher, handle, item.Leaf)
	if err != nil {
		return "", fmt.Errorf("fetch leaf %s: %w", key, err)
	}
	if result.Identity.Provider == "" {
		result.Identity.Provider = d.provider.Name()
	}
	if err := result.Validate(len(d.provider.Levels())); err != nil {
		return "", fmt.Errorf("validate leaf %s: %w", key, err)
	}
	return d.persist(ctx, result)
}

// persist runs check-then-insert under the persist mutex so two workers
// resolving the same identity never both write it.
func (d *Distributor) persist(ctx context.Context, result scraper.LeafResult) (Outcome, error) {
	d.persistMu.Lock()
	defer d.persistMu.Unlock()

	key := result.Identity.Key.String()
	if d.tracker.Completed(key) {
		return OutcomeDuplicate, nil
	}
	exists, err := d.store.Exists(ctx, result.Identity.Key)
	if err != nil {
		return "", asPersistError("exists", err)
	}
	if exists {
		d.tracker.Complete(key)
		return OutcomeExists, nil
	}
	if _, err := d.store.SaveLeaf(ctx, result); err != nil {
		return "", asPersistError("save leaf", err)
	}
	d.tracker.Complete(key)
	return OutcomePersisted, nil
}

// handleError routes a failed item. It reports whether the worker must exit.
func (d *Distributor) handleError(
	ctx context.Context,
	r *run,
	handle *session.Handle,
	item scraper.WorkItem,
	err error,
	logger *zap.Logger,
) (bool, error) {
	details := map[string]any{
		"op":     "leaf",
		"key":    item.Key(),
		"retry":  item.Retry,
		"worker": handle.Worker(),
	}
	kind := d.supervisor.Classify(err)
	switch {
	case kind == supervisor.KindStopped:
		r.finish(item, OutcomeNotAttempted)
		return false, nil
	case kind.NeedsRestart():
		r.finish(item, OutcomeNotAttempted)
		ferr := d.supervisor.HandleFatal(ctx, err, details)
		if errors.Is(ferr, scraper.ErrRestartInProgress) {
			return true, nil
		}
		return true, ferr
	case kind == supervisor.KindDataIntegrity:
		r.finish(item, OutcomeFailed)
		return true, d.supervisor.Fail(ctx, err, details)
	case kind == supervisor.KindParse:
		logger.Warn("skipping item", zap.String("key", item.Key()), zap.Error(err))
		d.logError(ctx, details, err)
		r.finish(item, OutcomeSkipped)
		return false, nil
	}

	if item.Retry < d.cfg.MaxItemRetries {
		logger.Info("retrying item",
			zap.String("key", item.Key()),
			zap.Int("retry", item.Retry+1),
			zap.Error(err),
		)
		handle.Reset()
		r.retry(ctx, item)
		return false, nil
	}
	logger.Error("item failed", zap.String("key", item.Key()), zap.Int("retries", item.Retry), zap.Error(err))
	d.logError(ctx, details, err)
	r.finish(item, OutcomeFailed)
	return false, nil
}

// escalate routes errors raised outside a work item (walk, resume). A
// listing that stays unavailable after the fetch retries restarts the run
// from the resume cursor; an empty root listing or an unparsable page ends it.
func (d *Distributor) escalate(ctx context.Context, err error, details map[string]any) error {
	kind := d.supervisor.Classify(err)
	switch {
	case kind == supervisor.KindStopped:
		return nil
	case kind.NeedsRestart(), kind == supervisor.KindTransient && !errors.Is(err, scraper.ErrEmptyListing):
		ferr := d.supervisor.HandleFatal(ctx, err, details)
		if errors.Is(ferr, scraper.ErrRestartInProgress) {
			return nil
		}
		return ferr
	case kind == supervisor.KindDataIntegrity:
		return d.supervisor.Fail(ctx, err, details)
	default:
		d.logError(ctx, details, err)
		return err
	}
}

func (d *Distributor) logError(ctx context.Context, details map[string]any, err error) {
	if logErr := d.store.LogError(context.WithoutCancel(ctx), d.provider.Name(), details, err.Error()); logErr != nil {
		d.logger.Error("record error", zap.Error(logErr))
	}
}

func asPersistError(op string, err error) error {
	var persist *scraper.PersistError
	if errors.As(err, &persist) {
		return err
	}
	return &scraper.PersistError{Op: op, Err: err}
}

// pending counts items without a terminal outcome. done closes once the
// producer sealed it and the count reached zero.
type pending struct {
	mu     sync.Mutex
	n      int
	sealed bool
	closed bool
	done   chan struct{}
}

func newPending() *pending {
	return &pending{done: make(chan struct{})}
}

func (p *pending) add() {
	p.mu.Lock()
	p.n++
	p.mu.Unlock()
}

func (p *pending) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.n > 0 {
		p.n--
	}
	p.maybeClose()
}

func (p *pending) seal() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sealed = true
	p.maybeClose()
}

func (p *pending) maybeClose() {
	if p.sealed && p.n == 0 && !p.closed {
		p.closed = true
		close(p.done)
	}
}
