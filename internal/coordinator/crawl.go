package coordinator

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/fitment-scraper/internal/resume"
	"github.com/JakeFAU/fitment-scraper/internal/scraper"
	"github.com/JakeFAU/fitment-scraper/internal/session"
	"github.com/JakeFAU/fitment-scraper/internal/taxonomy"
)

// producerWorker is the session slot of the taxonomy walk. Pool workers use
// ids starting at 1.
const producerWorker = 0

// Crawl resumes a provider crawl from the last persisted identity and feeds
// the walk into the distributor.
type Crawl struct {
	walker   *taxonomy.Walker
	dist     *Distributor
	store    scraper.Store
	sessions *session.Store
	logger   *zap.Logger
}

// NewCrawl wires one run.
func NewCrawl(
	walker *taxonomy.Walker,
	dist *Distributor,
	store scraper.Store,
	sessions *session.Store,
	logger *zap.Logger,
) *Crawl {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Crawl{
		walker:   walker,
		dist:     dist,
		store:    store,
		sessions: sessions,
		logger:   logger.Named("crawl"),
	}
}

// Run locates the resume cursor and walks the remaining taxonomy. Fatal
// failures surface as *scraper.NeedsRestartError, a resume position that no
// longer exists upstream as *scraper.DataSplicingError.
func (c *Crawl) Run(ctx context.Context) (Report, error) {
	report := Report{Provider: c.dist.provider.Name()}
	handle := c.sessions.Handle(producerWorker)

	cursor, err := c.locate(ctx, handle)
	if err != nil {
		return report, c.dist.escalate(ctx, err, map[string]any{"op": "resume"})
	}
	if cursor.Done {
		c.logger.Info("taxonomy already complete")
		return report, nil
	}
	c.logger.Info("walking taxonomy", zap.Ints("cursor", cursor.Indices))

	return c.dist.Run(ctx, func(ctx context.Context, emit func(scraper.Leaf) error) error {
		return c.walker.Walk(ctx, handle, cursor.Indices, emit)
	})
}

func (c *Crawl) locate(ctx context.Context, sess scraper.Session) (resume.Cursor, error) {
	last, ok, err := c.store.LastIdentity(ctx)
	if err != nil {
		return resume.Cursor{}, asPersistError("last identity", err)
	}
	if !ok {
		return resume.Cursor{}, nil
	}
	c.logger.Info("resuming after last persisted identity", zap.String("key", last.Key.String()))
	return resume.Locate(ctx, c.walker, sess, last.Key)
}
