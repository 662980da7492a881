package coordinator

import (
	"sync"

	"github.com/JakeFAU/fitment-scraper/internal/metrics"
)

// Outcome is the terminal state of one work item.
type Outcome string

// Item outcomes.
const (
	OutcomePersisted    Outcome = "persisted"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeExists       Outcome = "exists"
	OutcomeSkipped      Outcome = "skipped"
	OutcomeFailed       Outcome = "failed"
	OutcomeNotAttempted Outcome = "not_attempted"
)

// Report counts item outcomes for one run.
type Report struct {
	Provider     string
	Persisted    int
	Duplicate    int
	Exists       int
	Skipped      int
	Failed       int
	NotAttempted int
	Retried      int
	// FailedKeys lists the work keys that failed permanently.
	FailedKeys []string
}

// Total returns the number of items that reached a terminal outcome.
func (r Report) Total() int {
	return r.Persisted + r.Duplicate + r.Exists + r.Skipped + r.Failed + r.NotAttempted
}

type recorder struct {
	mu     sync.Mutex
	report Report
}

func newRecorder(provider string) *recorder {
	return &recorder{report: Report{Provider: provider}}
}

func (r *recorder) record(key string, outcome Outcome) {
	metrics.ObserveWorkItem(r.report.Provider, string(outcome))
	r.mu.Lock()
	defer r.mu.Unlock()
	switch outcome {
	case OutcomePersisted:
		r.report.Persisted++
	case OutcomeDuplicate:
		r.report.Duplicate++
	case OutcomeExists:
		r.report.Exists++
	case OutcomeSkipped:
		r.report.Skipped++
	case OutcomeFailed:
		r.report.Failed++
		r.report.FailedKeys = append(r.report.FailedKeys, key)
	case OutcomeNotAttempted:
		r.report.NotAttempted++
	}
}

func (r *recorder) retried() {
	r.mu.Lock()
	r.report.Retried++
	r.mu.Unlock()
}

func (r *recorder) snapshot() Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.report
	out.FailedKeys = append([]string(nil), r.report.FailedKeys...)
	return out
}
