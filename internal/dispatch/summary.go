package dispatch

import (
	"context"
	"sync"
	"time"

	"sd-batch/internal/domain"
)

// Summary is the outcome of one run.
type Summary struct {
	RunID       string
	Enqueued    int
	Succeeded   int
	Failed      int
	ByErrorKind map[domain.ErrorKind]int
	Outputs     []string
	Duration    time.Duration
}

// Acknowledged is the number of jobs that reached a terminal outcome.
func (s *Summary) Acknowledged() int { return s.Succeeded + s.Failed }

type tally struct {
	mu sync.Mutex
	s  Summary
}

func newTally(runID string) *tally {
	return &tally{s: Summary{RunID: runID, ByErrorKind: map[domain.ErrorKind]int{}}}
}

func (t *tally) enqueued() {
	t.mu.Lock()
	t.s.Enqueued++
	t.mu.Unlock()
}

func (t *tally) JobFinished(_ context.Context, _ *domain.Job, record *domain.ExecutionRecord, _ *domain.Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if record.Status == domain.ExecutionStatusSuccess {
		t.s.Succeeded++
		t.s.Outputs = append(t.s.Outputs, record.Outputs...)
		return
	}
	t.s.Failed++
	t.s.ByErrorKind[record.ErrorKind]++
}

func (t *tally) summary(d time.Duration) *Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.s
	s.Duration = d
	s.ByErrorKind = make(map[domain.ErrorKind]int, len(t.s.ByErrorKind))
	for k, v := range t.s.ByErrorKind {
		s.ByErrorKind[k] = v
	}
	s.Outputs = append([]string(nil), t.s.Outputs...)
	return &s
}
