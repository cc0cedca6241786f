// Package sequence puts frame results back into index order before they
// reach a sink such as a video encoder.
package sequence

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"

	"sd-batch/internal/domain"
)

// Sequencer is a domain.Observer. Frames may finish in any order; the
// sequencer buffers them and writes each contiguous run starting at the next
// expected index. A failed frame is skipped so it never blocks the frames
// behind it.
type Sequencer struct {
	w      io.Writer
	logger *slog.Logger

	mu      sync.Mutex
	next    int
	pending map[int][]byte
	written int
	skipped []int
	err     error
	closed  bool
}

// New creates a sequencer that expects its first frame at index first.
func New(w io.Writer, first int, logger *slog.Logger) *Sequencer {
	return &Sequencer{
		w:       w,
		logger:  logger.With("component", "sequencer"),
		next:    first,
		pending: map[int][]byte{},
	}
}

func (s *Sequencer) JobFinished(_ context.Context, job *domain.Job, record *domain.ExecutionRecord, result *domain.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || job.Index < s.next {
		s.logger.Warn("frame arrived after its slot was passed", "index", job.Index)
		return
	}

	var frame []byte
	if record.Status == domain.ExecutionStatusSuccess && result != nil && len(result.Images) > 0 {
		frame = result.Images[0]
	}
	if frame == nil {
		s.logger.Warn("skipping frame", "index", job.Index, "source", job.Source, "error", record.Error)
	}
	// nil marks a skipped slot
	s.pending[job.Index] = frame
	s.flush()
}

// flush writes every buffered frame that is next in line. Callers hold mu.
func (s *Sequencer) flush() {
	for {
		frame, ok := s.pending[s.next]
		if !ok {
			return
		}
		delete(s.pending, s.next)
		s.emit(s.next, frame)
		s.next++
	}
}

func (s *Sequencer) emit(index int, frame []byte) {
	if frame == nil {
		s.skipped = append(s.skipped, index)
		return
	}
	if s.err != nil {
		return
	}
	if _, err := s.w.Write(frame); err != nil {
		s.err = fmt.Errorf("write frame %d: %w", index, err)
		s.logger.Error("frame sink failed, dropping remaining frames", "index", index, "error", err)
		return
	}
	s.written++
}

// Close writes whatever is still buffered, in index order, and reports the
// indices that never arrived. It does not close the underlying writer.
func (s *Sequencer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.err
	}
	s.closed = true

	if len(s.pending) == 0 {
		return s.err
	}

	indices := make([]int, 0, len(s.pending))
	for i := range s.pending {
		indices = append(indices, i)
	}
	slices.Sort(indices)

	var missing []int
	for _, i := range indices {
		for ; s.next < i; s.next++ {
			missing = append(missing, s.next)
		}
		s.emit(i, s.pending[i])
		delete(s.pending, i)
		s.next = i + 1
	}

	if s.err != nil {
		return s.err
	}
	return fmt.Errorf("%d frames never finished: %v", len(missing), missing)
}

// Written is the number of frames handed to the writer.
func (s *Sequencer) Written() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Skipped lists the indices of failed frames, in order.
func (s *Sequencer) Skipped() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.skipped)
}
