package dispatch

import (
	"iter"

	"sd-batch/internal/domain"
)

// Jobs adapts a fixed list of jobs to the sequence Run consumes.
func Jobs(jobs ...*domain.Job) iter.Seq2[*domain.Job, error] {
	return func(yield func(*domain.Job, error) bool) {
		for _, j := range jobs {
			if !yield(j, nil) {
				return
			}
		}
	}
}
