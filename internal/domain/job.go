package domain

import (
	"fmt"
	"time"
)

// JobKind selects the executor a job is run with.
type JobKind string

const (
	JobKindTxt2Img     JobKind = "txt2img"
	JobKindImg2Img     JobKind = "img2img"
	JobKindInterrogate JobKind = "interrogate"
	JobKindFrame       JobKind = "frame"
)

// Payload is a JSON object sent to the generation API.
type Payload map[string]any

// Merge returns a new payload with the keys of each layer applied in order,
// later layers winning.
func Merge(layers ...Payload) Payload {
	out := Payload{}
	for _, layer := range layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}

// Job is one unit of work submitted to the pipeline. It is immutable once
// enqueued.
type Job struct {
	ID     string  `json:"id"`
	Kind   JobKind `json:"kind"`
	Index  int     `json:"index"`            // ordinal used for deterministic output names
	Source string  `json:"source,omitempty"` // input file for img2img, interrogate and file frames
	Frame  []byte  `json:"-"`                // in-memory frame for vid2vid
	Params Payload `json:"params,omitempty"` // per-job request parameters

	CreatedAt time.Time `json:"created_at"`
}

// Validate checks if the job carries what its kind needs.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job id cannot be empty")
	}
	if j.Index < 0 {
		return fmt.Errorf("job %s: index cannot be negative", j.ID)
	}
	switch j.Kind {
	case JobKindTxt2Img:
	case JobKindImg2Img, JobKindInterrogate:
		if j.Source == "" {
			return fmt.Errorf("job %s: source cannot be empty for %s job", j.ID, j.Kind)
		}
	case JobKindFrame:
		if j.Source == "" && len(j.Frame) == 0 {
			return fmt.Errorf("job %s: frame job needs a source file or frame bytes", j.ID)
		}
	default:
		return fmt.Errorf("invalid job kind: %q", j.Kind)
	}
	return nil
}

// Label identifies the job in logs.
func (j *Job) Label() string {
	if j.Source != "" {
		return j.Source
	}
	return fmt.Sprintf("%s#%d", j.Kind, j.Index)
}

// Result is what a successful execution produced.
type Result struct {
	Paths   []string // files written
	Images  [][]byte // decoded images, kept for downstream consumers such as the video sequencer
	Caption string
}

// Endpoint is the address of one backend instance, read-only for the
// lifetime of a run.
type Endpoint struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

func (e Endpoint) String() string {
	if e.Name != "" && e.Name != e.URL {
		return e.Name + "(" + e.URL + ")"
	}
	return e.URL
}
