package usecase

import (
	"fmt"

	"sd-batch/internal/config"
	"sd-batch/internal/domain"
)

// Txt2ImgRequest asks for Count images of one prompt. Nil options are left
// to the backend.
type Txt2ImgRequest struct {
	Prompt         string   `validate:"required"`
	NegativePrompt string   `validate:"omitempty"`
	Count          int      `validate:"gte=1,lte=100000"`
	Steps          *int     `validate:"omitempty,gte=1,lte=150"`
	Width          *int     `validate:"omitempty,gte=64,lte=8192"`
	Height         *int     `validate:"omitempty,gte=64,lte=8192"`
	Seed           *int64   `validate:"omitempty,gte=-1"`
	CFGScale       *float64 `validate:"omitempty,gt=0,lte=30"`
	Sampler        string   `validate:"omitempty"`
	OutputDir      string   `validate:"omitempty"`
}

// Payload is the per-job request body, before configured defaults.
func (r *Txt2ImgRequest) Payload() domain.Payload {
	p := domain.Payload{"prompt": r.Prompt}
	if r.Steps != nil {
		p["steps"] = *r.Steps
	}
	if r.NegativePrompt != "" {
		p["negative_prompt"] = r.NegativePrompt
	}
	if r.Width != nil {
		p["width"] = *r.Width
	}
	if r.Height != nil {
		p["height"] = *r.Height
	}
	if r.Seed != nil {
		p["seed"] = *r.Seed
	}
	if r.CFGScale != nil {
		p["cfg_scale"] = *r.CFGScale
	}
	if r.Sampler != "" {
		p["sampler_name"] = r.Sampler
	}
	return p
}

// DirRequest selects input files below Dir. Glob may use ** to match any
// number of directories.
type DirRequest struct {
	Dir  string `validate:"required"`
	Glob string `validate:"required"`
}

type Img2ImgRequest struct {
	DirRequest
	// Prompt, when set, overrides the prompt read from image metadata.
	Prompt string `validate:"omitempty"`
}

func (r *Img2ImgRequest) Payload() domain.Payload { return promptPayload(r.Prompt) }

type InterrogateRequest struct {
	DirRequest
	Model string `validate:"omitempty,oneof=clip deepdanbooru"`
}

type Img2VidRequest struct {
	DirRequest
	Output string `validate:"required"`
	Prompt string `validate:"omitempty"`
}

type Vid2VidRequest struct {
	Input  string `validate:"required"`
	Output string `validate:"required,nefield=Input"`
	Prompt string `validate:"omitempty"`
}

type HistoryRequest struct {
	RunID string `validate:"required,uuid"`
}

// ExecutionRequest selects one execution record; ExecutionID may be a
// prefix of the full id.
type ExecutionRequest struct {
	RunID       string `validate:"required,uuid"`
	ExecutionID string `validate:"required,min=4,max=36"`
}

// validateRequest checks a request DTO; violations are input errors.
func validateRequest(req any) error {
	if err := config.Validator().Struct(req); err != nil {
		return &domain.InputError{Err: fmt.Errorf("invalid request: %w", err)}
	}
	return nil
}

func promptPayload(prompt string) domain.Payload {
	if prompt == "" {
		return nil
	}
	return domain.Payload{"prompt": prompt}
}
