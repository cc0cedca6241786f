package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"sd-batch/internal/domain"
	"sd-batch/internal/infra/sdapi"
	"sd-batch/internal/output"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/afero"
)

// Interrogate captions an image with the given model and writes the caption
// to <stem>.txt next to it.
type Interrogate struct {
	fs     afero.Fs
	model  string
	logger *slog.Logger
}

func NewInterrogate(fs afero.Fs, model string, logger *slog.Logger) *Interrogate {
	return &Interrogate{
		fs:     fs,
		model:  model,
		logger: logger.With("executor", domain.JobKindInterrogate),
	}
}

func (e *Interrogate) Execute(ctx context.Context, job *domain.Job, backend domain.Backend) (*domain.Result, error) {
	target := output.WithExt(job.Source, ".txt")
	if exists(e.fs, target) {
		return nil, &domain.ConflictError{Path: target}
	}

	data, err := afero.ReadFile(e.fs, job.Source)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", job.Source, err)
	}

	payload := domain.Merge(domain.Payload{
		"image": sdapi.DataURI(mimetype.Detect(data).String(), data),
		"model": e.model,
	}, job.Params)

	var resp sdapi.CaptionResponse
	if err := backend.Call(ctx, sdapi.OperationInterrogate, payload, &resp); err != nil {
		return nil, err
	}
	caption := strings.TrimSpace(resp.Caption)
	if caption == "" {
		return nil, &domain.DecodeError{Reason: "caption is empty"}
	}

	if err := output.WriteNew(e.fs, target, []byte(caption)); err != nil {
		return nil, err
	}
	return &domain.Result{Paths: []string{target}, Caption: caption}, nil
}
