package executor

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"sd-batch/internal/domain"
	"sd-batch/internal/infra/sdapi"
	"sd-batch/internal/output"

	"github.com/spf13/afero"
)

// Img2Img re-generates an input image and writes the result next to it as
// <stem><suffix><ext>, ext taken from the returned bytes.
type Img2Img struct {
	fs        afero.Fs
	suffix    string
	defaults  domain.Payload
	extractor domain.MetadataExtractor
	logger    *slog.Logger
}

// NewImg2Img creates the executor. extractor may be nil to skip reading
// embedded generation parameters.
func NewImg2Img(fs afero.Fs, suffix string, defaults domain.Payload, extractor domain.MetadataExtractor, logger *slog.Logger) *Img2Img {
	return &Img2Img{
		fs:        fs,
		suffix:    suffix,
		defaults:  defaults,
		extractor: extractor,
		logger:    logger.With("executor", domain.JobKindImg2Img),
	}
}

func (e *Img2Img) Execute(ctx context.Context, job *domain.Job, backend domain.Backend) (*domain.Result, error) {
	// The backend decides the output format, so any earlier result counts.
	// The write below checks again.
	if target, ok := e.existingOutput(job.Source); ok {
		return nil, &domain.ConflictError{Path: target}
	}

	data, err := afero.ReadFile(e.fs, job.Source)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", job.Source, err)
	}
	payload, err := img2imgPayload(data, e.extractor, e.defaults, job.Params)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", job.Source, err)
	}

	var resp sdapi.ImagesResponse
	if err := backend.Call(ctx, sdapi.OperationImg2Img, payload, &resp); err != nil {
		return nil, err
	}
	images, err := resp.Decode()
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, &domain.DecodeError{Reason: "no images in img2img response"}
	}
	_, ext, err := sniffResult(images[0])
	if err != nil {
		return nil, err
	}

	target := output.WithStemSuffix(job.Source, e.suffix, ext)
	if err := output.WriteNew(e.fs, target, images[0]); err != nil {
		return nil, err
	}
	return &domain.Result{Paths: []string{target}, Images: images[:1]}, nil
}

// existingOutput finds an earlier result for source under its own extension
// or any extension a backend can return.
func (e *Img2Img) existingOutput(source string) (string, bool) {
	candidates := append([]string{""}, slices.Sorted(maps.Values(extensions))...)
	for _, ext := range candidates {
		if target := output.WithStemSuffix(source, e.suffix, ext); exists(e.fs, target) {
			return target, true
		}
	}
	return "", false
}

func exists(fs afero.Fs, path string) bool {
	ok, err := afero.Exists(fs, path)
	return err == nil && ok
}
