package executor

import (
	"context"
	"fmt"
	"log/slog"

	"sd-batch/internal/domain"
	"sd-batch/internal/infra/sdapi"
	"sd-batch/internal/output"
)

// Txt2Img generates images from a prompt and stores each one under the
// first free indexed name in its output directory.
type Txt2Img struct {
	namer    *output.Namer
	dir      string
	defaults domain.Payload
	logger   *slog.Logger
}

func NewTxt2Img(namer *output.Namer, dir string, defaults domain.Payload, logger *slog.Logger) *Txt2Img {
	return &Txt2Img{
		namer:    namer,
		dir:      dir,
		defaults: defaults,
		logger:   logger.With("executor", domain.JobKindTxt2Img),
	}
}

func (e *Txt2Img) Execute(ctx context.Context, job *domain.Job, backend domain.Backend) (*domain.Result, error) {
	var resp sdapi.ImagesResponse
	if err := backend.Call(ctx, sdapi.OperationTxt2Img, domain.Merge(e.defaults, job.Params), &resp); err != nil {
		return nil, err
	}
	images, err := resp.Decode()
	if err != nil {
		return nil, err
	}

	exts := make([]string, len(images))
	for i, img := range images {
		if _, exts[i], err = sniffResult(img); err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
	}

	result := &domain.Result{Images: images}
	for i, img := range images {
		path, err := e.namer.WriteIndexed(e.dir, job.Index, exts[i], img)
		if err != nil {
			return result, err
		}
		e.logger.Debug("image saved", "job_id", job.ID, "path", path)
		result.Paths = append(result.Paths, path)
	}
	return result, nil
}
