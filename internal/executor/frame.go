package executor

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"

	"sd-batch/internal/domain"
	"sd-batch/internal/infra/sdapi"
	"sd-batch/internal/output"

	"github.com/spf13/afero"
)

// FrameOptions configure the Frame executor.
type FrameOptions struct {
	Defaults  domain.Payload
	Extractor domain.MetadataExtractor
	// ControlNet units; each one gets the frame as its input_image.
	ControlNet []domain.Payload
	// FramesDir, when set, also stores every generated frame as
	// NNNNNNNN.<ext> (with the usual collision fallback).
	FramesDir string
}

// Frame runs img2img over one video frame, either raw bytes from a decoder
// or an image file, and hands the generated frame back in the result for
// the video sequencer.
type Frame struct {
	fs     afero.Fs
	namer  *output.Namer
	opts   FrameOptions
	logger *slog.Logger
}

func NewFrame(fs afero.Fs, namer *output.Namer, opts FrameOptions, logger *slog.Logger) *Frame {
	return &Frame{
		fs:     fs,
		namer:  namer,
		opts:   opts,
		logger: logger.With("executor", domain.JobKindFrame),
	}
}

func (e *Frame) Execute(ctx context.Context, job *domain.Job, backend domain.Backend) (*domain.Result, error) {
	data := job.Frame
	if len(data) == 0 {
		var err error
		if data, err = afero.ReadFile(e.fs, job.Source); err != nil {
			return nil, fmt.Errorf("read %s: %w", job.Source, err)
		}
	}

	payload, err := img2imgPayload(data, e.opts.Extractor, e.opts.Defaults, job.Params)
	if err != nil {
		return nil, fmt.Errorf("frame %d: %w", job.Index, err)
	}
	if len(e.opts.ControlNet) > 0 {
		payload["alwayson_scripts"] = controlNetScripts(e.opts.ControlNet, data)
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

	result := &domain.Result{Images: images[:1]}
	if e.opts.FramesDir != "" {
		path, err := e.namer.WriteIndexed(e.opts.FramesDir, job.Index, ext, images[0])
		if err != nil {
			// The frame itself is fine; losing the copy on disk must not
			// drop it from the video.
			e.logger.Warn("failed to save frame copy", "index", job.Index, "error", err)
		} else {
			result.Paths = append(result.Paths, path)
		}
	}
	return result, nil
}

func controlNetScripts(units []domain.Payload, frame []byte) domain.Payload {
	encoded := base64.StdEncoding.EncodeToString(frame)
	args := make([]domain.Payload, 0, len(units))
	for _, unit := range units {
		args = append(args, domain.Merge(unit, domain.Payload{"input_image": encoded}))
	}
	return domain.Payload{"controlnet": domain.Payload{"args": args}}
}
