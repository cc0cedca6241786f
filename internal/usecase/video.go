package usecase

import (
	"context"
	"io"
	"iter"
	"log/slog"

	"sd-batch/internal/config"
	"sd-batch/internal/infra/ffmpeg"
)

// VideoTools demuxes and muxes videos.
type VideoTools interface {
	Probe(ctx context.Context, file string) (*ffmpeg.StreamInfo, error)
	Frames(ctx context.Context, file string, info *ffmpeg.StreamInfo) iter.Seq2[[]byte, error]
	// NewEncoder starts muxing piped images into output at frameRate.
	NewEncoder(ctx context.Context, output, frameRate string) (io.WriteCloser, error)
}

type ffmpegTools struct {
	cfg    config.VideoConfig
	reader *ffmpeg.Reader
	logger *slog.Logger
}

// NewFFmpegTools drives the ffmpeg binaries named in cfg.
func NewFFmpegTools(cfg config.VideoConfig, logger *slog.Logger) VideoTools {
	return &ffmpegTools{cfg: cfg, reader: ffmpeg.NewReader(cfg.FFmpeg, logger), logger: logger}
}

func (t *ffmpegTools) Probe(ctx context.Context, file string) (*ffmpeg.StreamInfo, error) {
	return ffmpeg.Probe(ctx, t.cfg.FFprobe, file)
}

func (t *ffmpegTools) Frames(ctx context.Context, file string, info *ffmpeg.StreamInfo) iter.Seq2[[]byte, error] {
	return t.reader.Frames(ctx, file, info)
}

func (t *ffmpegTools) NewEncoder(ctx context.Context, output, frameRate string) (io.WriteCloser, error) {
	filters := make([]ffmpeg.Filter, len(t.cfg.Filters))
	for i, f := range t.cfg.Filters {
		filters[i] = ffmpeg.Filter{Name: f.Name, Params: f.Params}
	}
	return ffmpeg.NewEncoder(ctx, t.cfg.FFmpeg, output, ffmpeg.EncoderOptions{
		FrameRate:    frameRate,
		Filters:      filters,
		OutputParams: t.cfg.OutputParams,
		Overwrite:    t.cfg.Overwrite,
	}, t.logger)
}
