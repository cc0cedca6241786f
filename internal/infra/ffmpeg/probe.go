// Package ffmpeg demuxes videos into frames and muxes frames back into a
// video by driving the ffmpeg and ffprobe binaries.
package ffmpeg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("sd-batch-ffmpeg")

// StreamInfo describes the first video stream of a file.
type StreamInfo struct {
	Width     int
	Height    int
	FrameRate string // as reported by ffprobe, e.g. "30000/1001"
}

// FPS evaluates FrameRate.
func (s StreamInfo) FPS() (float64, error) {
	return parseRate(s.FrameRate)
}

type probeOutput struct {
	Streams []struct {
		CodecType  string `json:"codec_type"`
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		RFrameRate string `json:"r_frame_rate"`
	} `json:"streams"`
}

// Probe reads the geometry and frame rate of the first video stream in file.
func Probe(ctx context.Context, ffprobe, file string) (*StreamInfo, error) {
	ctx, span := tracer.Start(ctx, "ffmpeg.Probe", trace.WithAttributes(attribute.String("file", file)))
	defer span.End()

	cmd := exec.CommandContext(ctx, ffprobe, "-v", "error", "-print_format", "json", "-show_streams", file)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		span.SetStatus(codes.Error, "ffprobe failed")
		span.RecordError(err)
		return nil, fmt.Errorf("ffprobe %s: %w: %s", file, err, strings.TrimSpace(stderr.String()))
	}
	info, err := parseProbe(stdout.Bytes())
	if err != nil {
		return nil, fmt.Errorf("ffprobe %s: %w", file, err)
	}
	span.SetAttributes(
		attribute.Int("width", info.Width),
		attribute.Int("height", info.Height),
		attribute.String("frame_rate", info.FrameRate),
	)
	return info, nil
}

func parseProbe(data []byte) (*StreamInfo, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode probe output: %w", err)
	}
	for _, s := range out.Streams {
		if s.CodecType != "video" {
			continue
		}
		if s.Width <= 0 || s.Height <= 0 {
			return nil, fmt.Errorf("video stream has no dimensions")
		}
		return &StreamInfo{Width: s.Width, Height: s.Height, FrameRate: s.RFrameRate}, nil
	}
	return nil, fmt.Errorf("no video stream")
}

func parseRate(rate string) (float64, error) {
	num, den, found := strings.Cut(rate, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid frame rate %q", rate)
	}
	if !found {
		return n, nil
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0, fmt.Errorf("invalid frame rate %q", rate)
	}
	return n / d, nil
}
