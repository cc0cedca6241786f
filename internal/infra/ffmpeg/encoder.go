package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"slices"
	"strings"
	"sync"
)

// Filter is one entry of the video filter chain. Filters are applied in the
// order they are listed.
type Filter struct {
	Name   string
	Params map[string]any
}

func (f Filter) String() string {
	if len(f.Params) == 0 {
		return f.Name
	}
	keys := make([]string, 0, len(f.Params))
	for k := range f.Params {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, f.Params[k])
	}
	return f.Name + "=" + strings.Join(parts, ":")
}

// EncoderOptions controls how piped frames are muxed.
type EncoderOptions struct {
	FrameRate    string // input frame rate, e.g. "12" or "30000/1001"
	Filters      []Filter
	OutputParams map[string]any // output options such as vcodec or crf
	Overwrite    bool
}

func encoderArgs(output string, opts EncoderOptions) []string {
	args := []string{
		"-loglevel", "error",
		"-f", "image2pipe",
		"-framerate", opts.FrameRate,
		"-i", "pipe:",
	}
	if len(opts.Filters) > 0 {
		chain := make([]string, len(opts.Filters))
		for i, f := range opts.Filters {
			chain[i] = f.String()
		}
		args = append(args, "-vf", strings.Join(chain, ","))
	}

	keys := make([]string, 0, len(opts.OutputParams))
	for k := range opts.OutputParams {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		args = append(args, "-"+k, fmt.Sprint(opts.OutputParams[k]))
	}

	// ffmpeg asks on stdin before overwriting; stdin is the frame pipe, so
	// answer up front either way.
	if opts.Overwrite {
		args = append(args, "-y")
	} else {
		args = append(args, "-n")
	}
	return append(args, output)
}

// Encoder is an io.WriteCloser that feeds encoded images to an ffmpeg
// process. Close flushes the pipe and waits for ffmpeg to finish the file.
type Encoder struct {
	output string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *bytes.Buffer
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// NewEncoder starts ffmpeg writing to output.
func NewEncoder(ctx context.Context, bin, output string, opts EncoderOptions, logger *slog.Logger) (*Encoder, error) {
	if opts.FrameRate == "" {
		return nil, fmt.Errorf("encoder needs a frame rate")
	}
	args := encoderArgs(output, opts)
	cmd := exec.CommandContext(ctx, bin, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdin: %w", err)
	}
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	logger = logger.With("component", "ffmpeg-encoder", "output", output)
	logger.Info("encoder started", "args", strings.Join(args, " "))
	return &Encoder{output: output, cmd: cmd, stdin: stdin, stderr: stderr, logger: logger}, nil
}

func (e *Encoder) Write(p []byte) (int, error) {
	n, err := e.stdin.Write(p)
	if err != nil {
		return n, fmt.Errorf("ffmpeg pipe: %w", err)
	}
	return n, nil
}

func (e *Encoder) Close() error {
	e.closeOnce.Do(func() {
		_ = e.stdin.Close()
		if err := e.cmd.Wait(); err != nil {
			e.closeErr = fmt.Errorf("ffmpeg %s: %w: %s", e.output, err, strings.TrimSpace(e.stderr.String()))
			return
		}
		e.logger.Info("video written")
	})
	return e.closeErr
}
