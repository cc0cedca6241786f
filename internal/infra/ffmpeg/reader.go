package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"iter"
	"log/slog"
	"os/exec"
)

// Reader decodes a video into PNG frames.
type Reader struct {
	bin    string
	logger *slog.Logger
}

func NewReader(bin string, logger *slog.Logger) *Reader {
	return &Reader{bin: bin, logger: logger.With("component", "ffmpeg-reader")}
}

func readerArgs(file string, info *StreamInfo) []string {
	return []string{
		"-loglevel", "quiet",
		"-i", file,
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-r", info.FrameRate,
		"pipe:",
	}
}

// Frames yields the frames of file at its native rate. Stopping the
// iteration early terminates the ffmpeg process.
func (r *Reader) Frames(ctx context.Context, file string, info *StreamInfo) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		cmd := exec.CommandContext(ctx, r.bin, readerArgs(file, info)...)
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			yield(nil, fmt.Errorf("ffmpeg stdout: %w", err))
			return
		}
		if err := cmd.Start(); err != nil {
			yield(nil, fmt.Errorf("start ffmpeg: %w", err))
			return
		}

		stopped := false
		defer func() {
			if stopped {
				cancel()
			}
			if err := cmd.Wait(); err != nil && !stopped {
				r.logger.Warn("ffmpeg exited with error", "file", file, "error", err)
			}
		}()

		buf := make([]byte, info.Width*info.Height*3)
		for n := 0; ; n++ {
			_, err := io.ReadFull(stdout, buf)
			if errors.Is(err, io.EOF) {
				r.logger.Debug("video decoded", "file", file, "frames", n)
				return
			}
			if err != nil {
				yield(nil, fmt.Errorf("read frame %d: %w", n, err))
				stopped = true
				return
			}
			frame, err := encodeRGB(buf, info.Width, info.Height)
			if !yield(frame, err) || err != nil {
				stopped = true
				return
			}
		}
	}
}

// encodeRGB turns packed rgb24 pixels into a PNG.
func encodeRGB(pix []byte, width, height int) ([]byte, error) {
	if len(pix) != width*height*3 {
		return nil, fmt.Errorf("frame has %d bytes, want %d", len(pix), width*height*3)
	}
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for i, j := 0, 0; i < len(pix); i, j = i+3, j+4 {
		img.Pix[j] = pix[i]
		img.Pix[j+1] = pix[i+1]
		img.Pix[j+2] = pix[i+2]
		img.Pix[j+3] = 0xff
	}
	var out bytes.Buffer
	if err := png.Encode(&out, img); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return out.Bytes(), nil
}
