package ffmpeg

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProbe(t *testing.T) {
	out := []byte(`{"streams":[
		{"codec_type":"audio","sample_rate":"48000"},
		{"codec_type":"video","width":640,"height":360,"r_frame_rate":"30000/1001"}
	]}`)
	info, err := parseProbe(out)
	require.NoError(t, err)
	assert.Equal(t, &StreamInfo{Width: 640, Height: 360, FrameRate: "30000/1001"}, info)

	fps, err := info.FPS()
	require.NoError(t, err)
	assert.InDelta(t, 29.97, fps, 0.01)

	_, err = parseProbe([]byte(`{"streams":[{"codec_type":"audio"}]}`))
	assert.ErrorContains(t, err, "no video stream")

	_, err = parseProbe([]byte(`not json`))
	assert.Error(t, err)
}

func TestParseRate(t *testing.T) {
	for rate, want := range map[string]float64{"12": 12, "24/1": 24, "25.0": 25} {
		got, err := parseRate(rate)
		require.NoError(t, err, rate)
		assert.InDelta(t, want, got, 1e-9, rate)
	}
	for _, bad := range []string{"", "x/1", "1/0", "30/y"} {
		_, err := parseRate(bad)
		assert.Error(t, err, bad)
	}
}

func TestEncoderArgs(t *testing.T) {
	args := encoderArgs("out.mp4", EncoderOptions{
		FrameRate: "12",
		Filters: []Filter{
			{Name: "tblend", Params: map[string]any{"all_mode": "average"}},
			{Name: "minterpolate", Params: map[string]any{"fps": 24, "mi_mode": "mci", "vsbmc": 1}},
			{Name: "hflip"},
		},
		OutputParams: map[string]any{"vcodec": "libx264", "crf": 23},
		Overwrite:    true,
	})

	assert.Equal(t, []string{
		"-loglevel", "error",
		"-f", "image2pipe",
		"-framerate", "12",
		"-i", "pipe:",
		"-vf", "tblend=all_mode=average,minterpolate=fps=24:mi_mode=mci:vsbmc=1,hflip",
		"-crf", "23",
		"-vcodec", "libx264",
		"-y",
		"out.mp4",
	}, args)
}

func TestEncoderArgs_NoOverwriteNoFilters(t *testing.T) {
	args := encoderArgs("out.mp4", EncoderOptions{FrameRate: "30000/1001"})
	assert.NotContains(t, args, "-vf")
	assert.NotContains(t, args, "-y")
	assert.Equal(t, []string{"-n", "out.mp4"}, args[len(args)-2:])
}

func TestReaderArgs(t *testing.T) {
	args := readerArgs("in.mp4", &StreamInfo{Width: 4, Height: 2, FrameRate: "25/1"})
	assert.Equal(t, []string{
		"-loglevel", "quiet", "-i", "in.mp4",
		"-f", "rawvideo", "-pix_fmt", "rgb24", "-r", "25/1", "pipe:",
	}, args)
}

func TestEncodeRGB(t *testing.T) {
	pix := []byte{
		255, 0, 0, 0, 255, 0,
		0, 0, 255, 10, 20, 30,
	}
	data, err := encodeRGB(pix, 2, 2)
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 2, 2), img.Bounds())
	assert.Equal(t, color.NRGBA{R: 10, G: 20, B: 30, A: 255}, color.NRGBAModel.Convert(img.At(1, 1)))

	_, err = encodeRGB(pix[:5], 2, 2)
	assert.Error(t, err)
}

func pngFrame(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 16, 16))
	for y := range 16 {
		for x := range 16 {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestRoundTrip(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}
	if _, err := exec.LookPath("ffprobe"); err != nil {
		t.Skip("ffprobe not installed")
	}
	ctx := context.Background()
	out := filepath.Join(t.TempDir(), "clip.mkv")

	enc, err := NewEncoder(ctx, "ffmpeg", out, EncoderOptions{
		FrameRate:    "12",
		OutputParams: map[string]any{"vcodec": "ffv1"},
	}, slog.Default())
	require.NoError(t, err)
	for _, c := range []color.Color{color.White, color.Black, color.White} {
		_, err := enc.Write(pngFrame(t, c))
		require.NoError(t, err)
	}
	require.NoError(t, enc.Close())

	info, err := Probe(ctx, "ffprobe", out)
	require.NoError(t, err)
	assert.Equal(t, 16, info.Width)
	assert.Equal(t, 16, info.Height)

	var frames [][]byte
	for frame, err := range NewReader("ffmpeg", slog.Default()).Frames(ctx, out, info) {
		require.NoError(t, err)
		frames = append(frames, frame)
	}
	assert.Len(t, frames, 3)
}
