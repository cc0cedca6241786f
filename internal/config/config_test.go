package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, []string{"http://127.0.0.1:7860"}, cfg.Servers)
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 600*time.Second, cfg.ReadTimeout)
	assert.Equal(t, ".", cfg.OutputDir)
	assert.Equal(t, "_img2img", cfg.Img2Img.Suffix)
	assert.True(t, cfg.Img2Img.ParseMetadata)
	assert.EqualValues(t, 5, cfg.Img2Img.Payload["steps"])
	assert.Equal(t, "clip", cfg.Interrogate.Model)
	assert.Equal(t, "12", cfg.Video.FrameRate)
	assert.Equal(t, "libx264", cfg.Video.OutputParams["vcodec"])
	assert.True(t, cfg.Video.Overwrite)
	assert.Empty(t, cfg.Video.Filters)
	assert.False(t, cfg.Etcd.Enabled())
	assert.Equal(t, 5*time.Second, cfg.Etcd.Timeout)
	assert.Equal(t, "/sdbatch/endpoints/", cfg.Etcd.EndpointsPrefix)
	assert.Equal(t, "/sdbatch/locks/", cfg.Etcd.LockPrefix)
	assert.False(t, cfg.Tracing.Enabled)
	assert.Equal(t, 1.0, cfg.Tracing.SampleRatio)
	assert.Empty(t, cfg.Schedule)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
servers:
  - http://gpu-1:7860
  - http://gpu-2:7860
read_timeout: 2m
img2img:
  suffix: _sd
  parse_metadata: false
  payload:
    steps: 12
    denoising_strength: 0.45
video:
  framerate: 30000/1001
  filters:
    - name: deflicker
      params: {mode: pm, size: 5}
    - name: tblend
      params: {all_mode: average}
  controlnet:
    - module: canny
      model: control_canny-fp16 [e3fe7712]
      control_mode: 2
schedule: "@every 1h"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"http://gpu-1:7860", "http://gpu-2:7860"}, cfg.Servers)
	assert.Equal(t, 2*time.Minute, cfg.ReadTimeout)
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeout, "unset keys keep defaults")
	assert.Equal(t, "_sd", cfg.Img2Img.Suffix)
	assert.False(t, cfg.Img2Img.ParseMetadata)
	assert.EqualValues(t, 0.45, cfg.Img2Img.Payload["denoising_strength"])
	assert.Equal(t, "30000/1001", cfg.Video.FrameRate)
	require.Len(t, cfg.Video.Filters, 2)
	assert.Equal(t, "deflicker", cfg.Video.Filters[0].Name)
	assert.Equal(t, "tblend", cfg.Video.Filters[1].Name)
	require.Len(t, cfg.Video.ControlNet, 1)
	assert.Equal(t, "canny", cfg.Video.ControlNet[0]["module"])
	assert.Equal(t, "@every 1h", cfg.Schedule)
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("SDBATCH_SERVERS", "http://a:7860,http://b:7860")
	t.Setenv("SDBATCH_IMG2IMG_SUFFIX", "_env")
	t.Setenv("SDBATCH_ETCD_ENDPOINTS", "127.0.0.1:2379")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"http://a:7860", "http://b:7860"}, cfg.Servers)
	assert.Equal(t, "_env", cfg.Img2Img.Suffix)
	assert.True(t, cfg.Etcd.Enabled())
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad server url", "servers: [\"not a url\"]"},
		{"bad schedule", "schedule: \"every tuesday-ish\""},
		{"empty suffix", "img2img: {suffix: \"\"}"},
		{"filter without name", "video: {filters: [{params: {a: 1}}]}"},
		{"bad metrics addr", "metrics_addr: \"nope\""},
		{"sample ratio above one", "tracing: {enabled: true, sample_ratio: 1.5}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.ErrorContains(t, err, "invalid config")
		})
	}
}

func TestParseSchedule(t *testing.T) {
	for _, spec := range []string{"0 */5 * * * *", "*/5 * * * *", "@daily", "@every 90s"} {
		_, err := ParseSchedule(spec)
		assert.NoError(t, err, spec)
	}
	_, err := ParseSchedule("61 * * * *")
	assert.Error(t, err)
}
