// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Config holds all configuration for the tool.
// The mapstructure tags are used by Viper to unmarshal the data.
type Config struct {
	Servers        []string      `mapstructure:"servers" validate:"dive,url"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" validate:"gt=0"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	OutputDir      string        `mapstructure:"output_dir" validate:"required"`

	Txt2Img     Txt2ImgConfig     `mapstructure:"txt2img"`
	Img2Img     Img2ImgConfig     `mapstructure:"img2img"`
	Interrogate InterrogateConfig `mapstructure:"interrogate"`
	Video       VideoConfig       `mapstructure:"video"`
	Etcd        EtcdConfig        `mapstructure:"etcd"`

	MetricsAddr string        `mapstructure:"metrics_addr" validate:"omitempty,hostname_port"`
	Tracing     TracingConfig `mapstructure:"tracing"`
	Schedule    string        `mapstructure:"schedule" validate:"omitempty,cron"`
}

// TracingConfig controls span export. File "" or "-" means stderr.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	File        string  `mapstructure:"file"`
	SampleRatio float64 `mapstructure:"sample_ratio" validate:"gte=0,lte=1"`
}

type Txt2ImgConfig struct {
	Payload map[string]any `mapstructure:"payload"`
}

type Img2ImgConfig struct {
	Suffix        string         `mapstructure:"suffix" validate:"required"`
	ParseMetadata bool           `mapstructure:"parse_metadata"`
	Payload       map[string]any `mapstructure:"payload"`
}

type InterrogateConfig struct {
	Model string `mapstructure:"model" validate:"required"`
}

type VideoConfig struct {
	Payload      map[string]any   `mapstructure:"payload"`
	FrameRate    string           `mapstructure:"framerate" validate:"required"`
	OutputParams map[string]any   `mapstructure:"output_params"`
	Filters      []FilterConfig   `mapstructure:"filters" validate:"dive"`
	Overwrite    bool             `mapstructure:"overwrite"`
	ControlNet   []map[string]any `mapstructure:"controlnet"`
	FramesDir    string           `mapstructure:"frames_dir"`
	FFmpeg       string           `mapstructure:"ffmpeg" validate:"required"`
	FFprobe      string           `mapstructure:"ffprobe" validate:"required"`
}

// FilterConfig is one ffmpeg filter; order in the list is application order.
type FilterConfig struct {
	Name   string         `mapstructure:"name" validate:"required"`
	Params map[string]any `mapstructure:"params"`
}

type EtcdConfig struct {
	Endpoints       []string      `mapstructure:"endpoints"`
	Timeout         time.Duration `mapstructure:"timeout" validate:"gt=0"`
	EndpointsPrefix string        `mapstructure:"endpoints_prefix" validate:"required"`
	LockPrefix      string        `mapstructure:"lock_prefix" validate:"required"`
	History         bool          `mapstructure:"history"`
}

// Enabled reports whether an etcd cluster is configured.
func (e EtcdConfig) Enabled() bool { return len(e.Endpoints) > 0 }

func setDefaults(v *viper.Viper) {
	v.SetDefault("servers", []string{"http://127.0.0.1:7860"})
	v.SetDefault("connect_timeout", "10s")
	v.SetDefault("read_timeout", "600s")
	v.SetDefault("output_dir", ".")

	v.SetDefault("txt2img.payload", map[string]any{})

	v.SetDefault("img2img.suffix", "_img2img")
	v.SetDefault("img2img.parse_metadata", true)
	v.SetDefault("img2img.payload", map[string]any{"steps": 5, "denoising_strength": 0.2})

	v.SetDefault("interrogate.model", "clip")

	v.SetDefault("video.payload", map[string]any{"steps": 30, "denoising_strength": 0.2})
	v.SetDefault("video.framerate", "12")
	v.SetDefault("video.output_params", map[string]any{"vcodec": "libx264", "crf": 23})
	v.SetDefault("video.filters", []any{})
	v.SetDefault("video.overwrite", true)
	v.SetDefault("video.controlnet", []any{})
	v.SetDefault("video.ffmpeg", "ffmpeg")
	v.SetDefault("video.ffprobe", "ffprobe")

	v.SetDefault("metrics_addr", "")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.file", "")
	v.SetDefault("tracing.sample_ratio", 1.0)

	v.SetDefault("etcd.endpoints", []string{})
	v.SetDefault("etcd.timeout", "5s")
	v.SetDefault("etcd.endpoints_prefix", "/sdbatch/endpoints/")
	v.SetDefault("etcd.lock_prefix", "/sdbatch/locks/")
	v.SetDefault("etcd.history", false)

	v.SetDefault("schedule", "")
}

// Load loads configuration from file and environment variables. An empty
// path searches for config.yaml in ./configs and the working directory.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("SDBATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// Without a file we rely on defaults and env vars; an explicit
		// path must exist.
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	// env vars arrive as a single space separated string
	cfg.Servers = splitList(cfg.Servers)
	cfg.Etcd.Endpoints = splitList(cfg.Etcd.Endpoints)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		out = append(out, strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })...)
	}
	return out
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
		_, err := ParseSchedule(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks a loaded configuration.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Validator returns the shared validator, with the cron tag registered.
func Validator() *validator.Validate { return validate }

// ParseSchedule parses a cron expression with an optional seconds field and
// the usual descriptors (@every 1h, @daily).
func ParseSchedule(spec string) (cron.Schedule, error) {
	return scheduleParser.Parse(spec)
}

var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)
