package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all service configuration.
type Config struct {
	Port       string
	Env        string
	GinMode    string
	Model      ModelConfig
	Preprocess PreprocessConfig
	Upload     UploadConfig
	Log        LogConfig
	Cache      CacheConfig
	SentryDSN  string

	// parseErrs holds malformed environment values seen by Load.
	parseErrs []error
}

// ModelConfig locates the model artifacts and controls how they are loaded.
type ModelConfig struct {
	Path           string
	LabelsPath     string
	RuntimeLibPath string
	EagerLoad      bool
	IntraOpThreads int
}

// PreprocessConfig describes the tensor the model expects.
type PreprocessConfig struct {
	ImageSize    int
	Layout       string // "nhwc" or "nchw"
	ResizeFilter string // "nearest", "bilinear", "bicubic", "lanczos3"
}

// UploadConfig bounds request bodies and decoded images.
type UploadConfig struct {
	MaxBytes  int64
	MaxPixels int64
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string
	Format string // "json" or "text"
}

// CacheConfig holds the optional Redis prediction cache settings.
// An empty Address disables the cache.
type CacheConfig struct {
	Address        string
	MaxConnections int
	TTL            time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
// Malformed values fall back to the default and are reported by Validate.
func Load() Config {
	env := &envReader{}
	modelPath := env.get("MODEL_PATH", filepath.Join("models", "kidney.onnx"))
	cfg := Config{
		Port:    env.get("PORT", "8080"),
		Env:     env.get("ENV", "development"),
		GinMode: env.get("GIN_MODE", "release"),
		Model: ModelConfig{
			Path:       modelPath,
			LabelsPath: env.get("LABELS_PATH", filepath.Join("models", "labels.json")),
			// The runtime library ships alongside the model file unless told otherwise.
			RuntimeLibPath: env.get("ONNXRUNTIME_LIB", filepath.Join(filepath.Dir(modelPath), "libonnxruntime.so")),
			EagerLoad:      env.getBool("MODEL_EAGER_LOAD", false),
			IntraOpThreads: env.getInt("MODEL_INTRA_OP_THREADS", 4),
		},
		Preprocess: PreprocessConfig{
			ImageSize:    env.getInt("IMAGE_SIZE", 224),
			Layout:       strings.ToLower(env.get("TENSOR_LAYOUT", "nhwc")),
			ResizeFilter: strings.ToLower(env.get("RESIZE_FILTER", "bicubic")),
		},
		Upload: UploadConfig{
			MaxBytes:  env.getInt64("MAX_UPLOAD_BYTES", 10<<20),
			MaxPixels: env.getInt64("MAX_IMAGE_PIXELS", 89_478_485),
		},
		Log: LogConfig{
			Level:  env.get("LOG_LEVEL", "info"),
			Format: env.get("LOG_FORMAT", "json"),
		},
		Cache: CacheConfig{
			Address:        os.Getenv("REDIS_ADDRESS"),
			MaxConnections: env.getInt("REDIS_MAX_CONNECTIONS", 10),
			TTL:            env.getDuration("CACHE_TTL", time.Hour),
		},
		SentryDSN: os.Getenv("SENTRY_DSN"),
	}
	cfg.parseErrs = env.errs
	return cfg
}

// Validate checks that the configured artifacts exist and that every value
// is usable. It is meant to run once at startup so the process fails fast.
func (c Config) Validate() error {
	if len(c.parseErrs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(c.parseErrs...))
	}
	if c.Port == "" {
		return fmt.Errorf("config: PORT must not be empty")
	}
	switch c.GinMode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("config: unknown GIN_MODE %q", c.GinMode)
	}
	if c.Model.Path == "" {
		return fmt.Errorf("config: MODEL_PATH must not be empty")
	}
	if err := requireFile(c.Model.Path); err != nil {
		return fmt.Errorf("config: MODEL_PATH: %w", err)
	}
	if err := requireFile(c.Model.LabelsPath); err != nil {
		return fmt.Errorf("config: LABELS_PATH: %w", err)
	}
	if c.Model.IntraOpThreads < 1 {
		return fmt.Errorf("config: MODEL_INTRA_OP_THREADS must be positive, got %d", c.Model.IntraOpThreads)
	}
	if c.Preprocess.ImageSize < 1 {
		return fmt.Errorf("config: IMAGE_SIZE must be positive, got %d", c.Preprocess.ImageSize)
	}
	switch c.Preprocess.Layout {
	case "nhwc", "nchw":
	default:
		return fmt.Errorf("config: unknown TENSOR_LAYOUT %q", c.Preprocess.Layout)
	}
	switch c.Preprocess.ResizeFilter {
	case "nearest", "bilinear", "bicubic", "lanczos3":
	default:
		return fmt.Errorf("config: unknown RESIZE_FILTER %q", c.Preprocess.ResizeFilter)
	}
	if c.Upload.MaxBytes < 1 {
		return fmt.Errorf("config: MAX_UPLOAD_BYTES must be positive, got %d", c.Upload.MaxBytes)
	}
	if c.Upload.MaxPixels < 1 {
		return fmt.Errorf("config: MAX_IMAGE_PIXELS must be positive, got %d", c.Upload.MaxPixels)
	}
	if c.Cache.Address != "" && c.Cache.TTL <= 0 {
		return fmt.Errorf("config: CACHE_TTL must be positive, got %v", c.Cache.TTL)
	}
	return nil
}

func requireFile(path string) error {
	if path == "" {
		return fmt.Errorf("path must not be empty")
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	return nil
}

// envReader reads typed environment values, collecting parse errors.
type envReader struct {
	errs []error
}

func (r *envReader) get(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (r *envReader) getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, v)
		return fallback
	}
	return n
}

func (r *envReader) getInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		r.fail(key, v)
		return fallback
	}
	return n
}

func (r *envReader) getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(key, v)
		return fallback
	}
	return b
}

func (r *envReader) getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, v)
		return fallback
	}
	return d
}

func (r *envReader) fail(key, value string) {
	r.errs = append(r.errs, fmt.Errorf("invalid %s %q", key, value))
}
