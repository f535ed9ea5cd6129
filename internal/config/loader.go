package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Env variable names understood by the loader.
const (
	EnvData                 = "VIDGREP_DATA"
	EnvDBPath               = "VIDGREP_DB_PATH"
	EnvMediaRoots           = "VIDGREP_MEDIA_ROOTS"
	EnvThumbDir             = "VIDGREP_THUMB_DIR"
	EnvListen               = "VIDGREP_LISTEN"
	EnvLogLevel             = "VIDGREP_LOG_LEVEL"
	EnvRedisAddr            = "VIDGREP_REDIS_ADDR"
	EnvRedisDB              = "VIDGREP_REDIS_DB"
	EnvRedisPassword        = "VIDGREP_REDIS_PASSWORD"
	EnvWorkers              = "VIDGREP_WORKERS"
	EnvMLWorkers            = "VIDGREP_ML_WORKERS"
	EnvGPU                  = "VIDGREP_GPU"
	EnvMaxTries             = "VIDGREP_MAX_TRIES"
	EnvJobTimeout           = "VIDGREP_JOB_TIMEOUT"
	EnvPollInterval         = "VIDGREP_POLL_INTERVAL"
	EnvLongRunningAfter     = "VIDGREP_LONG_RUNNING_AFTER"
	EnvArtifactPollInitial  = "VIDGREP_ARTIFACT_POLL_INITIAL"
	EnvArtifactPollMax      = "VIDGREP_ARTIFACT_POLL_MAX"
	EnvArtifactPollDeadline = "VIDGREP_ARTIFACT_POLL_DEADLINE"
	EnvInferenceURL         = "VIDGREP_INFERENCE_URL"
	EnvInferenceTimeout     = "VIDGREP_INFERENCE_TIMEOUT"
	EnvOCRLanguages         = "VIDGREP_OCR_LANGUAGES"
	EnvScanInterval         = "VIDGREP_SCAN_INTERVAL"
	EnvTracingEnabled       = "VIDGREP_TRACING_ENABLED"
	EnvTracingEndpoint      = "VIDGREP_TRACING_ENDPOINT"
	EnvTracingProtocol      = "VIDGREP_TRACING_PROTOCOL"
	EnvTracingSampleRate    = "VIDGREP_TRACING_SAMPLE_RATE"
	EnvTracingInsecure      = "VIDGREP_TRACING_INSECURE"
	EnvRateLimitRPS         = "VIDGREP_RATE_LIMIT_RPS"
	EnvRateLimitBurst       = "VIDGREP_RATE_LIMIT_BURST"
)

// FileConfig mirrors the YAML file schema. Pointer fields distinguish
// "absent" from zero so file values only override defaults when present.
type FileConfig struct {
	DataDir    *string  `yaml:"data_dir"`
	DBPath     *string  `yaml:"db_path"`
	ThumbDir   *string  `yaml:"thumb_dir"`
	MediaRoots []string `yaml:"media_roots"`
	Listen     *string  `yaml:"listen"`
	LogLevel   *string  `yaml:"log_level"`

	Redis struct {
		Addr     *string `yaml:"addr"`
		DB       *int    `yaml:"db"`
		Password *string `yaml:"password"`
	} `yaml:"redis"`

	Workers struct {
		Backend          *int    `yaml:"backend"`
		ML               *int    `yaml:"ml"`
		GPU              *bool   `yaml:"gpu"`
		MaxTries         *int    `yaml:"max_tries"`
		JobTimeout       *string `yaml:"job_timeout"`
		PollInterval     *string `yaml:"poll_interval"`
		LongRunningAfter *string `yaml:"long_running_after"`
	} `yaml:"workers"`

	Inference struct {
		URL          *string  `yaml:"url"`
		OCRLanguages []string `yaml:"ocr_languages"`
		Timeout      *string  `yaml:"timeout"`
	} `yaml:"inference"`

	Scan struct {
		Interval *string `yaml:"interval"`
	} `yaml:"scan"`

	Tracing struct {
		Enabled    *bool    `yaml:"enabled"`
		Endpoint   *string  `yaml:"endpoint"`
		Protocol   *string  `yaml:"protocol"`
		SampleRate *float64 `yaml:"sample_rate"`
		Insecure   *bool    `yaml:"insecure"`
	} `yaml:"tracing"`

	RateLimit struct {
		RPS   *int `yaml:"rps"`
		Burst *int `yaml:"burst"`
	} `yaml:"rate_limit"`
}

// Loader handles configuration loading with precedence.
type Loader struct {
	configPath string
	version    string
}

// NewLoader creates a new configuration loader.
func NewLoader(configPath, version string) *Loader {
	return &Loader{configPath: configPath, version: version}
}

// Load loads configuration with precedence: ENV > File > Defaults.
// Order is parse file (strict), apply env, then validate.
func (l *Loader) Load() (AppConfig, error) {
	cfg := defaults()

	if l.configPath != "" {
		fileCfg, err := l.loadFile(l.configPath)
		if err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
		mergeFileConfig(&cfg, fileCfg)
	}

	mergeEnvConfig(&cfg)

	cfg.Version = l.version
	cfg.ResolveDerivedPaths()

	// Absolute paths prevent surprises when the daemon changes directory.
	if abs, err := filepath.Abs(cfg.DataDir); err == nil {
		cfg.DataDir = abs
	}
	if abs, err := filepath.Abs(cfg.DBPath); err == nil {
		cfg.DBPath = abs
	}
	if abs, err := filepath.Abs(cfg.ThumbDir); err == nil {
		cfg.ThumbDir = abs
	}
	for i, root := range cfg.MediaRoots {
		if abs, err := filepath.Abs(root); err == nil {
			cfg.MediaRoots[i] = abs
		}
	}

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func defaults() AppConfig {
	return AppConfig{
		DataDir:    "/var/lib/vidgrep",
		Listen:     ":8080",
		LogLevel:   "info",
		LogService: "vidgrep",
		Redis: RedisConfig{
			Addr: "127.0.0.1:6379",
		},
		Workers: WorkerConfig{
			Backend:              4,
			ML:                   2,
			MaxTries:             3,
			JobTimeout:           30 * time.Minute,
			PollInterval:         60 * time.Second,
			LongRunningAfter:     2 * time.Hour,
			ArtifactPollInitial:  time.Second,
			ArtifactPollMax:      30 * time.Second,
			ArtifactPollDeadline: 30 * time.Minute,
		},
		Inference: InferenceConfig{
			URL:          "http://127.0.0.1:9090",
			OCRLanguages: []string{"en"},
			Timeout:      5 * time.Minute,
		},
		Tracing: TracingConfig{
			Protocol:   "grpc",
			SampleRate: 1.0,
		},
		RateLimit: RateLimitConfig{
			RPS:   50,
			Burst: 100,
		},
	}
}

// loadFile loads configuration from a YAML file with strict parsing.
// Unknown fields cause a fatal error to prevent misconfiguration.
func (l *Loader) loadFile(path string) (*FileConfig, error) {
	path = filepath.Clean(path)

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- configuration file paths are provided by the operator via CLI/ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var fileCfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&fileCfg); err != nil {
		if err == io.EOF {
			return &FileConfig{}, nil
		}
		if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
			return nil, fmt.Errorf("%w: %v", ErrUnknownConfigField, err)
		}
		return nil, fmt.Errorf("strict config parse error: %w", err)
	}

	// Strict: no multiple documents or trailing content.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("config file contains multiple documents or trailing content")
	}

	return &fileCfg, nil
}

func mergeFileConfig(cfg *AppConfig, f *FileConfig) {
	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setBool := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}
	setFloat := func(dst *float64, src *float64) {
		if src != nil {
			*dst = *src
		}
	}
	setDuration := func(dst *time.Duration, src *string) {
		if src == nil {
			return
		}
		if d, err := time.ParseDuration(*src); err == nil {
			*dst = d
		}
	}

	setString(&cfg.DataDir, f.DataDir)
	setString(&cfg.DBPath, f.DBPath)
	setString(&cfg.ThumbDir, f.ThumbDir)
	if len(f.MediaRoots) > 0 {
		cfg.MediaRoots = append([]string(nil), f.MediaRoots...)
	}
	setString(&cfg.Listen, f.Listen)
	setString(&cfg.LogLevel, f.LogLevel)

	setString(&cfg.Redis.Addr, f.Redis.Addr)
	setInt(&cfg.Redis.DB, f.Redis.DB)
	setString(&cfg.Redis.Password, f.Redis.Password)

	setInt(&cfg.Workers.Backend, f.Workers.Backend)
	setInt(&cfg.Workers.ML, f.Workers.ML)
	setBool(&cfg.Workers.GPU, f.Workers.GPU)
	setInt(&cfg.Workers.MaxTries, f.Workers.MaxTries)
	setDuration(&cfg.Workers.JobTimeout, f.Workers.JobTimeout)
	setDuration(&cfg.Workers.PollInterval, f.Workers.PollInterval)
	setDuration(&cfg.Workers.LongRunningAfter, f.Workers.LongRunningAfter)

	setString(&cfg.Inference.URL, f.Inference.URL)
	if len(f.Inference.OCRLanguages) > 0 {
		cfg.Inference.OCRLanguages = append([]string(nil), f.Inference.OCRLanguages...)
	}
	setDuration(&cfg.Inference.Timeout, f.Inference.Timeout)

	setDuration(&cfg.Scan.Interval, f.Scan.Interval)

	setBool(&cfg.Tracing.Enabled, f.Tracing.Enabled)
	setString(&cfg.Tracing.Endpoint, f.Tracing.Endpoint)
	setString(&cfg.Tracing.Protocol, f.Tracing.Protocol)
	setFloat(&cfg.Tracing.SampleRate, f.Tracing.SampleRate)
	setBool(&cfg.Tracing.Insecure, f.Tracing.Insecure)

	setInt(&cfg.RateLimit.RPS, f.RateLimit.RPS)
	setInt(&cfg.RateLimit.Burst, f.RateLimit.Burst)
}

func mergeEnvConfig(cfg *AppConfig) {
	cfg.DataDir = ParseString(EnvData, cfg.DataDir)
	cfg.DBPath = ParseString(EnvDBPath, cfg.DBPath)
	cfg.ThumbDir = ParseString(EnvThumbDir, cfg.ThumbDir)
	cfg.MediaRoots = ParseStringList(EnvMediaRoots, cfg.MediaRoots)
	cfg.Listen = ParseString(EnvListen, cfg.Listen)
	cfg.LogLevel = ParseString(EnvLogLevel, cfg.LogLevel)

	cfg.Redis.Addr = ParseString(EnvRedisAddr, cfg.Redis.Addr)
	cfg.Redis.DB = ParseInt(EnvRedisDB, cfg.Redis.DB)
	cfg.Redis.Password = ParseString(EnvRedisPassword, cfg.Redis.Password)

	cfg.Workers.Backend = ParseInt(EnvWorkers, cfg.Workers.Backend)
	cfg.Workers.ML = ParseInt(EnvMLWorkers, cfg.Workers.ML)
	cfg.Workers.GPU = ParseBool(EnvGPU, cfg.Workers.GPU)
	cfg.Workers.MaxTries = ParseInt(EnvMaxTries, cfg.Workers.MaxTries)
	cfg.Workers.JobTimeout = ParseDuration(EnvJobTimeout, cfg.Workers.JobTimeout)
	cfg.Workers.PollInterval = ParseDuration(EnvPollInterval, cfg.Workers.PollInterval)
	cfg.Workers.LongRunningAfter = ParseDuration(EnvLongRunningAfter, cfg.Workers.LongRunningAfter)
	cfg.Workers.ArtifactPollInitial = ParseDuration(EnvArtifactPollInitial, cfg.Workers.ArtifactPollInitial)
	cfg.Workers.ArtifactPollMax = ParseDuration(EnvArtifactPollMax, cfg.Workers.ArtifactPollMax)
	cfg.Workers.ArtifactPollDeadline = ParseDuration(EnvArtifactPollDeadline, cfg.Workers.ArtifactPollDeadline)

	cfg.Inference.URL = ParseString(EnvInferenceURL, cfg.Inference.URL)
	cfg.Inference.OCRLanguages = ParseStringList(EnvOCRLanguages, cfg.Inference.OCRLanguages)
	cfg.Inference.Timeout = ParseDuration(EnvInferenceTimeout, cfg.Inference.Timeout)

	cfg.Scan.Interval = ParseDuration(EnvScanInterval, cfg.Scan.Interval)

	cfg.Tracing.Enabled = ParseBool(EnvTracingEnabled, cfg.Tracing.Enabled)
	cfg.Tracing.Endpoint = ParseString(EnvTracingEndpoint, cfg.Tracing.Endpoint)
	cfg.Tracing.Protocol = ParseString(EnvTracingProtocol, cfg.Tracing.Protocol)
	cfg.Tracing.SampleRate = ParseFloat(EnvTracingSampleRate, cfg.Tracing.SampleRate)
	cfg.Tracing.Insecure = ParseBool(EnvTracingInsecure, cfg.Tracing.Insecure)

	cfg.RateLimit.RPS = ParseInt(EnvRateLimitRPS, cfg.RateLimit.RPS)
	cfg.RateLimit.Burst = ParseInt(EnvRateLimitBurst, cfg.RateLimit.Burst)
}

// LoadFileConfig loads a YAML config file without applying defaults or env overrides.
func LoadFileConfig(path string) (*FileConfig, error) {
	loader := NewLoader(path, "")
	return loader.loadFile(path)
}
