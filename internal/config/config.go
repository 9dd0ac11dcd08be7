// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fmueller/voxscribe/internal/storage"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr      string
	PublicBaseURL string
	APIKey        string // shared secret for the HTTP API, empty disables the check
	DatabaseURL   string
	DataDir       string
	LogLevel      string
	JSONLogs      bool
	SentryDSN     string
	Environment   string

	FFmpegPath    string
	FFmpegTimeout time.Duration

	Segment  SegmentConfig
	ASR      ASRConfig
	Platform PlatformConfig
	Billing  BillingConfig
	Storage  StorageConfig

	PipelineWorkers int
}

type SegmentConfig struct {
	Target        time.Duration
	Overlap       time.Duration
	MinSilence    time.Duration
	NoiseDB       float64
	MaxChunkBytes int64
	SilenceGate   bool
	SilenceDBFS   float64
}

type ASRConfig struct {
	Backend     string // openai|whisper
	BaseURL     string
	APIKey      string
	Model       string
	Timeout     time.Duration
	MaxAttempts int
	BackoffStep time.Duration
	MaxBackoff  time.Duration
	// Local whisper-cli backend.
	WhisperModel string
}

type PlatformConfig struct {
	BotToken           string
	APIBaseURL         string
	FallbackAPIBaseURL string
	FileCeilingBytes   int64
	MaxFileBytes       int64
	AlternateChannel   string
}

type BillingConfig struct {
	CostPerMinute int64
}

type StorageConfig struct {
	AudioBucket      string
	TranscriptBucket string
	SigningSecret    string
	PresignTTL       time.Duration
}

// LoadDotenv loads the first existing file among VOXSCRIBE_ENV and ./.env.
// Variables already present in the environment win.
func LoadDotenv() error {
	candidates := []string{strings.TrimSpace(os.Getenv("VOXSCRIBE_ENV")), ".env"}
	var files []string
	for _, path := range candidates {
		if path == "" {
			continue
		}
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			files = append(files, path)
		}
	}
	if len(files) == 0 {
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("load env files %s: %w", strings.Join(files, ","), err)
	}
	return nil
}

// Load reads the configuration from the process environment. Parse problems
// are collected rather than silently replaced by defaults.
func Load() (Config, error) {
	p := &parser{}

	cfg := Config{
		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
		PublicBaseURL: strings.TrimRight(getenv("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		APIKey:        os.Getenv("API_KEY"),
		DatabaseURL:   getenv("DATABASE_URL", ""),
		DataDir:       getenv("DATA_DIR", ""),
		LogLevel:      getenv("LOG_LEVEL", "info"),
		JSONLogs:      p.bool("LOG_JSON", false),
		SentryDSN:     getenv("SENTRY_DSN", ""),
		Environment:   getenv("ENVIRONMENT", "development"),

		FFmpegPath:    getenv("FFMPEG_PATH", "ffmpeg"),
		FFmpegTimeout: p.duration("FFMPEG_TIMEOUT", 10*time.Minute),

		Segment: SegmentConfig{
			Target:        p.duration("SEGMENT_TARGET", 5*time.Minute),
			Overlap:       p.duration("SEGMENT_OVERLAP", 2*time.Second),
			MinSilence:    p.duration("SILENCE_MIN_DURATION", 700*time.Millisecond),
			NoiseDB:       p.float("SILENCE_NOISE_DB", -35),
			MaxChunkBytes: p.int64("MAX_CHUNK_BYTES", 24<<20),
			SilenceGate:   p.bool("SILENCE_GATE", true),
			SilenceDBFS:   p.float("SILENCE_GATE_DBFS", -65),
		},
		ASR: ASRConfig{
			Backend:      getenv("ASR_BACKEND", "openai"),
			BaseURL:      strings.TrimRight(getenv("ASR_BASE_URL", "https://api.openai.com/v1"), "/"),
			APIKey:       getenv("ASR_API_KEY", os.Getenv("OPENAI_API_KEY")),
			Model:        getenv("ASR_MODEL", "whisper-1"),
			Timeout:      p.duration("ASR_TIMEOUT", 5*time.Minute),
			MaxAttempts:  p.int("ASR_MAX_ATTEMPTS", 4),
			BackoffStep:  p.duration("ASR_BACKOFF_STEP", 2*time.Second),
			MaxBackoff:   p.duration("ASR_MAX_BACKOFF", time.Minute),
			WhisperModel: getenv("WHISPER_MODEL", "small"),
		},
		Platform: PlatformConfig{
			BotToken:           os.Getenv("BOT_TOKEN"),
			APIBaseURL:         strings.TrimRight(getenv("BOT_API_URL", "https://api.telegram.org"), "/"),
			FallbackAPIBaseURL: strings.TrimRight(getenv("BOT_API_FALLBACK_URL", ""), "/"),
			FileCeilingBytes:   p.int64("PLATFORM_FILE_CEILING", 20<<20),
			MaxFileBytes:       p.int64("MAX_FILE_BYTES", storage.MaxObjectBytes),
			AlternateChannel:   getenv("ALTERNATE_CHANNEL", "the upload page"),
		},
		Billing: BillingConfig{
			CostPerMinute: p.int64("COST_PER_MINUTE", 10),
		},
		Storage: StorageConfig{
			AudioBucket:      getenv("STORAGE_AUDIO_BUCKET", "audio"),
			TranscriptBucket: getenv("STORAGE_TRANSCRIPT_BUCKET", "transcripts"),
			SigningSecret:    os.Getenv("STORAGE_SIGNING_SECRET"),
			PresignTTL:       p.duration("STORAGE_PRESIGN_TTL", 15*time.Minute),
		},

		PipelineWorkers: p.int("PIPELINE_WORKERS", 3),
	}

	if err := errors.Join(p.errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the pipeline and billing settings every command depends on.
func (c Config) Validate() error {
	var errs []error
	if c.Segment.Target <= 0 {
		errs = append(errs, errors.New("SEGMENT_TARGET must be positive"))
	}
	if c.Segment.Overlap < 0 || c.Segment.Overlap >= c.Segment.Target {
		errs = append(errs, fmt.Errorf("SEGMENT_OVERLAP %s must be in [0, SEGMENT_TARGET)", c.Segment.Overlap))
	}
	if c.Segment.MaxChunkBytes <= 0 {
		errs = append(errs, errors.New("MAX_CHUNK_BYTES must be positive"))
	}
	if c.ASR.MaxAttempts < 1 {
		errs = append(errs, errors.New("ASR_MAX_ATTEMPTS must be at least 1"))
	}
	if c.ASR.MaxBackoff < c.ASR.BackoffStep {
		errs = append(errs, fmt.Errorf("ASR_MAX_BACKOFF %s must not be below ASR_BACKOFF_STEP", c.ASR.MaxBackoff))
	}
	switch c.ASR.Backend {
	case "openai", "whisper":
	default:
		errs = append(errs, fmt.Errorf("unknown ASR_BACKEND %q", c.ASR.Backend))
	}
	if c.Billing.CostPerMinute < 0 {
		errs = append(errs, errors.New("COST_PER_MINUTE must not be negative"))
	}
	if c.PipelineWorkers < 1 {
		errs = append(errs, errors.New("PIPELINE_WORKERS must be at least 1"))
	}
	return errors.Join(errs...)
}

// ValidateServe additionally checks what `voxscribe serve` needs.
func (c Config) ValidateServe() error {
	errs := []error{c.Validate()}
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.Storage.SigningSecret == "" {
		errs = append(errs, errors.New("STORAGE_SIGNING_SECRET is required"))
	}
	if c.Platform.BotToken == "" {
		errs = append(errs, errors.New("BOT_TOKEN is required"))
	}
	if c.ASR.Backend == "openai" && c.ASR.APIKey == "" {
		errs = append(errs, errors.New("ASR_API_KEY is required for the openai backend"))
	}
	// The source audio is archived as a single blob.
	if c.Platform.MaxFileBytes > storage.MaxObjectBytes {
		errs = append(errs, fmt.Errorf("MAX_FILE_BYTES %d exceeds the blob store limit of %d", c.Platform.MaxFileBytes, storage.MaxObjectBytes))
	}
	return errors.Join(errs...)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

type parser struct {
	errs []error
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (p *parser) int(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return v
}

func (p *parser) int64(key string, def int64) int64 {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return v
}

func (p *parser) float(key string, def float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return v
}

func (p *parser) bool(key string, def bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return v
}
