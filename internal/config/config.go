package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config contains all runtime settings for the voice shopping client.
// Bounds are enforced with go-playground/validator struct tags.
type Config struct {
	BindAddr         string `validate:"required"`
	MetricsNamespace string `validate:"required,alphanum"`
	ShutdownTimeout  time.Duration

	// Remote shopping processor endpoint.
	ServerURL string `validate:"required,startswith=ws"`
	TenantID  string `validate:"required,max=100"`
	SubjectID string `validate:"omitempty,max=100"`

	WantAudioReplies bool
	AudioFormat      string `validate:"required,max=16"`
	Lang             string `validate:"required,max=8"`

	// Capture tuning. Levels are on the 0..255 meter scale.
	SampleRate        int           `validate:"gte=8000,lte=48000"`
	SilenceLevel      int           `validate:"gte=0,lte=255"`
	SilenceThreshold  time.Duration `validate:"gte=200000000,lte=10000000000"`
	EnergyThreshold   int           `validate:"gte=0,lte=255"`
	ConsecutiveFrames int           `validate:"gte=1,lte=30"`
	MonitorTick       time.Duration `validate:"gte=1000000,lte=250000000"`
	CaptureCommand    string
	CaptureDevice     string
	UtteranceDumpDir  string

	// Playback.
	PlayerCommand string

	// Session keepalive and reconnection.
	PingInterval         time.Duration `validate:"gte=1000000000"`
	ReconnectBase        time.Duration `validate:"gte=100000000"`
	ReconnectMaxAttempts int           `validate:"gte=1,lte=20"`

	// Transcript persistence (in-memory when empty).
	DatabaseURL string

	// Optional S3 utterance archive.
	ArchiveS3Endpoint  string `validate:"omitempty,url"`
	ArchiveS3Bucket    string `validate:"omitempty,max=253"`
	ArchiveS3Prefix    string `validate:"omitempty,max=512"`
	ArchiveS3AccessKey string
	ArchiveS3SecretKey string
}

// Load reads environment variables, applies safe defaults, and validates.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:          envOrDefault("APP_BIND_ADDR", ":8090"),
		MetricsNamespace:  envOrDefault("APP_METRICS_NAMESPACE", "shopvoice"),
		ShutdownTimeout:   15 * time.Second,
		ServerURL:         envOrDefault("SHOP_SERVER_URL", "ws://127.0.0.1:8080"),
		TenantID:          envOrDefault("SHOP_TENANT_ID", "default"),
		SubjectID:         stringFromEnv("SHOP_SUBJECT_ID"),
		WantAudioReplies:  true,
		AudioFormat:       envOrDefault("SHOP_AUDIO_FORMAT", "webm"),
		Lang:              envOrDefault("SHOP_LANG", "es"),
		SampleRate:        16000,
		SilenceLevel:      30,
		SilenceThreshold:  1500 * time.Millisecond,
		EnergyThreshold:   40,
		ConsecutiveFrames: 3,
		// ~60 Hz, matching the animation-clock cadence the level meter
		// was tuned against.
		MonitorTick:          16 * time.Millisecond,
		CaptureCommand:       stringFromEnv("CAPTURE_COMMAND"),
		CaptureDevice:        envOrDefault("CAPTURE_DEVICE", "default"),
		UtteranceDumpDir:     stringFromEnv("UTTERANCE_DUMP_DIR"),
		PlayerCommand:        stringFromEnv("PLAYER_COMMAND"),
		PingInterval:         30 * time.Second,
		ReconnectBase:        3 * time.Second,
		ReconnectMaxAttempts: 5,
		DatabaseURL:          stringFromEnv("DATABASE_URL"),
		ArchiveS3Endpoint:    stringFromEnv("ARCHIVE_S3_ENDPOINT"),
		ArchiveS3Bucket:      stringFromEnv("ARCHIVE_S3_BUCKET"),
		ArchiveS3Prefix:      envOrDefault("ARCHIVE_S3_PREFIX", "utterances"),
		ArchiveS3AccessKey:   stringFromEnv("ARCHIVE_S3_ACCESS_KEY_ID"),
		ArchiveS3SecretKey:   stringFromEnv("ARCHIVE_S3_SECRET_ACCESS_KEY"),
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.WantAudioReplies, err = boolFromEnv("SHOP_WANT_AUDIO_REPLIES", cfg.WantAudioReplies); err != nil {
		return Config{}, err
	}
	if cfg.SampleRate, err = intFromEnv("CAPTURE_SAMPLE_RATE", cfg.SampleRate); err != nil {
		return Config{}, err
	}
	if cfg.SilenceLevel, err = intFromEnv("VAD_SILENCE_LEVEL", cfg.SilenceLevel); err != nil {
		return Config{}, err
	}
	if cfg.SilenceThreshold, err = durationFromEnv("VAD_SILENCE_THRESHOLD", cfg.SilenceThreshold); err != nil {
		return Config{}, err
	}
	if cfg.EnergyThreshold, err = intFromEnv("VAD_ENERGY_THRESHOLD", cfg.EnergyThreshold); err != nil {
		return Config{}, err
	}
	if cfg.ConsecutiveFrames, err = intFromEnv("VAD_CONSECUTIVE_FRAMES", cfg.ConsecutiveFrames); err != nil {
		return Config{}, err
	}
	if cfg.MonitorTick, err = durationFromEnv("VAD_MONITOR_TICK", cfg.MonitorTick); err != nil {
		return Config{}, err
	}
	if cfg.PingInterval, err = durationFromEnv("SESSION_PING_INTERVAL", cfg.PingInterval); err != nil {
		return Config{}, err
	}
	if cfg.ReconnectBase, err = durationFromEnv("SESSION_RECONNECT_BASE", cfg.ReconnectBase); err != nil {
		return Config{}, err
	}
	if cfg.ReconnectMaxAttempts, err = intFromEnv("SESSION_RECONNECT_MAX_ATTEMPTS", cfg.ReconnectMaxAttempts); err != nil {
		return Config{}, err
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks config bounds and reports the first offending field.
func Validate(cfg Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var invalid validator.ValidationErrors
	if ok := asValidationErrors(err, &invalid); ok && len(invalid) > 0 {
		f := invalid[0]
		return fmt.Errorf("config field %s rejected (rule %q, value %v)", f.Field(), f.Tag(), f.Value())
	}
	return fmt.Errorf("config validation: %w", err)
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	v, ok := err.(validator.ValidationErrors)
	if !ok {
		return false
	}
	*target = v
	return true
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringFromEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringFromEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringFromEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringFromEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
