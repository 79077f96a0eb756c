package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	StorageLocal = "local"
	StorageS3    = "s3"
)

type Config struct {
	ListenAddr    string
	Version       string
	RecordingsDir string

	JoinTimeout   time.Duration
	LobbyTimeout  time.Duration
	SweepInterval time.Duration
	ShutdownGrace time.Duration
	Retention     time.Duration

	MaxSinks  int
	PactlBin  string
	FFmpegBin string

	AgentCmd          string
	AgentSecret       string
	AgentWSBaseURL    string
	AgentLeaveTimeout time.Duration

	StorageBackend string
	S3Endpoint     string
	S3AccessKey    string
	S3SecretKey    string
	S3Bucket       string
	S3Region       string
	S3Secure       bool

	WebhookURL     string
	WebhookSecret  string
	WebhookTimeout time.Duration

	DatabaseURL  string
	OTelEndpoint string
}

// LoadFromEnv reads MEETREC_* variables, after loading a .env file from the
// working directory when one exists.
func LoadFromEnv() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("MEETREC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8000")
	v.SetDefault("version", "1.0.0")
	v.SetDefault("recordings_dir", "recordings")
	v.SetDefault("join_timeout", 2*time.Minute)
	v.SetDefault("lobby_timeout", 30*time.Minute)
	v.SetDefault("sweep_interval", time.Second)
	v.SetDefault("shutdown_grace", 30*time.Second)
	v.SetDefault("retention", time.Duration(0))
	v.SetDefault("max_sinks", 32)
	v.SetDefault("pactl_bin", "pactl")
	v.SetDefault("ffmpeg_bin", "ffmpeg")
	v.SetDefault("agent_ws_base_url", "ws://127.0.0.1:8000")
	v.SetDefault("agent_leave_timeout", 15*time.Second)
	v.SetDefault("storage_backend", StorageLocal)
	v.SetDefault("s3_bucket", "recordings")
	v.SetDefault("s3_region", "us-east-1")
	v.SetDefault("s3_secure", false)
	v.SetDefault("webhook_timeout", 30*time.Second)

	// Names used by existing deployments of the recorder.
	_ = v.BindEnv("webhook_url", "MEETREC_WEBHOOK_URL", "WEBHOOK_URL")
	_ = v.BindEnv("s3_endpoint", "MEETREC_S3_ENDPOINT", "MINIO_ENDPOINT")
	_ = v.BindEnv("s3_access_key", "MEETREC_S3_ACCESS_KEY", "MINIO_ACCESS_KEY")
	_ = v.BindEnv("s3_secret_key", "MEETREC_S3_SECRET_KEY", "MINIO_SECRET_KEY")
	_ = v.BindEnv("s3_bucket", "MEETREC_S3_BUCKET", "MINIO_BUCKET")
	_ = v.BindEnv("s3_secure", "MEETREC_S3_SECURE", "MINIO_SECURE")
	_ = v.BindEnv("storage_backend", "MEETREC_STORAGE_BACKEND", "STORAGE_BACKEND")

	cfg := Config{
		ListenAddr:        v.GetString("listen_addr"),
		Version:           v.GetString("version"),
		RecordingsDir:     v.GetString("recordings_dir"),
		JoinTimeout:       v.GetDuration("join_timeout"),
		LobbyTimeout:      v.GetDuration("lobby_timeout"),
		SweepInterval:     v.GetDuration("sweep_interval"),
		ShutdownGrace:     v.GetDuration("shutdown_grace"),
		Retention:         v.GetDuration("retention"),
		MaxSinks:          v.GetInt("max_sinks"),
		PactlBin:          v.GetString("pactl_bin"),
		FFmpegBin:         v.GetString("ffmpeg_bin"),
		AgentCmd:          strings.TrimSpace(v.GetString("agent_cmd")),
		AgentSecret:       v.GetString("agent_secret"),
		AgentWSBaseURL:    strings.TrimRight(v.GetString("agent_ws_base_url"), "/"),
		AgentLeaveTimeout: v.GetDuration("agent_leave_timeout"),
		StorageBackend:    strings.ToLower(strings.TrimSpace(v.GetString("storage_backend"))),
		S3Endpoint:        v.GetString("s3_endpoint"),
		S3AccessKey:       v.GetString("s3_access_key"),
		S3SecretKey:       v.GetString("s3_secret_key"),
		S3Bucket:          v.GetString("s3_bucket"),
		S3Region:          v.GetString("s3_region"),
		S3Secure:          v.GetBool("s3_secure"),
		WebhookURL:        strings.TrimSpace(v.GetString("webhook_url")),
		WebhookSecret:     v.GetString("webhook_secret"),
		WebhookTimeout:    v.GetDuration("webhook_timeout"),
		DatabaseURL:       v.GetString("database_url"),
		OTelEndpoint:      v.GetString("otel_endpoint"),
	}

	if cfg.StorageBackend == "minio" {
		cfg.StorageBackend = StorageS3
	}
	if cfg.StorageBackend != StorageLocal && cfg.StorageBackend != StorageS3 {
		return Config{}, fmt.Errorf("MEETREC_STORAGE_BACKEND must be one of local|s3|minio")
	}
	if cfg.StorageBackend == StorageS3 {
		if cfg.S3Endpoint == "" {
			return Config{}, fmt.Errorf("MEETREC_S3_ENDPOINT is required for s3 storage backend")
		}
		if cfg.S3AccessKey == "" || cfg.S3SecretKey == "" {
			return Config{}, fmt.Errorf("MEETREC_S3_ACCESS_KEY and MEETREC_S3_SECRET_KEY are required for s3 storage backend")
		}
		if cfg.S3Bucket == "" {
			return Config{}, fmt.Errorf("MEETREC_S3_BUCKET must not be empty")
		}
	}
	for name, d := range map[string]time.Duration{
		"MEETREC_JOIN_TIMEOUT":        cfg.JoinTimeout,
		"MEETREC_LOBBY_TIMEOUT":       cfg.LobbyTimeout,
		"MEETREC_SWEEP_INTERVAL":      cfg.SweepInterval,
		"MEETREC_SHUTDOWN_GRACE":      cfg.ShutdownGrace,
		"MEETREC_AGENT_LEAVE_TIMEOUT": cfg.AgentLeaveTimeout,
		"MEETREC_WEBHOOK_TIMEOUT":     cfg.WebhookTimeout,
	} {
		if d <= 0 {
			return Config{}, fmt.Errorf("%s must be a positive duration", name)
		}
	}
	if cfg.Retention < 0 {
		return Config{}, fmt.Errorf("MEETREC_RETENTION must not be negative")
	}
	if cfg.MaxSinks <= 0 {
		return Config{}, fmt.Errorf("MEETREC_MAX_SINKS must be positive")
	}
	if cfg.WebhookURL != "" {
		u, err := url.Parse(cfg.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return Config{}, fmt.Errorf("MEETREC_WEBHOOK_URL must be an absolute http(s) url")
		}
	}
	if cfg.AgentSecret == "" {
		secret, err := randomSecret()
		if err != nil {
			return Config{}, fmt.Errorf("generate agent secret: %w", err)
		}
		cfg.AgentSecret = secret
	}
	return cfg, nil
}

func randomSecret() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
