package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	VehicleFeedURL string        `yaml:"vehicleFeedURL" validate:"required,url"`
	TripFeedURL    string        `yaml:"tripFeedURL" validate:"required,url"`
	FeedFormat     string        `yaml:"feedFormat" validate:"oneof=json protobuf proto pb"`
	FetchTimeout   time.Duration `yaml:"fetchTimeout" validate:"gt=0"`

	UpdatePeriod     time.Duration `yaml:"updatePeriod" validate:"gt=0"`
	PollSkew         time.Duration `yaml:"pollSkew" validate:"gte=0"`
	PollRetries      int           `yaml:"pollRetries" validate:"gte=1"`
	PollRetryDelay   time.Duration `yaml:"pollRetryDelay" validate:"gte=0"`
	WatchdogInterval time.Duration `yaml:"watchdogInterval" validate:"gt=0"`
	StallThreshold   time.Duration `yaml:"stallThreshold" validate:"gt=0"`

	TopicHighWater int           `yaml:"topicHighWater" validate:"gte=1"`
	TrackingTTL    time.Duration `yaml:"trackingTTL" validate:"gt=0"`
	TrackingSweep  time.Duration `yaml:"trackingSweep" validate:"gt=0"`

	// StopCodesSource is a postgres:// DSN, a redis:// URL or a stops.txt path.
	StopCodesSource string `yaml:"stopCodesSource"`
	StopCodesKey    string `yaml:"stopCodesKey"`

	ListenAddr  string   `yaml:"listenAddr" validate:"required"`
	CORSOrigins []string `yaml:"corsOrigins"`

	NATSURL           string `yaml:"natsURL" validate:"omitempty,url"`
	NATSSubjectPrefix string `yaml:"natsSubjectPrefix"`
	LogNATSSubjects   bool   `yaml:"logNATSSubjects"`

	MetricsAddr string `yaml:"metricsAddr"`

	TZ       string         `yaml:"tz"`
	Location *time.Location `yaml:"-"`
}

func defaults() *Config {
	return &Config{
		FeedFormat:        "json",
		FetchTimeout:      7 * time.Second,
		UpdatePeriod:      30 * time.Second,
		PollSkew:          200 * time.Millisecond,
		PollRetries:       3,
		PollRetryDelay:    time.Second,
		WatchdogInterval:  30 * time.Second,
		StallThreshold:    60 * time.Second,
		TopicHighWater:    10,
		TrackingTTL:       5 * time.Minute,
		TrackingSweep:     30 * time.Second,
		StopCodesKey:      "stop_codes",
		ListenAddr:        ":8080",
		CORSOrigins:       []string{"*"},
		NATSSubjectPrefix: "transit",
	}
}

// Load reads defaults, then the YAML file named by FANOUT_CONFIG (if any),
// then environment variables, and validates the result.
func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := defaults()
	if path := os.Getenv("FANOUT_CONFIG"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if cfg.TZ == "" {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(cfg.TZ)
		if err != nil {
			return nil, fmt.Errorf("invalid TZ: %v", err)
		}
		cfg.Location = loc
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.VehicleFeedURL = getenvDefault("VEHICLE_FEED_URL", cfg.VehicleFeedURL)
	cfg.TripFeedURL = getenvDefault("TRIP_FEED_URL", cfg.TripFeedURL)
	cfg.FeedFormat = strings.ToLower(getenvDefault("FEED_FORMAT", cfg.FeedFormat))

	durations := []struct {
		key  string
		unit time.Duration
		dst  *time.Duration
		zero bool // zero allowed
	}{
		{"FETCH_TIMEOUT_MS", time.Millisecond, &cfg.FetchTimeout, false},
		{"UPDATE_PERIOD_SEC", time.Second, &cfg.UpdatePeriod, false},
		{"POLL_SKEW_MS", time.Millisecond, &cfg.PollSkew, true},
		{"POLL_RETRY_DELAY_MS", time.Millisecond, &cfg.PollRetryDelay, true},
		{"WATCHDOG_INTERVAL_SEC", time.Second, &cfg.WatchdogInterval, false},
		{"STALL_THRESHOLD_SEC", time.Second, &cfg.StallThreshold, false},
		{"TRACKING_TTL_SEC", time.Second, &cfg.TrackingTTL, false},
		{"TRACKING_SWEEP_SEC", time.Second, &cfg.TrackingSweep, false},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || (n == 0 && !d.zero) {
			return fmt.Errorf("invalid %s: %q", d.key, v)
		}
		*d.dst = time.Duration(n) * d.unit
	}

	if v := os.Getenv("POLL_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid POLL_RETRIES: %q", v)
		}
		cfg.PollRetries = n
	}
	if v := os.Getenv("TOPIC_HIGH_WATER"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid TOPIC_HIGH_WATER: %q", v)
		}
		cfg.TopicHighWater = n
	}

	cfg.StopCodesSource = getenvDefault("STOP_CODES_SOURCE", cfg.StopCodesSource)
	cfg.StopCodesKey = getenvDefault("STOP_CODES_KEY", cfg.StopCodesKey)

	cfg.ListenAddr = getenvDefault("LISTEN_ADDR", cfg.ListenAddr)
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitList(v)
	}

	cfg.NATSURL = getenvDefault("NATS_URL", cfg.NATSURL)
	cfg.NATSSubjectPrefix = getenvDefault("NATS_SUBJECT_PREFIX", cfg.NATSSubjectPrefix)
	// Debug logging for NATS publish subjects
	if v := os.Getenv("LOG_NATS_SUBJECTS"); v != "" {
		cfg.LogNATSSubjects = parseBool(v)
	}

	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = getenvDefault("METRICS_ADDR", cfg.MetricsAddr)
	cfg.TZ = getenvDefault("TZ", cfg.TZ)
	return nil
}

// WatchConfig configures the fanout-watch client.
type WatchConfig struct {
	URL           string        `validate:"required,url"`
	MaxDelay      time.Duration `validate:"gt=0"`
	ProbeInterval time.Duration `validate:"gt=0"`
}

func LoadWatch() (*WatchConfig, error) {
	_ = godotenv.Load()

	cfg := &WatchConfig{
		URL:           getenvDefault("FANOUT_URL", "ws://127.0.0.1:8080/ws"),
		MaxDelay:      5 * time.Second,
		ProbeInterval: 5 * time.Second,
	}
	if v := os.Getenv("RECONNECT_MAX_DELAY_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("invalid RECONNECT_MAX_DELAY_MS: %q", v)
		}
		cfg.MaxDelay = time.Duration(ms) * time.Millisecond
	}
	if v := os.Getenv("PROBE_INTERVAL_SEC"); v != "" {
		sec, err := strconv.Atoi(v)
		if err != nil || sec <= 0 {
			return nil, fmt.Errorf("invalid PROBE_INTERVAL_SEC: %q", v)
		}
		cfg.ProbeInterval = time.Duration(sec) * time.Second
	}
	if !strings.HasPrefix(cfg.URL, "ws://") && !strings.HasPrefix(cfg.URL, "wss://") {
		return nil, errors.New("FANOUT_URL must be a ws:// or wss:// URL")
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
