package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment
// variables. Detection tuning values (allow-list, confidence floor, fallback
// sizing) were calibrated against representative templates and are kept as
// configuration rather than constants.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string

	StoragePath    string
	StorageBaseURL string

	DetectorBaseURL string
	DetectorAPIKey  string

	PlacementLabels     []string
	ConfidenceFloor     float64
	MinRegionAreaRatio  float64
	MinRegionSizePx     int
	FallbackMarginRatio float64
	FallbackConfidence  float64
	PerspectiveSkew     float64

	MaxAssetBytes        int64
	MaxStagePayloadBytes int

	WorkerConcurrency int
	PollInterval      time.Duration
	StaleAfter        time.Duration

	FetchTimeout     time.Duration
	DetectTimeout    time.Duration
	TransformTimeout time.Duration
	ComposeTimeout   time.Duration

	FetchAttempts     int
	DetectAttempts    int
	TransformAttempts int
	ComposeAttempts   int

	CostDetectionUSD   float64
	CostStorageGBMonth float64

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
}

// LoadConfig loads configuration from environment variables and applies
// defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		StoragePath:    getEnv("STORAGE_PATH", "./storage"),
		StorageBaseURL: getEnv("STORAGE_BASE_URL", "http://localhost:8080/blobs"),

		DetectorBaseURL: os.Getenv("DETECTOR_BASE_URL"),
		DetectorAPIKey:  os.Getenv("DETECTOR_API_KEY"),

		PlacementLabels: getEnvList("DETECTOR_PLACEMENT_LABELS",
			"picture frame,tv,laptop,cell phone,book,monitor,poster,screen"),
		ConfidenceFloor:     getEnvFloat("DETECTOR_CONFIDENCE_FLOOR", 0.5),
		MinRegionAreaRatio:  getEnvFloat("DETECTOR_MIN_REGION_AREA_RATIO", 0.01),
		MinRegionSizePx:     getEnvInt("DETECTOR_MIN_REGION_SIZE_PX", 50),
		FallbackMarginRatio: getEnvFloat("FALLBACK_MARGIN_RATIO", 0.1),
		FallbackConfidence:  getEnvFloat("FALLBACK_CONFIDENCE", 0.7),
		PerspectiveSkew:     getEnvFloat("PERSPECTIVE_SKEW", 0.05),

		MaxAssetBytes:        getEnvInt64("MAX_ASSET_BYTES", 10*1024*1024),
		MaxStagePayloadBytes: getEnvInt("MAX_STAGE_PAYLOAD_BYTES", 256*1024),

		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 4),
		PollInterval:      getEnvDuration("POLL_INTERVAL", 2*time.Second),
		StaleAfter:        getEnvDuration("STALE_AFTER", 5*time.Minute),

		FetchTimeout:     getEnvDuration("FETCH_TIMEOUT", 60*time.Second),
		DetectTimeout:    getEnvDuration("DETECT_TIMEOUT", 3*time.Minute),
		TransformTimeout: getEnvDuration("TRANSFORM_TIMEOUT", time.Minute),
		ComposeTimeout:   getEnvDuration("COMPOSE_TIMEOUT", 45*time.Second),

		FetchAttempts:     getEnvInt("FETCH_ATTEMPTS", 3),
		DetectAttempts:    getEnvInt("DETECT_ATTEMPTS", 2),
		TransformAttempts: getEnvInt("TRANSFORM_ATTEMPTS", 2),
		ComposeAttempts:   getEnvInt("COMPOSE_ATTEMPTS", 2),

		CostDetectionUSD:   getEnvFloat("COST_DETECTION_USD", 0.025),
		CostStorageGBMonth: getEnvFloat("COST_STORAGE_GB_MONTH_USD", 0.020),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.WorkerConcurrency < 1 {
		return nil, fmt.Errorf("WORKER_CONCURRENCY must be at least 1")
	}
	if cfg.MaxAssetBytes < 1 {
		return nil, fmt.Errorf("MAX_ASSET_BYTES must be positive")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key, fallback string) []string {
	raw := getEnv(key, fallback)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, strings.ToLower(p))
		}
	}
	return out
}
