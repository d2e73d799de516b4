package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds runtime configuration for the orchestrator.
type Config struct {
	Env         string
	HTTPPort    string
	MetricsAddr string

	// External engine process management.
	EngineBinary         string
	EngineArgs           []string
	EngineBasePort       int
	EngineMaxInstances   int
	EngineStartupTimeout time.Duration
	EngineIdleTimeout    time.Duration
	ReaperInterval       time.Duration
	TerminateGrace       time.Duration

	// Command dispatch.
	CommandTimeout      time.Duration
	CommandHistoryLimit int

	// Rendering.
	RenderOutputDir     string
	RenderMaxConcurrent int
	RenderDefaultWidth  int
	RenderDefaultHeight int
	RenderMinDimension  int
	RenderMaxDimension  int
	FFmpegPath          string
	VirtualDisplay      bool
	PlaceholderEnabled  bool
	DefaultFrameRate    int

	// WebSocket notifications.
	WSPath            string
	WSMaxConnections  int
	WSQueueSize       int
	WSMaxRetries      int
	WSMessageExpiry   time.Duration
	WSRetryInterval   time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	AuthTimeout       time.Duration

	// Rate limiting (Redis token bucket, per session). An empty RedisAddr
	// disables it.
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RateLimitCapacity int
	RateLimitRefill   float64

	// Optional durable job store. Empty DSN disables it.
	PostgresDSN string

	// Optional S3 artifact destination.
	ArtifactS3Bucket    string
	ArtifactS3Region    string
	ArtifactS3Endpoint  string
	ArtifactS3PathStyle bool
}

// Load reads configuration from environment variables with sane defaults for local development.
func Load() Config {
	return Config{
		Env:         getEnv("APP_ENV", "dev"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		EngineBinary:         getEnv("ENGINE_BINARY", "chimerax"),
		EngineArgs:           getEnvList("ENGINE_ARGS", []string{"--nogui", "--offscreen"}),
		EngineBasePort:       getEnvInt("ENGINE_BASE_PORT", 6100),
		EngineMaxInstances:   getEnvInt("ENGINE_MAX_INSTANCES", 8),
		EngineStartupTimeout: getEnvDuration("ENGINE_STARTUP_TIMEOUT", 30*time.Second),
		EngineIdleTimeout:    getEnvDuration("ENGINE_IDLE_TIMEOUT", 30*time.Minute),
		ReaperInterval:       getEnvDuration("REAPER_INTERVAL", time.Minute),
		TerminateGrace:       getEnvDuration("TERMINATE_GRACE", 5*time.Second),

		CommandTimeout:      getEnvDuration("COMMAND_TIMEOUT", 30*time.Second),
		CommandHistoryLimit: getEnvInt("COMMAND_HISTORY_LIMIT", 500),

		RenderOutputDir:     getEnv("RENDER_OUTPUT_DIR", "./output"),
		RenderMaxConcurrent: getEnvInt("RENDER_MAX_CONCURRENT", 4),
		RenderDefaultWidth:  getEnvInt("RENDER_DEFAULT_WIDTH", 800),
		RenderDefaultHeight: getEnvInt("RENDER_DEFAULT_HEIGHT", 600),
		RenderMinDimension:  getEnvInt("RENDER_MIN_DIMENSION", 64),
		RenderMaxDimension:  getEnvInt("RENDER_MAX_DIMENSION", 4096),
		FFmpegPath:          getEnv("FFMPEG_PATH", "ffmpeg"),
		VirtualDisplay:      getEnvBool("VIRTUAL_DISPLAY_ENABLED", false),
		PlaceholderEnabled:  getEnvBool("PLACEHOLDER_ENABLED", true),
		DefaultFrameRate:    getEnvInt("DEFAULT_FRAME_RATE", 15),

		WSPath:            getEnv("WS_PATH", "/ws"),
		WSMaxConnections:  getEnvInt("WS_MAX_CONNECTIONS", 256),
		WSQueueSize:       getEnvInt("WS_QUEUE_SIZE", 50),
		WSMaxRetries:      getEnvInt("WS_MAX_RETRIES", 3),
		WSMessageExpiry:   getEnvDuration("WS_MESSAGE_EXPIRY", time.Minute),
		WSRetryInterval:   getEnvDuration("WS_RETRY_INTERVAL", 5*time.Second),
		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		HeartbeatTimeout:  getEnvDuration("HEARTBEAT_TIMEOUT", 90*time.Second),
		AuthTimeout:       getEnvDuration("WS_AUTH_TIMEOUT", 10*time.Second),

		RedisAddr:         getEnv("REDIS_ADDR", ""),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		RedisDB:           getEnvInt("REDIS_DB", 0),
		RateLimitCapacity: getEnvInt("RATE_LIMIT_CAPACITY", 50),
		RateLimitRefill:   getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 20),

		PostgresDSN: getEnv("POSTGRES_DSN", ""),

		ArtifactS3Bucket:    getEnv("ARTIFACT_S3_BUCKET", ""),
		ArtifactS3Region:    getEnv("ARTIFACT_S3_REGION", "us-east-1"),
		ArtifactS3Endpoint:  getEnv("ARTIFACT_S3_ENDPOINT", ""),
		ArtifactS3PathStyle: getEnvBool("ARTIFACT_S3_PATH_STYLE", false),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
