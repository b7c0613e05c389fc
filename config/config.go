package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config stores the engine configuration.
// Values come from the environment (optionally via a .env file) with sane defaults.
type Config struct {
	// 日志配置
	LogLevel      string
	LogPath       string // empty means stdout only
	LogMaxSize    int
	LogMaxBackups int
	LogMaxAge     int

	// 引擎配置
	SampleRate        int           // all decoded buffers are resampled to this rate
	TickInterval      time.Duration // transport reconciliation interval (one display frame)
	LoadTimeout       time.Duration // per-track fetch+decode timeout
	LoadConcurrency   int
	DriftTolerance    time.Duration
	DurationPolicy    string // "longest" or "first"
	StrictMode        bool   // panic on programmer errors instead of logging them
	HeadlessOutput    bool   // drain audio without a sound card
	SpeakerBufferSize time.Duration
	WatchDir          string // local media directory watched for changes

	// Redis配置，用于缓存远程媒体字节
	RedisEnabled  bool
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
	MediaCacheTTL time.Duration

	// MinIO配置，用于 s3:// 媒体源
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioRegion    string
	MinioUseSSL    bool

	// 控制 API
	ServerAddr string
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvInt gets an environment variable as int or returns a default value.
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

// getEnvBool gets an environment variable as bool or returns a default value.
func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings ("16ms", "30s").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

// Load loads configuration from environment variables (via .env file) or defaults.
func Load() *Config {
	// godotenv.Load() will not override existing env vars.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on existing environment variables and defaults.")
	}
	return FromEnv()
}

// FromEnv builds a Config from the current environment without touching .env files.
func FromEnv() *Config {
	return &Config{
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogPath:       getEnv("LOG_PATH", ""),
		LogMaxSize:    getEnvInt("LOG_MAX_SIZE", 100),
		LogMaxBackups: getEnvInt("LOG_MAX_BACKUPS", 3),
		LogMaxAge:     getEnvInt("LOG_MAX_AGE", 28),

		SampleRate:        getEnvInt("SAMPLE_RATE", 44100),
		TickInterval:      getEnvDuration("TICK_INTERVAL", 16*time.Millisecond),
		LoadTimeout:       getEnvDuration("LOAD_TIMEOUT", 30*time.Second),
		LoadConcurrency:   getEnvInt("LOADER_CONCURRENCY", 4),
		DriftTolerance:    getEnvDuration("DRIFT_TOLERANCE", 50*time.Millisecond),
		DurationPolicy:    getEnv("DURATION_POLICY", "longest"),
		StrictMode:        getEnvBool("STRICT_MODE", false),
		HeadlessOutput:    getEnvBool("HEADLESS_OUTPUT", false),
		SpeakerBufferSize: getEnvDuration("SPEAKER_BUFFER", 100*time.Millisecond),
		WatchDir:          getEnv("WATCH_DIR", ""),

		RedisEnabled:  getEnvBool("REDIS_ENABLED", false),
		RedisHost:     getEnv("REDIS_HOST", "127.0.0.1"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""), // 默认无密码
		RedisDB:       getEnvInt("REDIS_DB", 0),
		MediaCacheTTL: getEnvDuration("MEDIA_CACHE_TTL", 30*time.Minute),

		MinioEndpoint:  getEnv("MINIO_ENDPOINT", ""),
		MinioAccessKey: getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: os.Getenv("MINIO_SECRET_KEY"),
		MinioBucket:    getEnv("MINIO_BUCKET", "mixdeck"),
		MinioRegion:    getEnv("MINIO_REGION", "us-east-1"),
		MinioUseSSL:    getEnvBool("MINIO_USE_SSL", false),

		ServerAddr: getEnv("SERVER_ADDR", ":8080"),
	}
}
