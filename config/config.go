package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/NotMugil/Inzx/model"
)

// Config stores the static application configuration: paths, endpoints and
// backend credentials. Playback tuning lives in Settings, which can be
// reloaded at runtime.
type Config struct {
	// Directories
	CacheRoot string // temp root holding stream_audio_cache/
	AudioDir  string // offline library: "{artist} - {title}{ext}" files
	LogPath   string

	// Remote resolver service (InnerTube-style API front)
	ProviderBaseURL string

	// Control API
	ListenAddr string

	// Redis配置（队列持久化）
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// MySQL配置（离线下载库记录）
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// MinIO配置（可选，已完成下载的归档）
	MinioEnabled   bool
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioRegion    string
	MinioUseSSL    bool
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

// Load loads configuration from environment variables (via .env file) or defaults.
func Load() *Config {
	// godotenv.Load() will not override existing env vars.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found or error loading .env, relying on existing environment variables and defaults.")
	}

	cacheRoot := getEnv("INZX_CACHE_ROOT", filepath.Join(os.TempDir(), "inzx"))
	home, _ := os.UserHomeDir()

	return &Config{
		CacheRoot: cacheRoot,
		AudioDir:  getEnv("INZX_AUDIO_DIR", filepath.Join(home, "Music", "inzx", "audio")),
		LogPath:   getEnv("INZX_LOG_PATH", ""),

		ProviderBaseURL: getEnv("INZX_PROVIDER_URL", "http://localhost:3000"),
		ListenAddr:      getEnv("INZX_LISTEN_ADDR", "127.0.0.1:8390"),

		RedisHost:     getEnv("REDIS_HOST", "127.0.0.1"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		DBHost:     getEnv("DB_HOST", "127.0.0.1"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "root"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     getEnv("DB_NAME", "inzx"),

		MinioEnabled:   getEnvBool("MINIO_ENABLED", false),
		MinioEndpoint:  getEnv("MINIO_ENDPOINT", "127.0.0.1:9000"),
		MinioAccessKey: getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getEnv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getEnv("MINIO_BUCKET", "inzx"),
		MinioRegion:    getEnv("MINIO_REGION", "us-east-1"),
		MinioUseSSL:    getEnvBool("MINIO_USE_SSL", false),
	}
}

// Settings 播放与缓存的动态设置，支持热加载
type Settings struct {
	StreamingQuality         model.AudioQuality
	StreamCacheWifiOnly      bool
	StreamCacheSizeLimitMB   int // [128, 4096]
	StreamCacheMaxConcurrent int // [1, 4]
	CrossfadeDurationMs      int // [0, 12000]
	DownloadQuality          model.AudioQuality
	DownloadParallelParts    int // [2, 8]
	DownloadParallelMinSizeMB int // [1, 32]
}

// DefaultSettings 返回默认设置
func DefaultSettings() Settings {
	return Settings{
		StreamingQuality:          model.QualityAuto,
		StreamCacheWifiOnly:       false,
		StreamCacheSizeLimitMB:    1024,
		StreamCacheMaxConcurrent:  2,
		CrossfadeDurationMs:       0,
		DownloadQuality:           model.QualityHigh,
		DownloadParallelParts:     4,
		DownloadParallelMinSizeMB: 1,
	}
}

// LoadSettings 从环境变量读取设置，越界值被钳制到合法区间
func LoadSettings() Settings {
	def := DefaultSettings()
	return Settings{
		StreamingQuality:          model.ParseAudioQuality(getEnv("STREAMING_QUALITY", def.StreamingQuality.String())),
		StreamCacheWifiOnly:       getEnvBool("STREAM_CACHE_WIFI_ONLY", def.StreamCacheWifiOnly),
		StreamCacheSizeLimitMB:    clampInt(getEnvInt("STREAM_CACHE_SIZE_LIMIT_MB", def.StreamCacheSizeLimitMB), 128, 4096),
		StreamCacheMaxConcurrent:  clampInt(getEnvInt("STREAM_CACHE_MAX_CONCURRENT", def.StreamCacheMaxConcurrent), 1, 4),
		CrossfadeDurationMs:       clampInt(getEnvInt("CROSSFADE_DURATION_MS", def.CrossfadeDurationMs), 0, 12000),
		DownloadQuality:           model.ParseAudioQuality(getEnv("DOWNLOAD_QUALITY", def.DownloadQuality.String())),
		DownloadParallelParts:     clampInt(getEnvInt("DOWNLOAD_PARALLEL_PART_COUNT", def.DownloadParallelParts), 2, 8),
		DownloadParallelMinSizeMB: clampInt(getEnvInt("DOWNLOAD_PARALLEL_MIN_SIZE_MB", def.DownloadParallelMinSizeMB), 1, 32),
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
