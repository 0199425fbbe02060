package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config stores the application configuration.
type Config struct {
	// Remote sound API
	APIURL         string // e.g. http://soundapi.melledijkstra.nl/
	APIVersion     int
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	// Local storage
	MediaPath  string // Directory holding downloaded sound files
	DBDriver   string // sqlite or mysql
	DBPath     string // SQLite database file
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Transfers
	ChunkSize       int
	DownloadWorkers int

	// Connectivity policy: wifi, any or off
	NetworkPolicy         string
	WifiInterfacePrefixes []string

	// Preference (watermark) backend: db or redis
	PrefsBackend  string
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	// MinIO mirror
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioRegion    string
	MinioUseSSL    bool
	MinioPrefix    string

	// Playback collaborator, e.g. "ffplay -nodisp -autoexit"
	PlayerCmd string

	ServerAddr string

	// Logging
	LogLevel      string
	LogFile       string
	LogMaxSize    int
	LogMaxBackups int
	LogMaxAge     int
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
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("5s") or plain milliseconds ("5000").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Load loads configuration from environment variables (via .env file) or defaults.
func Load() *Config {
	// godotenv.Load() will not override existing env vars.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found or error loading .env, relying on existing environment variables and defaults.")
	}
	return FromEnv()
}

// FromEnv builds the configuration from the current environment only.
func FromEnv() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	dataDir := filepath.Join(home, ".soundsync")

	return &Config{
		APIURL:         getEnv("API_URL", "http://soundapi.melledijkstra.nl/"),
		APIVersion:     getEnvInt("API_VERSION", 1),
		ConnectTimeout: getEnvDuration("CONNECT_TIMEOUT", 5*time.Second),
		ReadTimeout:    getEnvDuration("READ_TIMEOUT", 10*time.Second),

		MediaPath:  getEnv("MEDIA_PATH", filepath.Join(dataDir, "media")),
		DBDriver:   getEnv("DB_DRIVER", "sqlite"),
		DBPath:     getEnv("DB_PATH", filepath.Join(dataDir, "soundsdatabase.db")),
		DBHost:     getEnv("DB_HOST", "127.0.0.1"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "root"),
		DBPassword: os.Getenv("DB_PASSWORD"), // no hardcoded default for passwords
		DBName:     getEnv("DB_NAME", "soundsync"),

		ChunkSize:       getEnvInt("CHUNK_SIZE", 4096),
		DownloadWorkers: getEnvInt("DOWNLOAD_WORKERS", 2),

		NetworkPolicy:         getEnv("NETWORK_POLICY", "wifi"),
		WifiInterfacePrefixes: getEnvList("WIFI_INTERFACE_PREFIXES", []string{"wl", "wlan", "wifi", "en"}),

		PrefsBackend:  getEnv("PREFS_BACKEND", "db"),
		RedisHost:     getEnv("REDIS_HOST", "127.0.0.1"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisPrefix:   getEnv("REDIS_PREFIX", "soundsync:"),

		MinioEndpoint:  getEnv("MINIO_ENDPOINT", "127.0.0.1:9000"),
		MinioAccessKey: getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getEnv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getEnv("MINIO_BUCKET", "soundsync"),
		MinioRegion:    getEnv("MINIO_REGION", "us-east-1"),
		MinioUseSSL:    getEnvBool("MINIO_USE_SSL", false),
		MinioPrefix:    getEnv("MINIO_PREFIX", "sounds/"),

		PlayerCmd: getEnv("PLAYER_CMD", "ffplay -nodisp -autoexit -loglevel quiet"),

		ServerAddr: getEnv("SERVER_ADDR", "127.0.0.1:8080"),

		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFile:       getEnv("LOG_FILE", ""),
		LogMaxSize:    getEnvInt("LOG_MAX_SIZE", 10),
		LogMaxBackups: getEnvInt("LOG_MAX_BACKUPS", 3),
		LogMaxAge:     getEnvInt("LOG_MAX_AGE", 28),
	}
}

// APIBase returns the versioned API root without a trailing slash,
// e.g. http://soundapi.melledijkstra.nl/v1
func (c *Config) APIBase() string {
	return strings.TrimRight(c.APIURL, "/") + "/v" + strconv.Itoa(c.APIVersion)
}
