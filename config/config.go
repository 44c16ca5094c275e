package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AppPort      string
	AppMode      string
	LogMode      string
	DatabaseURL  string
	JWTSecret    string
	JWTExpiryMin int

	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	PresenceInterval  time.Duration
	MessageRateLimit  int
	MessageRateWindow time.Duration

	Client ClientConfig
}

// ClientConfig holds the settings of the messaging client (cmd/dmclient).
type ClientConfig struct {
	ServerURL         string
	Token             string
	Home              string
	Passphrase        string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
	TypingIdle        time.Duration
	RequestTimeout    time.Duration
}

func LoadConfig() *Config {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	return &Config{
		AppPort:           getEnv("APP_PORT", "8080"),
		AppMode:           getEnv("APP_MODE", "debug"),
		LogMode:           getEnv("LOG_MODE", "development"),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		JWTSecret:         getEnv("JWT_SECRET", "change-me"),
		JWTExpiryMin:      getEnvAsInt("JWT_EXPIRY_MIN", 60*24),
		RedisHost:         getEnv("REDIS_HOST", ""),
		RedisPort:         getEnv("REDIS_PORT", "6379"),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		RedisDB:           getEnvAsInt("REDIS_DB", 0),
		PresenceInterval:  getEnvAsDuration("PRESENCE_INTERVAL", 30*time.Second),
		MessageRateLimit:  getEnvAsInt("MESSAGE_RATE_LIMIT", 60),
		MessageRateWindow: getEnvAsDuration("MESSAGE_RATE_WINDOW", time.Minute),
		Client: ClientConfig{
			ServerURL:         getEnv("SHELFMATE_SERVER", "http://localhost:8080"),
			Token:             getEnv("SHELFMATE_TOKEN", ""),
			Home:              getEnv("SHELFMATE_HOME", defaultHome()),
			Passphrase:        getEnv("SHELFMATE_PASSPHRASE", ""),
			ReconnectAttempts: getEnvAsInt("RECONNECT_ATTEMPTS", 10),
			ReconnectDelay:    getEnvAsDuration("RECONNECT_DELAY", time.Second),
			ReconnectMaxDelay: getEnvAsDuration("RECONNECT_MAX_DELAY", 30*time.Second),
			TypingIdle:        getEnvAsDuration("TYPING_IDLE", 1500*time.Millisecond),
			RequestTimeout:    getEnvAsDuration("REQUEST_TIMEOUT", 15*time.Second),
		},
	}
}

// RedisEnabled reports whether a Redis host was configured. Without one the
// server runs single-instance with in-process presence and fan-out.
func (c *Config) RedisEnabled() bool {
	return c.RedisHost != ""
}

func defaultHome() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		return ".shelfmate"
	}
	return filepath.Join(dir, ".shelfmate")
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return fallback
}
