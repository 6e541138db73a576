package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config stores the application configuration.
// Values come from the environment (optionally via a .env file) with defaults.
type Config struct {
	ListenAddr string
	JWTSecret  string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Redis配置
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Jam 会话参数
	MaxParticipants    int           // 单个会话的人数上限
	CodeLength         int           // 加入码长度
	CodeMaxAttempts    int           // 加入码生成的最大重试次数
	HeartbeatInterval  time.Duration // 客户端心跳间隔
	ReconcilePeriod    time.Duration // 客户端对账轮询周期
	PresenceStaleAfter time.Duration // 心跳超过该时长视为掉线

	// 日志配置
	LogLevel string
	LogPath  string
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

// getEnvDuration gets an environment variable as a duration (e.g. "60s") or
// returns a default value.
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
	// Attempt to load .env file. godotenv.Load() will not override existing env vars.
	err := godotenv.Load()
	if err != nil {
		log.Println("No .env file found or error loading .env, relying on existing environment variables and defaults.")
	}

	return &Config{
		ListenAddr: getEnv("LISTEN_ADDR", ":8080"),
		JWTSecret:  getEnv("JWT_SECRET", "jamfm-dev-secret"),

		DBHost:     getEnv("DB_HOST", "127.0.0.1"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "root"),
		DBPassword: os.Getenv("DB_PASSWORD"), // For password, better not to have a hardcoded default
		DBName:     getEnv("DB_NAME", "jamfm"),

		// Redis配置，使用默认值
		RedisHost:     getEnv("REDIS_HOST", "127.0.0.1"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		MaxParticipants:    getEnvInt("JAM_MAX_PARTICIPANTS", 10),
		CodeLength:         getEnvInt("JAM_CODE_LENGTH", 6),
		CodeMaxAttempts:    getEnvInt("JAM_CODE_MAX_ATTEMPTS", 32),
		HeartbeatInterval:  getEnvDuration("JAM_HEARTBEAT_INTERVAL", 60*time.Second),
		ReconcilePeriod:    getEnvDuration("JAM_RECONCILE_PERIOD", 20*time.Second),
		PresenceStaleAfter: getEnvDuration("JAM_PRESENCE_STALE_AFTER", 150*time.Second),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogPath:  getEnv("LOG_PATH", ""),
	}
}
