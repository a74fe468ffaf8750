// Package config loads application configuration from environment, with an
// optional .env file for development.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Mediasoup MediasoupConfig
	Recording RecordingConfig
	AWS       AWSConfig
}

// ServerConfig holds HTTP and signaling server settings.
type ServerConfig struct {
	Port               string // API port
	SignalingPort      string // WebSocket signaling port
	InstanceID         string // stable id among peers; generated when unset
	CORSAllowedOrigins string
	RateLimitMax       int
	RateLimitWindowSec int
	ReadTimeout        int
	WriteTimeout       int
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds shared-store connection settings.
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	ClusterEnabled bool
	ClusterNodes   []string
}

// Addr returns host:port for single-node mode.
func (c RedisConfig) Addr() string { return c.Host + ":" + c.Port }

// JWTConfig holds token signing settings.
type JWTConfig struct {
	Secret           string
	ExpiresIn        string // e.g. "15m"
	RefreshExpiresIn string // e.g. "168h"
}

// MediasoupConfig holds media worker settings.
type MediasoupConfig struct {
	WorkerBin   string // path to the media worker binary
	NumWorkers  int    // 0 = cpu count
	RTCMinPort  int
	RTCMaxPort  int
	LogLevel    string
	LogTags     []string
	ListenIP    string
	AnnouncedIP string // empty = auto-detect from non-loopback interfaces
}

// RecordingConfig holds composite recording settings.
type RecordingConfig struct {
	Enabled    bool
	TmpDir     string
	FFmpegPath string
	Layout     string // e.g. "pip"
	BindIP     string
	PortMin    int
	PortMax    int
	S3Bucket   string
	S3Prefix   string
	S3SSE      string
}

// AWSConfig holds credentials for object storage.
type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// DSN returns the PostgreSQL connection string. DATABASE_URL wins when set.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	instanceID := getEnv("SERVER_INSTANCE_ID", "")
	if instanceID == "" {
		instanceID = uuid.New().String()
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			SignalingPort:      getEnv("SIGNALING_PORT", "8081"),
			InstanceID:         instanceID,
			CORSAllowedOrigins: getEnv("CORS_ORIGIN", "*"),
			RateLimitMax:       getEnvInt("RATE_LIMIT_MAX", 100),
			RateLimitWindowSec: getEnvInt("RATE_LIMIT_TIME_WINDOW", 60),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "connect"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Host:           getEnv("REDIS_HOST", "localhost"),
			Port:           getEnv("REDIS_PORT", "6379"),
			Password:       getEnv("REDIS_PASSWORD", ""),
			DB:             getEnvInt("REDIS_DB", 0),
			ClusterEnabled: getEnvBool("REDIS_CLUSTER_ENABLED", false),
			ClusterNodes:   splitTrim(getEnv("REDIS_CLUSTER_NODES", ""), ","),
		},
		JWT: JWTConfig{
			Secret:           getEnv("JWT_SECRET", "change-me-in-production"),
			ExpiresIn:        getEnv("JWT_EXPIRES_IN", "15m"),
			RefreshExpiresIn: getEnv("JWT_REFRESH_EXPIRES_IN", "168h"),
		},
		Mediasoup: MediasoupConfig{
			WorkerBin:   getEnv("MEDIASOUP_WORKER_BIN", "mediasoup-worker"),
			NumWorkers:  getEnvInt("MEDIASOUP_NUM_WORKERS", runtime.NumCPU()),
			RTCMinPort:  getEnvInt("MEDIASOUP_RTC_MIN_PORT", 40000),
			RTCMaxPort:  getEnvInt("MEDIASOUP_RTC_MAX_PORT", 49999),
			LogLevel:    getEnv("MEDIASOUP_LOG_LEVEL", "warn"),
			LogTags:     splitTrim(getEnv("MEDIASOUP_LOG_TAGS", "info,ice,dtls"), ","),
			ListenIP:    getEnv("MEDIASOUP_LISTEN_IP", "0.0.0.0"),
			AnnouncedIP: getEnv("MEDIASOUP_ANNOUNCED_IP", ""),
		},
		Recording: RecordingConfig{
			Enabled:    getEnvBool("RECORDING_ENABLED", false),
			TmpDir:     getEnv("RECORDING_TMP_DIR", ""),
			FFmpegPath: getEnv("RECORDING_FFMPEG_PATH", "ffmpeg"),
			Layout:     getEnv("RECORDING_LAYOUT", "pip"),
			BindIP:     getEnv("RECORDING_BIND_IP", "127.0.0.1"),
			PortMin:    getEnvInt("RECORDING_PORT_MIN", 50000),
			PortMax:    getEnvInt("RECORDING_PORT_MAX", 50999),
			S3Bucket:   getEnv("RECORDING_S3_BUCKET", ""),
			S3Prefix:   getEnv("RECORDING_S3_PREFIX", "recordings"),
			S3SSE:      getEnv("RECORDING_S3_SSE", ""),
		},
		AWS: AWSConfig{
			Region:          getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
		},
	}

	if cfg.Recording.PortMin >= cfg.Recording.PortMax {
		return nil, fmt.Errorf("invalid recording port range %d-%d", cfg.Recording.PortMin, cfg.Recording.PortMax)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}
