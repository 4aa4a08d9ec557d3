package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	Redis          RedisConfig
	Call           CallConfig
	Signaling      SignalingConfig
	WebRTC         WebRTCConfig
	Whiteboard     WhiteboardConfig
	Log            LogConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// CallConfig describes where the call is served from. Origin is checked
// before any capture device is opened.
type CallConfig struct {
	Origin string
}

type SignalingConfig struct {
	Transport  string // redis, websocket or memory
	URL        string // relay base URL for the websocket transport
	MaxRetries int
}

type WebRTCConfig struct {
	ICEServers          []string
	CandidateQueueLimit int
	PLIInterval         time.Duration
}

type WhiteboardConfig struct {
	Width     int
	Height    int
	ExportDir string
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() *Config {
	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	origins := strings.Split(originsStr, ",")

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Call: CallConfig{
			Origin: getEnv("CALL_ORIGIN", "http://localhost:8080"),
		},
		Signaling: SignalingConfig{
			Transport:  getEnv("SIGNALING_TRANSPORT", "redis"),
			URL:        getEnv("SIGNALING_URL", "ws://localhost:8080/ws/signal"),
			MaxRetries: getEnvInt("SIGNALING_MAX_RETRIES", 5),
		},
		WebRTC: WebRTCConfig{
			ICEServers:          splitList(getEnv("ICE_SERVERS", "stun:stun.l.google.com:19302")),
			CandidateQueueLimit: getEnvInt("CANDIDATE_QUEUE_LIMIT", 32),
			PLIInterval:         getEnvDuration("PLI_INTERVAL", 3*time.Second),
		},
		Whiteboard: WhiteboardConfig{
			Width:     getEnvInt("WHITEBOARD_WIDTH", 1280),
			Height:    getEnvInt("WHITEBOARD_HEIGHT", 720),
			ExportDir: getEnv("EXPORT_DIR", os.TempDir()),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
