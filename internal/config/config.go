package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads environment variables from a .env file if present.
// Existing environment variables are not overwritten.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

type Server struct {
	Port           string
	AdminToken     string
	AllowedOrigins []string
	LogLevel       string
	AppEnv         string
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
}

func (s Server) Development() bool { return s.AppEnv == "development" }

type Client struct {
	ServerURLs         []string
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	Transports         []string
	ConnectTimeout     time.Duration
	MaxConnectAttempts int
	UpgradeInterval    time.Duration
	PresenceTTL        time.Duration
	LogLevel           string
}

func DefaultServer() Server {
	return Server{
		Port:           "3001",
		AllowedOrigins: []string{"*"},
		LogLevel:       "info",
		AppEnv:         "production",
		WriteTimeout:   3 * time.Second,
		ReadTimeout:    60 * time.Second,
	}
}

func DefaultClient() Client {
	return Client{
		ServerURLs:         []string{"http://localhost:3001"},
		Transports:         []string{"relay", "kvstore"},
		ConnectTimeout:     10 * time.Second,
		MaxConnectAttempts: 5,
		UpgradeInterval:    15 * time.Second,
		PresenceTTL:        15 * time.Second,
		LogLevel:           "info",
	}
}

func LoadServer() Server {
	cfg := DefaultServer()
	if raw := os.Getenv("PORT"); raw != "" {
		cfg.Port = raw
	}
	cfg.AdminToken = os.Getenv("ADMIN_TOKEN")
	if list := splitList(os.Getenv("ALLOWED_ORIGINS")); len(list) > 0 {
		cfg.AllowedOrigins = list
	}
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("APP_ENV"); raw != "" {
		cfg.AppEnv = raw
	}
	if d, ok := millis("WS_WRITE_TIMEOUT_MS"); ok {
		cfg.WriteTimeout = d
	}
	if d, ok := millis("WS_READ_TIMEOUT_MS"); ok {
		cfg.ReadTimeout = d
	}
	return cfg
}

func LoadClient() Client {
	cfg := DefaultClient()
	if list := splitList(os.Getenv("BUZZER_SERVER_URLS")); len(list) > 0 {
		cfg.ServerURLs = list
	}
	cfg.RedisAddr = os.Getenv("BUZZER_REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("BUZZER_REDIS_PASSWORD")
	if raw := os.Getenv("BUZZER_REDIS_DB"); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil && value >= 0 {
			cfg.RedisDB = value
		}
	}
	if list := splitList(os.Getenv("BUZZER_TRANSPORTS")); len(list) > 0 {
		cfg.Transports = list
	}
	if d, ok := millis("BUZZER_CONNECT_TIMEOUT_MS"); ok {
		cfg.ConnectTimeout = d
	}
	if raw := os.Getenv("BUZZER_MAX_CONNECT_ATTEMPTS"); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil && value > 0 {
			cfg.MaxConnectAttempts = value
		}
	}
	if d, ok := millis("BUZZER_UPGRADE_INTERVAL_MS"); ok {
		cfg.UpgradeInterval = d
	}
	if d, ok := millis("BUZZER_PRESENCE_TTL_MS"); ok {
		cfg.PresenceTTL = d
	}
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	return cfg
}

func millis(key string) (time.Duration, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return 0, false
	}
	return time.Duration(value) * time.Millisecond, true
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
