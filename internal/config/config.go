package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	HTTPAddr      string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	JWTSecret     string
	JWTIssuer     string

	TokenTTL         time.Duration
	RotationInterval time.Duration
	ScanInterval     time.Duration
	DiscoveryTimeout time.Duration
	SessionDuration  time.Duration

	// Device-agent settings.
	ServerURL    string
	NATSURL      string
	AirspaceRoom string
}

func Load() Config {
	return Config{
		HTTPAddr:      getenv("HTTP_ADDR", ":8085"),
		DatabaseURL:   getenv("DATABASE_URL", ""),
		RedisAddr:     getenv("REDIS_ADDR", ""),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		JWTSecret:     getenv("JWT_SECRET", "dev-secret"),
		JWTIssuer:     getenv("JWT_ISSUER", "attendease-auth"),

		TokenTTL:         getenvDuration("TOKEN_TTL", 20*time.Second),
		RotationInterval: getenvDuration("ROTATION_INTERVAL", 10*time.Second),
		ScanInterval:     getenvDuration("SCAN_INTERVAL", 4*time.Second),
		DiscoveryTimeout: getenvDuration("DISCOVERY_TIMEOUT", 8*time.Second),
		SessionDuration:  getenvDuration("SESSION_DURATION", 2*time.Minute),

		ServerURL:    getenv("SERVER_URL", "http://127.0.0.1:8085"),
		NATSURL:      getenv("NATS_URL", "nats://127.0.0.1:4222"),
		AirspaceRoom: getenv("AIRSPACE_ROOM", "default"),
	}
}

func getenv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	if val := os.Getenv(key + "_SECONDS"); val != "" {
		if seconds, err := strconv.Atoi(val); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return fallback
}
