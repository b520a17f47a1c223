package server

import (
	"os"
	"strconv"
	"time"
)

// Config holds the HTTP settings. Durations are whole seconds.
type Config struct {
	Port            int
	ReadTimeout     int
	WriteTimeout    int
	ShutdownTimeout int

	PrecheckTimeoutSec int
	ExecuteTimeoutSec  int

	BodyLimit      string
	RateLimitRPS   int
	RateLimitBurst int
}

func LoadConfig() Config {
	rps := getEnvInt("RATE_LIMIT_RPS", 0)
	return Config{
		Port:               getEnvInt("PORT", 8080),
		ReadTimeout:        getEnvInt("READ_TIMEOUT", 30),
		WriteTimeout:       getEnvInt("WRITE_TIMEOUT", 60),
		ShutdownTimeout:    getEnvInt("SHUTDOWN_TIMEOUT", 10),
		PrecheckTimeoutSec: getEnvInt("PRECHECK_TIMEOUT", 15),
		ExecuteTimeoutSec:  getEnvInt("EXECUTE_TIMEOUT", 45),
		BodyLimit:          getEnv("BODY_LIMIT", "1M"),
		RateLimitRPS:       rps,
		RateLimitBurst:     getEnvInt("RATE_LIMIT_BURST", 2*rps),
	}
}

func (c Config) PrecheckTimeout() time.Duration {
	return seconds(c.PrecheckTimeoutSec, 15)
}

func (c Config) ExecuteTimeout() time.Duration {
	return seconds(c.ExecuteTimeoutSec, 45)
}

func seconds(v, fallback int) time.Duration {
	if v <= 0 {
		v = fallback
	}
	return time.Duration(v) * time.Second
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}
