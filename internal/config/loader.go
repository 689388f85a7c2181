package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config captures environment driven configuration values for the consultation server.
type Config struct {
	HTTPPort           int
	SQLiteDSN          string
	StalenessThreshold time.Duration
	WatchdogInterval   time.Duration
	HeartbeatInterval  time.Duration
	ReconcileInterval  time.Duration
	PresenceLeaseTTL   time.Duration
	KafkaBrokers       []string
	KafkaTopic         string
	Location           *time.Location
	LogLevel           string
}

// AgentConfig captures the settings of the doctor-side heartbeat agent.
type AgentConfig struct {
	ServerURL          string
	DoctorID           string
	HeartbeatInterval  time.Duration
	StalenessThreshold time.Duration
	RequestTimeout     time.Duration
	LogLevel           string
}

// LoadDotEnv merges key/value pairs from the given files into the process
// environment without overriding variables that are already set. Files that
// do not exist are skipped. Without arguments ".env" is tried.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// Load parses configuration values from the current process environment.
//
// Every value is optional. Durations must be positive, the heartbeat interval
// must be shorter than the staleness threshold and the watchdog interval must
// not exceed it.
func Load() (Config, error) {
	cfg := Config{
		HTTPPort:           8080,
		SQLiteDSN:          "file:teleconsult.db",
		StalenessThreshold: 30 * time.Second,
		WatchdogInterval:   10 * time.Second,
		HeartbeatInterval:  10 * time.Second,
		ReconcileInterval:  time.Minute,
		PresenceLeaseTTL:   30 * time.Second,
		KafkaTopic:         "teleconsult.events",
		Location:           time.UTC,
		LogLevel:           "info",
	}

	invalid := make([]string, 0, 2)

	if portValue := strings.TrimSpace(os.Getenv("TELECONSULT_HTTP_PORT")); portValue != "" {
		port, err := strconv.Atoi(portValue)
		if err != nil || port <= 0 {
			invalid = append(invalid, "TELECONSULT_HTTP_PORT")
		} else {
			cfg.HTTPPort = port
		}
	}

	if dsn := strings.TrimSpace(os.Getenv("TELECONSULT_SQLITE_DSN")); dsn != "" {
		cfg.SQLiteDSN = dsn
	}

	durations := []struct {
		key    string
		target *time.Duration
	}{
		{"TELECONSULT_STALENESS_THRESHOLD", &cfg.StalenessThreshold},
		{"TELECONSULT_WATCHDOG_INTERVAL", &cfg.WatchdogInterval},
		{"TELECONSULT_HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval},
		{"TELECONSULT_RECONCILE_INTERVAL", &cfg.ReconcileInterval},
		{"TELECONSULT_PRESENCE_LEASE_TTL", &cfg.PresenceLeaseTTL},
	}
	for _, d := range durations {
		if !parseDuration(d.key, d.target) {
			invalid = append(invalid, d.key)
		}
	}

	if brokers := strings.TrimSpace(os.Getenv("TELECONSULT_KAFKA_BROKERS")); brokers != "" {
		for _, broker := range strings.Split(brokers, ",") {
			if broker = strings.TrimSpace(broker); broker != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, broker)
			}
		}
	}
	if topic := strings.TrimSpace(os.Getenv("TELECONSULT_KAFKA_TOPIC")); topic != "" {
		cfg.KafkaTopic = topic
	}

	if zone := strings.TrimSpace(os.Getenv("TELECONSULT_TIMEZONE")); zone != "" {
		loc, err := time.LoadLocation(zone)
		if err != nil {
			invalid = append(invalid, "TELECONSULT_TIMEZONE")
		} else {
			cfg.Location = loc
		}
	}

	if level := strings.TrimSpace(os.Getenv("TELECONSULT_LOG_LEVEL")); level != "" {
		if !validLogLevel(level) {
			invalid = append(invalid, "TELECONSULT_LOG_LEVEL")
		} else {
			cfg.LogLevel = strings.ToLower(level)
		}
	}

	if len(invalid) > 0 {
		return Config{}, fmt.Errorf("環境変数の値が不正です: %s", strings.Join(invalid, ", "))
	}

	if cfg.HeartbeatInterval >= cfg.StalenessThreshold {
		return Config{}, fmt.Errorf("TELECONSULT_HEARTBEAT_INTERVAL (%s) は TELECONSULT_STALENESS_THRESHOLD (%s) より短くする必要があります", cfg.HeartbeatInterval, cfg.StalenessThreshold)
	}
	if cfg.WatchdogInterval > cfg.StalenessThreshold {
		return Config{}, fmt.Errorf("TELECONSULT_WATCHDOG_INTERVAL (%s) は TELECONSULT_STALENESS_THRESHOLD (%s) 以下にする必要があります", cfg.WatchdogInterval, cfg.StalenessThreshold)
	}

	return cfg, nil
}

// LoadAgent parses the doctor agent settings from the current process environment.
func LoadAgent() (AgentConfig, error) {
	cfg := AgentConfig{
		ServerURL:          "http://localhost:8080",
		HeartbeatInterval:  10 * time.Second,
		StalenessThreshold: 30 * time.Second,
		RequestTimeout:     5 * time.Second,
		LogLevel:           "info",
	}

	missing := make([]string, 0, 1)
	invalid := make([]string, 0, 2)

	if id := strings.TrimSpace(os.Getenv("TELECONSULT_AGENT_DOCTOR_ID")); id == "" {
		missing = append(missing, "TELECONSULT_AGENT_DOCTOR_ID")
	} else {
		cfg.DoctorID = id
	}

	if url := strings.TrimSpace(os.Getenv("TELECONSULT_AGENT_SERVER_URL")); url != "" {
		cfg.ServerURL = strings.TrimRight(url, "/")
	}

	for _, d := range []struct {
		key    string
		target *time.Duration
	}{
		{"TELECONSULT_HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval},
		{"TELECONSULT_STALENESS_THRESHOLD", &cfg.StalenessThreshold},
		{"TELECONSULT_AGENT_REQUEST_TIMEOUT", &cfg.RequestTimeout},
	} {
		if !parseDuration(d.key, d.target) {
			invalid = append(invalid, d.key)
		}
	}

	if level := strings.TrimSpace(os.Getenv("TELECONSULT_LOG_LEVEL")); level != "" {
		if !validLogLevel(level) {
			invalid = append(invalid, "TELECONSULT_LOG_LEVEL")
		} else {
			cfg.LogLevel = strings.ToLower(level)
		}
	}

	if len(missing) > 0 {
		return AgentConfig{}, fmt.Errorf("必須の環境変数が設定されていません: %s", strings.Join(missing, ", "))
	}
	if len(invalid) > 0 {
		return AgentConfig{}, fmt.Errorf("環境変数の値が不正です: %s", strings.Join(invalid, ", "))
	}
	if cfg.HeartbeatInterval >= cfg.StalenessThreshold {
		return AgentConfig{}, fmt.Errorf("TELECONSULT_HEARTBEAT_INTERVAL (%s) は TELECONSULT_STALENESS_THRESHOLD (%s) より短くする必要があります", cfg.HeartbeatInterval, cfg.StalenessThreshold)
	}

	return cfg, nil
}

// parseDuration overwrites target when key holds a positive duration. It
// reports false when the value is present but unusable.
func parseDuration(key string, target *time.Duration) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return true
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return false
	}
	*target = d
	return true
}

func validLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
