package config

import (
	"fmt"
	"log/slog"
	"math"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"climalog/internal/modules/climate/types"
)

const DefaultDevicePort = 4210

// Device binds one logger endpoint to the source its readings belong to.
type Device struct {
	Source types.Source
	Host   string
	Port   int
}

func (d Device) Addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

type Config struct {
	AppEnv   string
	LogLevel slog.Level
	HTTPAddr string

	Driver          string
	DSN             string
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	LogSQL          bool
	UniqueTimes     bool
	BatchSize       int

	Devices           []Device
	DeviceReadTimeout time.Duration
	DeviceHandshake   string
	DeviceAck         string

	// RetryMaxAttempts of 0 retries until the poll is cancelled.
	RetryMaxAttempts uint
	RetryDelay       time.Duration
	RetryBackoff     string

	PollInterval    time.Duration
	PollTimeout     time.Duration
	PollOnStart     bool
	PollConcurrency int

	LookbackDays int
	Location     *time.Location

	TempMin     float64
	TempMax     float64
	HumidityMin float64
	HumidityMax float64

	// MQTTBroker left empty disables publishing.
	MQTTBroker      string
	MQTTPort        int
	MQTTClientID    string
	MQTTTopicPrefix string
}

// Sources lists the configured sources in device order.
func (c Config) Sources() []types.Source {
	out := make([]types.Source, 0, len(c.Devices))
	for _, d := range c.Devices {
		out = append(out, d.Source)
	}
	return out
}

func LoadFromEnv() (Config, error) {
	appEnv := strings.TrimSpace(os.Getenv("APP_ENV"))
	if appEnv == "" {
		appEnv = "dev"
	}
	switch appEnv {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}

	logLevelStr := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if logLevelStr == "" {
		logLevelStr = "info"
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppEnv:   appEnv,
		LogLevel: level,
		HTTPAddr: envString("HTTP_ADDR", ":8080"),

		Driver: envString("DB_DRIVER", "pgx"),
		DSN:    envString("DB_DSN", ""),
		Path:   envString("SQLITE_PATH", "../dev/sqlite/climalog.db"),

		DeviceHandshake: envString("DEVICE_HANDSHAKE", "Hello ESP32"),
		DeviceAck:       envString("DEVICE_ACK", "Received data"),
		RetryBackoff:    strings.ToLower(envString("RETRY_BACKOFF", "fixed")),

		MQTTBroker:      envString("MQTT_BROKER", ""),
		MQTTClientID:    envString("MQTT_CLIENT_ID", "climalog"),
		MQTTTopicPrefix: strings.Trim(envString("MQTT_TOPIC_PREFIX", "climalog"), "/"),
	}

	switch cfg.Driver {
	case "pgx", "postgres":
		if cfg.DSN == "" {
			return Config{}, fmt.Errorf("DB_DSN is required for DB_DRIVER %q", cfg.Driver)
		}
	case "sqlite3":
	default:
		return Config{}, fmt.Errorf("invalid DB_DRIVER %q (allowed: pgx, postgres, sqlite3)", cfg.Driver)
	}

	if cfg.MaxOpenConns, err = envInt("DB_MAX_OPEN_CONNS", 4); err != nil {
		return Config{}, err
	}
	if cfg.MaxIdleConns, err = envInt("DB_MAX_IDLE_CONNS", 2); err != nil {
		return Config{}, err
	}
	if cfg.ConnMaxLifetime, err = envDuration("DB_CONN_MAX_LIFETIME", 0); err != nil {
		return Config{}, err
	}
	if cfg.LogSQL, err = envBool("DB_LOG_SQL", false); err != nil {
		return Config{}, err
	}
	if cfg.UniqueTimes, err = envBool("DB_UNIQUE_TIMES", false); err != nil {
		return Config{}, err
	}
	if cfg.BatchSize, err = envInt("DB_BATCH_SIZE", 100); err != nil {
		return Config{}, err
	}
	if cfg.BatchSize <= 0 {
		return Config{}, fmt.Errorf("DB_BATCH_SIZE must be positive, got %d", cfg.BatchSize)
	}

	defaultPort, err := envInt("DEVICE_PORT", DefaultDevicePort)
	if err != nil {
		return Config{}, err
	}
	cfg.Devices, err = parseDevices(envString("DEVICES", "inside=127.0.0.1"), defaultPort)
	if err != nil {
		return Config{}, err
	}

	if cfg.DeviceReadTimeout, err = envDuration("DEVICE_READ_TIMEOUT", 5*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.DeviceReadTimeout <= 0 {
		return Config{}, fmt.Errorf("DEVICE_READ_TIMEOUT must be positive, got %v", cfg.DeviceReadTimeout)
	}

	attempts, err := envInt("RETRY_MAX_ATTEMPTS", 30)
	if err != nil {
		return Config{}, err
	}
	if attempts < 0 {
		return Config{}, fmt.Errorf("RETRY_MAX_ATTEMPTS must be >= 0, got %d", attempts)
	}
	cfg.RetryMaxAttempts = uint(attempts)
	if cfg.RetryDelay, err = envDuration("RETRY_DELAY", 5*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.RetryDelay < 0 {
		return Config{}, fmt.Errorf("RETRY_DELAY must be >= 0, got %v", cfg.RetryDelay)
	}
	switch cfg.RetryBackoff {
	case "none", "fixed", "exponential":
	default:
		return Config{}, fmt.Errorf("invalid RETRY_BACKOFF %q (allowed: none, fixed, exponential)", cfg.RetryBackoff)
	}

	if cfg.PollInterval, err = envDuration("POLL_INTERVAL", 15*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.PollInterval <= 0 {
		return Config{}, fmt.Errorf("POLL_INTERVAL must be positive, got %v", cfg.PollInterval)
	}
	if cfg.PollTimeout, err = envDuration("POLL_TIMEOUT", cfg.PollInterval); err != nil {
		return Config{}, err
	}
	if cfg.PollTimeout < 0 {
		return Config{}, fmt.Errorf("POLL_TIMEOUT must be >= 0, got %v", cfg.PollTimeout)
	}
	if cfg.PollOnStart, err = envBool("POLL_ON_START", true); err != nil {
		return Config{}, err
	}
	if cfg.PollConcurrency, err = envInt("POLL_CONCURRENCY", len(cfg.Devices)); err != nil {
		return Config{}, err
	}
	if cfg.PollConcurrency <= 0 {
		return Config{}, fmt.Errorf("POLL_CONCURRENCY must be positive, got %d", cfg.PollConcurrency)
	}

	if cfg.LookbackDays, err = envInt("LOOKBACK_DAYS", 14); err != nil {
		return Config{}, err
	}
	if cfg.LookbackDays <= 0 {
		return Config{}, fmt.Errorf("LOOKBACK_DAYS must be positive, got %d", cfg.LookbackDays)
	}

	tz := envString("TIMEZONE", "Europe/Oslo")
	cfg.Location, err = time.LoadLocation(tz)
	if err != nil {
		return Config{}, fmt.Errorf("invalid TIMEZONE %q: %w", tz, err)
	}

	if cfg.TempMin, err = envFloat("TEMP_MIN", -50); err != nil {
		return Config{}, err
	}
	if cfg.TempMax, err = envFloat("TEMP_MAX", 100); err != nil {
		return Config{}, err
	}
	if cfg.HumidityMin, err = envFloat("HUMIDITY_MIN", 0); err != nil {
		return Config{}, err
	}
	if cfg.HumidityMax, err = envFloat("HUMIDITY_MAX", 100); err != nil {
		return Config{}, err
	}

	if cfg.MQTTPort, err = envInt("MQTT_PORT", 1883); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// parseDevices reads "source=host[:port],..." lists.
func parseDevices(s string, defaultPort int) ([]Device, error) {
	var out []Device
	seen := make(map[types.Source]bool)
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, addr, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("invalid DEVICES entry %q (want source=host[:port])", item)
		}
		source := types.Source(strings.TrimSpace(name))
		if !source.Valid() {
			return nil, fmt.Errorf("invalid DEVICES source %q (lowercase letters, digits, underscore)", source)
		}
		if seen[source] {
			return nil, fmt.Errorf("duplicate DEVICES source %q", source)
		}
		seen[source] = true

		addr = strings.TrimSpace(addr)
		host, port := addr, defaultPort
		if h, p, err := net.SplitHostPort(addr); err == nil {
			host = h
			port, err = strconv.Atoi(p)
			if err != nil {
				return nil, fmt.Errorf("invalid DEVICES port %q for %s: %w", p, source, err)
			}
		}
		if host == "" {
			return nil, fmt.Errorf("DEVICES entry %q has no host", item)
		}
		if port <= 0 || port > math.MaxUint16 {
			return nil, fmt.Errorf("DEVICES port %d for %s out of range", port, source)
		}
		out = append(out, Device{Source: source, Host: host, Port: port})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("DEVICES must name at least one device")
	}
	return out, nil
}

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func envFloat(key string, def float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return f, nil
}

func envBool(key string, def bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return b, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}
