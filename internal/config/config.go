package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	AppEnv   string
	LogLevel slog.Level
	LogFile  string
	HTTPAddr string

	// Transport is "ble" for a BlueZ adapter or "sim" for the simulator.
	Transport      string
	BLEAdapter     string
	NamePrefix     string
	ServiceUUID    string
	WriteUUID      string
	NotifyUUID     string
	Profile        string
	ProfilesFile   string
	ScanTimeout    time.Duration
	AutoConnect    bool
	RescanInterval time.Duration
	SimInterval    time.Duration

	RawHonorMask bool

	TimeseriesRange   string
	TimeseriesCompact bool

	GeoTracking         bool
	GeoSampleInterval   time.Duration
	GeoAutosaveInterval time.Duration
	GeoSnapshotKey      string
	GPSDevice           string
	FixedPosition       string

	SQLiteDriver          string
	SQLitePath            string
	SQLiteDSN             string
	SQLiteMaxOpenConns    int
	SQLiteMaxIdleConns    int
	SQLiteConnMaxLifetime time.Duration
	DBLogQueries          bool

	// MQTTBroker empty disables MQTT publishing.
	MQTTBroker      string
	MQTTPort        int
	MQTTClientID    string
	MQTTTopicPrefix string
	DeviceID        string

	// InfluxURL empty disables the InfluxDB writer.
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string
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
		LogFile:  envString("LOG_FILE", ""),
		HTTPAddr: envString("HTTP_ADDR", ":8080"),

		Transport:    strings.ToLower(envString("TRANSPORT", "ble")),
		BLEAdapter:   envString("BLE_ADAPTER", "hci0"),
		NamePrefix:   envString("BLE_NAME_PREFIX", "SPS30"),
		ServiceUUID:  strings.ToLower(envString("BLE_SERVICE_UUID", "6e400001-b5a3-f393-e0a9-e50e24dcca9e")),
		WriteUUID:    strings.ToLower(envString("BLE_RX_UUID", "6e400002-b5a3-f393-e0a9-e50e24dcca9e")),
		NotifyUUID:   strings.ToLower(envString("BLE_TX_UUID", "6e400003-b5a3-f393-e0a9-e50e24dcca9e")),
		Profile:      strings.ToLower(envString("BLE_PROFILE", "standard")),
		ProfilesFile: envString("PROFILES_FILE", ""),

		TimeseriesRange: envString("TIMESERIES_RANGE", "5m"),
		GeoSnapshotKey:  envString("GEO_SNAPSHOT_KEY", "heatmapData"),
		GPSDevice:       envString("GPS_DEVICE", ""),
		FixedPosition:   envString("FIXED_POSITION", ""),

		SQLiteDriver: envString("DB_DRIVER", "sqlite3"),
		SQLitePath:   envString("SQLITE_PATH", "./data/gateway.db"),
		SQLiteDSN:    envString("DB_DSN", ""),

		MQTTBroker:      envString("MQTT_BROKER", ""),
		MQTTClientID:    envString("MQTT_CLIENT_ID", "vimms-gateway"),
		MQTTTopicPrefix: strings.TrimSuffix(envString("MQTT_TOPIC_PREFIX", "sensors"), "/"),
		DeviceID:        envString("DEVICE_ID", "sps30"),

		InfluxURL:    envString("INFLUX_URL", ""),
		InfluxToken:  envString("INFLUX_TOKEN", ""),
		InfluxOrg:    envString("INFLUX_ORG", ""),
		InfluxBucket: envString("INFLUX_BUCKET", "particulates"),
	}

	switch cfg.Transport {
	case "ble", "sim":
	default:
		return Config{}, fmt.Errorf("invalid TRANSPORT %q (allowed: ble, sim)", cfg.Transport)
	}
	switch cfg.Profile {
	case "standard", "managed":
	default:
		return Config{}, fmt.Errorf("invalid BLE_PROFILE %q (allowed: standard, managed)", cfg.Profile)
	}
	switch cfg.TimeseriesRange {
	case "5m", "15m", "30m":
	default:
		return Config{}, fmt.Errorf("invalid TIMESERIES_RANGE %q (allowed: 5m, 15m, 30m)", cfg.TimeseriesRange)
	}
	if cfg.GPSDevice != "" && cfg.FixedPosition != "" {
		return Config{}, fmt.Errorf("GPS_DEVICE and FIXED_POSITION are mutually exclusive")
	}

	durations := []struct {
		key  string
		def  string
		dst  *time.Duration
		zero bool
	}{
		{"SCAN_TIMEOUT", "20s", &cfg.ScanTimeout, false},
		{"RESCAN_INTERVAL", "15s", &cfg.RescanInterval, true},
		{"SIM_INTERVAL", "1s", &cfg.SimInterval, false},
		{"GEO_SAMPLE_INTERVAL", "3s", &cfg.GeoSampleInterval, false},
		{"GEO_AUTOSAVE_INTERVAL", "30s", &cfg.GeoAutosaveInterval, false},
		{"DB_CONN_MAX_LIFETIME", "0s", &cfg.SQLiteConnMaxLifetime, true},
	}
	for _, d := range durations {
		v, err := envDuration(d.key, d.def)
		if err != nil {
			return Config{}, err
		}
		if v < 0 || (v == 0 && !d.zero) {
			return Config{}, fmt.Errorf("%s must be positive, got %v", d.key, v)
		}
		*d.dst = v
	}

	bools := []struct {
		key string
		def bool
		dst *bool
	}{
		{"AUTO_CONNECT", true, &cfg.AutoConnect},
		{"RAW_HONOR_MASK", false, &cfg.RawHonorMask},
		{"TIMESERIES_COMPACT", false, &cfg.TimeseriesCompact},
		{"GEO_TRACKING", true, &cfg.GeoTracking},
		{"DB_LOG_QUERIES", false, &cfg.DBLogQueries},
	}
	for _, b := range bools {
		v, err := envBool(b.key, b.def)
		if err != nil {
			return Config{}, err
		}
		*b.dst = v
	}

	ints := []struct {
		key string
		def int
		dst *int
	}{
		{"MQTT_PORT", 1883, &cfg.MQTTPort},
		{"DB_MAX_OPEN_CONNS", 1, &cfg.SQLiteMaxOpenConns},
		{"DB_MAX_IDLE_CONNS", 1, &cfg.SQLiteMaxIdleConns},
	}
	for _, i := range ints {
		v, err := envInt(i.key, i.def)
		if err != nil {
			return Config{}, err
		}
		*i.dst = v
	}

	if cfg.InfluxURL != "" && (cfg.InfluxOrg == "" || cfg.InfluxToken == "") {
		return Config{}, fmt.Errorf("INFLUX_URL requires INFLUX_ORG and INFLUX_TOKEN")
	}

	return cfg, nil
}

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envDuration(key, def string) (time.Duration, error) {
	s := envString(key, def)
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return d, nil
}

func envBool(key string, def bool) (bool, error) {
	s := envString(key, "")
	if s == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return b, nil
}

func envInt(key string, def int) (int, error) {
	s := envString(key, "")
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return n, nil
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
