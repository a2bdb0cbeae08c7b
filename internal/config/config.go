package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the server configuration. Values come from defaults, then an
// optional YAML file (CONFIG_FILE), then the environment.
type Config struct {
	Port                 string        `yaml:"port"`
	Host                 string        `yaml:"host"`
	LobbyRoom            string        `yaml:"lobbyRoom"`
	DisconnectionTimeout time.Duration `yaml:"disconnectionTimeout"`
	SweepInterval        time.Duration `yaml:"sweepInterval"`
	PatchInterval        time.Duration `yaml:"patchInterval"`
	MonitorUser          string        `yaml:"monitorUser"`
	MonitorPass          string        `yaml:"monitorPass"`
	ExportEnabled        bool          `yaml:"exportEnabled"`
	ExportFile           string        `yaml:"exportFile"`
	LogLevel             string        `yaml:"logLevel"`
}

// Client is the configuration of a connecting client.
type Client struct {
	ServerURL              string        `yaml:"serverUrl"`
	Room                   string        `yaml:"room"`
	StoreFile              string        `yaml:"storeFile"`
	UpdateFrequency        time.Duration `yaml:"updateFrequency"`
	PingInterval           time.Duration `yaml:"pingInterval"`
	InterpolationSmoothing float64       `yaml:"interpolationSmoothing"`
	InterpolationTolerance time.Duration `yaml:"interpolationTolerance"`
	LogLevel               string        `yaml:"logLevel"`
}

func Defaults() Config {
	return Config{
		Port:                 "1248",
		LobbyRoom:            "lobby",
		DisconnectionTimeout: 10 * time.Second,
		SweepInterval:        2 * time.Second,
		PatchInterval:        50 * time.Millisecond,
		ExportFile:           "./roomsync-chat.txt",
		LogLevel:             "info",
	}
}

func ClientDefaults() Client {
	return Client{
		ServerURL:              "ws://localhost:1248/ws",
		Room:                   "lobby",
		StoreFile:              "./.roomsync-client.json",
		UpdateFrequency:        100 * time.Millisecond,
		PingInterval:           time.Second,
		InterpolationSmoothing: 0.2,
		InterpolationTolerance: time.Second,
		LogLevel:               "info",
	}
}

// FromEnv loads the server configuration, reading CONFIG_FILE if set.
func FromEnv() (Config, error) {
	c := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, &c); err != nil {
			return c, err
		}
	}
	c.Port = getenv("PORT", c.Port)
	c.Host = getenv("HOST", c.Host)
	c.LobbyRoom = getenv("LOBBY_ROOM", c.LobbyRoom)
	c.DisconnectionTimeout = getduration("DISCONNECTION_TIMEOUT_SECONDS", time.Second, c.DisconnectionTimeout)
	c.SweepInterval = getduration("SWEEP_INTERVAL_MS", time.Millisecond, c.SweepInterval)
	c.PatchInterval = getduration("PATCH_INTERVAL_MS", time.Millisecond, c.PatchInterval)
	c.MonitorUser = getenv("MONITOR_USER", c.MonitorUser)
	c.MonitorPass = getenv("MONITOR_PASS", c.MonitorPass)
	c.ExportEnabled = getenv("EXPORT_ENABLED", strconv.FormatBool(c.ExportEnabled)) == "true"
	c.ExportFile = getenv("EXPORT_FILE", c.ExportFile)
	c.LogLevel = getenv("LOG_LEVEL", c.LogLevel)
	return c, nil
}

// ClientFromEnv loads the client configuration, reading CONFIG_FILE if set.
func ClientFromEnv() (Client, error) {
	c := ClientDefaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, &c); err != nil {
			return c, err
		}
	}
	c.ServerURL = getenv("GAME_SERVER_URL", c.ServerURL)
	c.Room = getenv("LOBBY_ROOM", c.Room)
	c.StoreFile = getenv("CLIENT_STORE_FILE", c.StoreFile)
	c.UpdateFrequency = getduration("UPDATE_FREQUENCY_MS", time.Millisecond, c.UpdateFrequency)
	c.PingInterval = getduration("PING_INTERVAL_MS", time.Millisecond, c.PingInterval)
	c.InterpolationTolerance = getduration("INTERPOLATION_TOLERANCE_MS", time.Millisecond, c.InterpolationTolerance)
	if v := os.Getenv("INTERPOLATION_SMOOTHING"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f <= 1 {
			c.InterpolationSmoothing = f
		}
	}
	c.LogLevel = getenv("LOG_LEVEL", c.LogLevel)
	return c, nil
}

// Addr is the listen address.
func (c Config) Addr() string { return c.Host + ":" + c.Port }

func loadFile(path string, into any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, into); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// getduration reads an integer count of unit; invalid values keep def.
func getduration(k string, unit time.Duration, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * unit
}
