// Package config loads the server configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"skeld/internal/protocol"
)

type Server struct {
	Address     string `yaml:"address"`
	Port        int    `yaml:"port"`
	MonitorPort int    `yaml:"monitor_port"`
}

type Rooms struct {
	MaxPlayers          int           `yaml:"max_players"`
	EmptyTimeout        time.Duration `yaml:"empty_timeout"`
	TickInterval        time.Duration `yaml:"tick_interval"`
	// ReadyTimeout of 0 waits for every player to load.
	ReadyTimeout        time.Duration `yaml:"ready_timeout"`
	ServerAuthoritative bool          `yaml:"server_authoritative"`
	MaxRooms            int           `yaml:"max_rooms"`
}

type Reliability struct {
	ResendInterval time.Duration `yaml:"resend_interval"`
	ResendAfter    time.Duration `yaml:"resend_after"`
	StrictOrdering bool          `yaml:"strict_ordering"`
}

type Handshake struct {
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	Server      Server      `yaml:"server"`
	Versions    []string    `yaml:"versions"`
	Rooms       Rooms       `yaml:"rooms"`
	Reliability Reliability `yaml:"reliability"`
	Handshake   Handshake   `yaml:"handshake"`
	Log         Log         `yaml:"log"`
}

func Default() *Config {
	return &Config{
		Server:   Server{Address: "0.0.0.0", Port: 22023, MonitorPort: 22080},
		Versions: []string{"2022.3.29", "2021.6.30"},
		Rooms: Rooms{
			MaxPlayers:   15,
			EmptyTimeout: 10 * time.Second,
			TickInterval: 50 * time.Millisecond,
			ReadyTimeout: 3 * time.Second,
		},
		Reliability: Reliability{
			ResendInterval: 2 * time.Second,
			ResendAfter:    1500 * time.Millisecond,
			StrictOrdering: true,
		},
		Handshake: Handshake{Rate: 5, Burst: 10},
		Log:       Log{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MonitorPort < 0 || c.Server.MonitorPort > 65535 {
		errs = append(errs, fmt.Errorf("server.monitor_port %d out of range", c.Server.MonitorPort))
	}
	if _, err := c.ClientVersions(); err != nil {
		errs = append(errs, err)
	}
	if c.Rooms.MaxPlayers < 1 || c.Rooms.MaxPlayers > 127 {
		errs = append(errs, fmt.Errorf("rooms.max_players %d out of range", c.Rooms.MaxPlayers))
	}
	if c.Rooms.MaxRooms < 0 {
		errs = append(errs, errors.New("rooms.max_rooms must not be negative"))
	}
	if c.Rooms.TickInterval < 0 || c.Rooms.EmptyTimeout < 0 || c.Rooms.ReadyTimeout < 0 {
		errs = append(errs, errors.New("rooms durations must not be negative"))
	}
	if c.Reliability.ResendInterval <= 0 || c.Reliability.ResendAfter <= 0 {
		errs = append(errs, errors.New("reliability intervals must be positive"))
	}
	if c.Handshake.Rate < 0 || c.Handshake.Burst < 0 {
		errs = append(errs, errors.New("handshake limits must not be negative"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// ClientVersions returns the accepted versions in wire encoding.
func (c *Config) ClientVersions() ([]int32, error) {
	out := make([]int32, 0, len(c.Versions))
	for _, s := range c.Versions {
		v, err := protocol.ParseVersion(s)
		if err != nil {
			return nil, fmt.Errorf("versions: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Address, c.Server.Port)
}

func (c *Config) MonitorAddr() string {
	if c.Server.MonitorPort == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.Server.Address, c.Server.MonitorPort)
}

func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log.level %q unknown", level)
}

// Logger builds the process logger described by the log section.
func (c *Config) Logger() *slog.Logger {
	level, _ := ParseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
