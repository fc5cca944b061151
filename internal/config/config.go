// Package config provides configuration helpers for framerelay commands.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/teslashibe/framerelay/pkg/protocol"
	"github.com/teslashibe/framerelay/pkg/senderid"
	"github.com/teslashibe/framerelay/pkg/session"
)

// Environment variables read by Load.
const (
	EnvPort            = "PORT"
	EnvBindLocalhost   = "BIND_LOCALHOST_ADDR"
	EnvAllowedCIDR     = "ALLOWED_CIDR"
	EnvAllowedCIDRFile = "ALLOWED_CIDR_FILE"
	EnvStaticDir       = "STATIC_DIR"
	EnvCodec           = "RELAY_CODEC"
	EnvMaxFrameBytes   = "MAX_FRAME_BYTES"
	EnvTypeVideoFrame  = "RELAY_TYPE_VIDEO_FRAME"
	EnvTypeViewer      = "RELAY_TYPE_VIEWER"
	EnvTypeDevice      = "RELAY_TYPE_DEVICE"
	EnvLogLevel        = "LOG_LEVEL"
)

// Default relay configuration.
const (
	DefaultPort        = 8080
	DefaultAllowedCIDR = "*"
	DefaultStaticDir   = "./static"
	DefaultLogLevel    = "info"
)

// Relay is the relay server configuration.
type Relay struct {
	Port            int
	BindLocalhost   bool
	AllowedCIDR     string
	AllowedCIDRFile string
	StaticDir       string
	Codec           string
	MaxFrameBytes   int
	Codes           protocol.Codes
	LogLevel        string
}

// Default returns the configuration used when no variables are set.
func Default() Relay {
	return Relay{
		Port:          DefaultPort,
		BindLocalhost: true,
		AllowedCIDR:   DefaultAllowedCIDR,
		StaticDir:     DefaultStaticDir,
		Codec:         senderid.StrategySuffix,
		MaxFrameBytes: session.DefaultMaxFrameBytes,
		Codes:         protocol.DefaultCodes(),
		LogLevel:      DefaultLogLevel,
	}
}

// Load reads the relay configuration from the environment. Warnings about
// defaulted values go to logger.
func Load(logger *slog.Logger) (Relay, error) {
	cfg := Default()
	var err error

	if cfg.Port, err = Int(EnvPort, cfg.Port); err != nil {
		return Relay{}, err
	}
	cfg.BindLocalhost = BindLocalhost(logger)
	cfg.AllowedCIDR = String(EnvAllowedCIDR, cfg.AllowedCIDR)
	cfg.AllowedCIDRFile = String(EnvAllowedCIDRFile, "")
	cfg.StaticDir = String(EnvStaticDir, cfg.StaticDir)
	cfg.Codec = String(EnvCodec, cfg.Codec)
	cfg.LogLevel = String(EnvLogLevel, cfg.LogLevel)

	if cfg.MaxFrameBytes, err = Int(EnvMaxFrameBytes, cfg.MaxFrameBytes); err != nil {
		return Relay{}, err
	}
	if cfg.Codes.VideoFrame, err = Uint8(EnvTypeVideoFrame, cfg.Codes.VideoFrame); err != nil {
		return Relay{}, err
	}
	if cfg.Codes.Viewer, err = Uint8(EnvTypeViewer, cfg.Codes.Viewer); err != nil {
		return Relay{}, err
	}
	if cfg.Codes.Device, err = Uint8(EnvTypeDevice, cfg.Codes.Device); err != nil {
		return Relay{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Relay{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the relay cannot run with.
func (c Relay) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.MaxFrameBytes <= 0 {
		return fmt.Errorf("config: max frame bytes must be positive, got %d", c.MaxFrameBytes)
	}
	if _, err := senderid.ByName(c.Codec); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return c.Codes.Validate()
}

// Addr returns the listen address: loopback unless BindLocalhost is off.
func (c Relay) Addr() string {
	host := "127.0.0.1"
	if !c.BindLocalhost {
		host = "0.0.0.0"
	}
	return net.JoinHostPort(host, strconv.Itoa(c.Port))
}

// BindLocalhost returns BIND_LOCALHOST_ADDR, defaulting to true with a
// warning when the variable is unset or not a boolean.
func BindLocalhost(logger *slog.Logger) bool {
	value, ok := os.LookupEnv(EnvBindLocalhost)
	if !ok {
		logger.Warn("env var is not set, defaulting to true", "var", EnvBindLocalhost)
		return true
	}
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		logger.Warn("env var is not a valid boolean, defaulting to true", "var", EnvBindLocalhost, "value", value)
		return true
	}
	return b
}

// String returns the env var key, or def if it is not set.
func String(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Int returns the env var key as an int, or def if it is not set.
func Int(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q is not an integer", key, v)
	}
	return n, nil
}

// Uint8 returns the env var key as a byte-sized code, or def if it is not set.
func Uint8(key string, def uint8) (uint8, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 8)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q is not a value in 0-255", key, v)
	}
	return uint8(n), nil
}
