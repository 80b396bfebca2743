// Package config loads the relay configuration.
//
// Values come from an optional YAML file, then the PORT environment
// variable, then command line flags (applied by the caller).
//
//	server:
//	  port: 8080
//	  shutdown_timeout: 10s
//	upload:
//	  max_body_size: 10MB
//	  content_types: [image/jpeg]     # "*/*" accepts any type
//	relay:
//	  frame_encoding: binary          # binary | base64
//	  malformed_policy: reply         # reply | close
//	  validate_jpeg: false
//	  telemetry_fields: [waterLevel, temperature, turbidity]
//	  max_message_size: 10MB
//	  send_timeout: 1s
//	  send_buffer: 32
//	log:
//	  level: info
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	EnvPort = "PORT"

	DefaultPort            = 8080
	DefaultShutdownTimeout = 10 * time.Second
	DefaultMaxBodySize     = "10MB"
	DefaultMaxMessageSize  = "10MB"
	DefaultContentType     = "image/jpeg"
	DefaultFrameEncoding   = "binary"
	DefaultSendTimeout     = time.Second
	DefaultSendBuffer      = 32
	DefaultLogLevel        = "info"

	MalformedReply = "reply"
	MalformedClose = "close"
)

var (
	ErrInvalid = errors.New("invalid config")

	DefaultTelemetryFields = []string{"waterLevel", "temperature", "turbidity"}
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	Upload UploadConfig `yaml:"upload"`
	Relay  RelayConfig  `yaml:"relay"`
	Log    LogConfig    `yaml:"log"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type UploadConfig struct {
	// MaxBodySize is a human readable size, e.g. "10MB" or "512KiB".
	MaxBodySize  string   `yaml:"max_body_size"`
	ContentTypes []string `yaml:"content_types"`
}

type RelayConfig struct {
	FrameEncoding   string        `yaml:"frame_encoding"`
	MalformedPolicy string        `yaml:"malformed_policy"`
	ValidateJPEG    bool          `yaml:"validate_jpeg"`
	TelemetryFields []string      `yaml:"telemetry_fields"`
	MaxMessageSize  string        `yaml:"max_message_size"`
	SendTimeout     time.Duration `yaml:"send_timeout"`
	SendBuffer      int           `yaml:"send_buffer"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Load returns the defaults when path is empty, otherwise it parses the
// YAML file at path on top of them. The PORT environment variable
// overrides the configured port.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %q: %w", path, err)
		}
		if err = yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse yaml: %w", err)
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            DefaultPort,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Upload: UploadConfig{
			MaxBodySize:  DefaultMaxBodySize,
			ContentTypes: []string{DefaultContentType},
		},
		Relay: RelayConfig{
			FrameEncoding:   DefaultFrameEncoding,
			MalformedPolicy: MalformedReply,
			TelemetryFields: append([]string(nil), DefaultTelemetryFields...),
			MaxMessageSize:  DefaultMaxMessageSize,
			SendTimeout:     DefaultSendTimeout,
			SendBuffer:      DefaultSendBuffer,
		},
		Log: LogConfig{
			Level: DefaultLogLevel,
		},
	}
}

func applyEnv(cfg *Config) error {
	v, ok := os.LookupEnv(EnvPort)
	if !ok || v == "" {
		return nil
	}
	port, err := strconv.Atoi(v)
	if err != nil {
		return errors.Join(ErrInvalid, fmt.Errorf("%s=%q: %w", EnvPort, v, err))
	}
	cfg.Server.Port = port
	return nil
}

// Validate checks the values after every override has been applied.
// Load calls it, callers that change the config afterwards call it again.
func (cfg *Config) Validate() error {
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func (cfg *Config) validate() error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d out of range", ErrInvalid, cfg.Server.Port)
	}
	if _, err := cfg.Upload.MaxBodyBytes(); err != nil {
		return err
	}
	if _, err := cfg.Relay.MaxMessageBytes(); err != nil {
		return err
	}
	switch cfg.Relay.FrameEncoding {
	case "binary", "base64":
	default:
		return fmt.Errorf("%w: relay.frame_encoding %q, want binary or base64", ErrInvalid, cfg.Relay.FrameEncoding)
	}
	switch cfg.Relay.MalformedPolicy {
	case MalformedReply, MalformedClose:
	default:
		return fmt.Errorf("%w: relay.malformed_policy %q, want reply or close", ErrInvalid, cfg.Relay.MalformedPolicy)
	}
	if len(cfg.Relay.TelemetryFields) == 0 {
		return fmt.Errorf("%w: relay.telemetry_fields must not be empty", ErrInvalid)
	}
	if cfg.Relay.SendBuffer <= 0 {
		return fmt.Errorf("%w: relay.send_buffer must be positive", ErrInvalid)
	}
	if cfg.Relay.SendTimeout <= 0 {
		return fmt.Errorf("%w: relay.send_timeout must be positive", ErrInvalid)
	}
	if _, err := zerolog.ParseLevel(cfg.Log.Level); err != nil {
		return errors.Join(ErrInvalid, err)
	}
	return nil
}

// ListenAddr is the address the HTTP server binds to.
func (s ServerConfig) ListenAddr() string {
	return ":" + strconv.Itoa(s.Port)
}

func (u UploadConfig) MaxBodyBytes() (int64, error) {
	return parseSize("upload.max_body_size", u.MaxBodySize)
}

func (r RelayConfig) MaxMessageBytes() (int64, error) {
	return parseSize("relay.max_message_size", r.MaxMessageSize)
}

func (l LogConfig) ZerologLevel() zerolog.Level {
	lvl, err := zerolog.ParseLevel(l.Level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

func parseSize(key, s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, errors.Join(ErrInvalid, fmt.Errorf("%s %q: %w", key, s, err))
	}
	if n == 0 || n > 1<<31 {
		return 0, fmt.Errorf("%w: %s %q out of range", ErrInvalid, key, s)
	}
	return int64(n), nil
}
