// Package config loads the settings of the host server and client from an
// optional YAML file, ADB_ prefixed environment variables and defaults.
// Environment names replace "." with "_", e.g. ADB_SERVER_LISTEN.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"

	"github.com/goadb/adb-engine/pkg/auth"
	"github.com/goadb/adb-engine/pkg/device"
	"github.com/goadb/adb-engine/pkg/handshake"
	"github.com/goadb/adb-engine/pkg/socketspec"
	"github.com/goadb/adb-engine/pkg/types"
	"github.com/goadb/adb-engine/pkg/util"
	"github.com/goadb/adb-engine/pkg/wire"
)

const (
	EnvPrefix = "ADB"

	minMaxPayload = 1024
	maxMaxPayload = 1024 * 1024
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Devices   DevicesConfig   `mapstructure:"devices"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Transport TransportConfig `mapstructure:"transport"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	// Listen is the socket spec of the host service socket.
	Listen string `mapstructure:"listen"`
	// RESTListen is the address of the status API, empty disables it.
	RESTListen string `mapstructure:"rest_listen"`
	// GRPCListen is the address of the health service, empty disables it.
	GRPCListen string `mapstructure:"grpc_listen"`
}

type DevicesConfig struct {
	Endpoints         []string      `mapstructure:"endpoints"`
	DiscoveryInterval time.Duration `mapstructure:"discovery_interval"`
	ConnectRetries    int           `mapstructure:"connect_retries"`
}

type AuthConfig struct {
	KeyPath              string        `mapstructure:"key_path"`
	MaxSignatureAttempts int           `mapstructure:"max_signature_attempts"`
	HandshakeTimeout     time.Duration `mapstructure:"handshake_timeout"`
}

type TransportConfig struct {
	MaxPayload string `mapstructure:"max_payload"`
	Version    uint32 `mapstructure:"version"`
}

type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:     fmt.Sprintf("tcp:localhost:%d", types.DefaultServerPort),
			RESTListen: fmt.Sprintf("localhost:%d", types.DefaultServerPort+1),
		},
		Devices: DevicesConfig{
			Endpoints:         []string{},
			DiscoveryInterval: types.DefaultDiscoveryInterval,
			ConnectRetries:    device.DefaultConnectRetries,
		},
		Auth: AuthConfig{
			KeyPath:              auth.DefaultKeyPath(),
			MaxSignatureAttempts: handshake.DefaultMaxSignatureAttempts,
			HandshakeTimeout:     types.DefaultHandshakeTimeout,
		},
		Transport: TransportConfig{
			MaxPayload: "256KiB",
			Version:    wire.VersionMin,
		},
		Log: LogConfig{
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads the config file at path, if any, applies environment
// overrides on top and validates the result.
func Load(path string) (*Config, error) {
	def := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.listen", def.Server.Listen)
	v.SetDefault("server.rest_listen", def.Server.RESTListen)
	v.SetDefault("server.grpc_listen", def.Server.GRPCListen)
	v.SetDefault("devices.endpoints", def.Devices.Endpoints)
	v.SetDefault("devices.discovery_interval", def.Devices.DiscoveryInterval)
	v.SetDefault("devices.connect_retries", def.Devices.ConnectRetries)
	v.SetDefault("auth.key_path", def.Auth.KeyPath)
	v.SetDefault("auth.max_signature_attempts", def.Auth.MaxSignatureAttempts)
	v.SetDefault("auth.handshake_timeout", def.Auth.HandshakeTimeout)
	v.SetDefault("transport.max_payload", def.Transport.MaxPayload)
	v.SetDefault("transport.version", def.Transport.Version)
	v.SetDefault("log.file", def.Log.File)
	v.SetDefault("log.max_size_mb", def.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", def.Log.MaxBackups)
	v.SetDefault("log.max_age_days", def.Log.MaxAgeDays)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %v", path)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if _, err := c.ServerSpec(); err != nil {
		return err
	}
	if _, err := c.MaxPayload(); err != nil {
		return errors.Wrap(err, "invalid transport.max_payload")
	}
	if c.Transport.Version < wire.VersionMin {
		return errors.Newf("transport.version %#x is older than %#x", c.Transport.Version, wire.VersionMin)
	}
	if c.Auth.MaxSignatureAttempts < 1 {
		return errors.Newf("auth.max_signature_attempts must be at least 1, got %d", c.Auth.MaxSignatureAttempts)
	}
	if c.Auth.HandshakeTimeout <= 0 {
		return errors.Newf("auth.handshake_timeout must be positive, got %v", c.Auth.HandshakeTimeout)
	}
	if c.Devices.ConnectRetries < 1 {
		return errors.Newf("devices.connect_retries must be at least 1, got %d", c.Devices.ConnectRetries)
	}
	return nil
}

func (c *Config) ServerSpec() (socketspec.SocketSpec, error) {
	spec, err := socketspec.Parse(c.Server.Listen)
	if err != nil {
		return socketspec.SocketSpec{}, errors.Wrap(err, "invalid server.listen")
	}
	return spec, nil
}

func (c *Config) MaxPayload() (uint32, error) {
	n, err := util.ParseSize(c.Transport.MaxPayload, minMaxPayload, maxMaxPayload)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}

// ManagerConfig builds the device manager settings, signing with the key
// at auth.key_path.
func (c *Config) ManagerConfig() (device.ManagerConfig, error) {
	maxPayload, err := c.MaxPayload()
	if err != nil {
		return device.ManagerConfig{}, err
	}
	cfg := device.DefaultManagerConfig()
	cfg.Connection.Handshake.Version = c.Transport.Version
	cfg.Connection.Handshake.MaxPayload = maxPayload
	cfg.Connection.Handshake.MaxSignatureAttempts = c.Auth.MaxSignatureAttempts
	cfg.Connection.Handshake.Timeout = c.Auth.HandshakeTimeout
	cfg.Keys = auth.NewKeyStore(c.Auth.KeyPath)
	cfg.Endpoints = c.Devices.Endpoints
	cfg.ConnectRetries = c.Devices.ConnectRetries
	cfg.DiscoveryInterval = c.Devices.DiscoveryInterval
	return cfg, nil
}

func (c *Config) LogFile() util.LogFileConfig {
	return util.LogFileConfig{
		Path:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}
