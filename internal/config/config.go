// Package config loads syncd configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config describes one syncd process.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Store  StoreConfig  `yaml:"store"`
	Actor  ActorConfig  `yaml:"actor"`
	Log    LogConfig    `yaml:"log"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type ActorConfig struct {
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	HeartbeatMissLimit int           `yaml:"heartbeat_miss_limit"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	MaxConnections     int           `yaml:"max_connections"`
	MailboxSize        int           `yaml:"mailbox_size"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Store: StoreConfig{Path: "syncd.db"},
		Actor: ActorConfig{
			HeartbeatInterval:  30 * time.Second,
			HeartbeatMissLimit: 3,
			WriteTimeout:       10 * time.Second,
			IdleTimeout:        5 * time.Minute,
			MaxConnections:     16,
			MailboxSize:        256,
		},
		Log: LogConfig{Level: "info"},
	}
}

// LoadYAML decodes config from a YAML reader over the defaults.
func LoadYAML(r io.Reader) (Config, error) {
	c := Default()
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&c); err != nil && err != io.EOF {
		return c, fmt.Errorf("decode config: %w", err)
	}
	return c, nil
}

// LoadFile reads config from path; an empty path yields the defaults.
func LoadFile(path string) (Config, error) {
	if path == "" {
		return Default().withEnv(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	c, err := LoadYAML(f)
	if err != nil {
		return Config{}, err
	}
	return c.withEnv(), nil
}

// withEnv applies SYNCD_* environment overrides on top of the loaded
// values.
func (c Config) withEnv() Config {
	if v := os.Getenv("SYNCD_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("SYNCD_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("SYNCD_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("SYNCD_MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Actor.MaxConnections = n
		}
	}
	return c
}
