// Package config loads server and client configuration with
// github.com/spf13/viper, exactly as the teacher's cmd/main.go
// initConfig does: a YAML file plus environment overrides, read into a
// plain struct field by field.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/roversun/latcheck/pkg/dbpool"
	"github.com/roversun/latcheck/pkg/dispatcher"
	"github.com/roversun/latcheck/pkg/logging"
	"github.com/roversun/latcheck/pkg/tlstransport"
)

// DatabaseConfig mirrors the database.* keys of spec.md §6.
type DatabaseConfig struct {
	Host              string
	Port              int
	DBName            string
	User              string
	Password          string
	SSLMode           string
	MinConns          int
	MaxConns          int
	IdleTimeout       time.Duration
	ConnectionTimeout time.Duration
}

// ServerConfig is the fully loaded server-side configuration.
type ServerConfig struct {
	Host string
	Port int

	TLS tlstransport.ServerConfig

	Dispatcher dispatcher.Config

	Database DatabaseConfig
	Log      logging.Config

	BootstrapFile string
}

// ClientConfig is the fully loaded client-side configuration. Password
// is read verbatim from client.password: at-rest encryption of the
// locally stored credential is explicitly out of scope, per spec.md §1.
type ClientConfig struct {
	ServerHost string
	ServerPort int
	Workers    int
	Username   string
	Password   string
	Location   string

	TLS tlstransport.ClientConfig
}

// parseLevel maps a log.level string onto slog.Level, defaulting to Info
// for anything slog.Level.UnmarshalText does not recognize.
func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return v, nil
}

// LoadServerConfig reads path (YAML) plus environment overrides into a
// ServerConfig, applying the same defaults the teacher's flags do when a
// key is absent.
func LoadServerConfig(path string) (*ServerConfig, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}

	v.SetDefault("server.max_connections", 1000)
	v.SetDefault("server.connection_timeout", "5m")
	v.SetDefault("server.auth_timeout", "30s")
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.idle_timeout", "30s")
	v.SetDefault("database.connection_timeout", "5s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", true)
	v.SetDefault("log.file", false)
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_files", 5)

	policy := tlstransport.PolicyNone
	policyFile := ""
	if v.GetBool("tls.use_whitelist") {
		policy = tlstransport.PolicyWhitelist
		policyFile = v.GetString("tls.whitelist_file")
	} else if v.GetBool("tls.use_blacklist") {
		policy = tlstransport.PolicyBlacklist
		policyFile = v.GetString("tls.blacklist_file")
	}

	cfg := &ServerConfig{
		Host: v.GetString("server.host"),
		Port: v.GetInt("server.port"),

		TLS: tlstransport.ServerConfig{
			CertFile:          v.GetString("tls.cert"),
			KeyFile:           v.GetString("tls.key"),
			CAFile:            v.GetString("tls.ca"),
			RequireClientCert: v.GetBool("tls.require_client_cert"),
			Policy:            policy,
			PolicyFile:        policyFile,
		},

		Dispatcher: dispatcher.Config{
			MaxConnections: v.GetInt("server.max_connections"),
			AuthTimeout:    v.GetDuration("server.auth_timeout"),
			IdleTimeout:    v.GetDuration("server.connection_timeout"),
		},

		Database: DatabaseConfig{
			Host:              v.GetString("database.host"),
			Port:              v.GetInt("database.port"),
			DBName:            v.GetString("database.dbname"),
			User:              v.GetString("database.user"),
			Password:          v.GetString("database.password"),
			SSLMode:           v.GetString("database.sslmode"),
			MinConns:          v.GetInt("database.min_conns"),
			MaxConns:          v.GetInt("database.max_conns"),
			IdleTimeout:       v.GetDuration("database.idle_timeout"),
			ConnectionTimeout: v.GetDuration("database.connection_timeout"),
		},

		Log: logging.Config{
			Level:          parseLevel(v.GetString("log.level")),
			Path:           v.GetString("log.path"),
			MaxSizeMB:      v.GetInt("log.max_size_mb"),
			MaxFiles:       v.GetInt("log.max_files"),
			ConsoleEnabled: v.GetBool("log.console"),
			FileEnabled:    v.GetBool("log.file"),
		},

		BootstrapFile: v.GetString("server.bootstrap_file"),
	}

	return cfg, nil
}

// DatabasePoolConfig adapts the loaded DatabaseConfig into a
// dbpool.Config, kept as a separate step since dbpool's Config only
// carries pool-shape fields, not connection credentials.
func (c *ServerConfig) DatabasePoolConfig() dbpool.Config {
	return dbpool.Config{
		MinConnections:    c.Database.MinConns,
		MaxConnections:    c.Database.MaxConns,
		ConnectionTimeout: c.Database.ConnectionTimeout,
		HealthCheckPeriod: c.Database.IdleTimeout,
	}
}

// LoadClientConfig reads path (YAML) plus environment overrides into a
// ClientConfig.
func LoadClientConfig(path string) (*ClientConfig, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}

	v.SetDefault("client.workers", 4)

	return &ClientConfig{
		ServerHost: v.GetString("client.server_ip"),
		ServerPort: v.GetInt("client.server_port"),
		Workers:    v.GetInt("client.workers"),
		Username:   v.GetString("client.username"),
		Password:   v.GetString("client.password"),
		Location:   v.GetString("client.location"),

		TLS: tlstransport.ClientConfig{
			CertFile:        v.GetString("tls.cert"),
			KeyFile:         v.GetString("tls.key"),
			CAFile:          v.GetString("tls.ca"),
			IgnoreSSLErrors: v.GetBool("client.ignore_ssl_errors"),
		},
	}, nil
}
