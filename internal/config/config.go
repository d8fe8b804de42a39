// Package config loads icapd's configuration surface (§6) with Viper,
// the same library the teacher's CLI uses for its own config file,
// layering environment variables over the config file over built-in
// defaults (env > file > default; no command-line flag is bound), plus an
// fsnotify watch so an operator can push a service/module config
// change without restarting the process.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/tokenshield/icapd/internal/logging"
	"github.com/tokenshield/icapd/internal/module/antivirus"
	"github.com/tokenshield/icapd/internal/module/contentfilter"
)

// ServiceConfig describes one registered ICAP service (§4.4, §6).
type ServiceConfig struct {
	Name          string
	Modules       []string // module names, in pipeline order
	Preview       int
	OptionsTTL    int
	MaxConns      int
}

// Config is the top-level, fully-parsed server configuration.
type Config struct {
	ListenAddr              string
	MaxConnections          int
	MaxConnectionsPerClient int
	IdleTimeout             time.Duration
	ReadTimeout             time.Duration
	WriteTimeout            time.Duration
	TxnTimeout              time.Duration
	QuarantineDir           string

	RatePerSecond float64
	RateBurst     int

	AuditCapacity         int
	AuditHTTPEndpoint     string // empty disables the HTTP collector sink in favor of stdout
	AuditSharedSecret     string
	AuditSharedSecretHash string

	ContentFilter contentfilter.Config
	Antivirus     antivirus.Config

	Services []ServiceConfig
}

// Loader owns a Viper instance bound to a config file and environment
// variables (ICAPD_ prefixed), with an optional fsnotify
// watch that calls onChange with the freshly-reparsed Config.
type Loader struct {
	v   *viper.Viper
	log *logging.Logger
}

// NewLoader builds a Loader. path, if non-empty, is an explicit config
// file path; otherwise Viper searches the conventional locations.
func NewLoader(log *logging.Logger, path string) *Loader {
	v := viper.New()
	v.SetEnvPrefix("ICAPD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	applyDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("icapd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/icapd")
	}

	return &Loader{v: v, log: log.With("config")}
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":1344")
	v.SetDefault("max_connections", 512)
	v.SetDefault("max_connections_per_client", 32)
	v.SetDefault("idle_timeout", "5m")
	v.SetDefault("read_timeout", "60s")
	v.SetDefault("write_timeout", "30s")
	v.SetDefault("transaction_timeout", "30s")
	v.SetDefault("quarantine_dir", "/var/lib/icapd/quarantine")
	v.SetDefault("rate_per_second", 50.0)
	v.SetDefault("rate_burst", 100)
	v.SetDefault("audit_capacity", 1024)
	v.SetDefault("antivirus.fail_policy", string(antivirus.FailClosed))
	v.SetDefault("antivirus.scan_timeout", "5s")
	v.SetDefault("content_filter.action", string(contentfilter.ActionBlock))
}

// Load reads the config file (if present; its absence is not an
// error, since defaults plus environment overrides may be sufficient) and parses
// it into a Config.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("config: reading config file: %w", err)
		}
		l.log.Infof("no config file found, using defaults and environment overrides")
	}
	return l.parse()
}

// Watch starts an fsnotify watch on the loaded config file and invokes
// onChange with each successfully re-parsed Config. It is a no-op if
// no config file was read (nothing to watch).
func (l *Loader) Watch(onChange func(*Config)) {
	file := l.v.ConfigFileUsed()
	if file == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		l.log.Infof("config file changed (%s), reloading", e.Name)
		cfg, err := l.parse()
		if err != nil {
			l.log.Errorf("failed to reload config: %v", err)
			return
		}
		onChange(cfg)
	})
	l.v.WatchConfig()
}

func (l *Loader) parse() (*Config, error) {
	cfg := &Config{
		ListenAddr:              l.v.GetString("listen_addr"),
		MaxConnections:          l.v.GetInt("max_connections"),
		MaxConnectionsPerClient: l.v.GetInt("max_connections_per_client"),
		IdleTimeout:             l.v.GetDuration("idle_timeout"),
		ReadTimeout:             l.v.GetDuration("read_timeout"),
		WriteTimeout:            l.v.GetDuration("write_timeout"),
		TxnTimeout:              l.v.GetDuration("transaction_timeout"),
		QuarantineDir:           l.v.GetString("quarantine_dir"),
		RatePerSecond:           l.v.GetFloat64("rate_per_second"),
		RateBurst:               l.v.GetInt("rate_burst"),
		AuditCapacity:         l.v.GetInt("audit_capacity"),
		AuditHTTPEndpoint:     l.v.GetString("audit.http_endpoint"),
		AuditSharedSecret:     l.v.GetString("audit.shared_secret"),
		AuditSharedSecretHash: l.v.GetString("audit.shared_secret_hash"),
	}

	cfg.ContentFilter = contentfilter.Config{
		BlockedDomains:         l.v.GetStringSlice("content_filter.blocked_domains"),
		BlockedURLs:            l.v.GetStringSlice("content_filter.blocked_urls"),
		BlockedMIME:            l.v.GetStringSlice("content_filter.blocked_mime"),
		BlockedExtensions:      l.v.GetStringSlice("content_filter.blocked_extensions"),
		MaxSize:                l.v.GetInt64("content_filter.max_size"),
		Action:                 contentfilter.Action(l.v.GetString("content_filter.action")),
		CheckSuspiciousPayload: l.v.GetBool("content_filter.check_suspicious_payload"),
	}

	cfg.Antivirus = antivirus.Config{
		RulesPath:     l.v.GetString("antivirus.rules_path"),
		ScanTimeout:   l.v.GetDuration("antivirus.scan_timeout"),
		FailPolicy:    antivirus.FailPolicy(l.v.GetString("antivirus.fail_policy")),
		QuarantineKey: l.v.GetString("antivirus.quarantine_key"),
		QuarantineDir: l.v.GetString("quarantine_dir"),
		QuarantineDSN: l.v.GetString("antivirus.quarantine_dsn"),
		MaxScanBytes:  l.v.GetInt64("antivirus.max_scan_bytes"),
	}

	var services []ServiceConfig
	if err := l.v.UnmarshalKey("services", &services); err != nil {
		return nil, fmt.Errorf("config: parsing services: %w", err)
	}
	if len(services) == 0 {
		services = []ServiceConfig{
			{Name: "content-filter", Modules: []string{"content_filter"}},
			{Name: "antivirus", Modules: []string{"antivirus"}},
			{Name: "icapd", Modules: []string{"content_filter", "antivirus"}},
		}
	}
	cfg.Services = services

	return cfg, nil
}
