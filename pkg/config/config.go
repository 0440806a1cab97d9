// Package config loads a site's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/baxromumarov/sensor-2pc/pkg/decisionlog"
	"github.com/baxromumarov/sensor-2pc/pkg/logger"
	"github.com/baxromumarov/sensor-2pc/pkg/protocol"
	twophasecommit "github.com/baxromumarov/sensor-2pc/pkg/two_phase_commit"
)

// DSNEnv is consulted when the file carries no postgres DSN.
const DSNEnv = "POSTGRES_DSN"

var (
	ErrNoSite      = errors.New("config: site is required")
	ErrUnknownSite = errors.New("config: site is not listed under sites")
	ErrNoAddress   = errors.New("config: site has no address")
	ErrNoDSN       = errors.New("config: postgres dsn is required")
	ErrNoLogPath   = errors.New("config: log path is required")
	ErrBadDuration = errors.New("config: durations must be positive")
)

type SiteConfig struct {
	Address string `yaml:"address"`
}

type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int    `yaml:"max_conns"`
}

// LogConfig locates and tunes the decision log.
type LogConfig struct {
	Path          string        `yaml:"path"`
	FlushBatch    int           `yaml:"flush_batch"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// ProtocolConfig holds the 2PC timeouts.
type ProtocolConfig struct {
	VoteTimeout           time.Duration `yaml:"vote_timeout"`
	AckTimeout            time.Duration `yaml:"ack_timeout"`
	MaxBackoff            time.Duration `yaml:"max_backoff"`
	TerminationQueryAfter time.Duration `yaml:"termination_query_after"`
	InDoubtReportAfter    time.Duration `yaml:"in_doubt_report_after"`
	MessageTimeout        time.Duration `yaml:"message_timeout"`
	InboxSize             int           `yaml:"inbox_size"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Config is the full configuration of one site.
type Config struct {
	Site              string                `yaml:"site"`
	Listen            string                `yaml:"listen"`
	Sites             map[string]SiteConfig `yaml:"sites"`
	Postgres          PostgresConfig        `yaml:"postgres"`
	Log               LogConfig             `yaml:"log"`
	Protocol          ProtocolConfig        `yaml:"protocol"`
	HeartbeatInterval time.Duration         `yaml:"heartbeat_interval"`
	FinishedCacheSize int                   `yaml:"finished_cache_size"`
	Logger            logger.Config         `yaml:"logger"`
	Metrics           MetricsConfig         `yaml:"metrics"`
}

// Default returns a configuration with every tunable set.
func Default() Config {
	p := twophasecommit.DefaultConfig()
	return Config{
		Sites:    map[string]SiteConfig{},
		Postgres: PostgresConfig{MaxConns: 10},
		Log: LogConfig{
			FlushBatch:    decisionlog.DefaultFlushBatch,
			FlushInterval: decisionlog.DefaultFlushInterval,
		},
		Protocol: ProtocolConfig{
			VoteTimeout:           p.VoteTimeout,
			AckTimeout:            p.AckTimeout,
			MaxBackoff:            p.MaxBackoff,
			TerminationQueryAfter: p.TerminationQueryAfter,
			InDoubtReportAfter:    p.InDoubtReportAfter,
			MessageTimeout:        p.MessageTimeout,
			InboxSize:             p.InboxSize,
		},
		HeartbeatInterval: 2 * time.Second,
		FinishedCacheSize: 4096,
		Logger:            logger.Config{Level: "info", Format: "json", OutputFile: "stdout"},
		Metrics:           MetricsConfig{Enabled: true},
	}
}

// Load reads path on top of the defaults. It does not validate, so that
// command-line flags can still fill gaps.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, nil
}

// Finalize derives unset values and validates the result.
func (c *Config) Finalize() error {
	if c.Postgres.DSN == "" {
		c.Postgres.DSN = os.Getenv(DSNEnv)
	}
	if c.Listen == "" {
		if s, ok := c.Sites[c.Site]; ok {
			c.Listen = s.Address
		}
	}
	if c.Log.Path == "" && c.Site != "" {
		c.Log.Path = fmt.Sprintf("data/%s/decision.log", c.Site)
	}
	return c.Validate()
}

// Validate checks that the configuration can run a site.
func (c Config) Validate() error {
	if c.Site == "" {
		return ErrNoSite
	}
	if _, ok := c.Sites[c.Site]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSite, c.Site)
	}
	for alias, s := range c.Sites {
		if s.Address == "" {
			return fmt.Errorf("%w: %s", ErrNoAddress, alias)
		}
	}
	if c.Postgres.DSN == "" {
		return ErrNoDSN
	}
	if c.Log.Path == "" {
		return ErrNoLogPath
	}

	durations := map[string]time.Duration{
		"log.flush_interval":               c.Log.FlushInterval,
		"protocol.vote_timeout":            c.Protocol.VoteTimeout,
		"protocol.ack_timeout":             c.Protocol.AckTimeout,
		"protocol.max_backoff":             c.Protocol.MaxBackoff,
		"protocol.termination_query_after": c.Protocol.TerminationQueryAfter,
		"protocol.in_doubt_report_after":   c.Protocol.InDoubtReportAfter,
		"protocol.message_timeout":         c.Protocol.MessageTimeout,
		"heartbeat_interval":               c.HeartbeatInterval,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%w: %s", ErrBadDuration, name)
		}
	}
	return nil
}

// SiteIDs returns the registered aliases, sorted.
func (c Config) SiteIDs() []protocol.SiteID {
	ids := make([]protocol.SiteID, 0, len(c.Sites))
	for alias := range c.Sites {
		ids = append(ids, protocol.SiteID(alias))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Machine converts the protocol section into state machine tunables.
func (c Config) Machine() twophasecommit.Config {
	return twophasecommit.Config{
		VoteTimeout:           c.Protocol.VoteTimeout,
		AckTimeout:            c.Protocol.AckTimeout,
		MaxBackoff:            c.Protocol.MaxBackoff,
		TerminationQueryAfter: c.Protocol.TerminationQueryAfter,
		InDoubtReportAfter:    c.Protocol.InDoubtReportAfter,
		MessageTimeout:        c.Protocol.MessageTimeout,
		InboxSize:             c.Protocol.InboxSize,
	}
}

// LogOptions converts the log section into decision log options.
func (c Config) LogOptions() decisionlog.Options {
	return decisionlog.Options{
		FlushBatch:    c.Log.FlushBatch,
		FlushInterval: c.Log.FlushInterval,
	}
}
