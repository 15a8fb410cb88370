// Package config implements the bridge and agent-worker configuration
// surface (spec §6's "Config surface"): defaults, file and environment
// (AGORAI_ prefix) layered via spf13/viper, grounded on thrum's
// internal/config/config.go layered-source pattern.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/agorai/bridge/internal/auth"
	"github.com/agorai/bridge/internal/visibility"
)

// RateLimit mirrors spec §6's bridge rate-limit config shape.
type RateLimit struct {
	MaxRequests   int `mapstructure:"maxRequests"`
	WindowSeconds int `mapstructure:"windowSeconds"`
}

// AgentRosterEntry mirrors spec §6's agent-record config shape.
type AgentRosterEntry struct {
	Key            string   `mapstructure:"key"`
	Agent          string   `mapstructure:"agent"`
	Type           string   `mapstructure:"type"`
	Capabilities   []string `mapstructure:"capabilities"`
	ClearanceLevel string   `mapstructure:"clearanceLevel"`
}

// Bridge is the `serve` subcommand's configuration.
type Bridge struct {
	Host        string             `mapstructure:"host"`
	Port        int                `mapstructure:"port"`
	DBPath      string             `mapstructure:"dbPath"`
	APIKeySalt  string             `mapstructure:"apiKeySalt"`
	MaxBodySize int64              `mapstructure:"maxBodySize"`
	RateLimit   RateLimit          `mapstructure:"rateLimit"`
	Agents      []AgentRosterEntry `mapstructure:"agents"`
	MetricsAddr string             `mapstructure:"metricsAddr"`
}

// Addr returns the "host:port" listen address.
func (b Bridge) Addr() string { return fmt.Sprintf("%s:%d", b.Host, b.Port) }

// AuthRoster converts the configured agent records into auth.AgentRecord
// values, resolving each clearanceLevel string.
func (b Bridge) AuthRoster() ([]auth.AgentRecord, error) {
	out := make([]auth.AgentRecord, 0, len(b.Agents))
	for _, e := range b.Agents {
		level, err := visibility.ParseOrDefault(e.ClearanceLevel)
		if err != nil {
			return nil, fmt.Errorf("agent %q: %w", e.Agent, err)
		}
		out = append(out, auth.AgentRecord{
			Key: e.Key, Agent: e.Agent, Type: e.Type, Capabilities: e.Capabilities, ClearanceLevel: level,
		})
	}
	return out, nil
}

// Agent is the internal agent worker's configuration. The worker is an
// in-process collaborator (spec §2: C10 depends on C2+C3 directly, no
// HTTP) — it opens the same store file the bridge serves from, rather
// than connecting as an external HTTP client.
type Agent struct {
	DBPath         string   `mapstructure:"dbPath"`
	AgentName      string   `mapstructure:"agentName"`
	Mode           string   `mapstructure:"mode"`
	PollIntervalMs int      `mapstructure:"pollIntervalMs"`
	SystemPrompt   string   `mapstructure:"systemPrompt"`
	AdapterCommand string   `mapstructure:"adapterCommand"`
	AdapterArgs    []string `mapstructure:"adapterArgs"`
}

// PollInterval returns PollIntervalMs as a time.Duration, defaulting to
// 3s (spec §4.10) when unset.
func (a Agent) PollInterval() time.Duration {
	if a.PollIntervalMs <= 0 {
		return 3 * time.Second
	}
	return time.Duration(a.PollIntervalMs) * time.Millisecond
}

func newViper(prefix string, configFile string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if configFile != "" {
		v.SetConfigFile(configFile)
	}
	return v
}

// LoadBridge reads bridge configuration from the supplied defaults,
// configFile (if non-empty), and environment variables prefixed AGORAI_,
// in that increasing precedence order.
func LoadBridge(configFile string) (Bridge, error) {
	v := newViper("AGORAI", configFile)
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8765)
	v.SetDefault("dbPath", "agorai.db")
	v.SetDefault("maxBodySize", int64(1<<20))
	v.SetDefault("rateLimit.maxRequests", 60)
	v.SetDefault("rateLimit.windowSeconds", 60)
	v.SetDefault("metricsAddr", ":9765")

	if configFile != "" {
		if err := v.ReadInConfig(); err != nil {
			return Bridge{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Bridge
	if err := v.Unmarshal(&cfg); err != nil {
		return Bridge{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// LoadAgent reads agent-worker configuration the same way.
func LoadAgent(configFile string) (Agent, error) {
	v := newViper("AGORAI", configFile)
	v.SetDefault("dbPath", "agorai.db")
	v.SetDefault("mode", "active")
	v.SetDefault("pollIntervalMs", 3000)

	if configFile != "" {
		if err := v.ReadInConfig(); err != nil {
			return Agent{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Agent
	if err := v.Unmarshal(&cfg); err != nil {
		return Agent{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}
