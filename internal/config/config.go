// Package config holds the gateway configuration: channels, agents,
// session storage, delivery, media, cron and telemetry. Config is read
// from a JSON5 file with env overrides layered on top; secrets are
// env-only and never persisted.
package config

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nextlevelbuilder/msggate/internal/heartbeat"
	"github.com/nextlevelbuilder/msggate/internal/telemetry"
)

// DefaultAgentID is used when no agent is marked as default.
const DefaultAgentID = "default"

// FlexibleStringSlice accepts both ["str"] and [123] in JSON, so chat
// ids can be written unquoted in allowlists.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration of the gateway.
type Config struct {
	Agents    AgentsConfig     `json:"agents"`
	Channels  ChannelsConfig   `json:"channels"`
	Gateway   GatewayConfig    `json:"gateway"`
	Sessions  SessionsConfig   `json:"sessions"`
	Outbound  OutboundConfig   `json:"outbound,omitempty"`
	Media     MediaConfig      `json:"media,omitempty"`
	Cron      CronConfig       `json:"cron,omitempty"`
	Telemetry telemetry.Config `json:"telemetry,omitempty"`
	mu        sync.RWMutex
}

// AgentsConfig contains agent defaults and per-agent overrides.
type AgentsConfig struct {
	Defaults AgentDefaults        `json:"defaults"`
	List     map[string]AgentSpec `json:"list,omitempty"`
}

// AgentDefaults are the settings shared by all agents.
type AgentDefaults struct {
	Workspace string `json:"workspace"`
	Model     string `json:"model,omitempty"`
	// TurnCommand is the subprocess that produces reply payloads for a
	// turn. Empty falls back to the built-in echo turn (development).
	TurnCommand []string `json:"turn_command,omitempty"`
	// HistoryLimit caps the pending group history snapshot per chat.
	HistoryLimit int               `json:"history_limit,omitempty"`
	Heartbeat    *heartbeat.Config `json:"heartbeat,omitempty"`
}

// AgentSpec is the per-agent override. Zero values inherit defaults.
type AgentSpec struct {
	DisplayName string            `json:"displayName,omitempty"`
	Workspace   string            `json:"workspace,omitempty"`
	Model       string            `json:"model,omitempty"`
	TurnCommand []string          `json:"turn_command,omitempty"`
	Heartbeat   *heartbeat.Config `json:"heartbeat,omitempty"`
	Default     bool              `json:"default,omitempty"`
}

// GatewayConfig controls the inbound webhook HTTP surface.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	// PublicURL is the externally visible base URL, used to reconstruct
	// signed-webhook URLs behind proxies.
	PublicURL string `json:"public_url,omitempty"`
	// TrustedProxies are CIDRs or IPs whose forwarded headers are honored.
	TrustedProxies []string `json:"trusted_proxies,omitempty"`
	// OwnerIDs are sender ids treated as owner on every channel.
	OwnerIDs FlexibleStringSlice `json:"owner_ids,omitempty"`
	// InboundDebounceMs merges rapid messages from the same sender.
	// 0 = default (500), -1 = disabled.
	InboundDebounceMs int `json:"inbound_debounce_ms,omitempty"`
	// PairingDB is the SQLite file backing DM pairing requests.
	PairingDB string `json:"pairing_db,omitempty"`
}

// SessionsConfig controls the session store.
type SessionsConfig struct {
	// Storage is the per-agent store path template; "{agentId}" is
	// substituted per agent.
	Storage string `json:"storage"`
	MainKey string `json:"main_key,omitempty"` // default "main"
}

// OutboundConfig controls the delivery queue.
type OutboundConfig struct {
	// QueueDir holds the write-ahead delivery queue.
	QueueDir string `json:"queue_dir,omitempty"`
}

// MediaConfig controls inbound attachment handling.
type MediaConfig struct {
	Dir      string `json:"dir,omitempty"`
	MaxBytes int64  `json:"max_bytes,omitempty"` // default 8 MiB
	// AccountMaxBytes overrides the cap per account id.
	AccountMaxBytes map[string]int64 `json:"account_max_bytes,omitempty"`
}

// CronConfig controls the scheduler.
type CronConfig struct {
	StorePath         string `json:"store_path,omitempty"`
	MaxConcurrentRuns int    `json:"max_concurrent_runs,omitempty"` // default 4
}

// ReplaceFrom copies all data fields from src, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agents = src.Agents
	c.Channels = src.Channels
	c.Gateway = src.Gateway
	c.Sessions = src.Sessions
	c.Outbound = src.Outbound
	c.Media = src.Media
	c.Cron = src.Cron
	c.Telemetry = src.Telemetry
}

// ResolveDefaultAgentID returns the agent marked default, or "default".
func (c *Config) ResolveDefaultAgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for id, spec := range c.Agents.List {
		if spec.Default {
			return id
		}
	}
	return DefaultAgentID
}

// ResolveAgent returns the effective settings for an agent, merging
// defaults with per-agent overrides.
func (c *Config) ResolveAgent(agentID string) AgentDefaults {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d := c.Agents.Defaults
	if spec, ok := c.Agents.List[agentID]; ok {
		if spec.Workspace != "" {
			d.Workspace = spec.Workspace
		}
		if spec.Model != "" {
			d.Model = spec.Model
		}
		if len(spec.TurnCommand) > 0 {
			d.TurnCommand = spec.TurnCommand
		}
		if spec.Heartbeat != nil {
			d.Heartbeat = spec.Heartbeat
		}
	}
	return d
}

// WorkspacePath returns the expanded default workspace path.
func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Agents.Defaults.Workspace)
}
