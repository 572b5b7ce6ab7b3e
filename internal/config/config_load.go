package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Workspace:    "~/.msggate/workspace",
				HistoryLimit: 50,
			},
		},
		Gateway: GatewayConfig{
			Host:      "0.0.0.0",
			Port:      18790,
			PairingDB: "~/.msggate/pairing.db",
		},
		Sessions: SessionsConfig{
			Storage: "~/.msggate/agents/{agentId}/sessions.json",
			MainKey: "main",
		},
		Outbound: OutboundConfig{
			QueueDir: "~/.msggate/queue",
		},
		Media: MediaConfig{
			Dir: "~/.msggate/media",
		},
		Cron: CronConfig{
			StorePath: "~/.msggate/cron/jobs.json",
		},
		Channels: ChannelsConfig{
			BlueBubbles: BlueBubblesConfig{
				Method:      "private-api",
				WebhookPath: "/webhook/bluebubbles",
			},
			Webchat: WebchatConfig{
				Addr: "127.0.0.1:18791",
			},
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays MSGGATE_* env vars onto the config. Env
// vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	// Channel secrets are env-only.
	envStr("MSGGATE_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("MSGGATE_DISCORD_TOKEN", &c.Channels.Discord.Token)
	envStr("MSGGATE_BLUEBUBBLES_PASSWORD", &c.Channels.BlueBubbles.Password)
	envStr("MSGGATE_WEBCHAT_TOKEN", &c.Channels.Webchat.Token)

	envStr("MSGGATE_WHATSAPP_BRIDGE_URL", &c.Channels.WhatsApp.BridgeURL)
	envStr("MSGGATE_SIGNAL_API_URL", &c.Channels.Signal.APIURL)
	envStr("MSGGATE_SIGNAL_NUMBER", &c.Channels.Signal.Number)
	envStr("MSGGATE_BLUEBUBBLES_SERVER_URL", &c.Channels.BlueBubbles.ServerURL)

	// Auto-enable channels whose credentials arrive via env.
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}
	if c.Channels.BlueBubbles.ServerURL != "" && c.Channels.BlueBubbles.Password != "" {
		c.Channels.BlueBubbles.Enabled = true
	}

	envStr("MSGGATE_WORKSPACE", &c.Agents.Defaults.Workspace)
	envStr("MSGGATE_MODEL", &c.Agents.Defaults.Model)
	envStr("MSGGATE_SESSIONS_STORAGE", &c.Sessions.Storage)
	envStr("MSGGATE_QUEUE_DIR", &c.Outbound.QueueDir)
	envStr("MSGGATE_MEDIA_DIR", &c.Media.Dir)
	envStr("MSGGATE_CRON_STORE", &c.Cron.StorePath)

	envStr("MSGGATE_HOST", &c.Gateway.Host)
	if v := os.Getenv("MSGGATE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}
	envStr("MSGGATE_PUBLIC_URL", &c.Gateway.PublicURL)
	if v := os.Getenv("MSGGATE_OWNER_IDS"); v != "" {
		c.Gateway.OwnerIDs = strings.Split(v, ",")
	}

	envStr("MSGGATE_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("MSGGATE_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("MSGGATE_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("MSGGATE_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("MSGGATE_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// ApplyEnvOverrides re-applies env overrides after a config mutation.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyEnvOverrides()
}

// Save writes the config to a JSON file. Secret fields carry `json:"-"`
// and never reach disk.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// watchDebounce coalesces editor write bursts into one reload.
const watchDebounce = 300 * time.Millisecond

// Watch reloads the config whenever the file changes and calls onChange
// with the fresh config. Returns a stop function. Reload failures keep
// the previous config and log the error.
func Watch(path string, log *slog.Logger, onChange func(*Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watch: %w", err)
	}
	// Watch the directory: editors replace the file on save, which
	// drops a watch registered on the file itself.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config watch %s: %w", dir, err)
	}
	if log == nil {
		log = slog.Default()
	}

	done := make(chan struct{})
	go func() {
		var timer *time.Timer
		var timerC <-chan time.Time
		for {
			select {
			case <-done:
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(watchDebounce)
					timerC = timer.C
				} else {
					timer.Reset(watchDebounce)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("config watcher error", "error", err)
			case <-timerC:
				timer = nil
				timerC = nil
				cfg, err := Load(path)
				if err != nil {
					log.Error("config reload failed, keeping previous", "error", err)
					continue
				}
				log.Info("config reloaded", "path", path)
				onChange(cfg)
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
