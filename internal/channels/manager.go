package channels

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/msggate/internal/bus"
	"github.com/nextlevelbuilder/msggate/internal/channels/bluebubbles"
	"github.com/nextlevelbuilder/msggate/internal/channels/discord"
	"github.com/nextlevelbuilder/msggate/internal/channels/signal"
	"github.com/nextlevelbuilder/msggate/internal/channels/telegram"
	"github.com/nextlevelbuilder/msggate/internal/channels/webchat"
	"github.com/nextlevelbuilder/msggate/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/msggate/internal/config"
	"github.com/nextlevelbuilder/msggate/internal/outbound"
	"github.com/nextlevelbuilder/msggate/internal/webhook"
)

// Manager owns the lifecycle of all configured channels and registers
// their outbound adapters.
type Manager struct {
	channels []Channel
	log      *slog.Logger
}

// BuildOptions carries the shared wiring every channel needs.
type BuildOptions struct {
	Router   bus.MessageRouter
	Registry *outbound.Registry
	// Webhooks is the shared webhook server; nil disables webhook-fed
	// channels' inbound side.
	Webhooks *webhook.Server
	Log      *slog.Logger
}

// Build constructs every enabled channel from config. Adapters are
// registered into the outbound registry as they are built; a channel
// that fails to construct aborts the build.
func Build(cfg *config.ChannelsConfig, opts BuildOptions) (*Manager, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{log: log}

	add := func(name string, ch Channel, adapter outbound.Adapter) {
		m.channels = append(m.channels, ch)
		opts.Registry.Register(name, adapter)
	}

	if cfg.Telegram.Enabled {
		ch, err := telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			PollTimeout: cfg.Telegram.PollTimeout,
		}, "telegram", opts.Router, log)
		if err != nil {
			return nil, fmt.Errorf("build telegram: %w", err)
		}
		add("telegram", ch, ch)
	}

	if cfg.Discord.Enabled {
		ch, err := discord.New(discord.Config{Token: cfg.Discord.Token}, "discord", opts.Router, log)
		if err != nil {
			return nil, fmt.Errorf("build discord: %w", err)
		}
		add("discord", ch, ch)
	}

	if cfg.WhatsApp.Enabled {
		ch, err := whatsapp.New(whatsapp.Config{BridgeURL: cfg.WhatsApp.BridgeURL}, "whatsapp", opts.Router, log)
		if err != nil {
			return nil, fmt.Errorf("build whatsapp: %w", err)
		}
		add("whatsapp", ch, ch)
	}

	if cfg.Signal.Enabled {
		ch, err := signal.New(signal.Config{
			APIURL: cfg.Signal.APIURL,
			Number: cfg.Signal.Number,
		}, "signal", opts.Router, log)
		if err != nil {
			return nil, fmt.Errorf("build signal: %w", err)
		}
		add("signal", ch, ch)
	}

	if cfg.BlueBubbles.Enabled {
		ch, err := bluebubbles.New(bluebubbles.Config{
			ServerURL: cfg.BlueBubbles.ServerURL,
			Password:  cfg.BlueBubbles.Password,
			Method:    cfg.BlueBubbles.Method,
		}, "bluebubbles", opts.Router, log)
		if err != nil {
			return nil, fmt.Errorf("build bluebubbles: %w", err)
		}
		add("bluebubbles", ch, ch)
		if opts.Webhooks != nil {
			opts.Webhooks.Register(webhook.Endpoint{
				Path:    cfg.BlueBubbles.WebhookPath,
				Channel: "bluebubbles",
				Secret:  cfg.BlueBubbles.Password,
				Handle:  ch.WebhookHandler(),
			})
		}
	}

	if cfg.Webchat.Enabled {
		ch, err := webchat.New(webchat.Config{
			Addr:  cfg.Webchat.Addr,
			Token: cfg.Webchat.Token,
		}, "webchat", opts.Router, log)
		if err != nil {
			return nil, fmt.Errorf("build webchat: %w", err)
		}
		add("webchat", ch, ch)
	}

	return m, nil
}

// Start starts every channel. Channels already started are stopped
// again when a later one fails.
func (m *Manager) Start(ctx context.Context) error {
	var started []Channel
	for _, ch := range m.channels {
		if err := ch.Start(ctx); err != nil {
			for _, s := range started {
				_ = s.Stop(ctx)
			}
			return fmt.Errorf("start %s: %w", ch.Name(), err)
		}
		m.log.Info("channel started", "channel", ch.Name())
		started = append(started, ch)
	}
	return nil
}

// Stop stops every channel, continuing past failures.
func (m *Manager) Stop(ctx context.Context) error {
	var firstErr error
	for _, ch := range m.channels {
		if err := ch.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Names lists the managed channel names.
func (m *Manager) Names() []string {
	out := make([]string, 0, len(m.channels))
	for _, ch := range m.channels {
		out = append(out, ch.Name())
	}
	return out
}
