package config

import "github.com/nextlevelbuilder/msggate/internal/access"

// ChannelsConfig contains per-channel configuration.
type ChannelsConfig struct {
	Telegram    TelegramConfig    `json:"telegram"`
	Discord     DiscordConfig     `json:"discord"`
	WhatsApp    WhatsAppConfig    `json:"whatsapp"`
	Signal      SignalConfig      `json:"signal"`
	BlueBubbles BlueBubblesConfig `json:"bluebubbles"`
	Webchat     WebchatConfig     `json:"webchat"`
}

// ChannelPolicy is the admission policy shared by every channel.
type ChannelPolicy struct {
	DMPolicy       string              `json:"dm_policy,omitempty"`    // "pairing" (default), "allowlist", "open", "disabled"
	GroupPolicy    string              `json:"group_policy,omitempty"` // "allowlist" (default), "open", "disabled"
	AllowFrom      FlexibleStringSlice `json:"allow_from,omitempty"`
	GroupAllowFrom FlexibleStringSlice `json:"group_allow_from,omitempty"`
	// Owners are always allowed and may issue control commands.
	Owners         FlexibleStringSlice `json:"owners,omitempty"`
	RequireMention *bool               `json:"require_mention,omitempty"` // groups only, default true
	// Mentions are regexes that count as addressing the assistant in
	// groups. Compiled case-insensitively at startup.
	Mentions FlexibleStringSlice `json:"mentions,omitempty"`
}

// EffectiveAllowFrom merges the DM allowlist with channel owners and
// global owner ids.
func (p ChannelPolicy) EffectiveAllowFrom(globalOwners []string) []string {
	out := make([]string, 0, len(p.AllowFrom)+len(p.Owners)+len(globalOwners))
	out = append(out, p.AllowFrom...)
	out = append(out, p.Owners...)
	out = append(out, globalOwners...)
	return out
}

// DecisionParams builds the access-control inputs for one inbound
// message on this channel.
func (p ChannelPolicy) DecisionParams(isGroup, senderAllowed bool, globalOwners []string) access.DecisionParams {
	return access.DecisionParams{
		IsGroup:                 isGroup,
		DMPolicy:                access.Policy(p.DMPolicy),
		GroupPolicy:             access.Policy(p.GroupPolicy),
		EffectiveAllowFrom:      p.EffectiveAllowFrom(globalOwners),
		EffectiveGroupAllowFrom: p.GroupAllowFrom,
		IsSenderAllowed:         senderAllowed,
	}
}

// MentionRequired reports whether group messages need a mention.
func (p ChannelPolicy) MentionRequired() bool {
	return p.RequireMention == nil || *p.RequireMention
}

type TelegramConfig struct {
	Enabled     bool   `json:"enabled"`
	Token       string `json:"-"` // env MSGGATE_TELEGRAM_TOKEN only
	PollTimeout int    `json:"poll_timeout,omitempty"` // seconds, default 30
	ChannelPolicy
}

type DiscordConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"-"` // env MSGGATE_DISCORD_TOKEN only
	ChannelPolicy
}

type WhatsAppConfig struct {
	Enabled   bool   `json:"enabled"`
	BridgeURL string `json:"bridge_url"`
	ChannelPolicy
}

type SignalConfig struct {
	Enabled bool   `json:"enabled"`
	APIURL  string `json:"api_url"`
	Number  string `json:"number"`
	ChannelPolicy
}

type BlueBubblesConfig struct {
	Enabled   bool   `json:"enabled"`
	ServerURL string `json:"server_url"`
	Password  string `json:"-"`                // env MSGGATE_BLUEBUBBLES_PASSWORD only
	Method    string `json:"method,omitempty"` // "private-api" (default) or "apple-script"
	// WebhookPath is where the BlueBubbles server posts events.
	WebhookPath string `json:"webhook_path,omitempty"` // default "/webhook/bluebubbles"
	ChannelPolicy
}

type WebchatConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:18791"
	Token   string `json:"-"`              // env MSGGATE_WEBCHAT_TOKEN only
	ChannelPolicy
}

// EnabledChannels returns the names of all enabled channels.
func (c *ChannelsConfig) EnabledChannels() []string {
	var out []string
	if c.Telegram.Enabled {
		out = append(out, "telegram")
	}
	if c.Discord.Enabled {
		out = append(out, "discord")
	}
	if c.WhatsApp.Enabled {
		out = append(out, "whatsapp")
	}
	if c.Signal.Enabled {
		out = append(out, "signal")
	}
	if c.BlueBubbles.Enabled {
		out = append(out, "bluebubbles")
	}
	if c.Webchat.Enabled {
		out = append(out, "webchat")
	}
	return out
}

// Policy returns the admission policy for a channel name.
func (c *ChannelsConfig) Policy(channel string) (ChannelPolicy, bool) {
	switch channel {
	case "telegram":
		return c.Telegram.ChannelPolicy, true
	case "discord":
		return c.Discord.ChannelPolicy, true
	case "whatsapp":
		return c.WhatsApp.ChannelPolicy, true
	case "signal":
		return c.Signal.ChannelPolicy, true
	case "bluebubbles":
		return c.BlueBubbles.ChannelPolicy, true
	case "webchat":
		return c.Webchat.ChannelPolicy, true
	}
	return ChannelPolicy{}, false
}
