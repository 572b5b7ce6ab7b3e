// Package channels hosts the provider adapters. Each subpackage
// connects one platform: inbound events are normalized onto the message
// bus, outbound sends implement the delivery-engine adapter contract.
package channels

import (
	"context"
)

// Channel is the lifecycle contract of one provider connection.
type Channel interface {
	// Name returns the channel identifier ("telegram", "discord", ...).
	Name() string
	// Start begins listening for inbound events. Non-blocking after setup.
	Start(ctx context.Context) error
	// Stop shuts the connection down.
	Stop(ctx context.Context) error
}

// internalChannels are excluded from outbound adapter dispatch.
var internalChannels = map[string]bool{
	"system": true,
	"cli":    true,
}

// IsInternal reports whether a channel name is an internal pseudo-channel.
func IsInternal(name string) bool {
	return internalChannels[name]
}
