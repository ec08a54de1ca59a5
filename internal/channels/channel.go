// Package channels defines the contract the chat surfaces (Matrix, Discord)
// implement. Channels publish received messages to the bus and deliver
// replies, images and broadcasts.
package channels

import "context"

// InternalChannels are surfaces that exist in-process only and are excluded
// from outbound broadcast.
var InternalChannels = map[string]bool{
	"cli": true,
	"web": true,
}

// IsInternalChannel reports whether a channel name is in-process only.
func IsInternalChannel(name string) bool {
	return InternalChannels[name]
}

// Channel is one running chat surface.
type Channel interface {
	// Name returns the platform identifier ("matrix", "discord").
	Name() string

	// Run connects and processes events until ctx ends.
	Run(ctx context.Context) error

	// SendText delivers a message to a conversation.
	SendText(ctx context.Context, chatID, text string) error

	// SendImage delivers an image file with an optional caption.
	SendImage(ctx context.Context, chatID, path, caption string) error

	// Broadcast delivers to every conversation with an authorized user.
	Broadcast(ctx context.Context, text string) error
}
