// Package notify fans messages out to the running chat channels. Tools and
// the scheduler talk to the Dispatcher instead of the channels directly.
package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/steiger/concierge/internal/channels"
	"github.com/steiger/concierge/internal/tools"
)

// Dispatcher routes outbound messages to registered channels.
type Dispatcher struct {
	mu       sync.RWMutex
	channels map[string]channels.Channel
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{channels: map[string]channels.Channel{}}
}

// Register adds a running channel.
func (d *Dispatcher) Register(ch channels.Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels[ch.Name()] = ch
}

func (d *Dispatcher) channel(name string) (channels.Channel, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ch, ok := d.channels[name]
	return ch, ok
}

func (d *Dispatcher) all() []channels.Channel {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]channels.Channel, 0, len(d.channels))
	for _, ch := range d.channels {
		out = append(out, ch)
	}
	return out
}

// chatID picks the channel-native conversation ID from a chat context.
func chatID(cc tools.ChatContext) string {
	switch cc.Platform {
	case "matrix":
		return cc.RoomID
	case "discord":
		return cc.ChannelID
	}
	if cc.RoomID != "" {
		return cc.RoomID
	}
	return cc.ChannelID
}

// SendText implements tools.Notifier.
func (d *Dispatcher) SendText(ctx context.Context, cc tools.ChatContext, text string) error {
	ch, ok := d.channel(cc.Platform)
	if !ok {
		return fmt.Errorf("channel %q not running", cc.Platform)
	}
	id := chatID(cc)
	if id == "" {
		return ch.Broadcast(ctx, text)
	}
	return ch.SendText(ctx, id, text)
}

// SendImage implements tools.Notifier.
func (d *Dispatcher) SendImage(ctx context.Context, cc tools.ChatContext, path, caption string) error {
	ch, ok := d.channel(cc.Platform)
	if !ok {
		return fmt.Errorf("channel %q not running", cc.Platform)
	}
	id := chatID(cc)
	if id == "" {
		return fmt.Errorf("no chat to send the image to on %s", cc.Platform)
	}
	return ch.SendImage(ctx, id, path, caption)
}

// Deliver implements the scheduler's delivery: direct to the originating
// chat when known, otherwise broadcast on every running channel.
func (d *Dispatcher) Deliver(ctx context.Context, cc tools.ChatContext, text string) error {
	if cc.Platform != "" {
		if ch, ok := d.channel(cc.Platform); ok {
			if id := chatID(cc); id != "" {
				return ch.SendText(ctx, id, text)
			}
			return ch.Broadcast(ctx, text)
		}
	}
	channels := d.all()
	if len(channels) == 0 {
		return fmt.Errorf("no channels running")
	}
	var firstErr error
	for _, ch := range channels {
		if err := ch.Broadcast(ctx, text); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
