// Package discord runs the Discord channel: gateway session, auth gating
// and chunked replies.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/steiger/concierge/internal/auth"
	"github.com/steiger/concierge/internal/bus"
	"github.com/steiger/concierge/internal/config"
)

// Discord caps messages at 2000 characters.
const messageLimit = 2000

// Discord's typing indicator expires after about ten seconds; re-assert a
// bit earlier, capped so a wedged turn cannot type forever.
const (
	typingInterval = 8 * time.Second
	typingMaxHold  = 10 * time.Minute
)

// Channel is the Discord ingress/egress.
type Channel struct {
	cfg     config.DiscordConfig
	session *discordgo.Session
	auth    *auth.Store
	bus     *bus.MessageBus

	mu           sync.Mutex
	userChannels map[string]string // authorized user -> last channel
	typing       map[string]context.CancelFunc
}

// New creates the channel. It does not connect yet.
func New(cfg config.DiscordConfig, authStore *auth.Store, mbus *bus.MessageBus) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord requires a bot token")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	return &Channel{
		cfg:          cfg,
		session:      session,
		auth:         authStore,
		bus:          mbus,
		userChannels: map[string]string{},
		typing:       map[string]context.CancelFunc{},
	}, nil
}

// startTyping keeps the typing indicator alive until stopTyping or the hold
// cap.
func (c *Channel) startTyping(channelID string) {
	ctx, stop := context.WithTimeout(context.Background(), typingMaxHold)
	c.mu.Lock()
	if prev, ok := c.typing[channelID]; ok {
		prev()
	}
	c.typing[channelID] = stop
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		c.session.ChannelTyping(channelID)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.session.ChannelTyping(channelID)
			}
		}
	}()
}

// stopTyping ends the re-assert loop; the indicator expires on its own.
func (c *Channel) stopTyping(channelID string) {
	c.mu.Lock()
	stop, ok := c.typing[channelID]
	delete(c.typing, channelID)
	c.mu.Unlock()
	if ok {
		stop()
	}
}

func (c *Channel) Name() string { return "discord" }

// Run opens the gateway and blocks until ctx ends.
func (c *Channel) Run(ctx context.Context) error {
	c.session.AddHandler(c.onMessage)
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	slog.Info("discord channel started")
	<-ctx.Done()
	slog.Info("discord channel stopped")
	return c.session.Close()
}

// channelAllowed applies the optional channel allowlist.
func (c *Channel) channelAllowed(channelID string) bool {
	if len(c.cfg.Channels) == 0 {
		return true
	}
	for _, id := range c.cfg.Channels {
		if id == channelID {
			return true
		}
	}
	return false
}

func (c *Channel) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == s.State.User.ID || m.Author.Bot {
		return
	}
	if !c.channelAllowed(m.ChannelID) {
		return
	}
	ctx := context.Background()
	sender := m.Author.ID

	if !c.auth.IsAuthorized("discord", sender) {
		code, err := c.auth.GetOrGenerateCode("discord", sender)
		if err != nil {
			slog.Error("auth code generation failed", "user", sender, "error", err)
			return
		}
		slog.Info("unauthorized discord user", "user", sender)
		c.SendText(ctx, m.ChannelID, fmt.Sprintf(
			"Du bist noch nicht freigeschaltet. Dein Auth-Code: **%s**\n\nGib in der Web-UI ein: `/auth discord %s`", code, code))
		return
	}

	c.mu.Lock()
	c.userChannels[sender] = m.ChannelID
	c.mu.Unlock()

	msg := bus.InboundMessage{
		Channel:  "discord",
		SenderID: sender,
		ChatID:   m.ChannelID,
		Content:  strings.TrimSpace(m.Content),
	}
	for _, att := range m.Attachments {
		if !strings.HasPrefix(att.ContentType, "image/") {
			continue
		}
		if path, err := downloadAttachment(att); err == nil {
			msg.Media = append(msg.Media, path)
		} else {
			slog.Warn("attachment download failed", "url", att.URL, "error", err)
		}
	}
	if msg.Content == "" && len(msg.Media) == 0 {
		return
	}
	c.startTyping(m.ChannelID)
	if !c.bus.PublishInbound(msg) {
		slog.Warn("inbound queue full, dropping discord message", "channel", m.ChannelID)
	}
}

func downloadAttachment(att *discordgo.MessageAttachment) (string, error) {
	resp, err := http.Get(att.URL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	f, err := os.CreateTemp("", "discord-image-*"+filepath.Ext(att.Filename))
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.ReadFrom(resp.Body); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// SendText sends a message, splitting it into chunks under the Discord
// limit, preferring newline boundaries.
func (c *Channel) SendText(ctx context.Context, chatID, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	c.stopTyping(chatID)
	for _, chunk := range splitMessage(text, messageLimit) {
		if _, err := c.session.ChannelMessageSend(chatID, chunk); err != nil {
			return fmt.Errorf("send to %s: %w", chatID, err)
		}
	}
	return nil
}

// SendImage posts a file upload with an optional caption.
func (c *Channel) SendImage(ctx context.Context, chatID, path, caption string) error {
	c.stopTyping(chatID)
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}
	defer f.Close()
	_, err = c.session.ChannelMessageSendComplex(chatID, &discordgo.MessageSend{
		Content: caption,
		Files: []*discordgo.File{{
			Name:   filepath.Base(path),
			Reader: f,
		}},
	})
	if err != nil {
		return fmt.Errorf("send image to %s: %w", chatID, err)
	}
	return nil
}

// Broadcast sends to the last known channel of every authorized user, plus
// the configured allowlist channels.
func (c *Channel) Broadcast(ctx context.Context, text string) error {
	targets := map[string]bool{}
	c.mu.Lock()
	for user, channel := range c.userChannels {
		if c.auth.IsAuthorized("discord", user) {
			targets[channel] = true
		}
	}
	c.mu.Unlock()
	for _, id := range c.cfg.Channels {
		targets[id] = true
	}
	if len(targets) == 0 {
		return fmt.Errorf("keine autorisierten Discord-User")
	}
	var firstErr error
	for id := range targets {
		if err := c.SendText(ctx, id, text); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// splitMessage cuts text into chunks of at most limit bytes. Cut points are
// tried in order of cleanliness: a "---" separator line (removed from the
// output), the last newline, the last space, then a hard cut.
func splitMessage(text string, limit int) []string {
	const separator = "\n---\n"
	var out []string
	for len(text) > limit {
		window := text[:limit]
		if i := strings.LastIndex(window, separator); i > 0 {
			out = append(out, strings.TrimRight(window[:i], " \n"))
			text = strings.TrimLeft(text[i+len(separator):], " \n")
			continue
		}
		cut := strings.LastIndex(window, "\n")
		if cut <= 0 {
			cut = strings.LastIndex(window, " ")
		}
		if cut <= 0 {
			cut = limit
		}
		out = append(out, strings.TrimRight(window[:cut], " \n"))
		text = strings.TrimLeft(text[cut:], " \n")
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}
