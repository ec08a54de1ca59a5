// Package matrix runs the Matrix channel: sync loop, auth gating, markdown
// replies and media transfer.
package matrix

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/cryptohelper"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"
	_ "modernc.org/sqlite"

	"github.com/steiger/concierge/internal/auth"
	"github.com/steiger/concierge/internal/bus"
	"github.com/steiger/concierge/internal/config"
)

const (
	syncBackoff = 5 * time.Second

	// Typing notifications expire server-side; the loop re-asserts them
	// until the reply is sent, capped so a wedged turn cannot type forever.
	typingInterval = 15 * time.Second
	typingTimeout  = 30 * time.Second
	typingMaxHold  = 10 * time.Minute
)

// Channel is the Matrix ingress/egress.
type Channel struct {
	cfg     config.MatrixConfig
	client  *mautrix.Client
	auth    *auth.Store
	bus     *bus.MessageBus
	dataDir string
	start   time.Time

	mu        sync.Mutex
	userRooms map[string]id.RoomID // authorized user -> last room
	typing    map[id.RoomID]context.CancelFunc
}

// New creates the channel. It does not connect yet; dataDir holds the
// encryption store.
func New(cfg config.MatrixConfig, dataDir string, authStore *auth.Store, mbus *bus.MessageBus) (*Channel, error) {
	if cfg.Homeserver == "" || cfg.UserID == "" || cfg.AccessToken == "" {
		return nil, fmt.Errorf("matrix requires homeserver, user_id and access_token")
	}
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("create matrix client: %w", err)
	}
	if cfg.DeviceID != "" {
		client.DeviceID = id.DeviceID(cfg.DeviceID)
	}
	return &Channel{
		cfg:       cfg,
		client:    client,
		auth:      authStore,
		bus:       mbus,
		dataDir:   dataDir,
		userRooms: map[string]id.RoomID{},
		typing:    map[id.RoomID]context.CancelFunc{},
	}, nil
}

// initCrypto attaches the end-to-end encryption helper. The olm account and
// megolm sessions live in a sqlite store inside the config directory, so the
// device identity survives restarts.
func (c *Channel) initCrypto(ctx context.Context) error {
	path := filepath.Join(c.dataDir, "matrix-crypto.db")
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("open crypto store: %w", err)
	}
	wrapped, err := dbutil.NewWithDB(db, "sqlite3")
	if err != nil {
		return fmt.Errorf("wrap crypto store: %w", err)
	}
	helper, err := cryptohelper.NewCryptoHelper(c.client, []byte("concierge.matrix"), wrapped)
	if err != nil {
		return fmt.Errorf("create crypto helper: %w", err)
	}
	helper.DecryptErrorCallback = func(evt *event.Event, err error) {
		slog.Warn("undecryptable matrix event", "room", evt.RoomID, "sender", evt.Sender, "error", err)
		c.SendText(ctx, evt.RoomID.String(),
			"Eine Nachricht konnte nicht entschlüsselt werden. Ich habe die Schlüssel angefragt, bitte sende sie erneut.")
	}
	if err := helper.Init(ctx); err != nil {
		return fmt.Errorf("init crypto: %w", err)
	}
	c.client.Crypto = helper
	return nil
}

// ensureEncryption turns on megolm in the configured rooms. Rooms that
// already carry an m.room.encryption state event are left alone.
func (c *Channel) ensureEncryption(ctx context.Context) {
	for _, room := range c.cfg.EncryptedRooms {
		roomID := id.RoomID(room)
		var existing event.EncryptionEventContent
		if err := c.client.StateEvent(ctx, roomID, event.StateEncryption, "", &existing); err == nil && existing.Algorithm != "" {
			continue
		}
		_, err := c.client.SendStateEvent(ctx, roomID, event.StateEncryption, "", &event.EncryptionEventContent{
			Algorithm: id.AlgorithmMegolmV1,
		})
		if err != nil {
			slog.Warn("enabling room encryption failed", "room", room, "error", err)
		} else {
			slog.Info("room encryption enabled", "room", room)
		}
	}
}

// startTyping shows the typing indicator and keeps re-asserting it every
// typingInterval until stopTyping is called or the hold cap expires.
func (c *Channel) startTyping(roomID id.RoomID) {
	ctx, stop := context.WithTimeout(context.Background(), typingMaxHold)
	c.mu.Lock()
	if prev, ok := c.typing[roomID]; ok {
		prev()
	}
	c.typing[roomID] = stop
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		c.client.UserTyping(ctx, roomID, true, typingTimeout)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.client.UserTyping(ctx, roomID, true, typingTimeout)
			}
		}
	}()
}

// stopTyping ends the re-assert loop and clears the indicator.
func (c *Channel) stopTyping(ctx context.Context, roomID id.RoomID) {
	c.mu.Lock()
	stop, ok := c.typing[roomID]
	delete(c.typing, roomID)
	c.mu.Unlock()
	if ok {
		stop()
	}
	c.client.UserTyping(ctx, roomID, false, 0)
}

func (c *Channel) Name() string { return "matrix" }

// Run syncs until ctx ends, reconnecting with a fixed backoff.
func (c *Channel) Run(ctx context.Context) error {
	c.start = time.Now()
	syncer := c.client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, c.onMessage)
	syncer.OnEventType(event.StateMember, c.onMember)

	// Without crypto the channel still works for unencrypted rooms.
	if err := c.initCrypto(ctx); err != nil {
		slog.Error("matrix e2ee unavailable", "error", err)
	} else {
		c.ensureEncryption(ctx)
	}

	slog.Info("matrix channel started", "user", c.cfg.UserID)
	for {
		err := c.client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			slog.Info("matrix channel stopped")
			return nil
		}
		slog.Warn("matrix sync failed, reconnecting", "error", err, "backoff", syncBackoff)
		select {
		case <-time.After(syncBackoff):
		case <-ctx.Done():
			return nil
		}
	}
}

// onMember auto-joins rooms the bot is invited to.
func (c *Channel) onMember(ctx context.Context, evt *event.Event) {
	if evt.GetStateKey() != c.cfg.UserID {
		return
	}
	if m, ok := evt.Content.Parsed.(*event.MemberEventContent); !ok || m.Membership != event.MembershipInvite {
		return
	}
	slog.Info("joining matrix room on invite", "room", evt.RoomID, "inviter", evt.Sender)
	if _, err := c.client.JoinRoom(ctx, string(evt.RoomID), nil); err != nil {
		slog.Warn("join failed", "room", evt.RoomID, "error", err)
	}
}

func (c *Channel) onMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == id.UserID(c.cfg.UserID) {
		return
	}
	// Skip history replayed by the initial sync.
	if time.UnixMilli(evt.Timestamp).Before(c.start) {
		return
	}
	content := evt.Content.AsMessage()
	if content == nil {
		return
	}
	sender := evt.Sender.String()

	if !c.auth.IsAuthorized("matrix", sender) {
		code, err := c.auth.GetOrGenerateCode("matrix", sender)
		if err != nil {
			slog.Error("auth code generation failed", "user", sender, "error", err)
			return
		}
		slog.Info("unauthorized matrix user", "user", sender)
		c.SendText(ctx, evt.RoomID.String(), fmt.Sprintf(
			"Du bist noch nicht freigeschaltet. Dein Auth-Code: **%s**\n\nGib in der Web-UI ein: `/auth matrix %s`", code, code))
		return
	}

	c.mu.Lock()
	c.userRooms[sender] = evt.RoomID
	c.mu.Unlock()

	msg := bus.InboundMessage{
		Channel:  "matrix",
		SenderID: sender,
		ChatID:   evt.RoomID.String(),
		Content:  strings.TrimSpace(content.Body),
	}
	if content.MsgType == event.MsgImage {
		if path, err := c.downloadImage(ctx, content); err == nil {
			msg.Media = append(msg.Media, path)
			msg.Content = strings.TrimSpace(content.Body)
		} else {
			slog.Warn("image download failed", "error", err)
		}
	}
	if msg.Content == "" && len(msg.Media) == 0 {
		return
	}
	c.startTyping(evt.RoomID)
	if !c.bus.PublishInbound(msg) {
		slog.Warn("inbound queue full, dropping matrix message", "room", evt.RoomID)
	}
}

// downloadImage fetches an attachment into a temp file. Encrypted rooms
// attach the media key and IV in content.File; the payload is decrypted
// before it is written out.
func (c *Channel) downloadImage(ctx context.Context, content *event.MessageEventContent) (string, error) {
	var data []byte
	if content.File != nil {
		uri, err := content.File.URL.Parse()
		if err != nil {
			return "", fmt.Errorf("parse mxc uri: %w", err)
		}
		data, err = c.client.DownloadBytes(ctx, uri)
		if err != nil {
			return "", fmt.Errorf("download media: %w", err)
		}
		if err := content.File.DecryptInPlace(data); err != nil {
			return "", fmt.Errorf("decrypt media: %w", err)
		}
	} else {
		uri, err := content.URL.Parse()
		if err != nil {
			return "", fmt.Errorf("parse mxc uri: %w", err)
		}
		data, err = c.client.DownloadBytes(ctx, uri)
		if err != nil {
			return "", fmt.Errorf("download media: %w", err)
		}
	}
	f, err := os.CreateTemp("", "matrix-image-*"+imageExt(content.Body, data))
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// imageExt derives a file extension from the body name, falling back to
// sniffing the payload's magic bytes.
func imageExt(body string, data []byte) string {
	if ext := filepath.Ext(body); ext != "" {
		return ext
	}
	if exts, _ := mime.ExtensionsByType(http.DetectContentType(data)); len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}

// SendText renders markdown and sends it to a room.
func (c *Channel) SendText(ctx context.Context, chatID, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	roomID := id.RoomID(chatID)
	c.stopTyping(ctx, roomID)
	content := format.RenderMarkdown(text, true, false)
	_, err := c.client.SendMessageEvent(ctx, roomID, event.EventMessage, &content)
	if err != nil {
		return fmt.Errorf("send to %s: %w", chatID, err)
	}
	return nil
}

// SendImage uploads a file and posts it as m.image.
func (c *Channel) SendImage(ctx context.Context, chatID, path, caption string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	mime := http.DetectContentType(data)
	upload, err := c.client.UploadBytes(ctx, data, mime)
	if err != nil {
		return fmt.Errorf("upload image: %w", err)
	}
	c.stopTyping(ctx, id.RoomID(chatID))
	body := caption
	if body == "" {
		body = filepath.Base(path)
	}
	content := &event.MessageEventContent{
		MsgType: event.MsgImage,
		Body:    body,
		URL:     upload.ContentURI.CUString(),
		Info: &event.FileInfo{
			MimeType: mime,
			Size:     len(data),
		},
	}
	if _, err := c.client.SendMessageEvent(ctx, id.RoomID(chatID), event.EventMessage, content); err != nil {
		return fmt.Errorf("send image to %s: %w", chatID, err)
	}
	return nil
}

// Broadcast sends to the last known room of every authorized user.
func (c *Channel) Broadcast(ctx context.Context, text string) error {
	c.mu.Lock()
	rooms := map[id.RoomID]bool{}
	for user, room := range c.userRooms {
		if c.auth.IsAuthorized("matrix", user) {
			rooms[room] = true
		}
	}
	c.mu.Unlock()
	if len(rooms) == 0 {
		return fmt.Errorf("keine autorisierten Matrix-User")
	}
	var firstErr error
	for room := range rooms {
		if err := c.SendText(ctx, room.String(), text); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
