package cmd

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/steiger/concierge/internal/agent"
	"github.com/steiger/concierge/internal/auth"
	"github.com/steiger/concierge/internal/bus"
	"github.com/steiger/concierge/internal/cancel"
	"github.com/steiger/concierge/internal/channels"
	"github.com/steiger/concierge/internal/channels/discord"
	"github.com/steiger/concierge/internal/channels/matrix"
	"github.com/steiger/concierge/internal/config"
	"github.com/steiger/concierge/internal/memory"
	"github.com/steiger/concierge/internal/notify"
	"github.com/steiger/concierge/internal/providers"
	"github.com/steiger/concierge/internal/scheduler"
	"github.com/steiger/concierge/internal/sessions"
	"github.com/steiger/concierge/internal/tools"
	"github.com/steiger/concierge/internal/web"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the assistant: channels, scheduler and HTTP API",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	setupLogging()
	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Workspace != "" {
		if !filepath.IsAbs(cfg.Workspace) {
			cfg.Workspace, _ = filepath.Abs(cfg.Workspace)
		}
		os.MkdirAll(cfg.Workspace, 0o755)
	}

	authStore := auth.NewStore(cfg.Dir)
	cancels := cancel.NewRegistry()
	sessionMgr := sessions.NewManager()
	memLog := memory.NewLog(cfg.Dir)
	msgBus := bus.NewMessageBus()
	dispatcher := notify.NewDispatcher()
	providerReg := providers.NewRegistry(cfg)

	loop := &agent.Loop{
		Config:    cfg,
		Providers: providerReg,
		Tools:     tools.NewRegistry(),
		Cancels:   cancels,
	}
	prompt := agent.NewPromptBuilder(cfg, memLog)
	assistant := &agent.Assistant{
		Config:   cfg,
		Loop:     loop,
		Prompt:   prompt,
		Sessions: sessionMgr,
		Memory:   memLog,
		Auth:     authStore,
	}

	execTool := &tools.ExecTool{Workspace: cfg.Workspace, GHToken: cfg.GHToken}
	sched, err := scheduler.New(cfg.Dir, assistant, dispatcher, execTool)
	if err != nil {
		slog.Error("scheduler init failed", "error", err)
		os.Exit(1)
	}
	assistant.Scheduler = sched

	registerTools(loop, prompt, cfg, execTool, dispatcher, sched)

	// Channels.
	var running []channels.Channel
	if cfg.Matrix.Homeserver != "" {
		ch, err := matrix.New(cfg.Matrix, cfg.Dir, authStore, msgBus)
		if err != nil {
			slog.Error("matrix init failed", "error", err)
		} else {
			running = append(running, ch)
		}
	}
	if cfg.Discord.Token != "" {
		ch, err := discord.New(cfg.Discord, authStore, msgBus)
		if err != nil {
			slog.Error("discord init failed", "error", err)
		} else {
			running = append(running, ch)
		}
	}
	for _, ch := range running {
		dispatcher.Register(ch)
		go func(ch channels.Channel) {
			if err := ch.Run(ctx); err != nil {
				slog.Error("channel stopped with error", "channel", ch.Name(), "error", err)
			}
		}(ch)
	}

	go sched.Run(ctx)
	go inboundWorker(ctx, assistant, msgBus)
	go outboundWorker(ctx, dispatcher, msgBus)

	server := web.NewServer(cfg, assistant, sched, cancels)
	if err := server.ListenAndServe(ctx); err != nil {
		slog.Error("http server failed", "error", err)
		os.Exit(1)
	}
}

// registerTools wires every tool into the loop's registry.
func registerTools(loop *agent.Loop, prompt *agent.PromptBuilder, cfg *config.Config, execTool *tools.ExecTool, dispatcher *notify.Dispatcher, sched *scheduler.Scheduler) {
	reg := loop.Tools
	reg.Register(execTool)
	reg.Register(tools.NewSearchTool(cfg))
	reg.Register(tools.NewCheckURLTool())
	reg.Register(tools.NewReadURLTool())
	reg.Register(&tools.SendImageTool{Workspace: cfg.Workspace, Notifier: dispatcher})
	reg.Register(&tools.StatusUpdateTool{Notifier: dispatcher})
	reg.Register(&tools.ScheduleTool{Scheduler: sched})
	reg.Register(&tools.SaveConfigTool{Dir: cfg.Dir, Reload: func(next *config.Config) {
		// The merged file round-tripped through the typed config; swap the
		// live settings in place so all holders see the update.
		*cfg = *next
	}})
	if cfg.SubagentsEnabled() {
		reg.Register(&agent.InvokeModelTool{Loop: loop, Prompt: prompt})
	}
	reg.Register(&agent.DebateTool{Loop: loop})
}

// inboundWorker drains the bus and runs each message through the assistant.
func inboundWorker(ctx context.Context, assistant *agent.Assistant, msgBus *bus.MessageBus) {
	for {
		msg, ok := msgBus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		go handleInbound(ctx, assistant, msgBus, msg)
	}
}

func handleInbound(ctx context.Context, assistant *agent.Assistant, msgBus *bus.MessageBus, msg bus.InboundMessage) {
	cc := tools.ChatContext{Platform: msg.Channel, UserID: msg.SenderID}
	switch msg.Channel {
	case "matrix":
		cc.RoomID = msg.ChatID
	case "discord":
		cc.ChannelID = msg.ChatID
	}
	images := loadImages(msg.Media)
	// Sessions follow the user, not the room: the same person continues one
	// conversation everywhere on a surface.
	key := sessions.Key(msg.Channel, msg.SenderID)

	reply, err := assistant.HandleMessage(ctx, cc, key, msg.Content, images, nil)
	if err != nil {
		slog.Error("message handling failed", "channel", msg.Channel, "chat", msg.ChatID, "error", err)
		reply = &agent.Reply{Text: "Fehler: " + err.Error()}
	}
	if reply.Suppressed || reply.Text == "" {
		return
	}
	if !msgBus.PublishOutbound(bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: reply.Text,
	}) {
		slog.Warn("outbound queue full, dropping reply", "channel", msg.Channel, "chat", msg.ChatID)
	}
}

// outboundWorker delivers queued replies through the dispatcher.
func outboundWorker(ctx context.Context, dispatcher *notify.Dispatcher, msgBus *bus.MessageBus) {
	for {
		msg, ok := msgBus.ConsumeOutbound(ctx)
		if !ok {
			return
		}
		cc := tools.ChatContext{Platform: msg.Channel}
		switch msg.Channel {
		case "matrix":
			cc.RoomID = msg.ChatID
		case "discord":
			cc.ChannelID = msg.ChatID
		}
		if err := dispatcher.SendText(ctx, cc, msg.Content); err != nil {
			slog.Warn("delivery failed", "channel", msg.Channel, "chat", msg.ChatID, "error", err)
		}
	}
}

// loadImages reads media files into base64 image attachments. Temp files
// downloaded by the channels are removed afterwards.
func loadImages(paths []string) []providers.ImageContent {
	var out []providers.ImageContent
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("media read failed", "path", path, "error", err)
			continue
		}
		out = append(out, providers.ImageContent{
			MimeType: http.DetectContentType(data),
			Data:     base64.StdEncoding.EncodeToString(data),
		})
		if filepath.Dir(path) == os.TempDir() {
			os.Remove(path)
		}
	}
	return out
}
