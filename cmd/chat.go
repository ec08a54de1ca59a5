package cmd

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/steiger/concierge/internal/agent"
	"github.com/steiger/concierge/internal/auth"
	"github.com/steiger/concierge/internal/cancel"
	"github.com/steiger/concierge/internal/memory"
	"github.com/steiger/concierge/internal/notify"
	"github.com/steiger/concierge/internal/providers"
	"github.com/steiger/concierge/internal/scheduler"
	"github.com/steiger/concierge/internal/sessions"
	"github.com/steiger/concierge/internal/tools"
)

func chatCmd() *cobra.Command {
	var session string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the assistant in the terminal",
		Run: func(cmd *cobra.Command, args []string) {
			runChat(session)
		},
	}
	cmd.Flags().StringVar(&session, "session", "local", "session name")
	return cmd
}

func runChat(session string) {
	setupLogging()
	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	authStore := auth.NewStore(cfg.Dir)
	cancels := cancel.NewRegistry()
	sessionMgr := sessions.NewManager()
	memLog := memory.NewLog(cfg.Dir)
	dispatcher := notify.NewDispatcher()

	loop := &agent.Loop{
		Config:    cfg,
		Providers: providers.NewRegistry(cfg),
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

	cc := tools.ChatContext{Platform: "cli", UserID: "cli:local"}
	key := sessions.Key("cli", session)

	sink := agent.EventSink(func(e agent.Event) {
		switch e.Kind {
		case agent.EventToolCall:
			fmt.Printf("  [%s]\n", e.Tool)
		case agent.EventStatus:
			fmt.Printf("  %s\n", e.Text)
		case agent.EventSwitch:
			fmt.Printf("  (Modell: %s)\n", e.Model)
		}
	})

	fmt.Println("concierge chat — /new, /model, /stop, Ctrl-D zum Beenden")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		reply, err := assistant.HandleMessage(ctx, cc, key, line, nil, sink)
		if err != nil {
			fmt.Printf("Fehler: %v\n", err)
			continue
		}
		if reply.Suppressed {
			continue
		}
		if reply.Text != "" {
			fmt.Println(reply.Text)
		}
		if ctx.Err() != nil {
			return
		}
	}
}
