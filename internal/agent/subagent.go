package agent

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/steiger/concierge/internal/providers"
)

const subagentMaxRounds = 15

// RunSubagent delegates a task to another model with a restricted tool set
// and returns its text answer. The caller's userID rides along so /stop and
// /abort reach delegated work. Image generation models are dispatched to
// their generation endpoint instead of the chat loop; the result is the
// saved file path.
func (l *Loop) RunSubagent(ctx context.Context, prompt *PromptBuilder, model, task, userID string, sink EventSink) (string, error) {
	model = l.Config.ResolveModel(model)
	_, bare := l.Config.SplitProviderPrefix(model)

	if path, ok, err := l.tryGenerateImage(ctx, model, bare, task); ok {
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Image generated and saved to %s. Use send_image to deliver it.", path), nil
	}

	res, err := l.Run(ctx, RunRequest{
		Model:     model,
		System:    prompt.BuildSubagent(task),
		User:      providers.Message{Role: "user", Content: task},
		UserID:    userID,
		Sink:      sink,
		Subagent:  true,
		MaxRounds: subagentMaxRounds,
	})
	if err != nil {
		return "", err
	}
	// Reasoning models sometimes burn every token on thinking; surface that
	// instead of failing the delegation.
	answer := strings.TrimSpace(res.Content)
	if answer == "" {
		answer = strings.TrimSpace(res.Thinking)
	}
	if answer == "" {
		answer = "(Keine Antwort)"
	}
	return answer, nil
}

// tryGenerateImage handles models that produce images rather than text.
// ok reports whether the model was an image model at all.
func (l *Loop) tryGenerateImage(ctx context.Context, model, bare, task string) (path string, ok bool, err error) {
	typ := l.Config.ProviderType(model)
	switch {
	case typ == "openai" && providers.SupportsImageGenerationOpenAI(bare):
		p, _ := l.Providers.For(model)
		op, isOpenAI := p.(*providers.OpenAIProvider)
		if !isOpenAI {
			return "", false, nil
		}
		b64, url, revised, genErr := op.GenerateImage(ctx, bare, task)
		if genErr != nil {
			return "", true, genErr
		}
		if revised != "" {
			slog.Info("image prompt revised", "model", model, "prompt", revised)
		}
		path, err = l.saveImage(b64, url, "png")
		return path, true, err

	case typ == "google" && providers.SupportsImageGenerationGoogle(bare):
		p, _ := l.Providers.For(model)
		resp, genErr := p.Chat(ctx, providers.ChatRequest{
			Model:    bare,
			Messages: []providers.Message{{Role: "user", Content: task}},
		})
		if genErr != nil {
			return "", true, genErr
		}
		if len(resp.Images) == 0 {
			return "", true, fmt.Errorf("model %s returned no image", model)
		}
		img := resp.Images[0]
		ext := "png"
		if parts := strings.Split(img.MimeType, "/"); len(parts) == 2 && parts[1] != "" {
			ext = parts[1]
		}
		path, err = l.saveImage(img.Data, "", ext)
		return path, true, err
	}
	return "", false, nil
}

// saveImage writes base64 data (or downloads a URL) into the workspace.
func (l *Loop) saveImage(b64, url, ext string) (string, error) {
	dir := l.Config.Workspace
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("generated-%d.%s", time.Now().Unix(), ext))

	var data []byte
	switch {
	case b64 != "":
		decoded, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return "", fmt.Errorf("decode image: %w", err)
		}
		data = decoded
	case url != "":
		resp, err := http.Get(url)
		if err != nil {
			return "", fmt.Errorf("download image: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("download image: HTTP %d", resp.StatusCode)
		}
		data, err = io.ReadAll(io.LimitReader(resp.Body, 32<<20))
		if err != nil {
			return "", fmt.Errorf("download image: %w", err)
		}
	default:
		return "", fmt.Errorf("no image data")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("save image: %w", err)
	}
	return path, nil
}
