package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
)

// SendImageTool delivers an image file from the workspace to the active chat.
// A successful send marks the result Silent: the image is the answer.
type SendImageTool struct {
	Workspace string
	Notifier  Notifier
}

func (t *SendImageTool) Name() string { return "send_image" }

func (t *SendImageTool) Description() string {
	return "Send an image file to the user in the current chat. The path must point to " +
		"an existing file, typically inside the workspace. Use this to deliver generated " +
		"or downloaded images instead of describing them."
}

func (t *SendImageTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path of the image file to send",
			},
			"caption": map[string]any{
				"type":        "string",
				"description": "Optional caption shown with the image",
			},
		},
		"required": []string{"path"},
	}
}

func (t *SendImageTool) Execute(ctx context.Context, args map[string]any) *Result {
	path := strings.TrimSpace(stringArg(args, "path"))
	if path == "" {
		return Errf("missing path")
	}
	if !filepath.IsAbs(path) && t.Workspace != "" {
		path = filepath.Join(t.Workspace, path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return Errf("image not found: %s", path)
	}
	if info.IsDir() {
		return Errf("%s is a directory", path)
	}

	cc := ChatContextFrom(ctx)
	if t.Notifier == nil || cc.Platform == "" {
		return Errf("no chat to deliver the image to")
	}
	if err := t.Notifier.SendImage(ctx, cc, path, stringArg(args, "caption")); err != nil {
		return Errf("send image: %v", err)
	}
	return &Result{ForLLM: "Image sent to the user.", Silent: true}
}
