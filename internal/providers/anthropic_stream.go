package providers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// anthropicStreamEvent is the payload of one SSE data line.
type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		Thinking    string `json:"thinking,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
		StopReason  string `json:"stop_reason,omitempty"`
	} `json:"delta"`
	ContentBlock *anthropicContentBlock `json:"content_block,omitempty"`
	Usage        *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
	Message *struct {
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// ChatStream sends a streaming messages request and parses the SSE event
// stream. Tool use input arrives as partial JSON deltas that are accumulated
// per block index and decoded at content_block_stop.
func (p *AnthropicProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	body := p.buildBody(req, true)
	resp, err := retryDo(ctx, p.name, req.Model, func() (*respWrap, error) {
		r, err := p.do(ctx, body)
		if err != nil {
			return nil, err
		}
		return &respWrap{r.Body}, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.body.Close()

	result := &ChatResponse{Usage: &Usage{}}
	type pendingTool struct {
		id, name string
		jsonBuf  strings.Builder
	}
	pending := map[int]*pendingTool{}

	scanner := bufio.NewScanner(resp.body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		var ev anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "error":
			if ev.Error != nil {
				return nil, AsError(p.name, req.Model, fmt.Errorf("%s: %s", ev.Error.Type, ev.Error.Message))
			}
		case "message_start":
			if ev.Message != nil {
				result.Usage.PromptTokens = ev.Message.Usage.InputTokens
			}
		case "content_block_start":
			if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
				pending[ev.Index] = &pendingTool{id: ev.ContentBlock.ID, name: ev.ContentBlock.Name}
			}
		case "content_block_delta":
			switch ev.Delta.Type {
			case "text_delta":
				result.Content += ev.Delta.Text
				if onChunk != nil && ev.Delta.Text != "" {
					onChunk(StreamChunk{Content: ev.Delta.Text})
				}
			case "thinking_delta":
				result.Thinking += ev.Delta.Thinking
				if onChunk != nil && ev.Delta.Thinking != "" {
					onChunk(StreamChunk{Thinking: ev.Delta.Thinking})
				}
			case "input_json_delta":
				if pt, ok := pending[ev.Index]; ok {
					pt.jsonBuf.WriteString(ev.Delta.PartialJSON)
				}
			}
		case "content_block_stop":
			if pt, ok := pending[ev.Index]; ok {
				delete(pending, ev.Index)
				result.ToolCalls = append(result.ToolCalls, ToolCall{
					ID:        pt.id,
					Name:      pt.name,
					Arguments: DecodeArguments(json.RawMessage(pt.jsonBuf.String())),
				})
			}
		case "message_delta":
			if ev.Usage != nil {
				result.Usage.CompletionTokens = ev.Usage.OutputTokens
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, AsError(p.name, req.Model, err)
	}
	result.Usage.TotalTokens = result.Usage.PromptTokens + result.Usage.CompletionTokens
	if result.Usage.TotalTokens == 0 {
		result.Usage = nil
	}
	if onChunk != nil {
		onChunk(StreamChunk{Done: true})
	}
	return result, nil
}

type respWrap struct{ body io.ReadCloser }
