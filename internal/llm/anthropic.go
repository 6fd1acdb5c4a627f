package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"

	atlaserrors "atlas/internal/errors"
	"atlas/internal/httpclient"
	"atlas/internal/ids"
	"atlas/internal/logging"
	"atlas/internal/metrics"
)

const (
	defaultAnthropicBaseURL   = "https://api.anthropic.com/v1"
	defaultAnthropicVersion   = "2023-06-01"
	anthropicVersionHeaderKey = "anthropic-version"
	anthropicAPIKeyHeaderKey  = "x-api-key"
	anthropicMessagesPath     = "/messages"
)

// ProviderConfig configures one provider adapter.
type ProviderConfig struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	Headers    map[string]string
}

type anthropicClient struct {
	model      string
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     logging.Logger
	headers    map[string]string
}

// NewAnthropicClient builds the Anthropic provider adapter.
func NewAnthropicClient(model string, cfg ProviderConfig) Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	logger := logging.NewComponentLogger("llm-anthropic")
	return &anthropicClient{
		model:      model,
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		httpClient: httpclient.New(timeout, logger),
		logger:     logger,
		headers:    cfg.Headers,
	}
}

func (c *anthropicClient) Model() string { return c.model }

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicContentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   any            `json:"content,omitempty"`
}

func (c *anthropicClient) buildPayload(req Request, stream bool) map[string]any {
	messages := make([]anthropicMessage, 0, len(req.Messages))
	var systemParts []string
	if strings.TrimSpace(req.System) != "" {
		systemParts = append(systemParts, req.System)
	}

	for _, msg := range req.Messages {
		role := strings.ToLower(strings.TrimSpace(msg.Role))
		switch role {
		case "":
			continue
		case "system":
			if strings.TrimSpace(msg.Content) != "" {
				systemParts = append(systemParts, msg.Content)
			}
			continue
		case "tool":
			if strings.TrimSpace(msg.ToolCallID) == "" {
				continue
			}
			messages = append(messages, anthropicMessage{
				Role: "user",
				Content: []anthropicContentBlock{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Content,
				}},
			})
			continue
		}

		var blocks []anthropicContentBlock
		if strings.TrimSpace(msg.Content) != "" {
			blocks = append(blocks, anthropicContentBlock{Type: "text", Text: msg.Content})
		}
		for _, call := range msg.ToolCalls {
			args := call.Arguments
			if args == nil {
				args = map[string]any{}
			}
			blocks = append(blocks, anthropicContentBlock{
				Type:  "tool_use",
				ID:    call.ID,
				Name:  call.Name,
				Input: args,
			})
		}
		if len(blocks) == 0 {
			continue
		}
		messages = append(messages, anthropicMessage{Role: role, Content: blocks})
	}

	payload := map[string]any{
		"model":       c.model,
		"max_tokens":  req.MaxTokens,
		"messages":    messages,
		"temperature": req.Temperature,
	}
	if len(systemParts) > 0 {
		payload["system"] = strings.Join(systemParts, "\n\n")
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, tool := range req.Tools {
			tools = append(tools, map[string]any{
				"name":         tool.Name,
				"description":  tool.Description,
				"input_schema": tool.Parameters,
			})
		}
		payload["tools"] = tools
	}
	if stream {
		payload["stream"] = true
	}
	return payload
}

func (c *anthropicClient) doRequest(ctx context.Context, payload map[string]any, stream bool) (*http.Response, string, error) {
	requestID := ids.NewRequestID()
	prefix := fmt.Sprintf("[req:%s] ", requestID)

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, prefix, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Debug("%s=== LLM Request ===", prefix)
	c.logger.Debug("%sURL: POST %s%s", prefix, c.baseURL, anthropicMessagesPath)
	c.logger.Debug("%sModel: %s stream=%v", prefix, c.model, stream)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+anthropicMessagesPath, bytes.NewReader(body))
	if err != nil {
		return nil, prefix, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(anthropicAPIKeyHeaderKey, c.apiKey)
	httpReq.Header.Set(anthropicVersionHeaderKey, defaultAnthropicVersion)
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		metrics.LLMCalls.WithLabelValues("anthropic", "error").Inc()
		return nil, prefix, atlaserrors.Transient(err, 0)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		_ = resp.Body.Close()
		metrics.LLMCalls.WithLabelValues("anthropic", "error").Inc()
		return nil, prefix, atlaserrors.FromHTTPStatus(resp.StatusCode, string(respBody))
	}
	return resp, prefix, nil
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (c *anthropicClient) Complete(ctx context.Context, req Request) (*Response, error) {
	resp, prefix, err := c.doRequest(ctx, c.buildPayload(req, false), false)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	var content strings.Builder
	var toolCalls []ToolCall
	for _, block := range apiResp.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "tool_use":
			toolCalls = append(toolCalls, ToolCall{ID: block.ID, Name: block.Name, Arguments: block.Input})
		}
	}

	result := &Response{
		Content:    content.String(),
		ToolCalls:  toolCalls,
		StopReason: normalizeAnthropicStop(apiResp.StopReason),
		Usage: Usage{
			PromptTokens:     apiResp.Usage.InputTokens,
			CompletionTokens: apiResp.Usage.OutputTokens,
			TotalTokens:      apiResp.Usage.InputTokens + apiResp.Usage.OutputTokens,
		},
		Truncated: apiResp.StopReason == "max_tokens",
	}
	c.reportUsage(prefix, result)
	return result, nil
}

// streamedToolBlock accumulates a tool_use block across input_json_delta
// events until the containing block closes.
type streamedToolBlock struct {
	id      string
	name    string
	partial strings.Builder
}

func (b *streamedToolBlock) finish() ToolCall {
	call := ToolCall{ID: b.id, Name: b.name}
	raw := strings.TrimSpace(b.partial.String())
	if raw == "" {
		call.Arguments = map[string]any{}
		return call
	}
	call.Arguments = decodeToolArguments(raw)
	if call.Arguments == nil {
		call.RawArguments = raw
	}
	return call
}

// decodeToolArguments decodes streamed tool-call JSON, repairing the text
// first when the model emitted malformed output. Returns nil when even the
// repaired form does not decode.
func decodeToolArguments(raw string) map[string]any {
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err == nil {
		return args
	}
	fixed, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal([]byte(fixed), &args); err != nil {
		return nil
	}
	return args
}

func (c *anthropicClient) Stream(ctx context.Context, req Request, cancel *CancelEvent, emit EmitFunc) (*Response, error) {
	resp, prefix, err := c.doRequest(ctx, c.buildPayload(req, true), true)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var (
		content    strings.Builder
		toolCalls  []ToolCall
		usage      Usage
		stopReason string
		blocks     = map[int]*streamedToolBlock{}
	)

	emitSafe := func(ev StreamEvent) error {
		if emit == nil {
			return nil
		}
		return emit(ev)
	}

	finish := func(reason string) (*Response, error) {
		result := &Response{
			Content:    content.String(),
			ToolCalls:  toolCalls,
			StopReason: reason,
			Usage:      usage,
			Truncated:  reason == StopReasonMaxTokens,
		}
		err := emitSafe(StreamEvent{
			Type:       EventEnd,
			Usage:      &result.Usage,
			StopReason: result.StopReason,
			Truncated:  result.Truncated,
		})
		c.reportUsage(prefix, result)
		return result, err
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		if cancel.IsSet() {
			c.logger.Info("%sstream cancelled by client", prefix)
			return finish(StopReasonCancelled)
		}
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		var ev anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			c.logger.Warn("%sskipping undecodable stream event: %v", prefix, err)
			continue
		}

		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				usage.PromptTokens = ev.Message.Usage.InputTokens
			}
		case "content_block_start":
			if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
				blocks[ev.Index] = &streamedToolBlock{id: ev.ContentBlock.ID, name: ev.ContentBlock.Name}
				if err := emitSafe(StreamEvent{Type: EventToolUseStart, ToolName: ev.ContentBlock.Name}); err != nil {
					return nil, err
				}
			}
		case "content_block_delta":
			if ev.Delta == nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				content.WriteString(ev.Delta.Text)
				if err := emitSafe(StreamEvent{Type: EventChunk, Delta: ev.Delta.Text}); err != nil {
					return nil, err
				}
			case "input_json_delta":
				if block, ok := blocks[ev.Index]; ok {
					block.partial.WriteString(ev.Delta.PartialJSON)
				}
			}
		case "content_block_stop":
			if block, ok := blocks[ev.Index]; ok {
				call := block.finish()
				toolCalls = append(toolCalls, call)
				delete(blocks, ev.Index)
				if err := emitSafe(StreamEvent{Type: EventToolUse, ToolCall: &call}); err != nil {
					return nil, err
				}
			}
		case "message_delta":
			if ev.Delta != nil && ev.Delta.StopReason != "" {
				stopReason = normalizeAnthropicStop(ev.Delta.StopReason)
			}
			if ev.Usage != nil {
				usage.CompletionTokens = ev.Usage.OutputTokens
			}
		case "message_stop":
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
			if stopReason == "" {
				stopReason = StopReasonEnd
			}
			return finish(stopReason)
		case "error":
			msg := "provider error"
			if ev.Error != nil {
				msg = ev.Error.Message
			}
			return nil, atlaserrors.Transient(fmt.Errorf("anthropic stream error: %s", msg), 0)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, atlaserrors.Transient(fmt.Errorf("stream read: %w", err), 0)
	}

	// Upstream closed without message_stop.
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	if stopReason == "" {
		stopReason = StopReasonEnd
	}
	return finish(stopReason)
}

type anthropicStreamEvent struct {
	Type         string                 `json:"type"`
	Index        int                    `json:"index"`
	Message      *anthropicStreamMsg    `json:"message"`
	ContentBlock *anthropicContentBlock `json:"content_block"`
	Delta        *anthropicStreamDelta  `json:"delta"`
	Usage        *anthropicUsage        `json:"usage"`
	Error        *anthropicStreamError  `json:"error"`
}

type anthropicStreamMsg struct {
	ID    string         `json:"id"`
	Usage anthropicUsage `json:"usage"`
}

type anthropicStreamDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	PartialJSON string `json:"partial_json"`
	StopReason  string `json:"stop_reason"`
}

type anthropicStreamError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func normalizeAnthropicStop(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return StopReasonEnd
	case "tool_use":
		return StopReasonToolUse
	case "max_tokens":
		return StopReasonMaxTokens
	case "":
		return StopReasonEnd
	default:
		return reason
	}
}

func (c *anthropicClient) reportUsage(prefix string, result *Response) {
	metrics.LLMCalls.WithLabelValues("anthropic", "success").Inc()
	metrics.LLMTokens.WithLabelValues("anthropic", "prompt").Add(float64(result.Usage.PromptTokens))
	metrics.LLMTokens.WithLabelValues("anthropic", "completion").Add(float64(result.Usage.CompletionTokens))
	c.logger.Debug("%s=== LLM Response Summary ===", prefix)
	c.logger.Debug("%sStop Reason: %s", prefix, result.StopReason)
	c.logger.Debug("%sContent Length: %d chars", prefix, len(result.Content))
	c.logger.Debug("%sTool Calls: %d", prefix, len(result.ToolCalls))
	c.logger.Debug("%sUsage: %d prompt + %d completion = %d total tokens",
		prefix, result.Usage.PromptTokens, result.Usage.CompletionTokens, result.Usage.TotalTokens)
}
