package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	atlaserrors "atlas/internal/errors"
	"atlas/internal/httpclient"
	"atlas/internal/ids"
	"atlas/internal/logging"
	"atlas/internal/metrics"
)

const (
	defaultOpenAIBaseURL    = "https://api.openai.com/v1"
	openAICompletionsPath   = "/chat/completions"
	openAIRequestMediaType  = "application/json"
	openAIToolTypeFunction  = "function"
	openAIFinishToolCalls   = "tool_calls"
	openAIFinishLengthLimit = "length"
)

type openAIClient struct {
	model      string
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     logging.Logger
	headers    map[string]string
}

// NewOpenAIClient builds the OpenAI provider adapter.
func NewOpenAIClient(model string, cfg ProviderConfig) Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	logger := logging.NewComponentLogger("llm-openai")
	return &openAIClient{
		model:      model,
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		httpClient: httpclient.New(timeout, logger),
		logger:     logger,
		headers:    cfg.Headers,
	}
}

func (c *openAIClient) Model() string { return c.model }

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	Index    *int           `json:"index,omitempty"`
	ID       string         `json:"id,omitempty"`
	Type     string         `json:"type,omitempty"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

func (c *openAIClient) buildPayload(req Request, stream bool) map[string]any {
	messages := make([]openAIMessage, 0, len(req.Messages)+1)
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.System})
	}
	for _, msg := range req.Messages {
		out := openAIMessage{Role: msg.Role, Content: msg.Content, ToolCallID: msg.ToolCallID}
		for _, call := range msg.ToolCalls {
			args := call.RawArguments
			if args == "" {
				encoded, err := json.Marshal(call.Arguments)
				if err != nil {
					encoded = []byte("{}")
				}
				args = string(encoded)
			}
			out.ToolCalls = append(out.ToolCalls, openAIToolCall{
				ID:       call.ID,
				Type:     openAIToolTypeFunction,
				Function: openAIFunction{Name: call.Name, Arguments: args},
			})
		}
		messages = append(messages, out)
	}

	payload := map[string]any{
		"model":       c.model,
		"messages":    messages,
		"max_tokens":  req.MaxTokens,
		"temperature": req.Temperature,
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, tool := range req.Tools {
			tools = append(tools, map[string]any{
				"type": openAIToolTypeFunction,
				"function": map[string]any{
					"name":        tool.Name,
					"description": tool.Description,
					"parameters":  tool.Parameters,
				},
			})
		}
		payload["tools"] = tools
	}
	if stream {
		payload["stream"] = true
		payload["stream_options"] = map[string]any{"include_usage": true}
	}
	return payload
}

func (c *openAIClient) doRequest(ctx context.Context, payload map[string]any) (*http.Response, string, error) {
	requestID := ids.NewRequestID()
	prefix := fmt.Sprintf("[req:%s] ", requestID)

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, prefix, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Debug("%s=== LLM Request ===", prefix)
	c.logger.Debug("%sURL: POST %s%s", prefix, c.baseURL, openAICompletionsPath)
	c.logger.Debug("%sModel: %s", prefix, c.model)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+openAICompletionsPath, bytes.NewReader(body))
	if err != nil {
		return nil, prefix, err
	}
	httpReq.Header.Set("Content-Type", openAIRequestMediaType)
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		metrics.LLMCalls.WithLabelValues("openai", "error").Inc()
		return nil, prefix, atlaserrors.Transient(err, 0)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		_ = resp.Body.Close()
		metrics.LLMCalls.WithLabelValues("openai", "error").Inc()
		return nil, prefix, atlaserrors.FromHTTPStatus(resp.StatusCode, string(respBody))
	}
	return resp, prefix, nil
}

type openAIResponse struct {
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (c *openAIClient) Complete(ctx context.Context, req Request) (*Response, error) {
	resp, prefix, err := c.doRequest(ctx, c.buildPayload(req, false))
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var apiResp openAIResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(apiResp.Choices) == 0 {
		return nil, fmt.Errorf("empty choices in response")
	}

	choice := apiResp.Choices[0]
	result := &Response{
		Content:    choice.Message.Content,
		StopReason: normalizeOpenAIFinish(choice.FinishReason),
		Truncated:  choice.FinishReason == openAIFinishLengthLimit,
	}
	for _, call := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, finishOpenAIToolCall(call.ID, call.Function.Name, call.Function.Arguments))
	}
	if apiResp.Usage != nil {
		result.Usage = Usage{
			PromptTokens:     apiResp.Usage.PromptTokens,
			CompletionTokens: apiResp.Usage.CompletionTokens,
			TotalTokens:      apiResp.Usage.TotalTokens,
		}
	}
	c.reportUsage(prefix, result)
	return result, nil
}

// pendingOpenAICall accumulates a streamed tool call keyed by its delta index.
type pendingOpenAICall struct {
	id   string
	name string
	args strings.Builder
}

func (c *openAIClient) Stream(ctx context.Context, req Request, cancel *CancelEvent, emit EmitFunc) (*Response, error) {
	resp, prefix, err := c.doRequest(ctx, c.buildPayload(req, true))
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var (
		content      strings.Builder
		usage        Usage
		finishReason string
		pending      = map[int]*pendingOpenAICall{}
		started      = map[int]bool{}
	)

	emitSafe := func(ev StreamEvent) error {
		if emit == nil {
			return nil
		}
		return emit(ev)
	}

	flushCalls := func() []ToolCall {
		indexes := make([]int, 0, len(pending))
		for idx := range pending {
			indexes = append(indexes, idx)
		}
		sort.Ints(indexes)
		calls := make([]ToolCall, 0, len(indexes))
		for _, idx := range indexes {
			p := pending[idx]
			calls = append(calls, finishOpenAIToolCall(p.id, p.name, p.args.String()))
		}
		return calls
	}

	finish := func(reason string) (*Response, error) {
		calls := flushCalls()
		for i := range calls {
			if err := emitSafe(StreamEvent{Type: EventToolUse, ToolCall: &calls[i]}); err != nil {
				return nil, err
			}
		}
		result := &Response{
			Content:    content.String(),
			ToolCalls:  calls,
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
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			return finish(normalizeOpenAIFinish(finishReason))
		}

		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Warn("%sskipping undecodable stream chunk: %v", prefix, err)
			continue
		}
		if chunk.Usage != nil {
			usage = Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		for _, choice := range chunk.Choices {
			if choice.FinishReason != "" {
				finishReason = choice.FinishReason
			}
			if choice.Delta.Content != "" {
				content.WriteString(choice.Delta.Content)
				if err := emitSafe(StreamEvent{Type: EventChunk, Delta: choice.Delta.Content}); err != nil {
					return nil, err
				}
			}
			for _, call := range choice.Delta.ToolCalls {
				idx := 0
				if call.Index != nil {
					idx = *call.Index
				}
				p, ok := pending[idx]
				if !ok {
					p = &pendingOpenAICall{}
					pending[idx] = p
				}
				if call.ID != "" {
					p.id = call.ID
				}
				if call.Function.Name != "" {
					p.name = call.Function.Name
					if !started[idx] {
						started[idx] = true
						if err := emitSafe(StreamEvent{Type: EventToolUseStart, ToolName: call.Function.Name}); err != nil {
							return nil, err
						}
					}
				}
				p.args.WriteString(call.Function.Arguments)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, atlaserrors.Transient(fmt.Errorf("stream read: %w", err), 0)
	}
	return finish(normalizeOpenAIFinish(finishReason))
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string           `json:"content"`
			ToolCalls []openAIToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

func finishOpenAIToolCall(id, name, rawArgs string) ToolCall {
	call := ToolCall{ID: id, Name: name}
	raw := strings.TrimSpace(rawArgs)
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

func normalizeOpenAIFinish(reason string) string {
	switch reason {
	case "stop", "":
		return StopReasonEnd
	case openAIFinishToolCalls:
		return StopReasonToolUse
	case openAIFinishLengthLimit:
		return StopReasonMaxTokens
	default:
		return reason
	}
}

func (c *openAIClient) reportUsage(prefix string, result *Response) {
	metrics.LLMCalls.WithLabelValues("openai", "success").Inc()
	metrics.LLMTokens.WithLabelValues("openai", "prompt").Add(float64(result.Usage.PromptTokens))
	metrics.LLMTokens.WithLabelValues("openai", "completion").Add(float64(result.Usage.CompletionTokens))
	c.logger.Debug("%s=== LLM Response Summary ===", prefix)
	c.logger.Debug("%sStop Reason: %s", prefix, result.StopReason)
	c.logger.Debug("%sContent Length: %d chars", prefix, len(result.Content))
	c.logger.Debug("%sTool Calls: %d", prefix, len(result.ToolCalls))
}
