package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"atlas/internal/llm"
	"atlas/internal/logging"
	"atlas/internal/tools"
	"atlas/internal/transport"
)

// maxRounds caps tool-call rounds per request.
const maxRounds = 5

// persistTimeout bounds the save session that runs after chat_end.
const persistTimeout = 10 * time.Second

// Store is the slice of the persistence facade the orchestrator needs. Each
// method runs in its own short-lived session; no session spans an LLM call.
type Store interface {
	LoadConversation(ctx context.Context, conversationID string) ([]llm.Message, error)
	SaveConversation(ctx context.Context, conversationID, userID, orgID string, messages []llm.Message) error
}

// Request is one inbound chat message.
type Request struct {
	ConversationID string
	ConnID         string
	UserID         string
	OrgID          string
	Text           string
}

// Orchestrator runs the multi-round chat loop.
type Orchestrator struct {
	client   llm.Client
	store    Store
	registry *tools.Registry
	allowed  tools.PermissionFunc
	emitter  transport.Emitter
	deps     map[string]any
	system   string
	maxTok   int
	logger   logging.Logger
}

// New builds an orchestrator.
func New(client llm.Client, store Store, registry *tools.Registry, allowed tools.PermissionFunc, emitter transport.Emitter, deps map[string]any, systemPrompt string, maxTokens int, logger logging.Logger) *Orchestrator {
	return &Orchestrator{
		client:   client,
		store:    store,
		registry: registry,
		allowed:  allowed,
		emitter:  emitter,
		deps:     deps,
		system:   systemPrompt,
		maxTok:   maxTokens,
		logger:   logging.OrNop(logger),
	}
}

// Handle runs one chat request to completion. History is loaded in one
// store session, every LLM round streams to the client, tool calls execute
// through the registry, and the final history persists in a separate
// session. On cancellation chat_end is emitted immediately, before
// persistence.
func (o *Orchestrator) Handle(ctx context.Context, req Request, cancel *llm.CancelEvent) error {
	history, err := o.store.LoadConversation(ctx, req.ConversationID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	messages := append(history, llm.Message{Role: "user", Content: req.Text})

	defs := o.registry.ForLLM(req.UserID, o.allowed)
	tc := tools.ToolContext{UserID: req.UserID, OrgID: req.OrgID, Deps: o.deps}

	for round := 0; round < maxRounds; round++ {
		resp, err := o.streamRound(ctx, req, messages, defs, cancel)
		if err != nil {
			o.emitter.SendToConn(req.ConnID, transport.Message{
				"type": "error", "conversation_id": req.ConversationID, "error": err.Error(),
			})
			return err
		}

		if cancel.IsSet() || resp.StopReason == llm.StopReasonCancelled {
			o.emitEnd(req)
			o.persist(req, messages, resp.Content)
			return nil
		}

		if len(resp.ToolCalls) == 0 {
			messages = append(messages, llm.Message{Role: "assistant", Content: resp.Content})
			o.emitEnd(req)
			o.persist(req, messages, "")
			return nil
		}

		// One assistant message carries the text plus tool-use blocks, one
		// tool message carries all results.
		messages = append(messages, llm.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			if cancel.IsSet() {
				o.emitEnd(req)
				o.persist(req, messages, "")
				return nil
			}
			result := o.executeTool(ctx, req, tc, call)
			messages = append(messages, llm.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: call.ID,
			})
		}
	}

	o.emitEnd(req)
	o.persist(req, messages, "")
	return nil
}

func (o *Orchestrator) streamRound(ctx context.Context, req Request, messages []llm.Message, defs []llm.ToolDefinition, cancel *llm.CancelEvent) (*llm.Response, error) {
	return o.client.Stream(ctx, llm.Request{
		System:    o.system,
		Messages:  messages,
		Tools:     defs,
		MaxTokens: o.maxTok,
	}, cancel, func(ev llm.StreamEvent) error {
		switch ev.Type {
		case llm.EventChunk:
			o.emitter.SendToConn(req.ConnID, transport.Message{
				"type":            "chat_chunk",
				"conversation_id": req.ConversationID,
				"content":         ev.Delta,
			})
		case llm.EventToolUseStart:
			o.emitter.SendToConn(req.ConnID, transport.Message{
				"type":            "tool_preparing",
				"conversation_id": req.ConversationID,
				"tool":            ev.ToolName,
			})
		}
		return nil
	})
}

func (o *Orchestrator) executeTool(ctx context.Context, req Request, tc tools.ToolContext, call llm.ToolCall) string {
	display := call.Name
	if tool, ok := o.registry.Get(call.Name); ok {
		display = tool.DisplayAnnotation()
	}
	o.emitter.SendToConn(req.ConnID, transport.Message{
		"type":            "tool_start",
		"conversation_id": req.ConversationID,
		"tool":            call.Name,
		"display":         display,
	})

	args := call.Arguments
	if args == nil && call.RawArguments != "" {
		// Arguments that failed structured decode ride along raw.
		args = map[string]any{"raw": call.RawArguments}
	}
	result := o.registry.Execute(ctx, tc, o.allowed, call.Name, args)

	o.emitter.SendToConn(req.ConnID, transport.Message{
		"type":            "tool_end",
		"conversation_id": req.ConversationID,
		"tool":            call.Name,
		"summary":         tools.FirstLine(result),
	})
	return result
}

func (o *Orchestrator) emitEnd(req Request) {
	o.emitter.SendToConn(req.ConnID, transport.Message{
		"type":            "chat_end",
		"conversation_id": req.ConversationID,
	})
}

// persist saves the history in its own session, after chat_end so the UI
// never waits on the database. partial, when non-empty, is the cancelled
// round's text.
func (o *Orchestrator) persist(req Request, messages []llm.Message, partial string) {
	if partial != "" {
		messages = append(messages, llm.Message{Role: "assistant", Content: partial})
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := o.store.SaveConversation(ctx, req.ConversationID, req.UserID, req.OrgID, messages); err != nil {
		o.logger.Error("persist conversation %s failed: %v", req.ConversationID, err)
	}
}

// DecodeRequest parses an inbound chat submit message.
func DecodeRequest(connID, userID string, raw []byte) (Request, error) {
	var body struct {
		ConversationID string `json:"conversation_id"`
		OrgID          string `json:"org_id"`
		Text           string `json:"text"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return Request{}, fmt.Errorf("decode chat request: %w", err)
	}
	if body.Text == "" {
		return Request{}, fmt.Errorf("chat request has no text")
	}
	return Request{
		ConversationID: body.ConversationID,
		ConnID:         connID,
		UserID:         userID,
		OrgID:          body.OrgID,
		Text:           body.Text,
	}, nil
}
