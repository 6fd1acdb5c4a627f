package chat

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas/internal/llm"
	"atlas/internal/tools"
	"atlas/internal/transport"
)

type fakeStore struct {
	history []llm.Message
	loadErr error
	saved   []llm.Message
	saves   int
}

func (f *fakeStore) LoadConversation(context.Context, string) ([]llm.Message, error) {
	return f.history, f.loadErr
}

func (f *fakeStore) SaveConversation(_ context.Context, _, _, _ string, messages []llm.Message) error {
	f.saved = messages
	f.saves++
	return nil
}

type fakeEmitter struct {
	msgs []transport.Message
}

func (f *fakeEmitter) SendToUser(string, transport.Message) {}
func (f *fakeEmitter) SendToConn(_ string, msg transport.Message) {
	f.msgs = append(f.msgs, msg)
}

func (f *fakeEmitter) types() []string {
	var out []string
	for _, m := range f.msgs {
		out = append(out, m["type"].(string))
	}
	return out
}

func chatRequest() Request {
	return Request{ConversationID: "conv-1", ConnID: "conn-1", UserID: "u1", OrgID: "org-1", Text: "hello"}
}

func newOrchestrator(client llm.Client, st *fakeStore, em *fakeEmitter, registry *tools.Registry) *Orchestrator {
	if registry == nil {
		registry = tools.NewRegistry(nil)
	}
	return New(client, st, registry, nil, em, nil, "you are helpful", 1000, nil)
}

func TestHandleTerminalResponse(t *testing.T) {
	st := &fakeStore{history: []llm.Message{{Role: "user", Content: "earlier"}, {Role: "assistant", Content: "reply"}}}
	em := &fakeEmitter{}
	mock := llm.NewMockClient(llm.Response{Content: "hi there", StopReason: llm.StopReasonEnd})
	o := newOrchestrator(mock, st, em, nil)

	require.NoError(t, o.Handle(context.Background(), chatRequest(), llm.NewCancelEvent()))

	assert.Equal(t, []string{"chat_chunk", "chat_end"}, em.types())
	assert.Equal(t, "hi there", em.msgs[0]["content"])
	assert.Equal(t, "conv-1", em.msgs[0]["conversation_id"])

	require.Len(t, st.saved, 4)
	assert.Equal(t, "hello", st.saved[2].Content)
	assert.Equal(t, llm.Message{Role: "assistant", Content: "hi there"}, st.saved[3])
}

func TestHandleToolRound(t *testing.T) {
	registry := tools.NewRegistry(nil)
	require.NoError(t, registry.Register(tools.Tool{
		Name:        "lookup_doc",
		Description: "looks up a document",
		Annotations: map[string]string{"display": "Looking up document"},
		Handler: func(_ context.Context, tc tools.ToolContext, args map[string]any) (string, error) {
			key, _ := args["key"].(string)
			return "found " + key + "\nsecond line", nil
		},
	}))

	st := &fakeStore{}
	em := &fakeEmitter{}
	mock := llm.NewMockClient(
		llm.Response{
			Content:    "let me check",
			ToolCalls:  []llm.ToolCall{{ID: "t1", Name: "lookup_doc", Arguments: map[string]any{"key": "01_MASTER"}}},
			StopReason: llm.StopReasonToolUse,
		},
		llm.Response{Content: "the doc says X", StopReason: llm.StopReasonEnd},
	)
	o := newOrchestrator(mock, st, em, registry)

	require.NoError(t, o.Handle(context.Background(), chatRequest(), llm.NewCancelEvent()))

	assert.Equal(t, []string{
		"chat_chunk",     // round 1 text
		"tool_preparing", // tool block opened
		"tool_start",
		"tool_end",
		"chat_chunk", // round 2 text
		"chat_end",
	}, em.types())

	var toolStart, toolEnd transport.Message
	for _, m := range em.msgs {
		switch m["type"] {
		case "tool_start":
			toolStart = m
		case "tool_end":
			toolEnd = m
		}
	}
	assert.Equal(t, "lookup_doc", toolStart["tool"])
	assert.Equal(t, "Looking up document", toolStart["display"])
	assert.Equal(t, "found 01_MASTER", toolEnd["summary"])

	// user, assistant+tool_calls, tool result, assistant.
	require.Len(t, st.saved, 4)
	assert.Equal(t, "assistant", st.saved[1].Role)
	require.Len(t, st.saved[1].ToolCalls, 1)
	assert.Equal(t, "tool", st.saved[2].Role)
	assert.Equal(t, "t1", st.saved[2].ToolCallID)
	assert.Equal(t, "found 01_MASTER\nsecond line", st.saved[2].Content)
	assert.Equal(t, "the doc says X", st.saved[3].Content)

	// The second round's request carries the tool result.
	require.Len(t, mock.Requests, 2)
	assert.Equal(t, "tool", mock.Requests[1].Messages[len(mock.Requests[1].Messages)-1].Role)
}

func TestHandleCancelledBeforeStart(t *testing.T) {
	st := &fakeStore{}
	em := &fakeEmitter{}
	o := newOrchestrator(llm.NewMockClient(), st, em, nil)

	cancel := llm.NewCancelEvent()
	cancel.Set()
	require.NoError(t, o.Handle(context.Background(), chatRequest(), cancel))

	assert.Equal(t, []string{"chat_end"}, em.types())
	// History still persists: the user message, no assistant reply.
	require.Len(t, st.saved, 1)
	assert.Equal(t, "hello", st.saved[0].Content)
}

func TestHandleLLMFailure(t *testing.T) {
	st := &fakeStore{}
	em := &fakeEmitter{}
	o := newOrchestrator(llm.NewMockClient(), st, em, nil) // empty queue errors

	err := o.Handle(context.Background(), chatRequest(), llm.NewCancelEvent())
	require.Error(t, err)
	assert.Equal(t, []string{"error"}, em.types())
	assert.Zero(t, st.saves)
}

func TestHandleLoadFailure(t *testing.T) {
	st := &fakeStore{loadErr: context.DeadlineExceeded}
	o := newOrchestrator(llm.NewMockClient(), st, &fakeEmitter{}, nil)
	err := o.Handle(context.Background(), chatRequest(), llm.NewCancelEvent())
	assert.ErrorContains(t, err, "load conversation")
}

func TestHandleRoundCap(t *testing.T) {
	registry := tools.NewRegistry(nil)
	require.NoError(t, registry.Register(tools.Tool{
		Name: "loop",
		Handler: func(context.Context, tools.ToolContext, map[string]any) (string, error) {
			return "again", nil
		},
	}))

	// Every round asks for another tool call; the loop must stop at the cap.
	responses := make([]llm.Response, maxRounds)
	for i := range responses {
		responses[i] = llm.Response{
			ToolCalls:  []llm.ToolCall{{ID: "t", Name: "loop"}},
			StopReason: llm.StopReasonToolUse,
		}
	}
	st := &fakeStore{}
	em := &fakeEmitter{}
	mock := llm.NewMockClient(responses...)
	o := newOrchestrator(mock, st, em, registry)

	require.NoError(t, o.Handle(context.Background(), chatRequest(), llm.NewCancelEvent()))
	assert.Len(t, mock.Requests, maxRounds)
	assert.Equal(t, "chat_end", em.types()[len(em.types())-1])
	assert.Equal(t, 1, st.saves)
}

func TestDecodeRequest(t *testing.T) {
	req, err := DecodeRequest("conn-9", "u7", []byte(`{"type":"chat","conversation_id":"c1","org_id":"o1","text":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, Request{ConversationID: "c1", ConnID: "conn-9", UserID: "u7", OrgID: "o1", Text: "hi"}, req)

	_, err = DecodeRequest("conn-9", "u7", []byte(`{"text":""}`))
	assert.ErrorContains(t, err, "no text")

	_, err = DecodeRequest("conn-9", "u7", []byte(`not json`))
	assert.ErrorContains(t, err, "decode chat request")
}
