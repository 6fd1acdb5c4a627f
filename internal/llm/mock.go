package llm

import (
	"context"
	"fmt"
)

// MockClient is a scripted client for tests. Each call consumes the next
// queued response; when the queue is empty, Err (or a default error) returns.
type MockClient struct {
	Responses []Response
	Err       error
	Requests  []Request
	cursor    int
}

var _ Client = (*MockClient)(nil)

// NewMockClient queues the given responses.
func NewMockClient(responses ...Response) *MockClient {
	return &MockClient{Responses: responses}
}

func (m *MockClient) Model() string { return "mock" }

func (m *MockClient) Complete(_ context.Context, req Request) (*Response, error) {
	m.Requests = append(m.Requests, req)
	if m.cursor >= len(m.Responses) {
		if m.Err != nil {
			return nil, m.Err
		}
		return nil, fmt.Errorf("mock client: no responses left (call %d)", m.cursor+1)
	}
	resp := m.Responses[m.cursor]
	m.cursor++
	return &resp, nil
}

func (m *MockClient) Stream(ctx context.Context, req Request, cancel *CancelEvent, emit EmitFunc) (*Response, error) {
	if cancel.IsSet() {
		resp := &Response{StopReason: StopReasonCancelled}
		if emit != nil {
			_ = emit(StreamEvent{Type: EventEnd, StopReason: StopReasonCancelled, Usage: &resp.Usage})
		}
		return resp, nil
	}
	resp, err := m.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if emit != nil {
		if resp.Content != "" {
			if err := emit(StreamEvent{Type: EventChunk, Delta: resp.Content}); err != nil {
				return nil, err
			}
		}
		for i := range resp.ToolCalls {
			if err := emit(StreamEvent{Type: EventToolUseStart, ToolName: resp.ToolCalls[i].Name}); err != nil {
				return nil, err
			}
			if err := emit(StreamEvent{Type: EventToolUse, ToolCall: &resp.ToolCalls[i]}); err != nil {
				return nil, err
			}
		}
		if err := emit(StreamEvent{Type: EventEnd, StopReason: resp.StopReason, Usage: &resp.Usage}); err != nil {
			return nil, err
		}
	}
	return resp, nil
}
