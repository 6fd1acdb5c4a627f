package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProgressEvent(t *testing.T) {
	msg := ProgressEvent("sql", "run-1", "crawl", 3, 10, "/Shared/etl", "running")
	assert.Equal(t, Message{
		"type":      "sql_progress",
		"run_id":    "run-1",
		"phase":     "crawl",
		"completed": 3,
		"total":     10,
		"detail":    "/Shared/etl",
		"status":    "running",
	}, msg)
}

func TestCompleteEventMergesExtra(t *testing.T) {
	msg := CompleteEvent("tree", "run-2", Message{"health": 81, "leaves": 12})
	assert.Equal(t, "tree_complete", msg["type"])
	assert.Equal(t, "run-2", msg["run_id"])
	assert.Equal(t, 81, msg["health"])
	assert.Equal(t, 12, msg["leaves"])

	// Nil extra is fine.
	assert.Equal(t, Message{"type": "config_complete", "run_id": "r"}, CompleteEvent("config", "r", nil))
}

func TestFailedAndCancelledEvents(t *testing.T) {
	assert.Equal(t, Message{"type": "sql_failed", "run_id": "r1", "error": "workspace 401"},
		FailedEvent("sql", "r1", "workspace 401"))
	assert.Equal(t, Message{"type": "sql_cancelled", "run_id": "r1"},
		CancelledEvent("sql", "r1"))
}

func TestNopEmitter(t *testing.T) {
	var e Emitter = NopEmitter{}
	e.SendToUser("u1", Message{"type": "x"})
	e.SendToConn("c1", Message{"type": "x"})
}

func TestHubSendToUnknownConn(t *testing.T) {
	h := NewHub(nil)
	// Unknown ids are dropped silently.
	h.SendToConn("missing", Message{"type": "x"})
	h.SendToUser("nobody", Message{"type": "x"})
	h.Disconnect("missing")
	assert.Equal(t, 0, h.Connections())
	assert.Nil(t, h.Conn("missing"))
}

func TestConnCancelEvent(t *testing.T) {
	c := &Conn{ID: "c1"}
	ev := c.CancelEvent()
	assert.NotNil(t, ev)
	assert.Same(t, ev, c.CancelEvent())

	ev.Set()
	fresh := c.ResetCancelEvent()
	assert.NotSame(t, ev, fresh)
	assert.False(t, fresh.IsSet())
	assert.Same(t, fresh, c.CancelEvent())
}
