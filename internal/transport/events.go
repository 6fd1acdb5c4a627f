package transport

// Emitter is the outbound half of the hub, as seen by pipeline tasks.
type Emitter interface {
	SendToUser(userID string, msg Message)
	SendToConn(connID string, msg Message)
}

// NopEmitter discards events; used when a run has no listening client.
type NopEmitter struct{}

func (NopEmitter) SendToUser(string, Message) {}
func (NopEmitter) SendToConn(string, Message) {}

// ProgressEvent builds a "<pipeline>_progress" message.
func ProgressEvent(pipeline, runID, phase string, completed, total int, detail, status string) Message {
	return Message{
		"type":      pipeline + "_progress",
		"run_id":    runID,
		"phase":     phase,
		"completed": completed,
		"total":     total,
		"detail":    detail,
		"status":    status,
	}
}

// CompleteEvent builds the terminal "<pipeline>_complete" message.
func CompleteEvent(pipeline, runID string, extra Message) Message {
	msg := Message{"type": pipeline + "_complete", "run_id": runID}
	for k, v := range extra {
		msg[k] = v
	}
	return msg
}

// FailedEvent builds the terminal "<pipeline>_failed" message with a short
// human-readable reason.
func FailedEvent(pipeline, runID, reason string) Message {
	return Message{"type": pipeline + "_failed", "run_id": runID, "error": reason}
}

// CancelledEvent builds the terminal "<pipeline>_cancelled" message.
func CancelledEvent(pipeline, runID string) Message {
	return Message{"type": pipeline + "_cancelled", "run_id": runID}
}
