package delivery

import "time"

const DLQType = "message.dlq"

type DeadLetter struct {
	Type      string `json:"type"`    // "message.dlq"
	Version   string `json:"version"` // schema version
	At        string `json:"at"`      // RFC3339 time the DLQ was emitted
	Reason    string `json:"reason"`  // error kind
	Rounds    int    `json:"rounds"`  // broadcast rounds when DLQ'd
	MessageID string `json:"message_id,omitempty"`
	JobID     string `json:"job_id,omitempty"`
	LastError string `json:"last_error,omitempty"`
	Data      any    `json:"data,omitempty"` // last transaction or rejection
}

func NewDeadLetter(jobID, messageID string, rounds int, reason, lastErr string, data any) DeadLetter {
	return DeadLetter{
		Type:      DLQType,
		Version:   "v1",
		At:        time.Now().Format(time.RFC3339Nano),
		Reason:    reason,
		Rounds:    rounds,
		MessageID: messageID,
		JobID:     jobID,
		LastError: lastErr,
		Data:      data,
	}
}
