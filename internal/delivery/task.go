package delivery

import "encoding/json"

// Job is a submit request as it travels over NSQ to the relay
type Job struct {
	JobID        string            `json:"job_id"`
	Message      string            `json:"message,omitempty"` // base64 or boc cache reference
	Address      string            `json:"address,omitempty"` // destination account, used for emulation
	AccountState string            `json:"account_state,omitempty"`
	Emulation    EmulationStatus   `json:"emulation,omitempty"`
	SignRequest  json.RawMessage   `json:"sign_request,omitempty"` // set for host signed messages
	PublishedAt  string            `json:"published_at"`           // RFC3339
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

// JobResult is published when a job reaches a terminal outcome
type JobResult struct {
	JobID          string   `json:"job_id"`
	MessageID      string   `json:"message_id,omitempty"`
	Status         string   `json:"status"` // confirmed or an error kind
	TransactionID  string   `json:"transaction_id,omitempty"`
	TransactionKey string   `json:"transaction_key,omitempty"`
	OutMessageKeys []string `json:"out_message_keys,omitempty"`
	Rounds         int      `json:"rounds"`
	Error          string   `json:"error,omitempty"`
	FinishedAt     string   `json:"finished_at"`
}
