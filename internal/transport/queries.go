package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/austindbirch/tonharbor/internal/clienterr"
)

const (
	serverTimeQuery = `query{info{time}}`

	postRequestsMutation = `mutation($requests:[Request]){postRequests(requests:$requests)}`

	accountBocQuery = `query($address:String!){accounts(filter:{id:{eq:$address}}){boc}}`

	messageStatusSubscription = `subscription($id:String!){messageStatus(id:$id){` +
		`transaction{id boc aborted exit_code out_msgs} ` +
		`rejection{code reason replay_protection}}}`
)

// ServerTime asks an endpoint for its current ledger time
func ServerTime(ctx context.Context, t Transport, endpoint string) (time.Time, error) {
	resp, err := t.Query(ctx, endpoint, Request{Query: serverTimeQuery})
	if err != nil {
		return time.Time{}, err
	}
	var data struct {
		Info struct {
			Time int64 `json:"time"` // milliseconds
		} `json:"info"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return time.Time{}, clienterr.Wrap(clienterr.KindTransport, err, "malformed info from %s", endpoint)
	}
	if data.Info.Time == 0 {
		return time.Time{}, clienterr.New(clienterr.KindTransport, "%s did not report info.time", endpoint)
	}
	return time.UnixMilli(data.Info.Time), nil
}

// PostMessage submits a serialized message under its id. A zero expireAt
// omits the field.
func PostMessage(ctx context.Context, t Transport, endpoint, id string, message []byte, expireAt time.Time) error {
	req := map[string]any{
		"id":   id,
		"body": base64.StdEncoding.EncodeToString(message),
	}
	if !expireAt.IsZero() {
		req["expireAt"] = expireAt.UnixMilli()
	}
	_, err := t.Query(ctx, endpoint, Request{
		Query:     postRequestsMutation,
		Variables: map[string]any{"requests": []any{req}},
	})
	return err
}

// AccountBoc fetches the serialized state of an account
func AccountBoc(ctx context.Context, t Transport, endpoint, address string) ([]byte, error) {
	resp, err := t.Query(ctx, endpoint, Request{
		Query:     accountBocQuery,
		Variables: map[string]any{"address": address},
	})
	if err != nil {
		return nil, err
	}
	var data struct {
		Accounts []struct {
			Boc string `json:"boc"`
		} `json:"accounts"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, clienterr.Wrap(clienterr.KindTransport, err, "malformed accounts from %s", endpoint)
	}
	if len(data.Accounts) == 0 || data.Accounts[0].Boc == "" {
		return nil, clienterr.New(clienterr.KindNotFound, "account %s not found", address)
	}
	raw, err := base64.StdEncoding.DecodeString(data.Accounts[0].Boc)
	if err != nil {
		return nil, clienterr.Wrap(clienterr.KindTransport, err, "account %s boc is not base64", address)
	}
	return raw, nil
}

// Transaction is a confirmed transaction as reported by an endpoint. Bocs
// are base64.
type Transaction struct {
	ID          string   `json:"id"`
	Boc         string   `json:"boc"`
	Aborted     bool     `json:"aborted"`
	ExitCode    int      `json:"exit_code"`
	OutMessages []string `json:"out_msgs"`
}

// Rejection is a definitive refusal of a message by the ledger
type Rejection struct {
	Code             int    `json:"code"`
	Reason           string `json:"reason"`
	ReplayProtection bool   `json:"replay_protection"`
}

type MessageStatus struct {
	Transaction *Transaction `json:"transaction"`
	Rejection   *Rejection   `json:"rejection"`
}

// MessageStatusTopic is the subscription that reports the fate of a message
func MessageStatusTopic(messageID string) Request {
	return Request{
		Query:     messageStatusSubscription,
		Variables: map[string]any{"id": messageID},
	}
}

// DecodeMessageStatus parses one event of a MessageStatusTopic stream. It
// returns nil for events that carry neither a transaction nor a rejection.
func DecodeMessageStatus(data json.RawMessage) (*MessageStatus, error) {
	var env struct {
		MessageStatus *MessageStatus `json:"messageStatus"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, clienterr.Wrap(clienterr.KindTransport, err, "malformed message status")
	}
	if env.MessageStatus == nil || (env.MessageStatus.Transaction == nil && env.MessageStatus.Rejection == nil) {
		return nil, nil
	}
	return env.MessageStatus, nil
}
