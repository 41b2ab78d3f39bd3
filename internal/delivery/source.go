package delivery

import (
	"context"
	"encoding/json"
	"time"

	"github.com/austindbirch/tonharbor/internal/boc"
	"github.com/austindbirch/tonharbor/internal/clienterr"
)

// Message is the serialized form broadcast in one round
type Message struct {
	ID       string
	Boc      []byte
	ExpireAt time.Time // zero when the format carries no expiration header
}

// MessageSource produces the message for each broadcast round. expireAt is
// the deadline the round wants the message to carry.
type MessageSource interface {
	Build(ctx context.Context, expireAt time.Time) (Message, error)
}

type staticSource struct {
	msg Message
}

// Static broadcasts the same bytes every round. The message has no
// expiration header so each round is bounded by its window alone.
func Static(message []byte) MessageSource {
	return staticSource{msg: Message{ID: boc.Key(message), Boc: message}}
}

// StaticExpiring is Static for a message that carries its own expiration
// header. It cannot be refreshed, so once expireAt passes it is not sent again.
func StaticExpiring(message []byte, expireAt time.Time) MessageSource {
	return staticSource{msg: Message{ID: boc.Key(message), Boc: message, ExpireAt: expireAt}}
}

func (s staticSource) Build(context.Context, time.Time) (Message, error) {
	return s.msg, nil
}

// Signer obtains a signature from the host application
type Signer interface {
	Request(ctx context.Context, payload any, timeout time.Duration) (json.RawMessage, error)
}

// HostSigned re-encodes the message every round with the round's expiration
// and asks the host to sign it.
type HostSigned struct {
	// Encode returns the unsigned message and the payload handed to the host
	Encode func(ctx context.Context, expireAt time.Time) (unsigned []byte, signRequest any, err error)
	// Attach combines the unsigned message with the host's signature
	Attach  func(unsigned []byte, signature json.RawMessage) ([]byte, error)
	Signer  Signer
	Timeout time.Duration
}

func (h HostSigned) Build(ctx context.Context, expireAt time.Time) (Message, error) {
	if h.Encode == nil || h.Attach == nil || h.Signer == nil {
		return Message{}, clienterr.New(clienterr.KindInvalidConfig, "host signed source needs Encode, Attach and Signer")
	}
	unsigned, signRequest, err := h.Encode(ctx, expireAt)
	if err != nil {
		return Message{}, err
	}
	signature, err := h.Signer.Request(ctx, signRequest, h.Timeout)
	if err != nil {
		return Message{}, err
	}
	signed, err := h.Attach(unsigned, signature)
	if err != nil {
		return Message{}, clienterr.Wrap(clienterr.KindAppRequestFailed, err, "attaching host signature")
	}
	return Message{ID: boc.Key(signed), Boc: signed, ExpireAt: expireAt}, nil
}

// Envelope is the relay's wire format for host signed messages
type Envelope struct {
	Body      []byte          `json:"body"`
	ExpireAt  int64           `json:"expire_at"` // unix milliseconds
	Signature json.RawMessage `json:"signature,omitempty"`
}

// SignRequest is what the host receives for an Envelope
type SignRequest struct {
	Context    json.RawMessage `json:"context,omitempty"`
	DataToSign string          `json:"data_to_sign"` // content key of the unsigned envelope
	ExpireAt   int64           `json:"expire_at"`
}

// EnvelopeSource signs body through the host every round
func EnvelopeSource(body []byte, signContext json.RawMessage, signer Signer, timeout time.Duration) HostSigned {
	return HostSigned{
		Encode: func(ctx context.Context, expireAt time.Time) ([]byte, any, error) {
			unsigned, err := json.Marshal(Envelope{Body: body, ExpireAt: expireAt.UnixMilli()})
			if err != nil {
				return nil, nil, clienterr.Wrap(clienterr.KindInvalidConfig, err, "encoding envelope")
			}
			return unsigned, SignRequest{
				Context:    signContext,
				DataToSign: boc.Key(unsigned),
				ExpireAt:   expireAt.UnixMilli(),
			}, nil
		},
		Attach: func(unsigned []byte, signature json.RawMessage) ([]byte, error) {
			var env Envelope
			if err := json.Unmarshal(unsigned, &env); err != nil {
				return nil, err
			}
			env.Signature = signature
			return json.Marshal(env)
		},
		Signer:  signer,
		Timeout: timeout,
	}
}
