// Package hostbus carries relay traffic over NSQ: app requests out to the
// host application, resolutions back, delivery results and dead letters.
package hostbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/tonharbor/internal/appreq"
	"github.com/austindbirch/tonharbor/internal/clienterr"
	"github.com/austindbirch/tonharbor/internal/delivery"
	"github.com/austindbirch/tonharbor/internal/logging"
	"github.com/austindbirch/tonharbor/internal/tracing"
)

// Publisher is satisfied by *nsq.Producer
type Publisher interface {
	Publish(topic string, body []byte) error
}

// Dispatcher publishes app requests for the host to pick up
type Dispatcher struct {
	pub   Publisher
	topic string
}

func NewDispatcher(pub Publisher, topic string) *Dispatcher {
	return &Dispatcher{pub: pub, topic: topic}
}

func (d *Dispatcher) Dispatch(ctx context.Context, req appreq.Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if err := d.pub.Publish(d.topic, body); err != nil {
		return fmt.Errorf("publish to %s: %w", d.topic, err)
	}
	tracing.AddSpanEvent(ctx, "nsq.published_app_request")
	return nil
}

// Resolution is what the host publishes on the responses topic. Relay
// echoes the relay_id of the request it answers.
type Resolution struct {
	ID     uint32          `json:"app_request_id"`
	Relay  string          `json:"relay_id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func (r Resolution) Outcome() appreq.Outcome {
	if r.Error != "" {
		return appreq.Fail(r.Error)
	}
	return appreq.Ok(r.Result)
}

// For reports whether r answers a request issued by the given instance
func (r Resolution) For(instance string) bool {
	return r.Relay == instance
}

// ResolutionHandler feeds host resolutions into the correlator. Every relay
// sees every resolution, so ones addressed to another instance are skipped.
// Resolutions for unknown or abandoned requests are dropped, never requeued.
func ResolutionHandler(c *appreq.Correlator, log *logging.Logger) nsq.Handler {
	return nsq.HandlerFunc(func(m *nsq.Message) error {
		m.DisableAutoResponse()
		defer func() {
			if !m.HasResponded() {
				m.Finish()
			}
		}()

		var res Resolution
		if err := json.Unmarshal(m.Body, &res); err != nil || res.ID == 0 {
			log.Plain().WithError(err).Warn("bad app response payload")
			return nil
		}
		if !res.For(c.Instance()) {
			log.Plain().WithRequest(res.ID).WithField("relay_id", res.Relay).Debug("skipping response for another relay")
			return nil
		}
		if err := c.Resolve(res.ID, res.Outcome()); err != nil {
			if errors.Is(err, clienterr.KindNoSuchRequest) {
				log.Plain().WithRequest(res.ID).Info("dropping response for unknown app request")
				return nil
			}
			log.Plain().WithRequest(res.ID).WithError(err).Error("resolving app request failed")
		}
		return nil
	})
}

// DeadLetters publishes terminal delivery failures
type DeadLetters struct {
	pub   Publisher
	topic string
}

func NewDeadLetters(pub Publisher, topic string) *DeadLetters {
	return &DeadLetters{pub: pub, topic: topic}
}

func (d *DeadLetters) DeadLetter(ctx context.Context, dl delivery.DeadLetter) error {
	body, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	if err := d.pub.Publish(d.topic, body); err != nil {
		return err
	}
	tracing.AddSpanEvent(ctx, "nsq.published_dlq")
	return nil
}

// Results publishes delivery outcomes of submit jobs
type Results struct {
	pub   Publisher
	topic string
}

func NewResults(pub Publisher, topic string) *Results {
	return &Results{pub: pub, topic: topic}
}

func (r *Results) Publish(ctx context.Context, res delivery.JobResult) error {
	body, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return r.pub.Publish(r.topic, body)
}
