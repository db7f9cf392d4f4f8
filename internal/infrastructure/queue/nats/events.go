package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/kirillkom/document-analysis-engine/internal/core/domain"
)

// originHeader names the process that published an event so the same
// process can skip its own events when relaying.
const originHeader = "Dae-Origin"

// EventBridge republishes lifecycle events on "<prefix>.<document_id>" and
// relays events published by other processes into the local broker.
type EventBridge struct {
	queue  *Queue
	prefix string
	origin string
}

func NewEventBridge(queue *Queue, prefix string) *EventBridge {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "analysis.events"
	}
	return &EventBridge{queue: queue, prefix: prefix, origin: uuid.NewString()}
}

func (b *EventBridge) Subject(documentID string) string {
	return b.prefix + "." + documentID
}

func (b *EventBridge) Forward(ctx context.Context, event domain.Event) error {
	if event.DocumentID == "" {
		return domain.WrapError(domain.ErrInvalidInput, "forward event", fmt.Errorf("event without document id"))
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := &nats.Msg{Subject: b.Subject(event.DocumentID), Data: body, Header: nats.Header{}}
	msg.Header.Set(originHeader, b.origin)
	return b.queue.publish(ctx, "nats.publish_event", msg)
}

// Relay blocks until ctx ends, handing events published by other processes
// to deliver.
func (b *EventBridge) Relay(ctx context.Context, deliver func(domain.Event)) error {
	if b.queue.conn == nil {
		return errors.New("nats relay: no connection")
	}
	sub, err := b.queue.conn.Subscribe(b.prefix+".>", func(msg *nats.Msg) {
		event, ok, err := b.decode(msg)
		if err != nil {
			b.queue.logger.Warn("event_relay_decode_failed", "subject", msg.Subject, "error", err)
			return
		}
		if ok {
			deliver(event)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe events: %w", err)
	}
	return b.queue.hold(ctx, sub)
}

// decode reports false for events this bridge published itself.
func (b *EventBridge) decode(msg *nats.Msg) (domain.Event, bool, error) {
	if msg.Header != nil && msg.Header.Get(originHeader) == b.origin {
		return domain.Event{}, false, nil
	}
	var event domain.Event
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		return domain.Event{}, false, fmt.Errorf("decode event: %w", err)
	}
	if event.DocumentID == "" {
		return domain.Event{}, false, fmt.Errorf("event on %s without document id", msg.Subject)
	}
	return event, true, nil
}
