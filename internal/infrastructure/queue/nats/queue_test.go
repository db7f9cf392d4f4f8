package nats

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/document-analysis-engine/internal/core/domain"
	"github.com/kirillkom/document-analysis-engine/internal/infrastructure/resilience"
)

type publisherFake struct {
	errs     []error
	subjects []string
	bodies   [][]byte
	headers  []nats.Header
}

func (p *publisherFake) PublishMsg(msg *nats.Msg) error {
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return err
		}
	}
	p.subjects = append(p.subjects, msg.Subject)
	p.bodies = append(p.bodies, msg.Data)
	p.headers = append(p.headers, msg.Header)
	return nil
}

func quietOptions(exec *resilience.Executor) Options {
	return Options{
		ResilienceExecutor: exec,
		Logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestPublishUploadRetriesDisconnects(t *testing.T) {
	pub := &publisherFake{errs: []error{nats.ErrDisconnected}}
	exec := resilience.NewExecutor(resilience.Config{RetryMaxAttempts: 2, RetryInitialBackoff: time.Millisecond})
	q := newQueue(pub, "documents.uploaded", quietOptions(exec))

	if err := q.PublishDocumentUploaded(context.Background(), "doc-1"); err != nil {
		t.Fatalf("PublishDocumentUploaded() error = %v", err)
	}
	if len(pub.subjects) != 1 || pub.subjects[0] != "documents.uploaded" || string(pub.bodies[0]) != "doc-1" {
		t.Fatalf("unexpected publishes %v %q", pub.subjects, pub.bodies)
	}
}

func TestPublishUploadExhaustedIsTemporary(t *testing.T) {
	pub := &publisherFake{errs: []error{nats.ErrNoServers, nats.ErrNoServers}}
	exec := resilience.NewExecutor(resilience.Config{RetryMaxAttempts: 2, RetryInitialBackoff: time.Millisecond})
	q := newQueue(pub, "documents.uploaded", quietOptions(exec))

	err := q.PublishDocumentUploaded(context.Background(), "doc-1")
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary error, got %v", err)
	}
}

func TestPublishUploadPermanentErrorIsNotTemporary(t *testing.T) {
	pub := &publisherFake{errs: []error{nats.ErrBadSubject}}
	q := newQueue(pub, "documents.uploaded", quietOptions(nil))

	err := q.PublishDocumentUploaded(context.Background(), "doc-1")
	if err == nil || domain.IsKind(err, domain.ErrTemporary) || !errors.Is(err, nats.ErrBadSubject) {
		t.Fatalf("expected permanent bad subject error, got %v", err)
	}
}

func TestEventBridgePublishesPerDocumentSubject(t *testing.T) {
	pub := &publisherFake{}
	bridge := NewEventBridge(newQueue(pub, "documents.uploaded", quietOptions(nil)), "analysis.events.")

	ev := domain.Event{Seq: 3, Type: domain.EventJobCompleted, DocumentID: "doc-9", JobID: "doc-9:2"}
	if err := bridge.Forward(context.Background(), ev); err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if pub.subjects[0] != "analysis.events.doc-9" {
		t.Fatalf("unexpected subject %q", pub.subjects[0])
	}
	var got domain.Event
	if err := json.Unmarshal(pub.bodies[0], &got); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if got.Seq != 3 || got.Type != domain.EventJobCompleted || got.JobID != "doc-9:2" {
		t.Fatalf("unexpected event %+v", got)
	}

	if err := bridge.Forward(context.Background(), domain.Event{Type: domain.EventJobStarted}); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input without document id, got %v", err)
	}
}

func TestEventBridgeSkipsItsOwnEvents(t *testing.T) {
	pub := &publisherFake{}
	q := newQueue(pub, "documents.uploaded", quietOptions(nil))
	bridge := NewEventBridge(q, "analysis.events")
	peer := NewEventBridge(q, "analysis.events")

	ev := domain.Event{Seq: 1, Type: domain.EventJobEnqueued, DocumentID: "doc-1", JobID: "doc-1:1"}
	if err := bridge.Forward(context.Background(), ev); err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	msg := &nats.Msg{Subject: pub.subjects[0], Data: pub.bodies[0], Header: pub.headers[0]}

	if _, ok, err := bridge.decode(msg); err != nil || ok {
		t.Fatalf("expected own event to be skipped, ok=%v err=%v", ok, err)
	}
	got, ok, err := peer.decode(msg)
	if err != nil || !ok {
		t.Fatalf("expected peer to relay event, ok=%v err=%v", ok, err)
	}
	if got.JobID != "doc-1:1" || got.Type != domain.EventJobEnqueued {
		t.Fatalf("unexpected relayed event %+v", got)
	}

	if _, _, err := peer.decode(&nats.Msg{Subject: "analysis.events.x", Data: []byte("{")}); err == nil {
		t.Fatalf("expected decode error for malformed event")
	}
}

func TestRelayWithoutConnectionFails(t *testing.T) {
	bridge := NewEventBridge(newQueue(&publisherFake{}, "documents.uploaded", quietOptions(nil)), "")
	if err := bridge.Relay(context.Background(), func(domain.Event) {}); err == nil {
		t.Fatalf("expected error without connection")
	}
}
