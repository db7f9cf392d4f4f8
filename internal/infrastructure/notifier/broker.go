package notifier

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kirillkom/document-analysis-engine/internal/core/domain"
	"github.com/kirillkom/document-analysis-engine/internal/core/ports"
)

const (
	defaultBufferSize = 64
	forwardQueueSize  = 256
	forwardTimeout    = 10 * time.Second
)

// Forwarder receives every published event after local delivery.
type Forwarder interface {
	Forward(ctx context.Context, event domain.Event) error
}

// Broker fans lifecycle events out to in-process subscribers. Delivery
// never blocks the publisher: a subscriber whose buffer is full is
// disconnected.
type Broker struct {
	bufferSize int
	logger     *slog.Logger
	now        func() time.Time

	mu         sync.Mutex
	seq        map[string]uint64
	byDocument map[string]map[*subscription]struct{}
	byClient   map[string]map[*subscription]struct{}
	follows    map[string]map[string]struct{}
	forwarders []Forwarder
	outbox     chan domain.Event
	forwarded  chan struct{}
	closed     bool
}

func NewBroker(bufferSize int, logger *slog.Logger) *Broker {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		bufferSize: bufferSize,
		logger:     logger,
		now:        time.Now,
		seq:        make(map[string]uint64),
		byDocument: make(map[string]map[*subscription]struct{}),
		byClient:   make(map[string]map[*subscription]struct{}),
		follows:    make(map[string]map[string]struct{}),
	}
}

// AddForwarder registers an out-of-process sink such as the NATS bridge.
// Forwarders run on one background goroutine fed by a bounded queue, so
// Publish never waits on them.
func (b *Broker) AddForwarder(f Forwarder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.forwarders = append(b.forwarders, f)
	if b.outbox == nil {
		b.outbox = make(chan domain.Event, forwardQueueSize)
		b.forwarded = make(chan struct{})
		go b.forward(b.outbox, b.forwarded)
	}
}

// Publish stamps the event with the next per-document sequence number,
// delivers it to every matching subscriber and queues it for forwarders.
func (b *Broker) Publish(_ context.Context, event domain.Event) error {
	b.publish(event, true)
	return nil
}

// Relay delivers an event published by another process to local
// subscribers only. It gets a local sequence number and is not forwarded.
func (b *Broker) Relay(event domain.Event) {
	b.publish(event, false)
}

func (b *Broker) publish(event domain.Event, forward bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq[event.DocumentID]++
	event.Seq = b.seq[event.DocumentID]
	if event.At.IsZero() {
		event.At = b.now().UTC()
	}

	observed := false
	for sub := range b.byDocument[event.DocumentID] {
		observed = true
		b.deliver(sub, event)
	}
	for clientID, subs := range b.byClient {
		if !b.matchesClient(clientID, event) {
			continue
		}
		for sub := range subs {
			observed = true
			b.deliver(sub, event)
		}
	}
	// A finished job nobody watched restarts numbering at 1.
	if event.Terminal() && !observed {
		delete(b.seq, event.DocumentID)
	}

	if !forward || b.outbox == nil || b.closed {
		return
	}
	select {
	case b.outbox <- event:
	default:
		b.logger.Warn("event_forward_dropped", "document_id", event.DocumentID, "type", event.Type, "seq", event.Seq)
	}
}

func (b *Broker) forward(outbox <-chan domain.Event, done chan<- struct{}) {
	defer close(done)
	for event := range outbox {
		b.mu.Lock()
		forwarders := append([]Forwarder(nil), b.forwarders...)
		b.mu.Unlock()

		for _, f := range forwarders {
			ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout)
			err := f.Forward(ctx, event)
			cancel()
			if err != nil {
				b.logger.Warn("event_forward_failed", "document_id", event.DocumentID, "type", event.Type, "error", err)
			}
		}
	}
}

// Close hands queued events to the forwarders and stops forwarding.
// Local delivery keeps working.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	outbox, done := b.outbox, b.forwarded
	b.mu.Unlock()

	if outbox != nil {
		close(outbox)
		<-done
	}
}

func (b *Broker) matchesClient(clientID string, event domain.Event) bool {
	if event.ClientID != "" && event.ClientID == clientID {
		return true
	}
	_, ok := b.follows[clientID][event.DocumentID]
	return ok
}

// deliver requires b.mu.
func (b *Broker) deliver(sub *subscription, event domain.Event) {
	select {
	case sub.ch <- event:
	default:
		b.logger.Warn("subscriber_dropped", "topic", sub.topic, "document_id", event.DocumentID, "seq", event.Seq)
		b.detach(sub)
	}
}

func (b *Broker) SubscribeDocument(documentID string) ports.Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := b.newSubscription("document:"+documentID, documentID, "")
	if b.byDocument[documentID] == nil {
		b.byDocument[documentID] = make(map[*subscription]struct{})
	}
	b.byDocument[documentID][sub] = struct{}{}
	return sub
}

func (b *Broker) SubscribeClient(clientID string) ports.Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := b.newSubscription("client:"+clientID, "", clientID)
	if b.byClient[clientID] == nil {
		b.byClient[clientID] = make(map[*subscription]struct{})
	}
	b.byClient[clientID][sub] = struct{}{}
	return sub
}

// Follow adds documentID to the client's topic. It is a no-op while the
// client has no open subscription; follows end with its last subscription.
func (b *Broker) Follow(clientID, documentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.byClient[clientID]) == 0 {
		return
	}
	if b.follows[clientID] == nil {
		b.follows[clientID] = make(map[string]struct{})
	}
	b.follows[clientID][documentID] = struct{}{}
}

func (b *Broker) Unfollow(clientID, documentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.follows[clientID], documentID)
	if len(b.follows[clientID]) == 0 {
		delete(b.follows, clientID)
	}
}

// Subscribers counts open subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, subs := range b.byDocument {
		n += len(subs)
	}
	for _, subs := range b.byClient {
		n += len(subs)
	}
	return n
}

func (b *Broker) newSubscription(topic, documentID, clientID string) *subscription {
	return &subscription{
		broker:     b,
		topic:      topic,
		documentID: documentID,
		clientID:   clientID,
		ch:         make(chan domain.Event, b.bufferSize),
	}
}

// detach requires b.mu.
func (b *Broker) detach(sub *subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	if sub.documentID != "" {
		delete(b.byDocument[sub.documentID], sub)
		if len(b.byDocument[sub.documentID]) == 0 {
			delete(b.byDocument, sub.documentID)
		}
	}
	if sub.clientID != "" {
		delete(b.byClient[sub.clientID], sub)
		if len(b.byClient[sub.clientID]) == 0 {
			delete(b.byClient, sub.clientID)
			delete(b.follows, sub.clientID)
		}
	}
	close(sub.ch)
}

type subscription struct {
	broker     *Broker
	topic      string
	documentID string
	clientID   string
	ch         chan domain.Event
	closed     bool
}

func (s *subscription) Events() <-chan domain.Event {
	return s.ch
}

func (s *subscription) Close() {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	s.broker.detach(s)
}
