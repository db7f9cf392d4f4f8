package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/document-analysis-engine/internal/infrastructure/resilience"
)

// publisher is the part of *nats.Conn the adapters publish through.
type publisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Queue carries document upload notifications between the API and workers.
type Queue struct {
	conn     *nats.Conn
	pub      publisher
	subject  string
	group    string
	executor *resilience.Executor
	logger   *slog.Logger
}

type Options struct {
	ClientName           string
	QueueGroup           string
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
	Logger               *slog.Logger
}

func NewWithOptions(url, subject string, options Options) (*Queue, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	name := strings.TrimSpace(options.ClientName)
	if name == "" {
		name = "document-analysis-engine"
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(
		url,
		nats.Name(name),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	options.Logger = logger
	q := newQueue(conn, subject, options)
	q.conn = conn
	return q, nil
}

func newQueue(pub publisher, subject string, options Options) *Queue {
	group := strings.TrimSpace(options.QueueGroup)
	if group == "" {
		group = "analysis-workers"
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		pub:      pub,
		subject:  subject,
		group:    group,
		executor: options.ResilienceExecutor,
		logger:   logger,
	}
}

// Conn exposes the underlying connection for adapters sharing it.
func (q *Queue) Conn() *nats.Conn {
	return q.conn
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

func (q *Queue) PublishDocumentUploaded(ctx context.Context, documentID string) error {
	return q.publish(ctx, "nats.publish_upload", &nats.Msg{Subject: q.subject, Data: []byte(documentID)})
}

func (q *Queue) publish(ctx context.Context, operation string, msg *nats.Msg) error {
	call := func(_ context.Context) error {
		if err := q.pub.PublishMsg(msg); err != nil {
			return fmt.Errorf("nats publish %s: %w", msg.Subject, err)
		}
		return nil
	}

	var err error
	if q.executor != nil {
		err = q.executor.Execute(ctx, operation, call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	return wrapTemporaryIfNeeded(operation, err)
}

// SubscribeDocumentUploaded blocks until ctx ends, handing each upload to
// handler. Workers share the queue group so each upload is handled once.
func (q *Queue) SubscribeDocumentUploaded(ctx context.Context, handler func(context.Context, string) error) error {
	if q.conn == nil {
		return errors.New("nats subscribe: no connection")
	}
	sub, err := q.conn.QueueSubscribe(q.subject, q.group, func(msg *nats.Msg) {
		if ctx.Err() != nil {
			return
		}
		docID := strings.TrimSpace(string(msg.Data))
		if err := handler(ctx, docID); err != nil {
			q.logger.Warn("upload_handler_failed", "document_id", docID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	return q.hold(ctx, sub)
}

// hold keeps sub open until ctx ends, then drains it.
func (q *Queue) hold(ctx context.Context, sub *nats.Subscription) error {
	if err := q.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}
