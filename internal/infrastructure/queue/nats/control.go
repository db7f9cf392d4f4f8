package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/document-analysis-engine/internal/core/domain"
)

// requester is the part of *nats.Conn used to ask peers for a reply.
type requester interface {
	RequestWithContext(ctx context.Context, subject string, data []byte) (*nats.Msg, error)
}

// CancelFunc cancels the queued job of a document in the local process.
type CancelFunc func(documentID string) (domain.AnalysisJob, error)

type cancelRequest struct {
	DocumentID string `json:"document_id"`
}

type cancelReply struct {
	Job      *domain.AnalysisJob `json:"job,omitempty"`
	Error    string              `json:"error,omitempty"`
	Conflict bool                `json:"conflict,omitempty"`
}

// JobControl cancels jobs held in the queue of another process. Each
// process serves the control subject for its own queue and stays silent
// when it does not hold the job.
type JobControl struct {
	queue   *Queue
	req     requester
	subject string
	timeout time.Duration
}

func NewJobControl(queue *Queue, subject string, timeout time.Duration) *JobControl {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "analysis.control.cancel"
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	c := &JobControl{queue: queue, subject: subject, timeout: timeout}
	if queue != nil && queue.conn != nil {
		c.req = queue.conn
	}
	return c
}

// Cancel asks peer processes to drop the queued job of documentID. A
// request nobody answers means no process holds the job.
func (c *JobControl) Cancel(ctx context.Context, documentID string) (domain.AnalysisJob, error) {
	if c.req == nil {
		return domain.AnalysisJob{}, domain.WrapError(domain.ErrNotFound, "remote cancel", fmt.Errorf("no active job for document %s", documentID))
	}
	body, err := json.Marshal(cancelRequest{DocumentID: documentID})
	if err != nil {
		return domain.AnalysisJob{}, fmt.Errorf("marshal cancel request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	msg, err := c.req.RequestWithContext(ctx, c.subject, body)
	switch {
	case errors.Is(err, nats.ErrNoResponders), errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return domain.AnalysisJob{}, domain.WrapError(domain.ErrNotFound, "remote cancel", fmt.Errorf("no active job for document %s", documentID))
	case err != nil:
		return domain.AnalysisJob{}, domain.WrapError(domain.ErrTemporary, "remote cancel", err)
	}
	return decodeCancelReply(msg.Data)
}

// Serve blocks until ctx ends, answering cancel requests with cancel.
func (c *JobControl) Serve(ctx context.Context, cancel CancelFunc) error {
	if c.queue == nil || c.queue.conn == nil {
		return errors.New("nats job control: no connection")
	}
	sub, err := c.queue.conn.Subscribe(c.subject, func(msg *nats.Msg) {
		reply, ok := answerCancel(msg.Data, cancel)
		if !ok {
			return
		}
		if err := msg.Respond(reply); err != nil {
			c.queue.logger.Warn("job_control_reply_failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe control: %w", err)
	}
	return c.queue.hold(ctx, sub)
}

// answerCancel reports false when this process does not hold the job.
func answerCancel(data []byte, cancel CancelFunc) ([]byte, bool) {
	var req cancelRequest
	if err := json.Unmarshal(data, &req); err != nil || req.DocumentID == "" {
		return nil, false
	}
	job, err := cancel(req.DocumentID)
	if domain.IsKind(err, domain.ErrNotFound) {
		return nil, false
	}
	var reply cancelReply
	if err != nil {
		reply.Error = err.Error()
		reply.Conflict = domain.IsKind(err, domain.ErrConflict)
	} else {
		reply.Job = &job
	}
	body, err := json.Marshal(reply)
	if err != nil {
		return nil, false
	}
	return body, true
}

func decodeCancelReply(data []byte) (domain.AnalysisJob, error) {
	var reply cancelReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return domain.AnalysisJob{}, fmt.Errorf("decode cancel reply: %w", err)
	}
	switch {
	case reply.Conflict:
		return domain.AnalysisJob{}, domain.WrapError(domain.ErrConflict, "remote cancel", errors.New(reply.Error))
	case reply.Error != "":
		return domain.AnalysisJob{}, domain.WrapError(domain.ErrInternal, "remote cancel", errors.New(reply.Error))
	case reply.Job == nil:
		return domain.AnalysisJob{}, fmt.Errorf("decode cancel reply: empty reply")
	}
	return *reply.Job, nil
}
