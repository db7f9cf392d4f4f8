package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/document-analysis-engine/internal/core/domain"
)

// ErrReleased marks a claim that its holder already gave back.
var ErrReleased = errors.New("claim already released")

type jobState int

const (
	stateReserved jobState = iota
	stateQueued
	stateClaimed
)

type entry struct {
	job   domain.AnalysisJob
	state jobState
}

// Expired is a claimed job whose lease ran out.
type Expired struct {
	Job      domain.AnalysisJob
	Requeued bool
}

// Queue is the in-process claim table. Every job lives in it from
// reservation until release, and at most one entry exists per document.
type Queue struct {
	leaseTimeout time.Duration
	maxRetries   int
	pollInterval time.Duration
	now          func() time.Time

	mu       sync.Mutex
	byDoc    map[string]*entry
	byID     map[string]*entry
	fifo     []string
	attempts map[string]int
	wake     chan struct{}
}

type Options struct {
	LeaseTimeout    time.Duration
	MaxLeaseRetries int
	PollInterval    time.Duration
	Now             func() time.Time
}

func New(opts Options) *Queue {
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = 3 * time.Minute
	}
	if opts.MaxLeaseRetries < 0 {
		opts.MaxLeaseRetries = 0
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{
		leaseTimeout: opts.LeaseTimeout,
		maxRetries:   opts.MaxLeaseRetries,
		pollInterval: opts.PollInterval,
		now:          opts.Now,
		byDoc:        make(map[string]*entry),
		byID:         make(map[string]*entry),
		attempts:     make(map[string]int),
		wake:         make(chan struct{}, 1),
	}
}

// Reserve creates the single active job for a document. It fails with
// domain.ErrConflict while another job for the same document is alive.
// A reserved job is not claimable until Submit.
func (q *Queue) Reserve(req domain.JobRequest) (domain.AnalysisJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.byDoc[req.DocumentID]; ok {
		return domain.AnalysisJob{}, domain.WrapError(domain.ErrConflict, "reserve job", fmt.Errorf("document %s has active job %s", req.DocumentID, existing.job.ID))
	}

	attempt := q.attempts[req.DocumentID]
	if req.MinAttempt > attempt {
		attempt = req.MinAttempt
	}
	attempt++
	q.attempts[req.DocumentID] = attempt

	job := domain.AnalysisJob{
		ID:             domain.JobID(req.DocumentID, attempt),
		DocumentID:     req.DocumentID,
		Attempt:        attempt,
		Workflow:       req.Workflow,
		Stages:         append([]string(nil), req.Stages...),
		ClientID:       req.ClientID,
		PreviousStatus: req.PreviousStatus,
		Supersedes:     req.Supersedes,
		EnqueuedAt:     q.now().UTC(),
	}
	e := &entry{job: job, state: stateReserved}
	q.byDoc[job.DocumentID] = e
	q.byID[job.ID] = e
	return job, nil
}

// Submit makes a reserved job claimable.
func (q *Queue) Submit(jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byID[jobID]
	if !ok {
		return domain.WrapError(domain.ErrNotFound, "submit job", fmt.Errorf("job %s", jobID))
	}
	if e.state != stateReserved {
		return domain.WrapError(domain.ErrConflict, "submit job", fmt.Errorf("job %s is not reserved", jobID))
	}
	e.state = stateQueued
	q.fifo = append(q.fifo, jobID)
	q.signal()
	return nil
}

// Abort drops a reservation that was never submitted.
func (q *Queue) Abort(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e, ok := q.byID[jobID]; ok && e.state == stateReserved {
		q.remove(e)
	}
}

// Cancel removes a job that has not been claimed yet.
func (q *Queue) Cancel(documentID string) (domain.AnalysisJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byDoc[documentID]
	if !ok {
		return domain.AnalysisJob{}, domain.WrapError(domain.ErrNotFound, "cancel job", fmt.Errorf("no active job for document %s", documentID))
	}
	if e.state != stateQueued {
		return domain.AnalysisJob{}, domain.WrapError(domain.ErrConflict, "cancel job", fmt.Errorf("job %s is already claimed", e.job.ID))
	}
	q.remove(e)
	job := e.job
	job.Outcome = domain.OutcomeCancelled
	finished := q.now().UTC()
	job.FinishedAt = &finished
	return job, nil
}

// Active returns the live job for a document, if any.
func (q *Queue) Active(documentID string) (domain.AnalysisJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byDoc[documentID]
	if !ok {
		return domain.AnalysisJob{}, false
	}
	return e.job, true
}

// Claim blocks until a job is available or ctx ends. The returned job
// carries a claim token that Renew and Complete must present.
func (q *Queue) Claim(ctx context.Context, workerID string) (domain.AnalysisJob, error) {
	for {
		if job, ok := q.tryClaim(workerID); ok {
			return job, nil
		}
		timer := time.NewTimer(q.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return domain.AnalysisJob{}, ctx.Err()
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (q *Queue) tryClaim(workerID string) (domain.AnalysisJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.fifo) > 0 {
		id := q.fifo[0]
		q.fifo = q.fifo[1:]
		e, ok := q.byID[id]
		if !ok || e.state != stateQueued {
			continue
		}
		now := q.now().UTC()
		lease := now.Add(q.leaseTimeout)
		e.state = stateClaimed
		e.job.ClaimedAt = &now
		e.job.WorkerID = workerID
		e.job.ClaimToken = uuid.NewString()
		e.job.LeaseExpiresAt = &lease
		if len(q.fifo) > 0 {
			q.signal()
		}
		return e.job, true
	}
	return domain.AnalysisJob{}, false
}

// Renew extends the lease of a claimed job.
func (q *Queue) Renew(jobID, token string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.claimed(jobID, token)
	if err != nil {
		return err
	}
	lease := q.now().UTC().Add(q.leaseTimeout)
	e.job.LeaseExpiresAt = &lease
	return nil
}

// Complete releases a claim. Stale tokens fail with domain.ErrConflict, and
// a second release of the same job also wraps ErrReleased.
func (q *Queue) Complete(jobID, token string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.claimed(jobID, token)
	if err != nil {
		return err
	}
	q.remove(e)
	return nil
}

// Reap finds claims whose lease expired at now. Jobs with retries left go
// back to the reserved state and must be resubmitted; the rest are dropped.
func (q *Queue) Reap(now time.Time) []Expired {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Expired
	for _, e := range q.byID {
		if e.state != stateClaimed || e.job.LeaseExpiresAt == nil || e.job.LeaseExpiresAt.After(now) {
			continue
		}
		expired := e.job
		if e.job.LeaseRetries < q.maxRetries {
			e.job.LeaseRetries++
			e.job.ClaimedAt = nil
			e.job.WorkerID = ""
			e.job.ClaimToken = ""
			e.job.LeaseExpiresAt = nil
			e.state = stateReserved
			out = append(out, Expired{Job: e.job, Requeued: true})
			continue
		}
		q.remove(e)
		expired.Outcome = domain.OutcomeFailed
		finished := now.UTC()
		expired.FinishedAt = &finished
		out = append(out, Expired{Job: expired, Requeued: false})
	}
	return out
}

// Depth counts jobs waiting to be claimed.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, e := range q.byID {
		if e.state == stateQueued {
			n++
		}
	}
	return n
}

// Running returns the claimed jobs ordered by claim time.
func (q *Queue) Running() []domain.AnalysisJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []domain.AnalysisJob
	for _, e := range q.byID {
		if e.state == stateClaimed {
			out = append(out, e.job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ClaimedAt.Equal(*out[j].ClaimedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ClaimedAt.Before(*out[j].ClaimedAt)
	})
	return out
}

func (q *Queue) claimed(jobID, token string) (*entry, error) {
	e, ok := q.byID[jobID]
	if !ok {
		return nil, domain.WrapError(domain.ErrConflict, "release job", fmt.Errorf("job %s: %w", jobID, ErrReleased))
	}
	if e.state != stateClaimed || e.job.ClaimToken != token {
		return nil, domain.WrapError(domain.ErrConflict, "release job", fmt.Errorf("claim on %s is no longer held", jobID))
	}
	return e, nil
}

func (q *Queue) remove(e *entry) {
	delete(q.byID, e.job.ID)
	if cur, ok := q.byDoc[e.job.DocumentID]; ok && cur == e {
		delete(q.byDoc, e.job.DocumentID)
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
