package jobqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/document-analysis-engine/internal/core/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestQueue(clock *fakeClock) *Queue {
	return New(Options{
		LeaseTimeout:    time.Minute,
		MaxLeaseRetries: 1,
		PollInterval:    10 * time.Millisecond,
		Now:             clock.Now,
	})
}

func TestReserveRejectsSecondJobForSameDocument(t *testing.T) {
	q := newTestQueue(&fakeClock{now: time.Unix(1700000000, 0)})

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		accepted  int
		conflicts int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Reserve(domain.JobRequest{DocumentID: "doc-1", Workflow: "all"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case domain.IsKind(err, domain.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()

	if accepted != 1 || conflicts != 15 {
		t.Fatalf("expected 1 accepted and 15 conflicts, got %d/%d", accepted, conflicts)
	}
	if _, err := q.Reserve(domain.JobRequest{DocumentID: "doc-2"}); err != nil {
		t.Fatalf("other documents must not be blocked: %v", err)
	}
}

func TestAttemptNumbersIncrease(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	q := newTestQueue(clock)

	first, _ := q.Reserve(domain.JobRequest{DocumentID: "doc-1"})
	if first.ID != "doc-1:1" {
		t.Fatalf("unexpected job id %s", first.ID)
	}
	q.Abort(first.ID)

	second, err := q.Reserve(domain.JobRequest{DocumentID: "doc-1", MinAttempt: 5})
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if second.Attempt != 6 || second.ID != "doc-1:6" {
		t.Fatalf("expected attempt 6, got %+v", second)
	}
}

func TestClaimOnlySeesSubmittedJobs(t *testing.T) {
	q := newTestQueue(&fakeClock{now: time.Unix(1700000000, 0)})
	job, _ := q.Reserve(domain.JobRequest{DocumentID: "doc-1"})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := q.Claim(ctx, "w1"); err == nil {
		t.Fatalf("reserved job must not be claimable")
	}

	if err := q.Submit(job.ID); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	claimed, err := q.Claim(context.Background(), "w1")
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if claimed.ClaimToken == "" || claimed.WorkerID != "w1" || claimed.LeaseExpiresAt == nil {
		t.Fatalf("claim metadata missing: %+v", claimed)
	}
	if err := q.Complete(claimed.ID, "stale"); !domain.IsKind(err, domain.ErrConflict) {
		t.Fatalf("expected conflict for stale token, got %v", err)
	}
	if err := q.Complete(claimed.ID, claimed.ClaimToken); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if _, ok := q.Active("doc-1"); ok {
		t.Fatalf("expected document to be free after completion")
	}
}

func TestCancelOnlyBeforeClaim(t *testing.T) {
	q := newTestQueue(&fakeClock{now: time.Unix(1700000000, 0)})
	a, _ := q.Reserve(domain.JobRequest{DocumentID: "doc-a"})
	_ = q.Submit(a.ID)
	b, _ := q.Reserve(domain.JobRequest{DocumentID: "doc-b"})
	_ = q.Submit(b.ID)

	claimed, err := q.Claim(context.Background(), "w1")
	if err != nil || claimed.ID != a.ID {
		t.Fatalf("expected FIFO claim of %s, got %s (%v)", a.ID, claimed.ID, err)
	}
	if _, err := q.Cancel("doc-a"); !domain.IsKind(err, domain.ErrConflict) {
		t.Fatalf("expected conflict cancelling claimed job, got %v", err)
	}
	cancelled, err := q.Cancel("doc-b")
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if cancelled.Outcome != domain.OutcomeCancelled || cancelled.FinishedAt == nil {
		t.Fatalf("unexpected cancelled job %+v", cancelled)
	}
	if _, err := q.Cancel("doc-b"); !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected not found after cancel, got %v", err)
	}
	if q.Depth() != 0 {
		t.Fatalf("expected empty queue, got %d", q.Depth())
	}
}

func TestReapRequeuesOnceThenDrops(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	q := newTestQueue(clock)
	job, _ := q.Reserve(domain.JobRequest{DocumentID: "doc-1"})
	_ = q.Submit(job.ID)
	claimed, _ := q.Claim(context.Background(), "w1")

	clock.Advance(30 * time.Second)
	if got := q.Reap(clock.Now()); len(got) != 0 {
		t.Fatalf("lease must still be valid, got %+v", got)
	}
	if err := q.Renew(claimed.ID, claimed.ClaimToken); err != nil {
		t.Fatalf("Renew() error = %v", err)
	}

	clock.Advance(2 * time.Minute)
	expired := q.Reap(clock.Now())
	if len(expired) != 1 || !expired[0].Requeued || expired[0].Job.LeaseRetries != 1 {
		t.Fatalf("expected one requeue, got %+v", expired)
	}
	if err := q.Complete(claimed.ID, claimed.ClaimToken); !domain.IsKind(err, domain.ErrConflict) {
		t.Fatalf("old claim must be invalid after reap, got %v", err)
	}
	if err := q.Submit(job.ID); err != nil {
		t.Fatalf("Submit() after requeue error = %v", err)
	}

	again, _ := q.Claim(context.Background(), "w2")
	if again.ClaimToken == claimed.ClaimToken {
		t.Fatalf("expected a fresh claim token")
	}
	clock.Advance(2 * time.Minute)
	expired = q.Reap(clock.Now())
	if len(expired) != 1 || expired[0].Requeued {
		t.Fatalf("expected final drop, got %+v", expired)
	}
	if expired[0].Job.Outcome != domain.OutcomeFailed {
		t.Fatalf("expected failed outcome, got %s", expired[0].Job.Outcome)
	}
	if _, ok := q.Active("doc-1"); ok {
		t.Fatalf("expected document to be free after drop")
	}
}

func TestReleasedClaimFreesDocumentAndRejectsSecondRelease(t *testing.T) {
	q := newTestQueue(&fakeClock{now: time.Unix(1700000000, 0)})
	job, _ := q.Reserve(domain.JobRequest{DocumentID: "doc-a"})
	_ = q.Submit(job.ID)
	claimed, err := q.Claim(context.Background(), "w1")
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	if err := q.Complete(claimed.ID, "other-token"); !domain.IsKind(err, domain.ErrConflict) || errors.Is(err, ErrReleased) {
		t.Fatalf("expected stale-token conflict, got %v", err)
	}
	if err := q.Complete(claimed.ID, claimed.ClaimToken); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if _, err := q.Reserve(domain.JobRequest{DocumentID: "doc-a"}); err != nil {
		t.Fatalf("document must be free after release: %v", err)
	}

	err = q.Complete(claimed.ID, claimed.ClaimToken)
	if !domain.IsKind(err, domain.ErrConflict) || !errors.Is(err, ErrReleased) {
		t.Fatalf("expected released conflict, got %v", err)
	}
	if err := q.Renew(claimed.ID, claimed.ClaimToken); !errors.Is(err, ErrReleased) {
		t.Fatalf("expected released on renew, got %v", err)
	}
}

func TestRunningListsClaimedJobsInClaimOrder(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	q := newTestQueue(clock)
	for _, doc := range []string{"doc-a", "doc-b", "doc-c"} {
		job, err := q.Reserve(domain.JobRequest{DocumentID: doc, Workflow: "all"})
		if err != nil {
			t.Fatalf("Reserve(%s) error = %v", doc, err)
		}
		if err := q.Submit(job.ID); err != nil {
			t.Fatalf("Submit(%s) error = %v", doc, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	first, _ := q.Claim(ctx, "w1")
	clock.Advance(time.Second)
	second, _ := q.Claim(ctx, "w2")

	running := q.Running()
	if len(running) != 2 || running[0].ID != first.ID || running[1].ID != second.ID {
		t.Fatalf("unexpected running jobs %+v", running)
	}
	if running[1].WorkerID != "w2" || q.Depth() != 1 {
		t.Fatalf("unexpected worker %q or depth %d", running[1].WorkerID, q.Depth())
	}

	if err := q.Complete(first.ID, first.ClaimToken); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if running := q.Running(); len(running) != 1 || running[0].ID != second.ID {
		t.Fatalf("expected only the second job running, got %+v", running)
	}
}
