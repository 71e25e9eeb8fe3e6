package watch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mockupforge/internal/domain"
)

// fakeRepo implements only the listing methods the watcher touches; the rest
// of the interface is never called and panics loudly if that changes.
type fakeRepo struct {
	domain.JobRepository

	mu      sync.Mutex
	pending []string
	stale   []string
}

func (f *fakeRepo) ListPending(ctx context.Context, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.pending...), nil
}

func (f *fakeRepo) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stale...), nil
}

type fakeRunner struct {
	mu       sync.Mutex
	executed map[string]int
	resumed  map[string]int
	release  chan struct{}
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		executed: make(map[string]int),
		resumed:  make(map[string]int),
	}
}

func (f *fakeRunner) Execute(ctx context.Context, jobID string) (bool, error) {
	f.mu.Lock()
	f.executed[jobID]++
	release := f.release
	f.mu.Unlock()
	if release != nil {
		<-release
	}
	return true, nil
}

func (f *fakeRunner) Resume(ctx context.Context, jobID string, cutoff time.Time) (bool, error) {
	f.mu.Lock()
	f.resumed[jobID]++
	f.mu.Unlock()
	return true, nil
}

func (f *fakeRunner) executeCount(jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.executed[jobID]
}

func (f *fakeRunner) resumeCount(jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resumed[jobID]
}

func TestPoll_DispatchesPendingAndStale(t *testing.T) {
	repo := &fakeRepo{pending: []string{"job-a"}, stale: []string{"job-b"}}
	runner := newFakeRunner()
	w := New(repo, runner, Options{Concurrency: 2}, zerolog.Nop())

	w.poll(context.Background())
	w.wg.Wait()

	if n := runner.executeCount("job-a"); n != 1 {
		t.Fatalf("expected pending job executed once, got %d", n)
	}
	if n := runner.resumeCount("job-b"); n != 1 {
		t.Fatalf("expected stale job resumed once, got %d", n)
	}
}

func TestPoll_SkipsJobsAlreadyInFlight(t *testing.T) {
	repo := &fakeRepo{pending: []string{"job-a"}}
	runner := newFakeRunner()
	runner.release = make(chan struct{})
	w := New(repo, runner, Options{Concurrency: 4}, zerolog.Nop())

	ctx := context.Background()
	w.poll(ctx)

	// Wait until the first execution is underway, then poll again while it
	// still holds the in-flight slot.
	deadline := time.Now().Add(2 * time.Second)
	for runner.executeCount("job-a") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first execution never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	w.poll(ctx)
	w.poll(ctx)

	close(runner.release)
	w.wg.Wait()

	if n := runner.executeCount("job-a"); n != 1 {
		t.Fatalf("in-flight job must not be re-dispatched, ran %d times", n)
	}
}

func TestPoll_JobCanRunAgainAfterFinishing(t *testing.T) {
	repo := &fakeRepo{pending: []string{"job-a"}}
	runner := newFakeRunner()
	w := New(repo, runner, Options{Concurrency: 2}, zerolog.Nop())

	ctx := context.Background()
	w.poll(ctx)
	w.wg.Wait()
	w.poll(ctx)
	w.wg.Wait()

	// The DB claim makes the second run a no-op in production; the watcher
	// itself only guards concurrent executions.
	if n := runner.executeCount("job-a"); n != 2 {
		t.Fatalf("finished job should be dispatchable again, ran %d times", n)
	}
}

func TestRun_StopsOnCancelAndDrains(t *testing.T) {
	repo := &fakeRepo{pending: []string{"job-a"}}
	runner := newFakeRunner()
	w := New(repo, runner, Options{Concurrency: 2, PollInterval: 10 * time.Millisecond}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for runner.executeCount("job-a") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("job never dispatched")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop after cancel")
	}
}
