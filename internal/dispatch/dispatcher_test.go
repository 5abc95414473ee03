package dispatch

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// drain pulls summaries until ErrDrained, failing the test on a stall
// longer than the given patience.
func drain(t *testing.T, d *Dispatcher, patience time.Duration) []JobSummary {
	t.Helper()
	var out []JobSummary
	deadline := time.Now().Add(patience)
	for {
		s, err := d.Next(200 * time.Millisecond)
		if err == nil {
			out = append(out, s)
			continue
		}
		if errors.Is(err, ErrDrained) {
			return out
		}
		var uj *UnfinishedJobs
		if errors.As(err, &uj) {
			if time.Now().After(deadline) {
				t.Fatalf("still waiting on %d of %d results", uj.Remaining, uj.Total)
			}
			continue
		}
		t.Fatalf("unexpected error from Next: %v", err)
	}
}

func TestDispatcherCompleteness(t *testing.T) {
	d := New(4)
	defer d.Terminate()

	const jobs = 20
	for i := 0; i < jobs; i++ {
		i := i
		if _, err := d.Submit(func() (any, error) { return i * i, nil }); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	summaries := drain(t, d, 5*time.Second)
	if len(summaries) != jobs {
		t.Fatalf("expected %d summaries, got %d", jobs, len(summaries))
	}
	for _, s := range summaries {
		if !s.Completed {
			t.Errorf("job %d not completed: %v", s.JobID, s.Err)
		}
		if s.Worker == "" {
			t.Errorf("job %d has no worker identity", s.JobID)
		}
	}
	if d.Requests() != 0 {
		t.Errorf("requests not reset after drain, got %d", d.Requests())
	}
}

func TestDispatcherErrorsBecomeFailedSummaries(t *testing.T) {
	d := New(2)
	defer d.Terminate()

	boom := errors.New("boom")
	d.Submit(func() (any, error) { return nil, boom })
	d.Submit(func() (any, error) { panic("worker should survive this") })
	d.Submit(func() (any, error) { return "ok", nil })

	summaries := drain(t, d, 5*time.Second)
	if len(summaries) != 3 {
		t.Fatalf("expected 3 summaries, got %d", len(summaries))
	}
	completed := 0
	for _, s := range summaries {
		if s.Completed {
			completed++
			if s.Result != "ok" {
				t.Errorf("unexpected completed result: %v", s.Result)
			}
		} else if s.Err == nil {
			t.Errorf("failed summary with nil error")
		}
	}
	if completed != 1 {
		t.Errorf("expected exactly 1 completed job, got %d", completed)
	}
}

func TestDispatcherStalledReport(t *testing.T) {
	d := New(3)
	defer d.Terminate()

	release := make(chan struct{})
	d.Submit(func() (any, error) { <-release; return "slow", nil })
	d.Submit(func() (any, error) { return "fast1", nil })
	d.Submit(func() (any, error) { return "fast2", nil })

	got := 0
	var stalled *UnfinishedJobs
	for stalled == nil {
		s, err := d.Next(500 * time.Millisecond)
		if err == nil {
			got++
			_ = s
			continue
		}
		if !errors.As(err, &stalled) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if got != 2 {
		t.Errorf("expected 2 fast results before stall, got %d", got)
	}
	if stalled.Remaining != 1 || stalled.Total != 3 {
		t.Errorf("stall report = %d/%d, want 1/3", stalled.Remaining, stalled.Total)
	}

	// Resuming iteration returns the last summary once it completes.
	close(release)
	rest := drain(t, d, 5*time.Second)
	if len(rest) != 1 || rest[0].Result != "slow" {
		t.Errorf("expected the slow job's summary after resume, got %v", rest)
	}
}

func TestDispatcherTerminateRejectsSubmits(t *testing.T) {
	d := New(2)
	d.Terminate()

	if _, err := d.Submit(func() (any, error) { return nil, nil }); !errors.Is(err, ErrTerminated) {
		t.Errorf("expected ErrTerminated, got %v", err)
	}
	// Terminate is idempotent.
	d.Terminate()
}

func TestDispatcherAbandonAndReplace(t *testing.T) {
	d := New(2)
	block := make(chan struct{})
	defer close(block)
	d.Submit(func() (any, error) { <-block; return nil, nil })
	d.Terminate()

	// A replacement dispatcher keeps running while the old one holds a
	// blocked worker.
	fresh := New(2)
	defer fresh.Terminate()
	fresh.Submit(func() (any, error) { return 42, nil })
	summaries := drain(t, fresh, 5*time.Second)
	if len(summaries) != 1 || summaries[0].Result != 42 {
		t.Fatalf("replacement dispatcher did not run: %v", summaries)
	}
}

func TestDynamicExpansion(t *testing.T) {
	d := NewDynamic(40)
	defer d.Terminate()

	var running atomic.Int32
	release := make(chan struct{})
	for i := 0; i < 40; i++ {
		d.Submit(func() (any, error) {
			running.Add(1)
			<-release
			return nil, nil
		})
	}
	// Backlogged submits should have grown the pool past its initial 10.
	time.Sleep(200 * time.Millisecond)
	if n := running.Load(); n <= 10 {
		t.Errorf("expected dynamic growth past 10 workers, saw %d running", n)
	}
	close(release)
	if got := len(drain(t, d, 10*time.Second)); got != 40 {
		t.Errorf("expected 40 summaries, got %d", got)
	}
}
