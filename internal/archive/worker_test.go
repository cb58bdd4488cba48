package archive

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stellarlinkco/tgvault/internal/peer"
	"github.com/stellarlinkco/tgvault/internal/telegram"
)

// fakeGateway serves a fixed ascending message set with MTProto-style
// semantics: newest first, OffsetID exclusive walking backward, MinID
// strictly-newer-than.
type fakeGateway struct {
	mu       sync.Mutex
	messages []telegram.Message
	errs     []error

	calls      atomic.Int32
	inFlight   atomic.Int32
	maxInFlight atomic.Int32
	delay      time.Duration
}

func newFakeGateway(count int) *fakeGateway {
	g := &fakeGateway{}
	for i := 1; i <= count; i++ {
		g.messages = append(g.messages, telegram.Message{
			ID:   i,
			Date: int64(1700000000 + i),
			Text: fmt.Sprintf("msg %d", i),
		})
	}
	return g
}

func (g *fakeGateway) pushErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.errs = append(g.errs, err)
}

func (g *fakeGateway) History(_ context.Context, _ peer.Ref, opts telegram.HistoryOptions) ([]telegram.Message, error) {
	g.calls.Add(1)
	cur := g.inFlight.Add(1)
	defer g.inFlight.Add(-1)
	for {
		max := g.maxInFlight.Load()
		if cur <= max || g.maxInFlight.CompareAndSwap(max, cur) {
			break
		}
	}
	if g.delay > 0 {
		time.Sleep(g.delay)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.errs) > 0 {
		err := g.errs[0]
		g.errs = g.errs[1:]
		if err != nil {
			return nil, err
		}
	}

	limit := opts.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	var out []telegram.Message
	for i := len(g.messages) - 1; i >= 0 && len(out) < limit; i-- {
		m := g.messages[i]
		if opts.OffsetID > 0 && m.ID >= opts.OffsetID {
			continue
		}
		if opts.MinID > 0 && m.ID <= opts.MinID {
			continue
		}
		if opts.MaxID > 0 && m.ID >= opts.MaxID {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func newTestWorker(t *testing.T, g Gateway) (*Worker, *Store) {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "messages.db"))
	if err != nil {
		t.Fatalf("OpenStore error: %v", err)
	}
	w := NewWorker(store, g, WorkerOptions{
		BatchSize:       100,
		InterJobDelay:   5 * time.Millisecond,
		InterBatchDelay: time.Millisecond,
	})
	t.Cleanup(w.Shutdown)
	return w, store
}

func waitForStatus(t *testing.T, store *Store, channelID, status string, timeout time.Duration) *Job {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		job, err := store.GetJob(channelID)
		if err != nil {
			t.Fatalf("GetJob error: %v", err)
		}
		if job != nil && job.Status == status {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := store.GetJob(channelID)
	t.Fatalf("job %s never reached status %q, last: %+v", channelID, status, job)
	return nil
}

func TestWorker_BackfillToTarget(t *testing.T) {
	g := newFakeGateway(250)
	w, store := newTestWorker(t, g)

	if _, err := store.UpsertJob("42", "Gamma", "user", 200); err != nil {
		t.Fatalf("UpsertJob error: %v", err)
	}
	w.Resume()

	job := waitForStatus(t, store, "42", StatusIdle, 5*time.Second)
	if job.MessageCount != 200 {
		t.Errorf("messageCount = %d, want 200", job.MessageCount)
	}
	if job.LastMessageID != 250 {
		t.Errorf("lastMessageId = %d, want 250", job.LastMessageID)
	}
	if job.OldestMessageID == nil || *job.OldestMessageID != 51 {
		t.Errorf("oldestMessageId = %v, want 51", job.OldestMessageID)
	}
	if job.Error != "" {
		t.Errorf("error = %q, want empty", job.Error)
	}
	if job.LastSyncedAt == 0 {
		t.Error("lastSyncedAt should be set")
	}

	n, _ := store.CountMessages("42")
	if n != 200 {
		t.Errorf("archived count = %d, want 200", n)
	}
}

func TestWorker_NoFurtherRequestsOnceIdle(t *testing.T) {
	g := newFakeGateway(50)
	w, store := newTestWorker(t, g)

	store.UpsertJob("42", "Gamma", "user", 40)
	w.Resume()
	waitForStatus(t, store, "42", StatusIdle, 5*time.Second)

	calls := g.calls.Load()
	w.Resume()
	time.Sleep(50 * time.Millisecond)
	if got := g.calls.Load(); got != calls {
		t.Errorf("idle job should not trigger history requests, calls %d -> %d", calls, got)
	}
}

func TestWorker_Monotonicity(t *testing.T) {
	g := newFakeGateway(80)
	w, store := newTestWorker(t, g)

	store.UpsertJob("42", "Gamma", "user", 50)
	w.Resume()
	first := waitForStatus(t, store, "42", StatusIdle, 5*time.Second)

	// New traffic arrives; re-queue and sync again.
	g.mu.Lock()
	for i := 81; i <= 90; i++ {
		g.messages = append(g.messages, telegram.Message{ID: i, Text: fmt.Sprintf("msg %d", i)})
	}
	g.mu.Unlock()

	store.UpsertJob("42", "Gamma", "user", 50)
	w.Resume()
	second := waitForStatus(t, store, "42", StatusIdle, 5*time.Second)

	if second.LastMessageID < first.LastMessageID {
		t.Errorf("lastMessageId went backward: %d -> %d", first.LastMessageID, second.LastMessageID)
	}
	if second.LastMessageID != 90 {
		t.Errorf("lastMessageId = %d, want 90", second.LastMessageID)
	}
	if first.OldestMessageID == nil || second.OldestMessageID == nil {
		t.Fatal("oldest should be set on both runs")
	}
	if *second.OldestMessageID > *first.OldestMessageID {
		t.Errorf("oldestMessageId went up: %d -> %d", *first.OldestMessageID, *second.OldestMessageID)
	}
}

func TestWorker_FloodWaitRecovery(t *testing.T) {
	g := newFakeGateway(30)
	g.pushErr(&telegram.FloodWaitError{Seconds: 1})
	w, store := newTestWorker(t, g)

	store.UpsertJob("42", "Gamma", "user", 20)
	w.Resume()

	// While waiting out the flood the job is parked pending with the reason.
	deadline := time.Now().Add(2 * time.Second)
	sawReason := false
	for time.Now().Before(deadline) {
		job, _ := store.GetJob("42")
		if job != nil && job.Error == "Rate limited, waiting 1s" {
			sawReason = true
			if job.Status != StatusPending {
				t.Errorf("status during flood wait = %q, want pending", job.Status)
			}
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !sawReason {
		t.Fatal("flood wait reason never recorded")
	}

	job := waitForStatus(t, store, "42", StatusIdle, 5*time.Second)
	if job.Error != "" {
		t.Errorf("error = %q, want cleared after recovery", job.Error)
	}
	if job.MessageCount != 30 {
		t.Errorf("messageCount = %d, want 30 (the whole newer batch lands)", job.MessageCount)
	}
}

func TestWorker_PermanentErrorParksJob(t *testing.T) {
	g := newFakeGateway(10)
	g.pushErr(fmt.Errorf("CHANNEL_PRIVATE"))
	w, store := newTestWorker(t, g)

	store.UpsertJob("42", "Gamma", "user", 10)
	w.Resume()

	job := waitForStatus(t, store, "42", StatusError, 5*time.Second)
	if job.Error != "CHANNEL_PRIVATE" {
		t.Errorf("error = %q, want CHANNEL_PRIVATE", job.Error)
	}

	// Not retried until re-queued.
	calls := g.calls.Load()
	w.Resume()
	time.Sleep(50 * time.Millisecond)
	if got := g.calls.Load(); got != calls {
		t.Errorf("errored job should not be retried, calls %d -> %d", calls, got)
	}

	store.UpsertJob("42", "Gamma", "user", 10)
	w.Resume()
	job = waitForStatus(t, store, "42", StatusIdle, 5*time.Second)
	if job.Error != "" {
		t.Errorf("error = %q, want cleared after requeue", job.Error)
	}
}

func TestWorker_SingleWriter(t *testing.T) {
	g := newFakeGateway(120)
	g.delay = 5 * time.Millisecond
	w, store := newTestWorker(t, g)

	store.UpsertJob("42", "Gamma", "user", 100)
	store.UpsertJob("-1001", "Alpha", "channel", 100)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Resume()
		}()
	}
	wg.Wait()

	waitForStatus(t, store, "42", StatusIdle, 10*time.Second)
	waitForStatus(t, store, "-1001", StatusIdle, 10*time.Second)

	if max := g.maxInFlight.Load(); max > 1 {
		t.Errorf("max concurrent history calls = %d, want 1", max)
	}
}

func TestWorker_ShutdownInterruptsSleep(t *testing.T) {
	g := newFakeGateway(10)
	g.pushErr(&telegram.FloodWaitError{Seconds: 30})
	w, store := newTestWorker(t, g)

	store.UpsertJob("42", "Gamma", "user", 10)
	w.Resume()

	// Let the worker hit the flood wait, then shut down mid-sleep.
	time.Sleep(50 * time.Millisecond)
	done := make(chan struct{})
	go func() {
		w.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not interrupt the flood-wait sleep")
	}
}
