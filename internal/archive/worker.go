package archive

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/stellarlinkco/tgvault/internal/peer"
	"github.com/stellarlinkco/tgvault/internal/telegram"
)

// Gateway is the slice of the Telegram gateway the worker needs.
type Gateway interface {
	History(ctx context.Context, ref peer.Ref, opts telegram.HistoryOptions) ([]telegram.Message, error)
}

const (
	defaultBatchSize       = 100
	defaultInterJobDelay   = 3 * time.Second
	defaultInterBatchDelay = 1100 * time.Millisecond

	shutdownPollInterval = 20 * time.Millisecond
)

// WorkerOptions tune the loop; zero values take the defaults above.
type WorkerOptions struct {
	BatchSize       int
	InterJobDelay   time.Duration
	InterBatchDelay time.Duration
}

// Worker drains the job queue with exactly one loop per process. Resume is
// the only trigger; concurrent calls collapse onto the running loop.
type Worker struct {
	store   *Store
	gateway Gateway

	batchSize       int
	interJobDelay   time.Duration
	interBatchDelay time.Duration

	ctx       context.Context
	cancelCtx context.CancelFunc

	mu         sync.Mutex
	processing bool
	stopped    bool
	stopCh     chan struct{}
}

func NewWorker(store *Store, gateway Gateway, opts WorkerOptions) *Worker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.InterJobDelay <= 0 {
		opts.InterJobDelay = defaultInterJobDelay
	}
	if opts.InterBatchDelay <= 0 {
		opts.InterBatchDelay = defaultInterBatchDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		store:           store,
		gateway:         gateway,
		batchSize:       opts.BatchSize,
		interJobDelay:   opts.InterJobDelay,
		interBatchDelay: opts.InterBatchDelay,
		ctx:             ctx,
		cancelCtx:       cancel,
		stopCh:          make(chan struct{}),
	}
}

// Resume starts the processing loop unless it is already running.
func (w *Worker) Resume() {
	w.mu.Lock()
	if w.stopped || w.processing {
		w.mu.Unlock()
		return
	}
	w.processing = true
	w.mu.Unlock()

	go w.loop()
}

// Processing reports whether the loop is currently active.
func (w *Worker) Processing() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.processing
}

func (w *Worker) loop() {
	defer func() {
		w.mu.Lock()
		w.processing = false
		w.mu.Unlock()
	}()

	for {
		if w.isStopped() {
			return
		}
		job, err := w.store.NextJob()
		if err != nil {
			log.Printf("[sync] next job: %v", err)
			return
		}
		if job == nil {
			return
		}
		w.processJob(job)
		if !w.sleep(w.interJobDelay) {
			return
		}
	}
}

func (w *Worker) processJob(job *Job) {
	ref, err := peer.Parse(job.ChannelID)
	if err != nil {
		_ = w.store.MarkJobError(job.ID, err.Error())
		return
	}
	status := StatusInProgress
	if err := w.store.UpdateJob(job.ID, JobUpdate{Status: &status}); err != nil {
		log.Printf("[sync] job %s: %v", job.ChannelID, err)
		return
	}
	log.Printf("[sync] processing %s (%s)", job.ChannelID, job.PeerTitle)

	hasMoreNewer, err := w.syncNewer(job, ref)
	if err != nil {
		w.failJob(job, err)
		return
	}
	hasMoreOlder, err := w.backfill(job, ref)
	if err != nil {
		w.failJob(job, err)
		return
	}

	count, err := w.store.CountMessages(job.ChannelID)
	if err != nil {
		w.failJob(job, err)
		return
	}

	final := StatusIdle
	if hasMoreNewer || hasMoreOlder {
		final = StatusPending
	}
	now := time.Now().UnixMilli()
	target := job.TargetMessageCount
	if target <= 0 {
		target = DefaultTargetMessages
	}
	err = w.store.UpdateJob(job.ID, JobUpdate{
		Status:             &final,
		PeerTitle:          &job.PeerTitle,
		PeerType:           &job.PeerType,
		LastMessageID:      &job.LastMessageID,
		OldestMessageID:    job.OldestMessageID,
		TargetMessageCount: &target,
		MessageCount:       &count,
		LastSyncedAt:       &now,
		ClearError:         true,
	})
	if err != nil {
		log.Printf("[sync] finalize %s: %v", job.ChannelID, err)
		return
	}
	log.Printf("[sync] %s done: %d messages archived, status %s", job.ChannelID, count, final)
}

// syncNewer pulls one batch of messages strictly newer than the archived
// head and reports whether the batch was full (more may be waiting).
func (w *Worker) syncNewer(job *Job, ref peer.Ref) (bool, error) {
	msgs, err := w.gateway.History(w.ctx, ref, telegram.HistoryOptions{
		Limit: w.batchSize,
		MinID: int(job.LastMessageID),
	})
	if err != nil {
		return false, err
	}

	var fresh []telegram.Message
	for _, m := range msgs {
		if int64(m.ID) > job.LastMessageID {
			fresh = append(fresh, m)
		}
	}
	if len(fresh) == 0 {
		return false, nil
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].ID < fresh[j].ID })

	if err := w.store.InsertMessages(toRecords(job.ChannelID, fresh)); err != nil {
		return false, err
	}

	minID := int64(fresh[0].ID)
	maxID := int64(fresh[len(fresh)-1].ID)
	if maxID > job.LastMessageID {
		job.LastMessageID = maxID
	}
	if job.OldestMessageID == nil || minID < *job.OldestMessageID {
		job.OldestMessageID = &minID
	}
	if err := w.store.UpdateJob(job.ID, JobUpdate{
		LastMessageID:   &job.LastMessageID,
		OldestMessageID: job.OldestMessageID,
	}); err != nil {
		return false, err
	}
	return len(msgs) == w.batchSize, nil
}

// backfill walks history backward from the oldest archived message until the
// target depth is reached or the channel runs out.
func (w *Worker) backfill(job *Job, ref peer.Ref) (bool, error) {
	target := job.TargetMessageCount
	if target <= 0 {
		target = DefaultTargetMessages
	}
	count, err := w.store.CountMessages(job.ChannelID)
	if err != nil {
		return false, err
	}
	if count >= target {
		return false, nil
	}

	offset := 0
	if job.OldestMessageID != nil {
		offset = int(*job.OldestMessageID)
	} else if job.LastMessageID > 0 {
		offset = int(job.LastMessageID) + 1
	}

	inserted := 0
	for count < target {
		chunk := target - count
		if chunk > w.batchSize {
			chunk = w.batchSize
		}
		msgs, err := w.gateway.History(w.ctx, ref, telegram.HistoryOptions{
			Limit:    chunk,
			OffsetID: offset,
		})
		if err != nil {
			return inserted > 0, err
		}
		if len(msgs) == 0 {
			break
		}

		if err := w.store.InsertMessages(toRecords(job.ChannelID, msgs)); err != nil {
			return inserted > 0, err
		}
		inserted += len(msgs)

		minID := int64(msgs[0].ID)
		for _, m := range msgs {
			if int64(m.ID) < minID {
				minID = int64(m.ID)
			}
		}
		if job.OldestMessageID == nil || minID < *job.OldestMessageID {
			job.OldestMessageID = &minID
		}
		offset = int(minID)

		count, err = w.store.CountMessages(job.ChannelID)
		if err != nil {
			return inserted > 0, err
		}
		// Persist progress so a restart resumes from here instead of refetching.
		if err := w.store.UpdateJob(job.ID, JobUpdate{
			OldestMessageID: job.OldestMessageID,
			MessageCount:    &count,
		}); err != nil {
			return inserted > 0, err
		}
		if count >= target {
			break
		}
		if !w.sleep(w.interBatchDelay) {
			break
		}
	}
	return inserted > 0 && count < target, nil
}

func (w *Worker) failJob(job *Job, err error) {
	// A shutdown cancels the gateway context mid-call; leave the job as-is so
	// the next run resumes it instead of parking it as errored.
	if w.ctx.Err() != nil {
		return
	}
	if seconds, ok := telegram.AsFloodWait(err); ok {
		status := StatusPending
		msg := fmt.Sprintf("Rate limited, waiting %ds", seconds)
		if uerr := w.store.UpdateJob(job.ID, JobUpdate{Status: &status, Error: &msg}); uerr != nil {
			log.Printf("[sync] job %s: %v", job.ChannelID, uerr)
		}
		log.Printf("[sync] %s: %s", job.ChannelID, msg)
		w.sleep(time.Duration(seconds) * time.Second)
		return
	}
	log.Printf("[sync] %s failed: %v", job.ChannelID, err)
	if uerr := w.store.MarkJobError(job.ID, err.Error()); uerr != nil {
		log.Printf("[sync] job %s: %v", job.ChannelID, uerr)
	}
}

// sleep waits for d unless shutdown is requested first.
func (w *Worker) sleep(d time.Duration) bool {
	select {
	case <-w.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}

func (w *Worker) isStopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopped
}

// Shutdown stops the loop, waits for the in-flight job to settle and closes
// the database. Flood-wait sleeps are interrupted immediately.
func (w *Worker) Shutdown() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	close(w.stopCh)
	w.mu.Unlock()

	w.cancelCtx()
	for w.Processing() {
		time.Sleep(shutdownPollInterval)
	}
	if err := w.store.Close(); err != nil {
		log.Printf("[sync] close store: %v", err)
	}
	log.Printf("[sync] worker stopped")
}

func toRecords(channelID string, msgs []telegram.Message) []MessageRecord {
	out := make([]MessageRecord, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, MessageRecord{
			ChannelID: channelID,
			MessageID: int64(m.ID),
			Date:      m.Date,
			FromID:    m.FromID,
			Text:      m.Text,
			RawJSON:   string(m.Raw),
		})
	}
	return out
}
