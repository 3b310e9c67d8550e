package ap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/klppl/skybridge/internal/db"
	"github.com/klppl/skybridge/internal/queue"
)

const (
	numWorkers = 8
	batchSize  = 100
	scanEvery  = time.Second
)

// retrySchedule is the backoff between delivery attempts. A job that fails
// after the last entry is dropped.
var retrySchedule = []time.Duration{
	time.Minute,
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
	8 * time.Hour,
}

var maxAttempts = len(retrySchedule)

// Recipient is one delivery target. When SharedInbox is set, deliveries to
// recipients on the same server are coalesced into a single request.
type Recipient struct {
	ID          string
	Inbox       string
	SharedInbox string
}

// Dispatcher owns outbound delivery: every activity is persisted as a queue
// job first, then picked up by the scheduler and handed to one of the
// workers. Jobs for the same inbox always land on the same worker, so
// deliveries to one server stay in order.
type Dispatcher struct {
	store  *db.Store
	jobs   *queue.DB
	keys   *KeyStore
	actors *Actors

	workers [numWorkers]chan queue.Job

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewDispatcher(store *db.Store, jobs *queue.DB, keys *KeyStore, actors *Actors) *Dispatcher {
	d := &Dispatcher{store: store, jobs: jobs, keys: keys, actors: actors, inflight: make(map[string]struct{})}
	for i := range d.workers {
		d.workers[i] = make(chan queue.Job, batchSize)
	}
	return d
}

// Run starts the workers and the scheduler loop and blocks until ctx is
// cancelled. Jobs left in the queue from a previous run resume naturally.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := range d.workers {
		wg.Add(1)
		go func(ch chan queue.Job) {
			defer wg.Done()
			d.worker(ctx, ch)
		}(d.workers[i])
	}

	ticker := time.NewTicker(scanEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
			d.scan(ctx)
		}
	}
}

// scan moves due jobs from the queue to the workers. A job stays in the
// queue until its attempt reaches a terminal outcome, so a crash or shutdown
// with deliveries in flight loses nothing; the inflight set keeps later
// scans from handing the same job out twice.
func (d *Dispatcher) scan(ctx context.Context) {
	due, err := d.jobs.DueJobs(time.Now(), batchSize)
	if err != nil {
		slog.Error("scan delivery queue", "error", err)
		return
	}
	for _, job := range due {
		if !d.claim(job.ID) {
			continue
		}
		select {
		case d.workers[bucket(job.Inbox)] <- job:
		case <-ctx.Done():
			d.release(job.ID)
			return
		}
	}
}

func (d *Dispatcher) claim(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.inflight[id]; ok {
		return false
	}
	d.inflight[id] = struct{}{}
	return true
}

func (d *Dispatcher) release(id string) {
	d.mu.Lock()
	delete(d.inflight, id)
	d.mu.Unlock()
}

func bucket(inbox string) int {
	h := fnv.New32a()
	h.Write([]byte(inbox))
	return int(h.Sum32() % numWorkers)
}

func (d *Dispatcher) worker(ctx context.Context, ch chan queue.Job) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-ch:
			d.attempt(ctx, job)
		}
	}
}

func (d *Dispatcher) attempt(ctx context.Context, job queue.Job) {
	defer d.release(job.ID)

	privKey, err := d.keys.RSAPrivate(job.SenderDID)
	if err != nil {
		slog.Error("load signing key", "did", job.SenderDID, "error", err)
		d.reschedule(job, err)
		return
	}
	keyID := d.actors.ActorURI(job.SenderDID) + "#main-key"

	err = DeliverActivity(ctx, job.Inbox, job.Activity, keyID, privKey)
	if err == nil {
		d.finish(job)
		return
	}

	if errors.Is(err, ErrPermanent) || errors.Is(err, ErrGone) {
		slog.Warn("delivery rejected", "inbox", job.Inbox, "error", err)
		d.finish(job)
		return
	}
	d.reschedule(job, err)
}

// finish removes a job that reached a terminal outcome.
func (d *Dispatcher) finish(job queue.Job) {
	if err := d.jobs.DeleteJob(job); err != nil {
		slog.Error("dequeue delivery job", "id", job.ID, "error", err)
	}
}

// reschedule re-enqueues a transiently failed job under its next due time,
// or drops it once the schedule is exhausted. The new entry is written
// before the old one is removed.
func (d *Dispatcher) reschedule(job queue.Job, cause error) {
	old := job
	if job.Attempt >= maxAttempts {
		slog.Warn("delivery abandoned", "inbox", job.Inbox, "attempts", job.Attempt+1, "error", cause)
		d.finish(old)
		return
	}
	delay := retrySchedule[job.Attempt]
	job.Attempt++
	job.NextAttemptAt = time.Now().Add(delay).UnixNano()
	if err := d.jobs.PutJob(job); err != nil {
		slog.Error("reschedule delivery job", "id", job.ID, "error", err)
		return
	}
	d.finish(old)
	slog.Debug("delivery rescheduled", "inbox", job.Inbox, "attempt", job.Attempt, "delay", delay, "error", cause)
}

// Dispatch persists one delivery job per distinct inbox for an activity.
// Recipients are deduplicated by actor id, and recipients sharing a shared
// inbox collapse into one job addressed to it.
func (d *Dispatcher) Dispatch(senderDID string, activity interface{}, recipients []Recipient) error {
	body, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("marshal activity: %w", err)
	}

	seen := make(map[string]bool)
	inboxes := make(map[string]bool)
	for _, r := range recipients {
		if r.ID != "" && seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		inbox := r.Inbox
		if r.SharedInbox != "" {
			inbox = r.SharedInbox
		}
		if inbox == "" {
			continue
		}
		inboxes[inbox] = true
	}

	now := time.Now().UnixNano()
	for inbox := range inboxes {
		job := queue.Job{
			ID:            uuid.NewString(),
			SenderDID:     senderDID,
			Inbox:         inbox,
			Activity:      body,
			NextAttemptAt: now,
		}
		if err := d.jobs.PutJob(job); err != nil {
			return fmt.Errorf("enqueue delivery to %s: %w", inbox, err)
		}
	}
	return nil
}

// DispatchToFollowers fans an activity out to every follower of a local
// account, plus any extra recipients (e.g. the author of a thread parent).
func (d *Dispatcher) DispatchToFollowers(senderDID string, activity interface{}, extra ...Recipient) error {
	followers, err := d.store.GetFollowers(senderDID)
	if err != nil {
		return fmt.Errorf("expand followers of %s: %w", senderDID, err)
	}
	recipients := make([]Recipient, 0, len(followers)+len(extra))
	for _, f := range followers {
		recipients = append(recipients, Recipient{
			ID:          f.ActorURI,
			Inbox:       f.ActorInbox,
			SharedInbox: f.ActorSharedInbox,
		})
	}
	recipients = append(recipients, extra...)
	return d.Dispatch(senderDID, activity, recipients)
}
