// Package jobs implements the relay's durable job system: two queues
// (deliver, apub), lease-based worker claiming, exponential backoff retry,
// and the concrete delivery/discovery jobs. Job types are registered
// by name rather than through inheritance, per the "Polymorphic jobs" design
// note: a registry maps a job's NAME to a constructor that deserializes its
// JSON payload and returns a runnable Job.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/klppl/relaybridge/internal/actorcache"
	"github.com/klppl/relaybridge/internal/mediacache"
	"github.com/klppl/relaybridge/internal/nodecache"
	"github.com/klppl/relaybridge/internal/reqengine"
	"github.com/klppl/relaybridge/internal/relayerr"
	"github.com/klppl/relaybridge/internal/signing"
	"github.com/klppl/relaybridge/internal/store"
)

const (
	QueueDeliver = "deliver"
	QueueApub    = "apub"
)

// Retry/backoff parameters: exponential with jitter, base 10s, factor 2,
// cap 24h, max attempts 8.
const (
	backoffBase   = 10 * time.Second
	backoffFactor = 2.0
	backoffCap    = 24 * time.Hour
	maxAttempts   = 8

	leaseDuration = 2 * time.Minute
	pollInterval  = 2 * time.Second
)

// Deps bundles everything a Job's Run method needs. It is built once at
// startup and shared read-only across all workers.
type Deps struct {
	Store     store.Store
	Actors    *actorcache.Cache
	Nodes     *nodecache.Cache
	Media     *mediacache.Cache
	Engine    *reqengine.Engine
	KeyPair   *signing.KeyPair
	KeyID     string
	ActorIRI  string // the relay's own actor id, used as the Announce's actor
	Hostname  string
	Enqueue   func(ctx context.Context, kind, queue string, payload interface{}, runAt time.Time) (string, error)
}

// Job is the capability every job type implements: enough to look itself up
// in the registry by name, know which queue it belongs on, and run.
type Job interface {
	Name() string
	Queue() string
	Run(ctx context.Context, deps *Deps) error
}

// Constructor deserializes a stored JSON payload into a runnable Job.
type Constructor func(payload []byte) (Job, error)

var registry = map[string]Constructor{}

// Register adds a job type to the registry. Called from each job file's
// init().
func Register(name string, ctor Constructor) {
	registry[name] = ctor
}

func construct(name string, payload []byte) (Job, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, relayerr.New(relayerr.KindActivityKind, "unknown job kind "+name)
	}
	return ctor(payload)
}

// Backoff computes the next_run_at delay for a given attempt count (0-based):
// exponential, capped at backoffCap, then jittered to between half and all of
// that value.
func Backoff(attempt int) time.Duration {
	d := float64(backoffBase) * math.Pow(backoffFactor, float64(attempt))
	if d > float64(backoffCap) {
		d = float64(backoffCap)
	}
	jittered := d * (0.5 + rand.Float64()*0.5)
	return time.Duration(jittered)
}

// Runner runs worker goroutines against one queue.
type Runner struct {
	queue    string
	workers  int
	st       store.Store
	deps     *Deps
	workerID string
}

func NewRunner(queue string, workers int, st store.Store, deps *Deps) *Runner {
	return &Runner{queue: queue, workers: workers, st: st, deps: deps, workerID: uuid.NewString()}
}

// Start launches the runner's worker goroutines; they run until ctx is
// canceled.
func (r *Runner) Start(ctx context.Context) {
	for i := 0; i < r.workers; i++ {
		go r.workerLoop(ctx, fmt.Sprintf("%s-%s-%d", r.queue, r.workerID, i))
	}
}

func (r *Runner) workerLoop(ctx context.Context, workerID string) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pollOnce(ctx, workerID)
		}
	}
}

func (r *Runner) pollOnce(ctx context.Context, workerID string) {
	job, err := r.st.ClaimJob(ctx, r.queue, workerID, leaseDuration)
	if err != nil {
		slog.Error("claim job failed", "queue", r.queue, "err", err)
		return
	}
	if job == nil {
		return
	}

	correlationID := job.ID
	renewStop := make(chan struct{})
	go r.renewLeaseLoop(ctx, job.ID, workerID, renewStop)
	defer close(renewStop)

	runErr := r.runJob(ctx, job)
	if runErr == nil {
		if err := r.st.CompleteJob(ctx, job.ID); err != nil {
			slog.Error("complete job failed", "job_id", job.ID, "correlation_id", correlationID, "err", err)
		}
		return
	}

	class := relayerr.Classify(runErr)
	slog.Warn("job failed", "job_id", job.ID, "kind", job.Kind, "correlation_id", correlationID, "err", runErr, "class", class)

	switch class {
	case relayerr.RetryImmediate:
		if err := r.st.RescheduleJob(ctx, job.ID, time.Now()); err != nil {
			slog.Error("reschedule job failed", "job_id", job.ID, "err", err)
		}
	case relayerr.RetryDrop:
		if err := r.st.DeadLetterJob(ctx, job.ID, runErr.Error()); err != nil {
			slog.Error("dead letter job failed", "job_id", job.ID, "err", err)
		}
	default: // RetryBackoff
		if job.Attempt+1 >= maxAttempts {
			if err := r.st.DeadLetterJob(ctx, job.ID, "max attempts exceeded: "+runErr.Error()); err != nil {
				slog.Error("dead letter job failed", "job_id", job.ID, "err", err)
			}
			return
		}
		nextRun := time.Now().Add(Backoff(job.Attempt))
		if err := r.st.RescheduleJob(ctx, job.ID, nextRun); err != nil {
			slog.Error("reschedule job failed", "job_id", job.ID, "err", err)
		}
	}
}

// renewLeaseLoop keeps a job's lease alive at half the lease interval while
// it runs, so a slow-but-healthy worker isn't raced by another poller.
func (r *Runner) renewLeaseLoop(ctx context.Context, jobID, workerID string, stop <-chan struct{}) {
	ticker := time.NewTicker(leaseDuration / 2)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.st.RenewLease(ctx, jobID, workerID, leaseDuration); err != nil {
				slog.Warn("renew lease failed", "job_id", jobID, "err", err)
			}
		}
	}
}

func (r *Runner) runJob(ctx context.Context, sj *store.Job) error {
	job, err := construct(sj.Kind, sj.Payload)
	if err != nil {
		return err
	}
	return job.Run(ctx, r.deps)
}

// Enqueue marshals a job's payload to JSON and persists it via st, returning
// the new job's id. Every concrete job's Run method that needs to enqueue
// further work calls this through Deps.Enqueue, so a job never talks to
// store.Store's job table directly.
func Enqueue(ctx context.Context, st store.Store, kind, queue string, payload interface{}, runAt time.Time) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", relayerr.Wrap(relayerr.KindStorage, "marshal job payload", err)
	}
	return st.EnqueueJob(ctx, kind, queue, data, runAt)
}

// NewDeps wires a Deps bundle with its own Enqueue closure bound to st.
func NewDeps(st store.Store, actors *actorcache.Cache, nodes *nodecache.Cache, media *mediacache.Cache,
	eng *reqengine.Engine, kp *signing.KeyPair, keyID, actorIRI, hostname string) *Deps {
	d := &Deps{
		Store: st, Actors: actors, Nodes: nodes, Media: media, Engine: eng,
		KeyPair: kp, KeyID: keyID, ActorIRI: actorIRI, Hostname: hostname,
	}
	d.Enqueue = func(ctx context.Context, kind, queue string, payload interface{}, runAt time.Time) (string, error) {
		return Enqueue(ctx, st, kind, queue, payload, runAt)
	}
	return d
}
