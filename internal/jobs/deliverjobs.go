package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/klppl/relaybridge/internal/apmodel"
	"github.com/klppl/relaybridge/internal/reqengine"
	"github.com/klppl/relaybridge/internal/relayerr"
)

// activityCacheTTL bounds how long an Announce's dedup entry is kept. A week
// comfortably outlives any plausible repeat-delivery window for a federated
// Create/Announce.
const activityCacheTTL = 7 * 24 * time.Hour

func init() {
	Register("Announce", func(payload []byte) (Job, error) {
		var j AnnounceJob
		if err := json.Unmarshal(payload, &j); err != nil {
			return nil, relayerr.Wrap(relayerr.KindStorage, "decode Announce payload", err)
		}
		return &j, nil
	})
	Register("DeliverMany", func(payload []byte) (Job, error) {
		var j DeliverManyJob
		if err := json.Unmarshal(payload, &j); err != nil {
			return nil, relayerr.Wrap(relayerr.KindStorage, "decode DeliverMany payload", err)
		}
		return &j, nil
	})
	Register("Deliver", func(payload []byte) (Job, error) {
		var j DeliverJob
		if err := json.Unmarshal(payload, &j); err != nil {
			return nil, relayerr.Wrap(relayerr.KindStorage, "decode Deliver payload", err)
		}
		return &j, nil
	})
	Register("Unfollow", func(payload []byte) (Job, error) {
		var j UnfollowJob
		if err := json.Unmarshal(payload, &j); err != nil {
			return nil, relayerr.Wrap(relayerr.KindStorage, "decode Unfollow payload", err)
		}
		return &j, nil
	})
}

// AnnounceJob wraps object_id in an Announce activity and fans it out to the
// inboxes of the relay's followers. The activity is addressed to the public
// collection; no followers collection is named as an addressee.
type AnnounceJob struct {
	ObjectID       string `json:"object_id"`
	OriginatorIBox string `json:"originator_inbox"` // excluded from fan-out, it's where the object came from
}

func (j *AnnounceJob) Name() string  { return "Announce" }
func (j *AnnounceJob) Queue() string { return QueueApub }

func (j *AnnounceJob) Run(ctx context.Context, deps *Deps) error {
	activityID := fmt.Sprintf("https://%s/activities/%s", deps.Hostname, uuid.NewString())
	activity := (&apmodel.Activity{
		ID:        activityID,
		Type:      "Announce",
		Actor:     deps.ActorIRI,
		Object:    j.ObjectID,
		To:        apmodel.StringOrArray{apmodel.PublicURI},
		Published: time.Now().UTC().Format(time.RFC3339),
	}).WithContext()

	inboxes, err := j.resolveInboxes(ctx, deps)
	if err != nil {
		return err
	}

	if len(inboxes) > 0 {
		body, err := json.Marshal(activity)
		if err != nil {
			return relayerr.Wrap(relayerr.KindStorage, "marshal announce activity", err)
		}
		if _, err := deps.Enqueue(ctx, "DeliverMany", QueueDeliver, DeliverManyJob{Inboxes: inboxes, Activity: body}, time.Now()); err != nil {
			return err
		}
	}

	// ActivityCache write happens after DeliverMany is enqueued (O2): a
	// duplicate repeat arriving before delivery finishes is still deduped.
	return deps.Store.CacheActivity(ctx, j.ObjectID, activityID, activityCacheTTL)
}

func (j *AnnounceJob) resolveInboxes(ctx context.Context, deps *Deps) ([]string, error) {
	blocked, err := deps.Store.Blocked(ctx)
	if err != nil {
		return nil, err
	}
	blockedSet := make(map[string]struct{}, len(blocked))
	for _, b := range blocked {
		blockedSet[b] = struct{}{}
	}

	seen := make(map[string]struct{})
	var inboxes []string
	for _, actorID := range deps.Actors.Followers() {
		a, _, err := deps.Actors.Get(ctx, actorID)
		if err != nil {
			slog.Warn("resolve follower inbox failed", "actor_id", actorID, "err", err)
			continue
		}
		if a.Inbox == "" || a.Inbox == j.OriginatorIBox {
			continue
		}
		if _, ok := seen[a.Inbox]; ok {
			continue
		}
		if authority, err := hostOf(a.Inbox); err == nil {
			if _, blocked := blockedSet[authority]; blocked {
				continue
			}
		}
		seen[a.Inbox] = struct{}{}
		inboxes = append(inboxes, a.Inbox)
	}
	return inboxes, nil
}

func hostOf(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	return strings.ToLower(u.Host), nil
}

// DeliverManyJob enqueues one Deliver job per inbox so the originating
// request returns quickly and a worker crash mid-fan-out can't silently
// lose expansions.
type DeliverManyJob struct {
	Inboxes  []string        `json:"inboxes"`
	Activity json.RawMessage `json:"activity"`
}

func (j *DeliverManyJob) Name() string  { return "DeliverMany" }
func (j *DeliverManyJob) Queue() string { return QueueDeliver }

func (j *DeliverManyJob) Run(ctx context.Context, deps *Deps) error {
	for _, inbox := range j.Inboxes {
		if _, err := deps.Enqueue(ctx, "Deliver", QueueDeliver, DeliverJob{Inbox: inbox, Activity: j.Activity}, time.Now()); err != nil {
			return err
		}
	}
	return nil
}

// DeliverJob performs one signed POST to a single inbox.
type DeliverJob struct {
	Inbox    string          `json:"inbox"`
	Activity json.RawMessage `json:"activity"`
}

func (j *DeliverJob) Name() string  { return "Deliver" }
func (j *DeliverJob) Queue() string { return QueueDeliver }

func (j *DeliverJob) Run(ctx context.Context, deps *Deps) error {
	err := deps.Engine.Deliver(ctx, j.Inbox, j.Activity, reqengine.Require2XX)
	if err == nil {
		return nil
	}

	var re *relayerr.Error
	if ok := errors.As(err, &re); ok && re.Kind == relayerr.KindStatus {
		if re.Code == 410 {
			if _, enqErr := deps.Enqueue(ctx, "Unfollow", QueueApub, UnfollowJob{Inbox: j.Inbox}, time.Now()); enqErr != nil {
				slog.Error("enqueue unfollow after 410 failed", "inbox", j.Inbox, "err", enqErr)
			}
			return nil // drop: the Unfollow enqueued above handles the gone inbox
		}
		if re.Code >= 400 && re.Code < 500 && re.Code != 408 && re.Code != 429 {
			slog.Warn("deliver dropped (4xx)", "inbox", j.Inbox, "status", re.Code)
			return nil // drop: other 4xx statuses are not worth retrying
		}
	}
	return err // retried or dropped per relayerr.Classify (a breaker error drops)
}

// UnfollowJob tears down every actor sharing inbox's listener, after a
// delivery to that inbox reports the resource gone (410).
type UnfollowJob struct {
	Inbox string `json:"inbox"`
}

func (j *UnfollowJob) Name() string  { return "Unfollow" }
func (j *UnfollowJob) Queue() string { return QueueApub }

func (j *UnfollowJob) Run(ctx context.Context, deps *Deps) error {
	listenerID, err := deps.Store.UpsertListener(ctx, j.Inbox)
	if err != nil {
		return err
	}
	actorIDs, err := deps.Store.ActorIDsForListener(ctx, listenerID)
	if err != nil {
		return err
	}
	for _, id := range actorIDs {
		if _, _, err := deps.Actors.Unfollower(ctx, id); err != nil {
			slog.Error("unfollow actor failed", "actor_id", id, "err", err)
		}
	}
	return nil
}
