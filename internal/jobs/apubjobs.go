package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/klppl/relaybridge/internal/apmodel"
	"github.com/klppl/relaybridge/internal/htmlsanitize"
	"github.com/klppl/relaybridge/internal/reqengine"
	"github.com/klppl/relaybridge/internal/relayerr"
	"github.com/klppl/relaybridge/internal/store"
)

func init() {
	Register("QueryInstance", func(payload []byte) (Job, error) {
		var j QueryInstanceJob
		if err := json.Unmarshal(payload, &j); err != nil {
			return nil, relayerr.Wrap(relayerr.KindStorage, "decode QueryInstance payload", err)
		}
		return &j, nil
	})
	Register("QueryNodeinfo", func(payload []byte) (Job, error) {
		var j QueryNodeinfoJob
		if err := json.Unmarshal(payload, &j); err != nil {
			return nil, relayerr.Wrap(relayerr.KindStorage, "decode QueryNodeinfo payload", err)
		}
		return &j, nil
	})
	Register("CacheMedia", func(payload []byte) (Job, error) {
		var j CacheMediaJob
		if err := json.Unmarshal(payload, &j); err != nil {
			return nil, relayerr.Wrap(relayerr.KindStorage, "decode CacheMedia payload", err)
		}
		return &j, nil
	})
	Register("Listeners", func(payload []byte) (Job, error) {
		return &ListenersJob{}, nil
	})
	Register("RefreshAllActors", func(payload []byte) (Job, error) {
		return &RefreshAllActorsJob{}, nil
	})
	Register("FlushLastOnline", func(payload []byte) (Job, error) {
		return &FlushLastOnlineJob{}, nil
	})
}

// QueryInstanceJob refreshes an actor's instance/contact metadata from its
// server's Mastodon-style /api/v1/instance endpoint.
type QueryInstanceJob struct {
	ActorID string `json:"actor_id"`
}

func (j *QueryInstanceJob) Name() string  { return "QueryInstance" }
func (j *QueryInstanceJob) Queue() string { return QueueApub }

func (j *QueryInstanceJob) Run(ctx context.Context, deps *Deps) error {
	contactOutdated, err := deps.Nodes.IsContactOutdated(ctx, j.ActorID)
	if err != nil {
		return err
	}
	instanceOutdated, err := deps.Nodes.IsInstanceOutdated(ctx, j.ActorID)
	if err != nil {
		return err
	}
	if !contactOutdated && !instanceOutdated {
		return nil
	}

	u, err := url.Parse(j.ActorID)
	if err != nil {
		return relayerr.Wrap(relayerr.KindMissingDomain, "parse actor id", err)
	}
	instanceURL := fmt.Sprintf("%s://%s/api/v1/instance", u.Scheme, u.Host)

	remote, err := reqengine.Fetch[apmodel.RemoteInstance](ctx, deps.Engine, instanceURL, reqengine.Allow404AndBelow)
	if err != nil {
		return err
	}

	if err := deps.Nodes.SetInstance(ctx, j.ActorID, store.Instance{
		Title:            remote.Title,
		ShortDescription: remote.ShortDescription,
		Description:      htmlsanitize.StripToText(remote.Description),
		Version:          remote.Version,
		Registrations:    remote.Registrations,
		ApprovalRequired: remote.ApprovalRequired,
	}); err != nil {
		return err
	}

	if remote.Contact == nil {
		return nil
	}
	contact := store.Contact{Username: remote.Contact.Username}
	if remote.Contact.Avatar != "" {
		mediaUUID, err := deps.Media.StoreURL(ctx, remote.Contact.Avatar)
		if err != nil {
			slog.Warn("store contact avatar failed", "actor_id", j.ActorID, "err", err)
		} else {
			contact.Avatar = mediaUUID
			if _, err := deps.Enqueue(ctx, "CacheMedia", QueueApub, CacheMediaJob{UUID: mediaUUID}, time.Now()); err != nil {
				slog.Warn("enqueue cache media failed", "uuid", mediaUUID, "err", err)
			}
		}
	}
	return deps.Nodes.SetContact(ctx, j.ActorID, contact)
}

// QueryNodeinfoJob refreshes an actor's nodeinfo via the standard discovery
// dance: /.well-known/nodeinfo -> the 2.0 link -> the document itself.
type QueryNodeinfoJob struct {
	ActorID string `json:"actor_id"`
}

func (j *QueryNodeinfoJob) Name() string  { return "QueryNodeinfo" }
func (j *QueryNodeinfoJob) Queue() string { return QueueApub }

func (j *QueryNodeinfoJob) Run(ctx context.Context, deps *Deps) error {
	outdated, err := deps.Nodes.IsNodeInfoOutdated(ctx, j.ActorID)
	if err != nil {
		return err
	}
	if !outdated {
		return nil
	}

	u, err := url.Parse(j.ActorID)
	if err != nil {
		return relayerr.Wrap(relayerr.KindMissingDomain, "parse actor id", err)
	}
	discoveryURL := fmt.Sprintf("%s://%s/.well-known/nodeinfo", u.Scheme, u.Host)

	discovery, err := reqengine.Fetch[apmodel.NodeInfoDiscovery](ctx, deps.Engine, discoveryURL, reqengine.Allow404AndBelow)
	if err != nil {
		return err
	}

	var link string
	for _, l := range discovery.Links {
		if strings.Contains(l.Rel, "nodeinfo.diaspora.software/ns/schema/2.0") {
			link = l.Href
			break
		}
	}
	if link == "" {
		return relayerr.New(relayerr.KindMissingID, "no nodeinfo 2.0 link found")
	}

	info, err := reqengine.Fetch[apmodel.RemoteNodeInfo](ctx, deps.Engine, link, reqengine.Allow404AndBelow)
	if err != nil {
		return err
	}
	return deps.Nodes.SetNodeInfo(ctx, j.ActorID, info.Version, info.Software.Name)
}

// CacheMediaJob optionally pre-fetches a stored media asset's bytes.
type CacheMediaJob struct {
	UUID string `json:"uuid"`
}

func (j *CacheMediaJob) Name() string  { return "CacheMedia" }
func (j *CacheMediaJob) Queue() string { return QueueApub }

func (j *CacheMediaJob) Run(ctx context.Context, deps *Deps) error {
	return deps.Media.Prefetch(ctx, j.UUID)
}

// ListenersJob enumerates every connected authority and re-queries its
// instance and nodeinfo metadata. Scheduled every 30 minutes.
type ListenersJob struct{}

func (j *ListenersJob) Name() string  { return "Listeners" }
func (j *ListenersJob) Queue() string { return QueueApub }

func (j *ListenersJob) Run(ctx context.Context, deps *Deps) error {
	ids, err := deps.Store.ConnectedIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := deps.Enqueue(ctx, "QueryInstance", QueueApub, QueryInstanceJob{ActorID: id}, time.Now()); err != nil {
			slog.Error("enqueue QueryInstance failed", "actor_id", id, "err", err)
		}
		if _, err := deps.Enqueue(ctx, "QueryNodeinfo", QueueApub, QueryNodeinfoJob{ActorID: id}, time.Now()); err != nil {
			slog.Error("enqueue QueryNodeinfo failed", "actor_id", id, "err", err)
		}
	}
	return nil
}

// RefreshAllActorsJob forces a TTL-refresh check on every known actor,
// repairing keys that drifted without a key-rotation-triggered mismatch.
// Scheduled every 24h.
type RefreshAllActorsJob struct{}

func (j *RefreshAllActorsJob) Name() string  { return "RefreshAllActors" }
func (j *RefreshAllActorsJob) Queue() string { return QueueApub }

func (j *RefreshAllActorsJob) Run(ctx context.Context, deps *Deps) error {
	ids, err := deps.Store.AllActorIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := deps.Actors.RefreshTTL(ctx, id); err != nil {
			slog.Warn("refresh actor ttl failed", "actor_id", id, "err", err)
		}
	}
	return nil
}

// FlushLastOnlineJob drains the in-memory last-seen tracker to storage.
// Scheduled on the operator-configured flush interval.
type FlushLastOnlineJob struct{}

func (j *FlushLastOnlineJob) Name() string  { return "FlushLastOnline" }
func (j *FlushLastOnlineJob) Queue() string { return QueueApub }

func (j *FlushLastOnlineJob) Run(ctx context.Context, deps *Deps) error {
	drained := deps.Engine.LastOnline().Take()
	for authority, seconds := range drained {
		if err := deps.Store.MarkLastSeen(ctx, authority, time.Unix(seconds, 0)); err != nil {
			slog.Error("flush last seen failed", "authority", authority, "err", err)
		}
	}
	return nil
}
