// Package actorcache implements the relay's actor cache and follower
// registry: a TTL layer over persistent storage, with network fetch as
// the final fallback, plus the in-memory FollowerSet used on every delivery
// fan-out.
package actorcache

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/klppl/relaybridge/internal/apmodel"
	"github.com/klppl/relaybridge/internal/reqengine"
	"github.com/klppl/relaybridge/internal/relayerr"
	"github.com/klppl/relaybridge/internal/store"
)

const (
	ttl             = 30 * time.Minute
	maxTTLEntries   = 8192
	rehydrateEvery  = 10 * time.Minute
	refetchDuration = 30 * time.Minute
)

// Provenance reports whether Get's result came from a cache layer or a fresh
// network fetch — the inbound state machine uses Fetched to decide
// whether it may retry a signature mismatch with a forced refetch (a
// just-fetched key failing verification means the signature is actually bad,
// not stale).
type Provenance int

const (
	Cached Provenance = iota
	Fetched
)

type ttlEntry struct {
	actor   store.Actor
	expires time.Time
}

// Cache is the actor cache + follower set.
type Cache struct {
	st  store.Store
	eng *reqengine.Engine

	mu      sync.Mutex
	ttlMap  map[string]ttlEntry

	followersMu sync.RWMutex
	followers   map[string]struct{}
}

func New(st store.Store, eng *reqengine.Engine) *Cache {
	return &Cache{
		st:        st,
		eng:       eng,
		ttlMap:    make(map[string]ttlEntry),
		followers: make(map[string]struct{}),
	}
}

// Get is the fetch-or-lookup-or-load critical path: TTL hit, else a fresh
// storage row, else a validated network fetch.
func (c *Cache) Get(ctx context.Context, id string) (*store.Actor, Provenance, error) {
	if a, ok := c.ttlGet(id); ok {
		return a, Cached, nil
	}

	if a, ok, err := c.st.FindActorByID(ctx, id); err != nil {
		return nil, Cached, err
	} else if ok {
		c.ttlPut(*a)
		return a, Cached, nil
	}

	a, err := c.fetchAndValidate(ctx, id)
	if err != nil {
		return nil, Fetched, err
	}
	c.ttlPut(*a)
	return a, Fetched, nil
}

// Evict drops id from the TTL layer, forcing the next Get to refetch. Used
// by the inbound state machine's key-rotation retry.
func (c *Cache) Evict(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ttlMap, id)
}

func (c *Cache) ttlGet(id string) (*store.Actor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.ttlMap[id]
	if !ok || time.Now().After(e.expires) {
		return nil, false
	}
	a := e.actor
	return &a, true
}

func (c *Cache) ttlPut(a store.Actor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.ttlMap) >= maxTTLEntries {
		c.evictOneLocked()
	}
	c.ttlMap[a.ID] = ttlEntry{actor: a, expires: time.Now().Add(ttl)}
}

// evictOneLocked drops one arbitrary entry when the TTL map is full; Go map
// iteration order already gives us an effectively-random victim without
// needing a full LRU list for what is just an overflow valve on top of TTL
// expiry.
func (c *Cache) evictOneLocked() {
	for k := range c.ttlMap {
		delete(c.ttlMap, k)
		return
	}
}

// fetchAndValidate pulls the actor document over the network via the
// request engine, validates its authority and key binding, and upserts it
// into storage.
func (c *Cache) fetchAndValidate(ctx context.Context, id string) (*store.Actor, error) {
	remote, err := reqengine.Fetch[apmodel.Actor](ctx, c.eng, id, reqengine.Require2XX)
	if err != nil {
		return nil, err
	}

	if remote.ID == "" {
		return nil, relayerr.New(relayerr.KindMissingID, "actor document has no id")
	}
	declaredAuthority, err := authorityOf(remote.ID)
	if err != nil {
		return nil, err
	}
	wantAuthority, err := authorityOf(id)
	if err != nil {
		return nil, err
	}
	if declaredAuthority != wantAuthority {
		return nil, &relayerr.Error{Kind: relayerr.KindHostMismatch, Detail: fmt.Sprintf("actor id authority %s != requested %s", declaredAuthority, wantAuthority)}
	}
	if remote.PublicKey == nil || remote.PublicKey.PublicKeyPem == "" {
		return nil, relayerr.New(relayerr.KindBadActor, "actor document has no public key")
	}
	if remote.PublicKey.Owner != "" && remote.PublicKey.Owner != remote.ID {
		return nil, &relayerr.Error{Kind: relayerr.KindBadActor, Detail: "publicKey.owner does not bind to actor id"}
	}

	inbox := remote.SharedInbox()
	if inbox == "" {
		return nil, relayerr.New(relayerr.KindMissingID, "actor document has no inbox")
	}

	listenerID, err := c.st.UpsertListener(ctx, inbox)
	if err != nil {
		return nil, err
	}

	a := store.Actor{
		ID:          remote.ID,
		PublicKeyID: remote.PublicKey.ID,
		PublicKey:   remote.PublicKey.PublicKeyPem,
		Inbox:       inbox,
		ListenerID:  listenerID,
		UpdatedAt:   time.Now(),
	}
	if err := c.st.UpsertActor(ctx, a); err != nil {
		return nil, err
	}
	return &a, nil
}

func authorityOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", relayerr.Wrap(relayerr.KindHostMismatch, "parse url", err)
	}
	return strings.ToLower(u.Host), nil
}

// ─── Follower set ────────────────────────────────────────────────────────────

// IsFollower reports synchronously whether id is in the in-memory follower
// set — the fast path every delivery fan-out consults.
func (c *Cache) IsFollower(id string) bool {
	c.followersMu.RLock()
	defer c.followersMu.RUnlock()
	_, ok := c.followers[id]
	return ok
}

// Followers returns a snapshot slice of the current follower set.
func (c *Cache) Followers() []string {
	c.followersMu.RLock()
	defer c.followersMu.RUnlock()
	out := make([]string, 0, len(c.followers))
	for id := range c.followers {
		out = append(out, id)
	}
	return out
}

// Follower records actor as an accepted follower: persists the Actor row and
// adds it to the in-memory set.
func (c *Cache) Follower(ctx context.Context, a store.Actor) error {
	if err := c.st.UpsertActor(ctx, a); err != nil {
		return err
	}
	c.ttlPut(a)
	c.followersMu.Lock()
	c.followers[a.ID] = struct{}{}
	c.followersMu.Unlock()
	return nil
}

// Unfollower removes actor from the follower set and persisted storage,
// returning the listener id iff that was the last actor under its authority
// so the caller can delete the Listener.
func (c *Cache) Unfollower(ctx context.Context, id string) (listenerID string, cascaded bool, err error) {
	listenerID, cascaded, err = c.st.DeleteActor(ctx, id)
	if err != nil {
		return "", false, err
	}
	c.Evict(id)
	c.followersMu.Lock()
	delete(c.followers, id)
	c.followersMu.Unlock()
	return listenerID, cascaded, nil
}

// Rehydrate re-reads all actor ids from storage and atomically replaces the
// follower set. The new set is built in a local variable with no lock held;
// only the final pointer-style swap happens under the write lock, so
// delivery-path readers are never blocked for the duration of a full
// storage scan.
func (c *Cache) Rehydrate(ctx context.Context) error {
	ids, err := c.st.AllActorIDs(ctx)
	if err != nil {
		return err
	}
	fresh := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		fresh[id] = struct{}{}
	}
	c.followersMu.Lock()
	c.followers = fresh
	c.followersMu.Unlock()
	return nil
}

// StartRehydrator runs Rehydrate once immediately and then every 10 minutes
// until ctx is done. This is the authoritative repair path for any drift
// between the in-memory set and storage.
func (c *Cache) StartRehydrator(ctx context.Context) {
	if err := c.Rehydrate(ctx); err != nil {
		slog.Warn("initial actor cache rehydrate failed", "err", err)
	}
	ticker := time.NewTicker(rehydrateEvery)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.Rehydrate(ctx); err != nil {
					slog.Warn("actor cache rehydrate failed", "err", err)
				}
			}
		}
	}()
}

// RefreshTTL re-reads a not-yet-expired actor and forces a network refetch
// if the cached row is older than refetchDuration, used by the
// RefreshAllActors scheduled job to repair drifted keys proactively.
func (c *Cache) RefreshTTL(ctx context.Context, id string) error {
	a, _, err := c.st.FindActorByID(ctx, id)
	if err != nil {
		return err
	}
	if a != nil && time.Since(a.UpdatedAt) < refetchDuration {
		return nil
	}
	c.Evict(id)
	_, _, err = c.Get(ctx, id)
	return err
}
