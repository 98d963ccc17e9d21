// Package nodecache holds per-actor nodeinfo/instance/contact metadata with
// the 10-minute outdated rule. Accessors return the storage-backed
// value optimistically; the QueryNodeinfo and QueryInstance background jobs
// refresh outdated tuples.
package nodecache

import (
	"context"
	"time"

	"github.com/klppl/relaybridge/internal/store"
)

const outdatedAfter = 10 * time.Minute

// Outdated reports whether a metadata tuple's Updated timestamp is stale.
// Monotone: once false, it becomes true again only after outdatedAfter
// elapses with no intervening Save.
func Outdated(updated time.Time) bool {
	return time.Since(updated) >= outdatedAfter
}

// Cache wraps store.Store with the outdated-ness rule for nodeinfo,
// instance, and contact tuples.
type Cache struct {
	st store.Store
}

func New(st store.Store) *Cache { return &Cache{st: st} }

func (c *Cache) GetNodeInfo(ctx context.Context, actorID string) (*store.NodeInfo, error) {
	return c.st.GetNodeInfo(ctx, actorID)
}

func (c *Cache) IsNodeInfoOutdated(ctx context.Context, actorID string) (bool, error) {
	ni, err := c.st.GetNodeInfo(ctx, actorID)
	if err != nil {
		// A fetch failure is treated as outdated: better to retry than to
		// optimistically assume freshness we could not confirm.
		return true, err
	}
	if ni == nil {
		return true, nil
	}
	return Outdated(ni.Updated), nil
}

func (c *Cache) SetNodeInfo(ctx context.Context, actorID, version, software string) error {
	return c.st.SaveNodeInfo(ctx, actorID, store.NodeInfo{Version: version, Software: software, Updated: time.Now()})
}

func (c *Cache) GetInstance(ctx context.Context, actorID string) (*store.Instance, error) {
	return c.st.GetInstance(ctx, actorID)
}

func (c *Cache) IsInstanceOutdated(ctx context.Context, actorID string) (bool, error) {
	inst, err := c.st.GetInstance(ctx, actorID)
	if err != nil {
		return true, err
	}
	if inst == nil {
		return true, nil
	}
	return Outdated(inst.Updated), nil
}

func (c *Cache) SetInstance(ctx context.Context, actorID string, inst store.Instance) error {
	inst.Updated = time.Now()
	return c.st.SaveInstance(ctx, actorID, inst)
}

func (c *Cache) GetContact(ctx context.Context, actorID string) (*store.Contact, error) {
	return c.st.GetContact(ctx, actorID)
}

func (c *Cache) IsContactOutdated(ctx context.Context, actorID string) (bool, error) {
	contact, err := c.st.GetContact(ctx, actorID)
	if err != nil {
		return true, err
	}
	if contact == nil {
		return true, nil
	}
	return Outdated(contact.Updated), nil
}

func (c *Cache) SetContact(ctx context.Context, actorID string, contact store.Contact) error {
	contact.Updated = time.Now()
	return c.st.SaveContact(ctx, actorID, contact)
}
