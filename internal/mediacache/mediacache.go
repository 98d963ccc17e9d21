// Package mediacache maps media UUIDs to remote URLs, so the relay can
// serve avatars and attachments from its own domain while only ever storing
// a pointer until something actually asks for the bytes.
package mediacache

import (
	"context"
	"io"

	"github.com/klppl/relaybridge/internal/reqengine"
	"github.com/klppl/relaybridge/internal/relayerr"
	"github.com/klppl/relaybridge/internal/store"
)

// Cache wraps store.Store's media table with the lazy-fetch proxy path.
type Cache struct {
	st  store.Store
	eng *reqengine.Engine
}

func New(st store.Store, eng *reqengine.Engine) *Cache {
	return &Cache{st: st, eng: eng}
}

// StoreURL assigns (or returns the existing) UUID for a remote URL.
func (c *Cache) StoreURL(ctx context.Context, url string) (string, error) {
	return c.st.MediaPutURL(ctx, url)
}

// GetURL resolves a UUID back to its remote URL.
func (c *Cache) GetURL(ctx context.Context, uuid string) (string, bool, error) {
	return c.st.MediaGetURL(ctx, uuid)
}

// GetUUID resolves a remote URL back to its UUID, if already stored.
func (c *Cache) GetUUID(ctx context.Context, url string) (string, bool, error) {
	return c.st.MediaGetUUID(ctx, url)
}

// ProxyFetch streams the remote bytes for uuid through the 16 MiB media
// limit, for the GET /media/{uuid} route. The content type is the second
// return value; the caller owns closing the returned ReadCloser.
func (c *Cache) ProxyFetch(ctx context.Context, uuid string) (io.ReadCloser, string, error) {
	url, ok, err := c.GetURL(ctx, uuid)
	if err != nil {
		return nil, "", err
	}
	if !ok {
		return nil, "", relayerr.New(relayerr.KindMissingID, "unknown media uuid")
	}
	resp, err := c.eng.FetchResponse(ctx, url, reqengine.Allow404AndBelow)
	if err != nil {
		return nil, "", err
	}
	limited := struct {
		io.Reader
		io.Closer
	}{
		Reader: reqengine.NewLimitReader(resp.Body, reqengine.MediaBodyLimit),
		Closer: resp.Body,
	}
	return limited, resp.Header.Get("Content-Type"), nil
}

// Prefetch pulls the bytes for a stored media UUID and discards them,
// warming any downstream HTTP cache without the relay itself persisting a
// blob — the CacheMedia job's only job is to prove the asset is currently
// reachable.
func (c *Cache) Prefetch(ctx context.Context, uuid string) error {
	rc, _, err := c.ProxyFetch(ctx, uuid)
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	if err != nil {
		return relayerr.Wrap(relayerr.KindReceiveResponse, "prefetch media", err)
	}
	return nil
}
