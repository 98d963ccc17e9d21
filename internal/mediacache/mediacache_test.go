package mediacache

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/klppl/relaybridge/internal/reqengine"
	"github.com/klppl/relaybridge/internal/relayerr"
	"github.com/klppl/relaybridge/internal/signing"
	"github.com/klppl/relaybridge/internal/store/storetest"
)

func testCache(t *testing.T, handler http.Handler) (*Cache, *storetest.Store, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	kp := &signing.KeyPair{Private: priv, Public: &priv.PublicKey}
	eng := reqengine.New(srv.Client(), kp, "https://relay.example/actor#main-key", "relay.example")
	st := storetest.New()
	return New(st, eng), st, srv
}

func TestStoreURLThenGetURLRoundTrip(t *testing.T) {
	c, _, _ := testCache(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no network call expected")
	}))

	uuid, err := c.StoreURL(context.Background(), "https://remote.example/media/avatar.png")
	if err != nil {
		t.Fatalf("StoreURL: %v", err)
	}
	if uuid == "" {
		t.Fatal("StoreURL should return a non-empty uuid")
	}

	gotURL, ok, err := c.GetURL(context.Background(), uuid)
	if err != nil {
		t.Fatalf("GetURL: %v", err)
	}
	if !ok || gotURL != "https://remote.example/media/avatar.png" {
		t.Errorf("GetURL = (%q, %v), want the stored url", gotURL, ok)
	}
}

func TestStoreURLIsIdempotentPerURL(t *testing.T) {
	c, _, _ := testCache(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no network call expected")
	}))

	first, err := c.StoreURL(context.Background(), "https://remote.example/media/avatar.png")
	if err != nil {
		t.Fatalf("StoreURL: %v", err)
	}
	second, err := c.StoreURL(context.Background(), "https://remote.example/media/avatar.png")
	if err != nil {
		t.Fatalf("StoreURL: %v", err)
	}
	if first != second {
		t.Errorf("StoreURL returned %q then %q for the same url, want the same uuid", first, second)
	}
}

func TestGetUUIDMissReturnsNotOK(t *testing.T) {
	c, _, _ := testCache(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no network call expected")
	}))

	_, ok, err := c.GetUUID(context.Background(), "https://remote.example/media/unknown.png")
	if err != nil {
		t.Fatalf("GetUUID: %v", err)
	}
	if ok {
		t.Error("GetUUID should report a miss for a url never stored")
	}
}

func TestProxyFetchUnknownUUID(t *testing.T) {
	c, _, _ := testCache(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no network call expected for an unknown uuid")
	}))

	_, _, err := c.ProxyFetch(context.Background(), "nonexistent-uuid")
	if !relayerr.IsKind(err, relayerr.KindMissingID) {
		t.Errorf("expected KindMissingID, got %v", err)
	}
}

func TestProxyFetchStreamsBytes(t *testing.T) {
	var body []byte
	c, _, srv := testCache(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(body)
	}))
	body = []byte("fake-png-bytes")

	uuid, err := c.StoreURL(context.Background(), srv.URL+"/avatar.png")
	if err != nil {
		t.Fatalf("StoreURL: %v", err)
	}

	rc, contentType, err := c.ProxyFetch(context.Background(), uuid)
	if err != nil {
		t.Fatalf("ProxyFetch: %v", err)
	}
	defer rc.Close()
	if contentType != "image/png" {
		t.Errorf("contentType = %q, want image/png", contentType)
	}
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != string(body) {
		t.Errorf("got %q, want %q", got, body)
	}
}

func TestProxyFetchAllowsMissingRemote(t *testing.T) {
	c, _, srv := testCache(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	uuid, err := c.StoreURL(context.Background(), srv.URL+"/gone.png")
	if err != nil {
		t.Fatalf("StoreURL: %v", err)
	}

	rc, _, err := c.ProxyFetch(context.Background(), uuid)
	if err != nil {
		t.Fatalf("ProxyFetch should tolerate a 404 under Allow404AndBelow: %v", err)
	}
	rc.Close()
}

func TestPrefetchDiscardsBytes(t *testing.T) {
	c, _, srv := testCache(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("bytes to discard"))
	}))

	uuid, err := c.StoreURL(context.Background(), srv.URL+"/avatar.png")
	if err != nil {
		t.Fatalf("StoreURL: %v", err)
	}
	if err := c.Prefetch(context.Background(), uuid); err != nil {
		t.Fatalf("Prefetch: %v", err)
	}
}
