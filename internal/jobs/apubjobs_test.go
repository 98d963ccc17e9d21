package jobs

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/klppl/relaybridge/internal/actorcache"
	"github.com/klppl/relaybridge/internal/mediacache"
	"github.com/klppl/relaybridge/internal/nodecache"
	"github.com/klppl/relaybridge/internal/reqengine"
	"github.com/klppl/relaybridge/internal/signing"
	"github.com/klppl/relaybridge/internal/store"
	"github.com/klppl/relaybridge/internal/store/storetest"
)

func testFullDeps(t *testing.T, handler http.Handler) (*Deps, *storetest.Store, *httptest.Server) {
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
	actors := actorcache.New(st, eng)
	nodes := nodecache.New(st)
	media := mediacache.New(st, eng)
	deps := NewDeps(st, actors, nodes, media, eng, kp, "https://relay.example/actor#main-key", "https://relay.example/actor", "relay.example")
	return deps, st, srv
}

func TestQueryInstanceJobSkipsWhenFresh(t *testing.T) {
	deps, _, _ := testFullDeps(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no network call expected when both contact and instance are fresh")
	}))
	actorID := "https://remote.example/users/alice"
	if err := deps.Nodes.SetInstance(context.Background(), actorID, store.Instance{Title: "x"}); err != nil {
		t.Fatalf("SetInstance: %v", err)
	}
	if err := deps.Nodes.SetContact(context.Background(), actorID, store.Contact{Username: "alice"}); err != nil {
		t.Fatalf("SetContact: %v", err)
	}

	job := &QueryInstanceJob{ActorID: actorID}
	if err := job.Run(context.Background(), deps); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestQueryInstanceJobFetchesAndSavesWhenOutdated(t *testing.T) {
	var actorID string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(struct {
			Title               string `json:"title"`
			ShortDescription    string `json:"short_description"`
			Description         string `json:"description"`
			Version             string `json:"version"`
			Registrations       bool   `json:"registrations"`
			ApprovalRequired    bool   `json:"approval_required"`
			ContactAccount      struct {
				Username string `json:"username"`
				Avatar   string `json:"avatar"`
			} `json:"contact_account"`
		}{
			Title:       "Remote Instance",
			Description: "<p>Hello <b>world</b></p>",
			Version:     "4.2.0",
		})
	})
	deps, _, srv := testFullDeps(t, handler)
	actorID = srv.URL + "/users/alice"

	job := &QueryInstanceJob{ActorID: actorID}
	if err := job.Run(context.Background(), deps); err != nil {
		t.Fatalf("Run: %v", err)
	}

	inst, err := deps.Nodes.GetInstance(context.Background(), actorID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if inst == nil || inst.Title != "Remote Instance" {
		t.Fatalf("GetInstance = %+v, want Title=Remote Instance", inst)
	}
	if inst.Description != "Hello world" {
		t.Errorf("Description = %q, want stripped plain text", inst.Description)
	}
}

func TestQueryNodeinfoJobFollowsDiscoveryLink(t *testing.T) {
	var actorID string
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/nodeinfo", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"links":[{"rel":"http://nodeinfo.diaspora.software/ns/schema/2.0","href":"%s/nodeinfo/2.0"}]}`, "http://"+r.Host)
	})
	mux.HandleFunc("/nodeinfo/2.0", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"version":"2.0","software":{"name":"mastodon","version":"4.2.0"}}`)
	})
	deps, _, srv := testFullDeps(t, mux)
	actorID = srv.URL + "/users/alice"

	job := &QueryNodeinfoJob{ActorID: actorID}
	if err := job.Run(context.Background(), deps); err != nil {
		t.Fatalf("Run: %v", err)
	}

	ni, err := deps.Nodes.GetNodeInfo(context.Background(), actorID)
	if err != nil {
		t.Fatalf("GetNodeInfo: %v", err)
	}
	if ni == nil || ni.Software != "mastodon" {
		t.Errorf("GetNodeInfo = %+v, want Software=mastodon", ni)
	}
}

func TestListenersJobEnqueuesPerConnectedActor(t *testing.T) {
	deps, st, _ := testFullDeps(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	ctx := context.Background()
	if err := st.UpsertActor(ctx, store.Actor{ID: "https://remote.example/users/alice"}); err != nil {
		t.Fatalf("UpsertActor: %v", err)
	}

	job := &ListenersJob{}
	if err := job.Run(ctx, deps); err != nil {
		t.Fatalf("Run: %v", err)
	}

	kinds := map[string]bool{}
	for i := 0; i < 2; i++ {
		claimed, err := st.ClaimJob(ctx, QueueApub, "test-worker", time.Minute)
		if err != nil {
			t.Fatalf("ClaimJob: %v", err)
		}
		if claimed == nil {
			t.Fatalf("expected 2 enqueued jobs, got %d", i)
		}
		kinds[claimed.Kind] = true
	}
	if !kinds["QueryInstance"] || !kinds["QueryNodeinfo"] {
		t.Errorf("got kinds %v, want QueryInstance and QueryNodeinfo", kinds)
	}
}

func TestFlushLastOnlineJobDrainsToStorage(t *testing.T) {
	deps, st, _ := testFullDeps(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deps.Engine.LastOnline().MarkSeen("remote.example", 12345)

	job := &FlushLastOnlineJob{}
	if err := job.Run(context.Background(), deps); err != nil {
		t.Fatalf("Run: %v", err)
	}

	seenAt, ok, err := st.LastSeen(context.Background(), "remote.example")
	if err != nil {
		t.Fatalf("LastSeen: %v", err)
	}
	if !ok {
		t.Fatal("expected FlushLastOnline to have written a LastSeen row")
	}
	if seenAt.Unix() != 12345 {
		t.Errorf("seenAt = %v, want unix 12345", seenAt)
	}
}

func TestRefreshAllActorsJobDoesNotRefetchFreshActor(t *testing.T) {
	deps, st, _ := testFullDeps(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("a just-upserted actor is fresh and should not trigger a refetch")
	}))
	ctx := context.Background()
	if err := st.UpsertActor(ctx, store.Actor{ID: "https://remote.example/users/alice", UpdatedAt: time.Now()}); err != nil {
		t.Fatalf("UpsertActor: %v", err)
	}

	job := &RefreshAllActorsJob{}
	if err := job.Run(ctx, deps); err != nil {
		t.Fatalf("Run: %v", err)
	}
}
