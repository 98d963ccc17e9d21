package httpserver

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/klppl/relaybridge/internal/mediacache"
	"github.com/klppl/relaybridge/internal/reqengine"
	"github.com/klppl/relaybridge/internal/signing"
	"github.com/klppl/relaybridge/internal/signpool"
	"github.com/klppl/relaybridge/internal/store/storetest"
)

func testServer(t *testing.T, adminToken string) (*Server, *storetest.Store) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	kp := &signing.KeyPair{Private: priv, Public: &priv.PublicKey, PEM: "-----BEGIN PUBLIC KEY-----\ntest\n-----END PUBLIC KEY-----\n"}

	st := storetest.New()
	pools := signpool.New(2)
	t.Cleanup(pools.Close)
	eng := reqengine.New(http.DefaultClient, kp, "https://relay.example/actor#main-key", "relay.example")
	media := mediacache.New(st, eng)

	var adminHash []byte
	if adminToken != "" {
		adminHash, err = HashAdminToken(context.Background(), pools, adminToken)
		if err != nil {
			t.Fatalf("HashAdminToken: %v", err)
		}
	}

	srv := New(Config{
		Addr:      ":0",
		Hostname:  "relay.example",
		ActorIRI:  "https://relay.example/actor",
		KeyPair:   kp,
		Store:     st,
		Media:     media,
		Inbound:   nil,
		Signpool:  pools,
		AdminHash: adminHash,
	})
	return srv, st
}

func TestHandleActorServesActivityJSON(t *testing.T) {
	srv, _ := testServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/actor", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != activityJSONType {
		t.Errorf("Content-Type = %q, want %q", ct, activityJSONType)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["id"] != "https://relay.example/actor" {
		t.Errorf("id = %v, want https://relay.example/actor", body["id"])
	}
}

func TestHandleWebFingerUnknownResourceNotFound(t *testing.T) {
	srv, _ := testServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/.well-known/webfinger?resource=acct:nobody@relay.example", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestHandleWebFingerKnownResource(t *testing.T) {
	srv, _ := testServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/.well-known/webfinger?resource=acct:relay@relay.example", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if resp["subject"] != "acct:relay@relay.example" {
		t.Errorf("subject = %v, want acct:relay@relay.example", resp["subject"])
	}
}

func TestHandleNodeInfoDiscovery(t *testing.T) {
	srv, _ := testServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/.well-known/nodeinfo", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "nodeinfo/2.0.json") {
		t.Errorf("body %q should link to /nodeinfo/2.0.json", w.Body.String())
	}
}

func TestHandleNodeInfo(t *testing.T) {
	srv, _ := testServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/nodeinfo/2.0.json", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), softwareName) {
		t.Errorf("body %q should mention software name %q", w.Body.String(), softwareName)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := testServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestAdminRoutesAbsentWithoutToken(t *testing.T) {
	srv, _ := testServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/stats", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 when no admin token is configured", w.Code)
	}
}

func TestAdminAuthRejectsMissingToken(t *testing.T) {
	srv, _ := testServer(t, "s3cret")
	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/stats", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 for a missing token", w.Code)
	}
}

func TestAdminAuthRejectsWrongToken(t *testing.T) {
	srv, _ := testServer(t, "s3cret")
	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/stats", nil)
	req.Header.Set("X-Api-Token", "wrong")
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 for a wrong token", w.Code)
	}
}

func TestAdminAuthAcceptsCorrectToken(t *testing.T) {
	srv, _ := testServer(t, "s3cret")
	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/stats", nil)
	req.Header.Set("X-Api-Token", "s3cret")
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 for the correct token", w.Code)
	}
}

func TestAdminAllowAndAllowedRoundTrip(t *testing.T) {
	srv, st := testServer(t, "s3cret")

	body, _ := json.Marshal(authorityRequest{Authority: "good.example"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/allow", bytes.NewReader(body))
	req.Header.Set("X-Api-Token", "s3cret")
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("allow status = %d, want 200, body %s", w.Code, w.Body.String())
	}

	allowed, err := st.Allowed(context.Background())
	if err != nil {
		t.Fatalf("Allowed: %v", err)
	}
	if len(allowed) != 1 || allowed[0] != "good.example" {
		t.Errorf("Allowed() = %v, want [good.example]", allowed)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/api/v1/admin/allowed", nil)
	req2.Header.Set("X-Api-Token", "s3cret")
	w2 := httptest.NewRecorder()
	srv.router.ServeHTTP(w2, req2)
	if w2.Code != http.StatusOK {
		t.Fatalf("allowed status = %d, want 200", w2.Code)
	}
}

func TestAdminAllowRejectsMissingAuthority(t *testing.T) {
	srv, _ := testServer(t, "s3cret")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/allow", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("X-Api-Token", "s3cret")
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for a missing authority", w.Code)
	}
}

func TestAdminLastSeenNotFoundWithoutRecord(t *testing.T) {
	srv, _ := testServer(t, "s3cret")
	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/last_seen?authority=nobody.example", nil)
	req.Header.Set("X-Api-Token", "s3cret")
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 with no last-seen record", w.Code)
	}
}

func TestAdminLastSeenMissingAuthorityParam(t *testing.T) {
	srv, _ := testServer(t, "s3cret")
	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/last_seen", nil)
	req.Header.Set("X-Api-Token", "s3cret")
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 when the authority query param is absent", w.Code)
	}
}

func TestHashAdminTokenProducesVerifiableHash(t *testing.T) {
	pools := signpool.New(1)
	defer pools.Close()
	hash, err := HashAdminToken(context.Background(), pools, "topsecret")
	if err != nil {
		t.Fatalf("HashAdminToken: %v", err)
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte("topsecret")); err != nil {
		t.Errorf("bcrypt compare failed on the token that produced the hash: %v", err)
	}
}
