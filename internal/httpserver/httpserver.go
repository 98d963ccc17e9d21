// Package httpserver is the relay's HTTP surface: discovery endpoints
// (actor, webfinger, nodeinfo), the inbox, the media proxy, and the
// bcrypt-authenticated admin API. Routing and middleware follow the
// teacher's chi-based server; route handlers are new, since this relay
// exposes a different surface than a personal bridge.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/klppl/relaybridge/internal/apmodel"
	"github.com/klppl/relaybridge/internal/inbound"
	"github.com/klppl/relaybridge/internal/mediacache"
	"github.com/klppl/relaybridge/internal/reqengine"
	"github.com/klppl/relaybridge/internal/signing"
	"github.com/klppl/relaybridge/internal/signpool"
	"github.com/klppl/relaybridge/internal/store"
)

const (
	activityJSONType = `application/activity+json`
	softwareName      = "relaybridge"
	softwareVersion   = "1.0.0"
)

// Server is the relay's HTTP server.
type Server struct {
	addr       string
	hostname   string
	actorIRI   string
	keyPair    *signing.KeyPair
	store      store.Store
	media      *mediacache.Cache
	inbound    *inbound.Processor
	signpool   *signpool.Pools
	adminHash  []byte // bcrypt hash of the admin API token; nil disables admin routes
	router     *chi.Mux
	startedAt  time.Time
}

// Config bundles everything New needs to wire the router.
type Config struct {
	Addr      string
	Hostname  string
	ActorIRI  string
	KeyPair   *signing.KeyPair
	Store     store.Store
	Media     *mediacache.Cache
	Inbound   *inbound.Processor
	Signpool  *signpool.Pools
	AdminHash []byte
}

func New(cfg Config) *Server {
	s := &Server{
		addr:      cfg.Addr,
		hostname:  cfg.Hostname,
		actorIRI:  cfg.ActorIRI,
		keyPair:   cfg.KeyPair,
		store:     cfg.Store,
		media:     cfg.Media,
		inbound:   cfg.Inbound,
		signpool:  cfg.Signpool,
		adminHash: cfg.AdminHash,
		startedAt: time.Now(),
	}
	s.router = s.buildRouter()
	return s
}

// HashAdminToken bcrypt-hashes an admin API token at cost 12, on the signing
// pool so the CPU-bound hash work never runs on an I/O goroutine. Called once
// at startup.
func HashAdminToken(ctx context.Context, pools *signpool.Pools, token string) ([]byte, error) {
	v, err := pools.Verify.Submit(ctx, "admin-token-hash", func() (interface{}, error) {
		return bcrypt.GenerateFromPassword([]byte(token), 12)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleLanding)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
	})
	r.Get("/actor", s.handleActor)
	r.Post("/inbox", s.handleInbox)
	r.Get("/media/{uuid}", s.handleMedia)
	r.Get("/nodeinfo/2.0.json", s.handleNodeInfo)
	r.Get("/.well-known/nodeinfo", s.handleNodeInfoDiscovery)
	r.Get("/.well-known/webfinger", s.handleWebFinger)
	r.Get("/static/{filename}", s.handleStatic)

	if s.adminHash != nil {
		r.Route("/api/v1/admin", func(r chi.Router) {
			r.Use(s.adminAuth)
			r.Post("/allow", s.handleAdminAllow)
			r.Post("/disallow", s.handleAdminDisallow)
			r.Post("/block", s.handleAdminBlock)
			r.Post("/unblock", s.handleAdminUnblock)
			r.Get("/allowed", s.handleAdminAllowed)
			r.Get("/blocked", s.handleAdminBlocked)
			r.Get("/connected", s.handleAdminConnected)
			r.Get("/stats", s.handleAdminStats)
			r.Get("/last_seen", s.handleAdminLastSeen)
		})
	}
	return r
}

// Start runs the HTTP server until ctx is canceled, draining in-flight
// handlers for up to 30s.
func (s *Server) Start(ctx context.Context) {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("http server shutdown error", "err", err)
		}
	}()

	slog.Info("starting http server", "addr", s.addr, "hostname", s.hostname)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", "err", err)
		return
	}
	// ListenAndServe returns as soon as Shutdown begins; wait for the drain.
	<-shutdownDone
}

func (s *Server) handleLanding(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "relaybridge — an ActivityPub relay running on %s\n", s.hostname)
}

func (s *Server) handleActor(w http.ResponseWriter, r *http.Request) {
	inbox := "https://" + s.hostname + "/inbox"
	actor := apmodel.Actor{
		Context:           apmodel.DefaultContext,
		ID:                s.actorIRI,
		Type:              "Application",
		PreferredUsername: "relay",
		Name:              "relaybridge",
		Inbox:             inbox,
		Endpoints:         &apmodel.Endpoints{SharedInbox: inbox},
		PublicKey: &apmodel.PublicKey{
			ID:           s.actorIRI + "#main-key",
			Owner:        s.actorIRI,
			PublicKeyPem: s.keyPair.PEM,
		},
	}
	apResponse(w, actor)
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	body, err := reqengine.ReadAllLimited(r.Body, reqengine.JSONBodyLimit)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := s.inbound.Process(r.Context(), r, body)
	if err != nil {
		if result.Duplicate {
			jsonResponse(w, map[string]string{"error": "duplicate"}, http.StatusAccepted)
			return
		}
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "uuid")
	body, contentType, err := s.media.ProxyFetch(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	defer body.Close()
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	io.Copy(w, body)
}

func (s *Server) handleNodeInfo(w http.ResponseWriter, r *http.Request) {
	info := apmodel.NodeInfo{
		Version:   "2.0",
		Software:  apmodel.NodeInfoSoftware{Name: softwareName, Version: softwareVersion},
		Protocols: []string{"activitypub"},
	}
	jsonResponse(w, info, http.StatusOK)
}

func (s *Server) handleNodeInfoDiscovery(w http.ResponseWriter, r *http.Request) {
	disc := apmodel.NodeInfoDiscovery{
		Links: []apmodel.WebFingerLink{
			{Rel: "http://nodeinfo.diaspora.software/ns/schema/2.0", Href: "https://" + s.hostname + "/nodeinfo/2.0.json"},
		},
	}
	jsonResponse(w, disc, http.StatusOK)
}

func (s *Server) handleWebFinger(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	expected := "acct:relay@" + s.hostname
	if resource != expected {
		http.NotFound(w, r)
		return
	}
	resp := apmodel.WebFingerResponse{
		Subject: resource,
		Aliases: []string{s.actorIRI},
		Links: []apmodel.WebFingerLink{
			{Rel: "self", Type: activityJSONType, Href: s.actorIRI},
		},
	}
	w.Header().Set("Content-Type", "application/jrd+json")
	jsonResponse(w, resp, http.StatusOK)
}

func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	http.NotFound(w, r)
}

// ─── Admin API ───────────────────────────────────────────────────────────────

func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Api-Token")
		if token == "" {
			jsonResponse(w, map[string]string{"msg": "missing X-Api-Token"}, http.StatusUnauthorized)
			return
		}
		_, err := s.signpool.Verify.Submit(r.Context(), "admin-auth", func() (interface{}, error) {
			return nil, bcrypt.CompareHashAndPassword(s.adminHash, []byte(token))
		})
		if err != nil {
			jsonResponse(w, map[string]string{"msg": "invalid token"}, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type authorityRequest struct {
	Authority string `json:"authority"`
}

func (s *Server) handleAdminAllow(w http.ResponseWriter, r *http.Request) {
	s.adminAuthorityAction(w, r, s.store.Allow)
}
func (s *Server) handleAdminDisallow(w http.ResponseWriter, r *http.Request) {
	s.adminAuthorityAction(w, r, s.store.Unallow)
}
func (s *Server) handleAdminBlock(w http.ResponseWriter, r *http.Request) {
	s.adminAuthorityAction(w, r, s.store.Block)
}
func (s *Server) handleAdminUnblock(w http.ResponseWriter, r *http.Request) {
	s.adminAuthorityAction(w, r, s.store.Unblock)
}

func (s *Server) adminAuthorityAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, authority string) error) {
	var req authorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Authority == "" {
		jsonResponse(w, map[string]string{"msg": "missing authority"}, http.StatusBadRequest)
		return
	}
	if err := action(r.Context(), req.Authority); err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"msg": "ok"}, http.StatusOK)
}

func (s *Server) handleAdminAllowed(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.Allowed(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, list, http.StatusOK)
}

func (s *Server) handleAdminBlocked(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.Blocked(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, list, http.StatusOK)
}

func (s *Server) handleAdminConnected(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ConnectedIDs(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, list, http.StatusOK)
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, stats, http.StatusOK)
}

func (s *Server) handleAdminLastSeen(w http.ResponseWriter, r *http.Request) {
	authority := r.URL.Query().Get("authority")
	if authority == "" {
		jsonResponse(w, map[string]string{"msg": "missing authority query param"}, http.StatusBadRequest)
		return
	}
	at, ok, err := s.store.LastSeen(r.Context(), authority)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		jsonResponse(w, map[string]string{"msg": "no record"}, http.StatusNotFound)
		return
	}
	jsonResponse(w, map[string]interface{}{"authority": authority, "last_seen": at}, http.StatusOK)
}

// ─── Utility ─────────────────────────────────────────────────────────────────

func apResponse(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", activityJSONType)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode activitypub response failed", "err", err)
	}
}

func jsonResponse(w http.ResponseWriter, v interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode json response failed", "err", err)
	}
}

// writeError maps a *relayerr.Error to its HTTP status and user-visible
// `{"error": "..."}` body, per the error handling design.
func writeError(w http.ResponseWriter, err error) {
	status, msg := statusAndMessage(err)
	jsonResponse(w, map[string]string{"error": msg}, status)
}

type httpStatuser interface {
	HTTPStatus() int
	Error() string
}

func statusAndMessage(err error) (int, string) {
	if se, ok := err.(httpStatuser); ok {
		return se.HTTPStatus(), se.Error()
	}
	return http.StatusInternalServerError, err.Error()
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		r.Header.Set("X-Request-Id", id)
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
			"request_id", r.Header.Get("X-Request-Id"),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}
