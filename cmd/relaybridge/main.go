// relaybridge is an ActivityPub relay: it accepts Follow subscriptions from
// fediverse servers and re-announces every Create/Announce it receives from
// one subscriber to every other subscriber.
//
// Usage:
//
//	export HOSTNAME=relay.example
//	export SLED_PATH=relaybridge.db
//	./relaybridge
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/klppl/relaybridge/internal/actorcache"
	"github.com/klppl/relaybridge/internal/config"
	"github.com/klppl/relaybridge/internal/httpserver"
	"github.com/klppl/relaybridge/internal/inbound"
	"github.com/klppl/relaybridge/internal/jobs"
	"github.com/klppl/relaybridge/internal/mediacache"
	"github.com/klppl/relaybridge/internal/nodecache"
	"github.com/klppl/relaybridge/internal/reqengine"
	"github.com/klppl/relaybridge/internal/signing"
	"github.com/klppl/relaybridge/internal/signpool"
	"github.com/klppl/relaybridge/internal/store/sqlstore"
)

const (
	deliverWorkers = 4
	apubWorkers    = 4
)

func main() {
	logLevel := slog.LevelInfo
	cfg := config.Load()
	if cfg.Debug {
		logLevel = slog.LevelDebug
	}
	if cfg.PrettyLog {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
	} else {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
	}

	slog.Info("starting relaybridge", "version", "1.0.0", "hostname", cfg.Hostname)

	// ─── Storage ──────────────────────────────────────────────────────────────
	st, err := sqlstore.Open(cfg.StorageURL)
	if err != nil {
		slog.Error("failed to open storage", "err", err, "url", cfg.StorageURL)
		os.Exit(1)
	}
	defer st.Close()
	if err := st.Migrate(); err != nil {
		slog.Error("storage migration failed", "err", err)
		os.Exit(1)
	}

	// ─── Graceful shutdown ──────────────────────────────────────────────────────
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// ─── Signing key (storage-backed, generated on first start) ────────────────
	keyPair, err := signing.LoadOrGenerateKeyPair(ctx, st)
	if err != nil {
		slog.Error("failed to load/generate signing key", "err", err)
		os.Exit(1)
	}
	actorIRI := cfg.ActorIRI()
	keyID := actorIRI + "#main-key"

	// ─── Request engine ─────────────────────────────────────────────────────────
	httpClient := &http.Client{Timeout: cfg.ClientTimeout}
	eng := reqengine.New(httpClient, keyPair, keyID, cfg.Hostname)

	// ─── Caches ─────────────────────────────────────────────────────────────────
	actors := actorcache.New(st, eng)
	nodes := nodecache.New(st)
	media := mediacache.New(st, eng)

	// ─── Signing pool ───────────────────────────────────────────────────────────
	pools := signpool.New(cfg.SignatureThreads)

	actors.StartRehydrator(ctx)

	// ─── Job system ─────────────────────────────────────────────────────────────
	deps := jobs.NewDeps(st, actors, nodes, media, eng, keyPair, keyID, actorIRI, cfg.Hostname)
	jobs.NewRunner(jobs.QueueDeliver, deliverWorkers, st, deps).Start(ctx)
	jobs.NewRunner(jobs.QueueApub, apubWorkers, st, deps).Start(ctx)
	startScheduledJobs(ctx, deps, cfg.LastOnlineFlushInterval)

	// ─── Inbound state machine ──────────────────────────────────────────────────
	var mode inbound.PolicyMode
	if cfg.RestrictedMode {
		mode = inbound.PolicyAllowList
	} else {
		mode = inbound.PolicyBlockList
	}
	processor := &inbound.Processor{
		Store:              st,
		Actors:             actors,
		Signpool:           pools,
		Mode:               mode,
		ActorIRI:           actorIRI,
		Hostname:           cfg.Hostname,
		Enqueue:            deps.Enqueue,
		ValidateSignatures: cfg.ValidateSignatures,
	}

	// ─── Admin auth ─────────────────────────────────────────────────────────────
	var adminHash []byte
	if cfg.APIToken != "" {
		adminHash, err = httpserver.HashAdminToken(ctx, pools, cfg.APIToken)
		if err != nil {
			slog.Error("failed to hash admin token", "err", err)
			os.Exit(1)
		}
	}

	// ─── HTTP server ────────────────────────────────────────────────────────────
	srv := httpserver.New(httpserver.Config{
		Addr:      cfg.Addr + ":" + cfg.Port,
		Hostname:  cfg.Hostname,
		ActorIRI:  actorIRI,
		KeyPair:   keyPair,
		Store:     st,
		Media:     media,
		Inbound:   processor,
		Signpool:  pools,
		AdminHash: adminHash,
	})
	srv.Start(ctx) // blocks until ctx is canceled

	// Close the signing pool last, after the HTTP server has drained its
	// in-flight handlers. Job workers stop when ctx is canceled and are not
	// waited on.
	pools.Close()
	slog.Info("relaybridge stopped")
}

// startScheduledJobs enqueues the periodic discovery/maintenance jobs on
// their own tickers: Listeners every 30m, RefreshAllActors every 24h,
// FlushLastOnline on the operator-configured interval.
func startScheduledJobs(ctx context.Context, deps *jobs.Deps, lastOnlineFlushInterval time.Duration) {
	schedule := func(interval time.Duration, kind, queue string, payload interface{}) {
		ticker := time.NewTicker(interval)
		go func() {
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if _, err := deps.Enqueue(ctx, kind, queue, payload, time.Now()); err != nil {
						slog.Error("enqueue scheduled job failed", "kind", kind, "err", err)
					}
				}
			}
		}()
	}
	schedule(30*time.Minute, "Listeners", jobs.QueueApub, jobs.ListenersJob{})
	schedule(24*time.Hour, "RefreshAllActors", jobs.QueueApub, jobs.RefreshAllActorsJob{})
	schedule(lastOnlineFlushInterval, "FlushLastOnline", jobs.QueueApub, jobs.FlushLastOnlineJob{})
}
