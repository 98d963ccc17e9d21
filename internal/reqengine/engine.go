// Package reqengine is the relay's signed outbound HTTP client: per-authority
// circuit breakers, JSON-LD content negotiation, body-size limits, and a soft
// per-authority rate limiter sit in front of every request the relay core
// issues to a remote server.
package reqengine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/klppl/relaybridge/internal/relayerr"
	"github.com/klppl/relaybridge/internal/signing"
)

const (
	acceptHeader      = `application/ld+json; profile="https://www.w3.org/ns/activitystreams", application/activity+json`
	activityPubCT     = "application/activity+json"
	userAgentTemplate = "relaybridge/1.0 (+https://%s/)"

	// softRateLimit bounds sustained throughput to one slow/misbehaving
	// authority so a burst of fan-out deliveries to it cannot starve
	// deliveries to every other authority sharing the same worker pool.
	softRateLimit = 5.0 // requests/sec
	softRateBurst = 10
)

// Engine is the relay's request engine.
type Engine struct {
	client    *http.Client
	keyPair   *signing.KeyPair
	keyID     string
	hostname  string
	breakers  *BreakerRegistry
	lastSeen  *LastOnlineTracker
	limiters  sync.Map // authority -> *rate.Limiter
}

// New builds a request engine. keyID is the relay's own public key id
// (`https://<hostname>/actor#main-key`), embedded in every outbound
// signature.
func New(client *http.Client, kp *signing.KeyPair, keyID, hostname string) *Engine {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Engine{
		lastSeen: NewLastOnlineTracker(),
		client:   client,
		keyPair:  kp,
		keyID:    keyID,
		hostname: hostname,
		breakers: NewBreakerRegistry(),
	}
}

func (e *Engine) limiterFor(authority string) *rate.Limiter {
	if v, ok := e.limiters.Load(authority); ok {
		return v.(*rate.Limiter)
	}
	l := rate.NewLimiter(rate.Limit(softRateLimit), softRateBurst)
	actual, _ := e.limiters.LoadOrStore(authority, l)
	return actual.(*rate.Limiter)
}

func authorityOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", relayerr.Wrap(relayerr.KindSendRequest, "parse url", err)
	}
	if u.Host == "" {
		return "", relayerr.New(relayerr.KindMissingDomain, "url has no host")
	}
	return u.Host, nil
}

// markSeen records the authority as alive in the in-memory tracker. Called
// on any non-Breaker outcome, success or failure, since even an error
// response proves the server answered. The FlushLastOnline job drains this
// to storage periodically.
func (e *Engine) markSeen(ctx context.Context, authority string) {
	e.lastSeen.MarkSeen(authority, time.Now().Unix())
}

// LastOnline exposes the in-memory tracker for the FlushLastOnline job.
func (e *Engine) LastOnline() *LastOnlineTracker { return e.lastSeen }

func (e *Engine) userAgent() string {
	return fmt.Sprintf(userAgentTemplate, e.hostname)
}

// FetchResponse issues a signed GET to url under the given breaker strategy
// and returns the raw response with its body still open; the caller must
// close it.
func (e *Engine) FetchResponse(ctx context.Context, rawURL string, strategy BreakerStrategy) (*http.Response, error) {
	authority, err := authorityOf(rawURL)
	if err != nil {
		return nil, err
	}
	if err := e.limiterFor(authority).Wait(ctx); err != nil {
		return nil, relayerr.Wrap(relayerr.KindCanceled, "rate limiter wait", err)
	}

	var resp *http.Response
	guardErr := e.breakers.Guard(authority, strategy, func() (int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return 0, relayerr.Wrap(relayerr.KindSendRequest, "build request", err)
		}
		req.Header.Set("Accept", acceptHeader)
		req.Header.Set("User-Agent", e.userAgent())
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
		req.Header.Set("Host", req.URL.Host)
		if err := signing.SignRequest(e.keyPair, e.keyID, req, nil); err != nil {
			return 0, err
		}
		r, err := e.client.Do(req)
		if err != nil {
			return 0, relayerr.Wrap(relayerr.KindSendRequest, "do request", err)
		}
		resp = r
		return r.StatusCode, nil
	})

	if guardErr != nil && !relayerr.IsKind(guardErr, relayerr.KindBreaker) {
		e.markSeen(ctx, authority)
	}
	if guardErr != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, guardErr
	}
	e.markSeen(ctx, authority)
	return resp, nil
}

// Fetch issues a signed GET to url, decodes the JSON body (limited to
// JSONBodyLimit) into a freshly-allocated T, and returns it.
func Fetch[T any](ctx context.Context, e *Engine, rawURL string, strategy BreakerStrategy) (T, error) {
	var zero T
	resp, err := e.FetchResponse(ctx, rawURL, strategy)
	if err != nil {
		return zero, err
	}
	defer resp.Body.Close()

	body, err := ReadAllLimited(resp.Body, JSONBodyLimit)
	if err != nil {
		return zero, err
	}
	var out T
	if err := json.Unmarshal(body, &out); err != nil {
		return zero, relayerr.Wrap(relayerr.KindReceiveResponse, "decode json", err)
	}
	return out, nil
}

// Deliver signed-POSTs bodyJSON to inbox under strategy (callers pass
// Require2XX for activity delivery).
func (e *Engine) Deliver(ctx context.Context, inbox string, bodyJSON []byte, strategy BreakerStrategy) error {
	authority, err := authorityOf(inbox)
	if err != nil {
		return err
	}
	if err := e.limiterFor(authority).Wait(ctx); err != nil {
		return relayerr.Wrap(relayerr.KindCanceled, "rate limiter wait", err)
	}

	var lastStatus int
	guardErr := e.breakers.Guard(authority, strategy, func() (int, error) {
		req, err := signing.NewSignedPostRequest(e.keyPair, e.keyID, inbox, bodyJSON, activityPubCT)
		if err != nil {
			return 0, err
		}
		req = req.WithContext(ctx)
		req.Header.Set("User-Agent", e.userAgent())
		resp, err := e.client.Do(req)
		if err != nil {
			return 0, relayerr.Wrap(relayerr.KindSendRequest, "deliver to "+inbox, err)
		}
		defer resp.Body.Close()
		lastStatus = resp.StatusCode
		return resp.StatusCode, nil
	})

	if guardErr != nil && !relayerr.IsKind(guardErr, relayerr.KindBreaker) {
		e.markSeen(ctx, authority)
	}
	if guardErr != nil {
		if se, ok := guardErr.(*relayerr.Error); ok && se.Kind == relayerr.KindStatus {
			se.Code = lastStatus
		}
		return guardErr
	}
	e.markSeen(ctx, authority)
	return nil
}

// Breakers exposes the breaker registry, for inspecting or resetting the
// breaker of an authority.
func (e *Engine) Breakers() *BreakerRegistry { return e.breakers }
