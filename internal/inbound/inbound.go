// Package inbound implements the relay's inbound activity state machine
// Received -> SignatureVerified -> PolicyApproved -> Dispatched ->
// Enqueued, with any state able to fail into Rejected(kind). It is the only
// caller that ties the actor cache, the signing pool, and the job system
// together on the request path.
package inbound

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/klppl/relaybridge/internal/actorcache"
	"github.com/klppl/relaybridge/internal/apmodel"
	"github.com/klppl/relaybridge/internal/jobs"
	"github.com/klppl/relaybridge/internal/relayerr"
	"github.com/klppl/relaybridge/internal/signing"
	"github.com/klppl/relaybridge/internal/signpool"
	"github.com/klppl/relaybridge/internal/store"
)

// PolicyMode selects which of the two mutually exclusive policy regimes the
// relay enforces.
type PolicyMode int

const (
	// PolicyOpen accepts every authority; equivalent to neither list being
	// enforced.
	PolicyOpen PolicyMode = iota
	// PolicyAllowList only accepts authorities present in the allow-set.
	PolicyAllowList
	// PolicyBlockList accepts everything except authorities present in the
	// block-set.
	PolicyBlockList
)

// Processor wires together the cache, signing pool, and job system used to
// validate and dispatch one inbound activity.
type Processor struct {
	Store    store.Store
	Actors   *actorcache.Cache
	Signpool *signpool.Pools
	Mode     PolicyMode
	ActorIRI string
	Hostname string
	Enqueue  func(ctx context.Context, kind, queue string, payload interface{}, runAt time.Time) (string, error)

	// ValidateSignatures gates the cryptographic verify step in
	// verifySignature. Disabling it is a debug/compat escape hatch for local
	// federation testing against peers with broken signing — the Signature
	// header is still required and its keyId still determines the signing
	// actor, only the RSA check against that actor's public key is skipped.
	ValidateSignatures bool
}

// Result describes how a processed activity was resolved, for the HTTP
// layer to map to a response.
type Result struct {
	Duplicate bool
}

// Process runs req through the full C8 state machine: signature
// verification (with key-rotation fallback), policy, and kind dispatch. It
// returns before any delivery completes — dispatch only enqueues jobs.
func (p *Processor) Process(ctx context.Context, req *http.Request, body []byte) (Result, error) {
	var activity apmodel.IncomingActivity
	if err := json.Unmarshal(body, &activity); err != nil {
		return Result{}, relayerr.Wrap(relayerr.KindActivityKind, "decode activity", err)
	}

	signingActorID, err := p.verifySignature(ctx, req, body)
	if err != nil {
		return Result{}, err
	}

	if err := checkHostMatch(signingActorID, activity.Actor); err != nil {
		return Result{}, err
	}

	authority, err := authorityOf(signingActorID)
	if err != nil {
		return Result{}, err
	}
	if err := p.checkPolicy(ctx, authority); err != nil {
		return Result{}, err
	}

	return p.dispatch(ctx, activity, signingActorID)
}

// verifySignature extracts the Signature header, resolves the signing
// actor's cached key, and verifies. On mismatch against a Cached (not
// Fetched) entry it evicts and retries once against a forced refetch, which
// handles key rotation.
func (p *Processor) verifySignature(ctx context.Context, req *http.Request, body []byte) (string, error) {
	if req.Header.Get("Signature") == "" {
		return "", relayerr.New(relayerr.KindNoSignature, "missing Signature header")
	}

	keyID, err := signing.ExtractKeyID(req)
	if err != nil {
		return "", relayerr.Wrap(relayerr.KindSignature, "extract key id", err)
	}
	actorID := strings.SplitN(keyID, "#", 2)[0]

	actor, provenance, err := p.Actors.Get(ctx, actorID)
	if err != nil {
		return "", err
	}

	if !p.ValidateSignatures {
		return actorID, nil
	}

	verifyErr := p.verifyAgainst(ctx, req, body, actor)
	if verifyErr == nil {
		return actorID, nil
	}
	if provenance != actorcache.Cached {
		return "", relayerr.Wrap(relayerr.KindVerifySignature, "signature does not verify", verifyErr)
	}

	// Possible key rotation: evict the cached entry and force a network
	// refetch, then retry exactly once.
	p.Actors.Evict(actorID)
	refetched, _, err := p.Actors.Get(ctx, actorID)
	if err != nil {
		return "", err
	}
	if verifyErr := p.verifyAgainst(ctx, req, body, refetched); verifyErr != nil {
		return "", relayerr.Wrap(relayerr.KindVerifySignature, "signature does not verify after refetch", verifyErr)
	}
	return actorID, nil
}

func (p *Processor) verifyAgainst(ctx context.Context, req *http.Request, body []byte, actor *store.Actor) error {
	if err := signing.VerifyDigest(body, req.Header.Get("Digest")); err != nil {
		return err
	}
	pubKey, err := signing.DecodePublicKeyPEM(actor.PublicKey)
	if err != nil {
		return err
	}
	_, err = p.Signpool.Verify.Submit(ctx, req.Header.Get("X-Request-Id"), func() (interface{}, error) {
		return nil, signing.VerifyWithKey(req, pubKey)
	})
	return err
}

// checkHostMatch enforces that the activity's declared actor shares an
// authority with whoever signed the request.
func checkHostMatch(signingActorID, declaredActor string) error {
	if declaredActor == "" {
		return relayerr.New(relayerr.KindMissingID, "activity has no actor field")
	}
	signingAuthority, err := authorityOf(signingActorID)
	if err != nil {
		return err
	}
	declaredAuthority, err := authorityOf(declaredActor)
	if err != nil {
		return err
	}
	if signingAuthority != declaredAuthority {
		return relayerr.New(relayerr.KindBadActor, "activity actor "+declaredActor+" does not match signer "+signingActorID)
	}
	return nil
}

func authorityOf(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", relayerr.Wrap(relayerr.KindMissingDomain, "parse actor id", err)
	}
	if u.Host == "" {
		return "", relayerr.New(relayerr.KindMissingDomain, "actor id has no host")
	}
	return strings.ToLower(u.Host), nil
}

// checkPolicy enforces the relay's allow-list/block-list policy, the two
// mutually exclusive modes of PolicyMode.
func (p *Processor) checkPolicy(ctx context.Context, authority string) error {
	switch p.Mode {
	case PolicyAllowList:
		ok, err := p.Store.IsAllowed(ctx, authority)
		if err != nil {
			return err
		}
		if !ok {
			return relayerr.New(relayerr.KindNotAllowed, "authority "+authority+" is not allowed")
		}
	case PolicyBlockList:
		blocked, err := p.Store.IsBlocked(ctx, authority)
		if err != nil {
			return err
		}
		if blocked {
			return relayerr.New(relayerr.KindNotAllowed, "authority "+authority+" is blocked")
		}
	}
	return nil
}

// dispatch routes an activity to its handler by type.
func (p *Processor) dispatch(ctx context.Context, activity apmodel.IncomingActivity, signingActorID string) (Result, error) {
	switch activity.Type {
	case "Follow":
		return Result{}, p.handleFollow(ctx, activity, signingActorID)
	case "Undo":
		return Result{}, p.handleUndo(ctx, activity, signingActorID)
	case "Accept":
		return Result{}, nil // outbound-follow bookkeeping: relay does not itself follow peers
	case "Announce", "Create":
		return p.handleAnnounceOrCreate(ctx, activity, signingActorID)
	case "Delete":
		return Result{}, p.handleDelete(ctx, activity, signingActorID)
	case "Add", "Remove":
		return Result{}, nil
	default:
		return Result{}, relayerr.New(relayerr.KindActivityKind, "unsupported activity type "+activity.Type)
	}
}

func (p *Processor) handleFollow(ctx context.Context, activity apmodel.IncomingActivity, signingActorID string) error {
	actor, _, err := p.Actors.Get(ctx, signingActorID)
	if err != nil {
		return err
	}
	if err := p.Actors.Follower(ctx, *actor); err != nil {
		return err
	}

	acceptID := "https://" + p.Hostname + "/activities/" + uuid.NewString()
	accept := (&apmodel.Activity{
		ID:     acceptID,
		Type:   "Accept",
		Actor:  p.ActorIRI,
		Object: activity,
	}).WithContext()
	body, err := json.Marshal(accept)
	if err != nil {
		return relayerr.Wrap(relayerr.KindStorage, "marshal accept activity", err)
	}
	_, err = p.Enqueue(ctx, "Deliver", jobs.QueueDeliver, jobs.DeliverJob{Inbox: actor.Inbox, Activity: body}, time.Now())
	return err
}

func (p *Processor) handleUndo(ctx context.Context, activity apmodel.IncomingActivity, signingActorID string) error {
	if strings.ToLower(activity.ObjectType()) != "follow" {
		return nil
	}
	_, _, err := p.Actors.Unfollower(ctx, signingActorID)
	return err
}

func (p *Processor) handleAnnounceOrCreate(ctx context.Context, activity apmodel.IncomingActivity, signingActorID string) (Result, error) {
	objectID := activity.ObjectID()
	if objectID == "" {
		return Result{}, relayerr.New(relayerr.KindMissingID, "activity has no object id")
	}
	if _, hit, err := p.Store.LookupActivity(ctx, objectID); err != nil {
		return Result{}, err
	} else if hit {
		return Result{Duplicate: true}, relayerr.New(relayerr.KindDuplicate, "object already announced")
	}

	actor, _, err := p.Actors.Get(ctx, signingActorID)
	if err != nil {
		return Result{}, err
	}
	_, err = p.Enqueue(ctx, "Announce", jobs.QueueApub, jobs.AnnounceJob{ObjectID: objectID, OriginatorIBox: actor.Inbox}, time.Now())
	return Result{}, err
}

func (p *Processor) handleDelete(ctx context.Context, activity apmodel.IncomingActivity, signingActorID string) error {
	if !p.Actors.IsFollower(signingActorID) {
		return nil
	}
	// Forwarding a Delete re-uses the announce fan-out; it never mutates an
	// Actor/Listener row, only the ActivityCache entry for the deleted
	// object.
	objectID := activity.ObjectID()
	if objectID == "" {
		return nil
	}
	actor, _, err := p.Actors.Get(ctx, signingActorID)
	if err != nil {
		return err
	}
	_, err = p.Enqueue(ctx, "Announce", jobs.QueueApub, jobs.AnnounceJob{ObjectID: objectID, OriginatorIBox: actor.Inbox}, time.Now())
	return err
}
