package signing

import (
	"bytes"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/go-fed/httpsig"

	"github.com/klppl/relaybridge/internal/relayerr"
)

// MaxDateSkew bounds how far a signed request's Date header may drift from
// wall-clock time before it is rejected as a replay candidate. Mastodon and
// most fediverse servers enforce the same window.
const MaxDateSkew = 30 * time.Second

// SignedHeaders is the exact header set the relay signs on every outbound
// request.
var SignedHeaders = []string{httpsig.RequestTarget, "host", "date", "digest"}

// SignRequest HTTP-signs req in place with the relay's own key, using
// draft-cavage-http-signatures over (request-target) host date digest. body
// must be the exact bytes written to req's body, since the digest is
// computed over it.
func SignRequest(kp *KeyPair, keyID string, req *http.Request, body []byte) error {
	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		SignedHeaders,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return relayerr.Wrap(relayerr.KindSignature, "create signer", err)
	}
	if err := signer.SignRequest(kp.Private, keyID, req, body); err != nil {
		return relayerr.Wrap(relayerr.KindSignature, "sign request", err)
	}
	return nil
}

// Digest computes the `Digest: SHA-256=...` header value for body.
func Digest(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

// VerifyDigest checks the Digest request header against the actual body
// bytes. A missing header is tolerated, since senders aren't required to
// include one; an unknown algorithm is skipped rather than rejected, for
// forward compatibility with servers that might send SHA-512 one day.
func VerifyDigest(body []byte, digestHeader string) error {
	if digestHeader == "" {
		return nil
	}
	const prefix = "SHA-256="
	if !strings.HasPrefix(digestHeader, prefix) {
		return nil
	}
	if Digest(body) != digestHeader {
		return relayerr.New(relayerr.KindVerifySignature, "digest mismatch")
	}
	return nil
}

// ExtractKeyID reads the `keyId` parameter out of a request's Signature
// header without performing cryptographic verification, so a caller can look
// up the signing actor before deciding whether to fetch or use a cached key.
func ExtractKeyID(req *http.Request) (string, error) {
	if req.Header.Get("Signature") == "" {
		return "", relayerr.New(relayerr.KindNoSignature, "missing Signature header")
	}
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", relayerr.Wrap(relayerr.KindVerifySignature, "create verifier", err)
	}
	return verifier.KeyId(), nil
}

// CheckDateSkew rejects requests whose Date header has drifted too far from
// wall-clock time, before any cryptographic work is spent on them.
func CheckDateSkew(req *http.Request) error {
	dateStr := req.Header.Get("Date")
	if dateStr == "" {
		return relayerr.New(relayerr.KindVerifySignature, "missing Date header")
	}
	reqTime, err := http.ParseTime(dateStr)
	if err != nil {
		return relayerr.Wrap(relayerr.KindVerifySignature, "invalid Date header", err)
	}
	if skew := time.Since(reqTime); skew > MaxDateSkew || skew < -MaxDateSkew {
		return relayerr.New(relayerr.KindVerifySignature, "Date header too skewed")
	}
	return nil
}

// VerifyWithKey verifies req's HTTP signature against pubKey. The caller is
// responsible for resolving keyId to pubKey (via the actor cache), since
// whether that resolution came from cache or a forced refetch governs the
// key-rotation retry policy in the inbound state machine.
func VerifyWithKey(req *http.Request, pubKey *rsa.PublicKey) error {
	if err := CheckDateSkew(req); err != nil {
		return err
	}
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return relayerr.Wrap(relayerr.KindVerifySignature, "create verifier", err)
	}
	if err := verifier.Verify(pubKey, httpsig.RSA_SHA256); err != nil {
		return relayerr.Wrap(relayerr.KindVerifySignature, "signature verification failed", err)
	}
	return nil
}

// NewSignedPostRequest builds a signed POST request carrying body to url,
// with Content-Type, Date, Host, and Digest headers set before signing. The
// signature covers SignedHeaders: (request-target), host, date and digest.
func NewSignedPostRequest(kp *KeyPair, keyID, url string, body []byte, contentType string) (*http.Request, error) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindSendRequest, "build request", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("Digest", Digest(body))
	if err := SignRequest(kp, keyID, req, body); err != nil {
		return nil, err
	}
	return req, nil
}
