package signing

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"testing"
	"time"
)

func testKeyPair(t *testing.T) *KeyPair {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	kp, err := keyPairFromPrivate(priv)
	if err != nil {
		t.Fatalf("keyPairFromPrivate: %v", err)
	}
	return kp
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	kp := testKeyPair(t)
	body := []byte(`{"type":"Follow"}`)
	keyID := "https://relay.example/actor#main-key"

	req, err := NewSignedPostRequest(kp, keyID, "https://remote.example/inbox", body, "application/activity+json")
	if err != nil {
		t.Fatalf("NewSignedPostRequest: %v", err)
	}
	req.Body = http.NoBody // the signature library signs the detached body, not req.Body

	if err := VerifyWithKey(req, kp.Public); err != nil {
		t.Errorf("VerifyWithKey() on a freshly signed request should succeed, got %v", err)
	}
}

func TestVerifyWithKeyWrongKeyFails(t *testing.T) {
	kp := testKeyPair(t)
	other := testKeyPair(t)
	body := []byte(`{"type":"Announce"}`)

	req, err := NewSignedPostRequest(kp, "https://relay.example/actor#main-key", "https://remote.example/inbox", body, "application/activity+json")
	if err != nil {
		t.Fatalf("NewSignedPostRequest: %v", err)
	}

	if err := VerifyWithKey(req, other.Public); err == nil {
		t.Error("VerifyWithKey() with the wrong public key should fail")
	}
}

func TestVerifyWithKeyRejectsSkewedDate(t *testing.T) {
	kp := testKeyPair(t)
	body := []byte(`{"type":"Create"}`)

	req, err := NewSignedPostRequest(kp, "https://relay.example/actor#main-key", "https://remote.example/inbox", body, "application/activity+json")
	if err != nil {
		t.Fatalf("NewSignedPostRequest: %v", err)
	}
	req.Header.Set("Date", time.Now().Add(-time.Hour).UTC().Format(http.TimeFormat))

	if err := VerifyWithKey(req, kp.Public); err == nil {
		t.Error("VerifyWithKey() should reject a Date header more than MaxDateSkew old")
	}
}

func TestDigestRoundTrip(t *testing.T) {
	body := []byte("hello world")
	header := Digest(body)
	if err := VerifyDigest(body, header); err != nil {
		t.Errorf("VerifyDigest() matching digest should pass, got %v", err)
	}
	if err := VerifyDigest([]byte("tampered"), header); err == nil {
		t.Error("VerifyDigest() with mismatched body should fail")
	}
}

func TestVerifyDigestTolerates(t *testing.T) {
	if err := VerifyDigest([]byte("whatever"), ""); err != nil {
		t.Errorf("empty Digest header should be tolerated, got %v", err)
	}
	if err := VerifyDigest([]byte("whatever"), "SHA-512=deadbeef"); err != nil {
		t.Errorf("unknown digest algorithm should be skipped, not rejected, got %v", err)
	}
}

func TestCheckDateSkew(t *testing.T) {
	tests := []struct {
		name    string
		date    string
		wantErr bool
	}{
		{"missing header", "", true},
		{"garbage header", "not-a-date", true},
		{"fresh", time.Now().UTC().Format(http.TimeFormat), false},
		{"too old", time.Now().Add(-time.Hour).UTC().Format(http.TimeFormat), true},
		{"too far in the future", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat), true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodPost, "https://relay.example/inbox", bytes.NewReader(nil))
			if tc.date != "" {
				req.Header.Set("Date", tc.date)
			}
			err := CheckDateSkew(req)
			if (err != nil) != tc.wantErr {
				t.Errorf("CheckDateSkew() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestExtractKeyID(t *testing.T) {
	kp := testKeyPair(t)
	keyID := "https://relay.example/actor#main-key"
	req, err := NewSignedPostRequest(kp, keyID, "https://remote.example/inbox", []byte("{}"), "application/activity+json")
	if err != nil {
		t.Fatalf("NewSignedPostRequest: %v", err)
	}

	got, err := ExtractKeyID(req)
	if err != nil {
		t.Fatalf("ExtractKeyID: %v", err)
	}
	if got != keyID {
		t.Errorf("ExtractKeyID() = %q, want %q", got, keyID)
	}
}

func TestExtractKeyIDMissingSignature(t *testing.T) {
	req, _ := http.NewRequest(http.MethodPost, "https://relay.example/inbox", nil)
	if _, err := ExtractKeyID(req); err == nil {
		t.Error("ExtractKeyID() should fail when the Signature header is absent")
	}
}
