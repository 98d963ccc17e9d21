// Package signing owns the relay's RSA key material and the HTTP Signature
// sign/verify primitives built on top of it.
package signing

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/klppl/relaybridge/internal/store"
)

// KeyPair is the relay's own RSA keypair, used to sign every outbound
// request.
type KeyPair struct {
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey
	PEM     string // PEM-encoded public key, embedded in the actor document
}

const keyBits = 2048

// LoadOrGenerateKeyPair reads the relay's RSA keypair from st, or generates
// and persists a fresh one on first start. Storage-backed rather than a file
// on local disk, so the key (and the actor identity it anchors) survives
// across instances sharing the same Postgres/SQLite backend.
func LoadOrGenerateKeyPair(ctx context.Context, st store.Store) (*KeyPair, error) {
	pemStr, ok, err := st.PrivateKeyPEM(ctx)
	if err != nil {
		return nil, fmt.Errorf("signing: load key from storage: %w", err)
	}
	if ok {
		return parseKeyPair([]byte(pemStr))
	}
	return generateAndSaveKeyPair(ctx, st)
}

func generateAndSaveKeyPair(ctx context.Context, st store.Store) (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("signing: generate key: %w", err)
	}
	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	}
	encoded := pem.EncodeToMemory(block)
	if err := st.SavePrivateKeyPEM(ctx, string(encoded)); err != nil {
		return nil, fmt.Errorf("signing: persist generated key: %w", err)
	}
	return keyPairFromPrivate(priv)
}

func parseKeyPair(data []byte) (*KeyPair, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("signing: no PEM block found in stored key")
	}
	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("signing: parse private key: %w", err)
	}
	return keyPairFromPrivate(priv)
}

func keyPairFromPrivate(priv *rsa.PrivateKey) (*KeyPair, error) {
	pubBytes, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("signing: marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	return &KeyPair{Private: priv, Public: &priv.PublicKey, PEM: string(pubPEM)}, nil
}

// DecodePublicKeyPEM parses a PEM-encoded RSA public key as embedded in a
// remote actor document's `publicKey.publicKeyPem` field.
func DecodePublicKeyPEM(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("signing: no PEM block found in public key")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		// Some servers embed PKCS1 public keys instead of PKIX.
		if pub, pkcs1Err := x509.ParsePKCS1PublicKey(block.Bytes); pkcs1Err == nil {
			return pub, nil
		}
		return nil, fmt.Errorf("signing: parse public key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("signing: public key is not RSA")
	}
	return rsaKey, nil
}
