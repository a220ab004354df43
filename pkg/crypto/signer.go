package crypto

import (
	stdcrypto "crypto"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

// Ed25519Signer holds an approver signing key. It implements crypto.Signer
// so it can be handed to token libraries without exposing the private key.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	KeyID   string
}

func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  pub,
		KeyID:   keyID,
	}, nil
}

func NewEd25519SignerFromKey(priv ed25519.PrivateKey, keyID string) *Ed25519Signer {
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
		KeyID:   keyID,
	}
}

// Public implements crypto.Signer.
func (s *Ed25519Signer) Public() stdcrypto.PublicKey {
	return s.pubKey
}

// Sign implements crypto.Signer. Ed25519 signs the full message, so opts must
// be crypto.Hash(0).
func (s *Ed25519Signer) Sign(r io.Reader, message []byte, opts stdcrypto.SignerOpts) ([]byte, error) {
	return s.privKey.Sign(r, message, opts)
}

// PublicKeyHex returns the hex-encoded public key.
func (s *Ed25519Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.pubKey)
}

// PublicKeyBytes returns the raw public key.
func (s *Ed25519Signer) PublicKeyBytes() ed25519.PublicKey {
	return s.pubKey
}

// ParsePublicKey decodes a hex-encoded Ed25519 public key.
func ParsePublicKey(pubKeyHex string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid public key hex: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key size")
	}
	return ed25519.PublicKey(raw), nil
}
