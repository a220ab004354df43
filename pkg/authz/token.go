// Package authz issues and verifies approval credentials.
//
// An approval credential is an EdDSA-signed JWT naming one approver. It is
// bound to a single call through the call's context digest and safety
// level, and it is validated against the call's own timestamp.
package authz

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/qradle/pkg/crypto"
	"github.com/Mindburn-Labs/qradle/pkg/invariant"
)

// Roles an approver may hold.
const (
	RoleApprover = "approver"
	RoleBoard    = "board"
)

// DefaultIssuer is the iss claim of approval tokens.
const DefaultIssuer = "qradle/approvals"

// Verification errors. ErrPrincipalMismatch means a token claims a subject or
// role other than the one its signing key is registered for.
var (
	ErrBindingMismatch   = errors.New("approval is bound to a different call")
	ErrUnknownKey        = errors.New("unknown approval key")
	ErrUnknownRole       = errors.New("unknown approver role")
	ErrPrincipalMismatch = errors.New("approval claims a principal its key is not registered for")
)

// ApprovalClaims are the claims of one approval token.
type ApprovalClaims struct {
	jwt.RegisteredClaims
	ContextDigest string `json:"ctx"`
	SafetyLevel   string `json:"lvl"`
	Role          string `json:"role"`

	// KeyID is the verified signing key. Set by Verify, never serialized.
	KeyID string `json:"-"`
}

// Principal is the approver a key speaks for.
type Principal struct {
	Subject string
	Role    string
}

func validRole(role string) bool {
	return role == RoleApprover || role == RoleBoard
}

// Binding is the call an approval must be bound to.
type Binding struct {
	ContextDigest string
	Level         invariant.SafetyLevel
	At            time.Time // the call's timestamp
}

// Issuer signs approval tokens with one approver key.
type Issuer struct {
	signer *crypto.Ed25519Signer
	issuer string
}

func NewIssuer(signer *crypto.Ed25519Signer) *Issuer {
	return &Issuer{signer: signer, issuer: DefaultIssuer}
}

// Issue signs an approval for subject with role, bound to b and valid for ttl
// from b.At.
func (i *Issuer) Issue(subject, role string, b Binding, ttl time.Duration) (string, error) {
	if !validRole(role) {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	claims := ApprovalClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(b.At),
			NotBefore: jwt.NewNumericDate(b.At.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(b.At.Add(ttl)),
		},
		ContextDigest: b.ContextDigest,
		SafetyLevel:   b.Level.String(),
		Role:          role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = i.signer.KeyID
	return token.SignedString(i.signer)
}

// Keyring holds approver public keys by key ID. Each key is registered for
// exactly one principal; a token signed by it may speak only for that
// principal.
type Keyring struct {
	mu   sync.RWMutex
	keys map[string]keyEntry
}

type keyEntry struct {
	pub ed25519.PublicKey
	Principal
}

func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[string]keyEntry)}
}

// Add registers a public key for p. Re-adding a key ID replaces it.
func (k *Keyring) Add(keyID string, pub ed25519.PublicKey, p Principal) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("authz: key %s: invalid public key size %d", keyID, len(pub))
	}
	if p.Subject == "" {
		return fmt.Errorf("authz: key %s: empty subject", keyID)
	}
	if !validRole(p.Role) {
		return fmt.Errorf("authz: key %s: %w: %q", keyID, ErrUnknownRole, p.Role)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[keyID] = keyEntry{pub: pub, Principal: p}
	return nil
}

// AddHex registers a hex-encoded public key for p.
func (k *Keyring) AddHex(keyID, pubHex string, p Principal) error {
	pub, err := crypto.ParsePublicKey(pubHex)
	if err != nil {
		return fmt.Errorf("authz: key %s: %w", keyID, err)
	}
	return k.Add(keyID, pub, p)
}

// Len returns the number of registered keys.
func (k *Keyring) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys)
}

func (k *Keyring) lookup(kid string) (keyEntry, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	e, ok := k.keys[kid]
	return e, ok
}

func (k *Keyring) keyFunc(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, errors.New("missing kid in header")
	}
	e, ok := k.lookup(kid)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, kid)
	}
	return e.pub, nil
}

// Verifier turns presented credentials into invariant evidence.
type Verifier struct {
	keys   *Keyring
	issuer string
}

func NewVerifier(keys *Keyring) *Verifier {
	return &Verifier{keys: keys, issuer: DefaultIssuer}
}

// Verify checks one token against b.
func (v *Verifier) Verify(token string, b Binding) (*ApprovalClaims, error) {
	claims := &ApprovalClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, v.keys.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(func() time.Time { return b.At }),
	)
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, errors.New("approval has no subject")
	}
	if claims.ContextDigest != b.ContextDigest || claims.SafetyLevel != b.Level.String() {
		return nil, ErrBindingMismatch
	}
	if !validRole(claims.Role) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRole, claims.Role)
	}
	kid, _ := parsed.Header["kid"].(string)
	entry, ok := v.keys.lookup(kid)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, kid)
	}
	if claims.Subject != entry.Subject || claims.Role != entry.Role {
		return nil, fmt.Errorf("%w: key %s is %s/%s, token claims %s/%s",
			ErrPrincipalMismatch, kid, entry.Subject, entry.Role, claims.Subject, claims.Role)
	}
	claims.KeyID = kid
	return claims, nil
}

// Evidence verifies every credential. Invalid credentials are reported in
// Rejected and never count. Approvers are counted by signing key and by
// subject, so neither one key nor one person counts twice.
func (v *Verifier) Evidence(credentials []string, b Binding) invariant.Evidence {
	var ev invariant.Evidence
	seenKeys := make(map[string]bool)
	seenSubjects := make(map[string]bool)
	for i, token := range credentials {
		claims, err := v.Verify(token, b)
		if err != nil {
			ev.Rejected = append(ev.Rejected, fmt.Sprintf("credential %d: %v", i, err))
			continue
		}
		if seenKeys[claims.KeyID] || seenSubjects[claims.Subject] {
			continue
		}
		seenKeys[claims.KeyID] = true
		seenSubjects[claims.Subject] = true
		if claims.Role == RoleBoard {
			ev.Board = true
		}
		ev.Approvers = append(ev.Approvers, claims.Subject)
	}
	sort.Strings(ev.Approvers)
	return ev
}
