package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// DefaultGuestName is assigned when a guest joins without claiming a display name.
const DefaultGuestName = "Agente"

// Identity is the resolved participant identity a join proceeds with.
type Identity struct {
	UID   string
	Name  string
	Guest bool
}

// Resolver exchanges an opaque credential for a verified identity. A failed
// resolution is not fatal to a join; callers fall back to a guest identity.
type Resolver interface {
	Resolve(token string) (Identity, error)
}

// HMACResolver resolves credentials using the shared-secret token verifier.
type HMACResolver struct {
	verifier *HMACTokenVerifier
}

// NewHMACResolver constructs a resolver for the supplied shared secret.
func NewHMACResolver(secret string, leeway time.Duration) (*HMACResolver, error) {
	verifier, err := NewHMACTokenVerifier(secret, leeway)
	if err != nil {
		return nil, err
	}
	return &HMACResolver{verifier: verifier}, nil
}

// Resolve validates the token and returns the verified identity embedded in it.
func (r *HMACResolver) Resolve(token string) (Identity, error) {
	if r == nil || r.verifier == nil {
		return Identity{}, fmt.Errorf("resolver not configured")
	}
	claims, err := r.verifier.Verify(token)
	if err != nil {
		return Identity{}, err
	}
	identity := Identity{UID: claims.Subject, Name: claims.Name}
	if identity.Name == "" {
		identity.Name = identity.UID
	}
	return identity, nil
}

// Guest fabricates an anonymous identity with a random identifier and the
// client-claimed display name. Joins must never block on identity resolution,
// so this is the fallback for missing credentials and resolver failures.
func Guest(claimedName string) Identity {
	name := strings.TrimSpace(claimedName)
	if name == "" {
		name = DefaultGuestName
	}
	return Identity{UID: "guest_" + randomHex(8), Name: name, Guest: true}
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
