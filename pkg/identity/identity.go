// Package identity models per-workload cryptographic identities and the
// provider capability that issues them. Issuance and rotation are the job of
// an external identity provider (a certificate-authority function); this
// package only consumes "current valid identity for subject X, with expiry"
// lookups and verifies validity windows.
package identity

import (
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"k8s.io/utils/clock"
)

// ErrIdentityInvalid marks identity verification failures. Callers report
// these distinctly from policy denials.
var ErrIdentityInvalid = errors.New("identity invalid")

// Identity is a workload identity bound to a logical service name. The
// subject is a SPIFFE ID of the form spiffe://<domain>/ns/<namespace>/sa/<service>.
type Identity struct {
	// ID is the parsed SPIFFE subject.
	ID spiffeid.ID

	// PublicKey is the identity's public key material. Referenced, never
	// owned, by the policy engine and gateway.
	PublicKey *x509.Certificate

	// NotBefore and NotAfter bound the validity window. The provider
	// reissues before NotAfter; stale identities are rejected, not silently
	// accepted.
	NotBefore time.Time
	NotAfter  time.Time
}

// Subject returns the string form of the identity's SPIFFE ID.
func (id *Identity) Subject() string {
	return id.ID.String()
}

// ServiceName derives the "namespace/service" pair from the SPIFFE path.
// Returns an error when the path does not follow the /ns/<ns>/sa/<svc> layout.
func (id *Identity) ServiceName() (string, error) {
	segments := strings.Split(strings.TrimPrefix(id.ID.Path(), "/"), "/")
	if len(segments) != 4 || segments[0] != "ns" || segments[2] != "sa" || segments[1] == "" || segments[3] == "" {
		return "", fmt.Errorf("subject path %q does not follow /ns/<namespace>/sa/<service>", id.ID.Path())
	}
	return segments[1] + "/" + segments[3], nil
}

// Provider is the injected lookup capability for current identities.
// Implementations wrap the external identity provider; this repository never
// reimplements certificate issuance.
type Provider interface {
	// Current returns the currently valid identity for the given subject.
	Current(subject string) (*Identity, error)
}

// Verifier checks identity validity windows against a clock.
type Verifier struct {
	clock clock.PassiveClock
}

// NewVerifier returns a Verifier using the given clock. A nil clock defaults
// to the real clock.
func NewVerifier(c clock.PassiveClock) *Verifier {
	if c == nil {
		c = clock.RealClock{}
	}
	return &Verifier{clock: c}
}

// Verify returns nil when the identity is currently inside its validity
// window. Every failure wraps ErrIdentityInvalid.
func (v *Verifier) Verify(id *Identity) error {
	if id == nil {
		return fmt.Errorf("%w: no identity presented", ErrIdentityInvalid)
	}
	if id.ID.IsZero() {
		return fmt.Errorf("%w: empty subject", ErrIdentityInvalid)
	}
	now := v.clock.Now()
	if now.Before(id.NotBefore) {
		return fmt.Errorf("%w: subject %s not valid before %s", ErrIdentityInvalid, id.Subject(), id.NotBefore.Format(time.RFC3339))
	}
	if !now.Before(id.NotAfter) {
		return fmt.Errorf("%w: subject %s expired at %s", ErrIdentityInvalid, id.Subject(), id.NotAfter.Format(time.RFC3339))
	}
	return nil
}

// StaticProvider is an in-memory Provider for tests and development
// environments without a running identity provider.
type StaticProvider struct {
	mu         sync.RWMutex
	identities map[string]*Identity
}

// NewStaticProvider returns an empty StaticProvider.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{identities: map[string]*Identity{}}
}

// Issue records an identity for its subject, replacing any previous one.
// This mimics external rotation: the newest issuance wins.
func (p *StaticProvider) Issue(id *Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.identities[id.Subject()] = id
}

// Current returns the currently valid identity for the given subject.
func (p *StaticProvider) Current(subject string) (*Identity, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.identities[subject]
	if !ok {
		return nil, fmt.Errorf("%w: no identity issued for subject %s", ErrIdentityInvalid, subject)
	}
	return id, nil
}

// MustSubject parses a SPIFFE ID string, panicking on malformed input.
// Intended for tests and static configuration.
func MustSubject(s string) spiffeid.ID {
	id, err := spiffeid.FromString(s)
	if err != nil {
		panic(err)
	}
	return id
}
