// Package store holds the cluster-local source of truth: observed units
// materialized by the reconciler, and local secrets materialized by the
// secret synchronizer. All access is transactional read-modify-write per
// entity with compare-and-swap on the resource version.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	meshv1alpha1 "github.com/telekom/mesh-operator/api/mesh/v1alpha1"
)

// ErrConflict is returned when a write carries a stale resource version.
// Callers re-read and retry.
var ErrConflict = errors.New("resource version conflict")

// ErrNotFound is returned when the addressed entity does not exist.
var ErrNotFound = errors.New("not found")

// Secret is a local secret materialized from an external store.
type Secret struct {
	Name      string
	Data      []byte
	Hash      string
	UpdatedAt time.Time
}

// Store is the in-memory state store. Safe for concurrent use.
type Store struct {
	mu          sync.RWMutex
	observed    map[meshv1alpha1.UnitKey]*meshv1alpha1.ObservedUnit
	secrets     map[string]*Secret
	nextVersion int64
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		observed: map[meshv1alpha1.UnitKey]*meshv1alpha1.ObservedUnit{},
		secrets:  map[string]*Secret{},
	}
}

// GetObserved returns a copy of the observed unit for the given key.
func (s *Store) GetObserved(key meshv1alpha1.UnitKey) (*meshv1alpha1.ObservedUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.observed[key]
	if !ok {
		return nil, fmt.Errorf("observed unit %s: %w", key, ErrNotFound)
	}
	return copyObserved(o), nil
}

// ListObserved returns copies of all observed units.
func (s *Store) ListObserved() []*meshv1alpha1.ObservedUnit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*meshv1alpha1.ObservedUnit, 0, len(s.observed))
	for _, o := range s.observed {
		out = append(out, copyObserved(o))
	}
	return out
}

// UpsertObserved writes an observed unit. The write must carry the resource
// version it was read at; a mismatch returns ErrConflict. A zero version
// creates the unit and fails if it already exists.
func (s *Store) UpsertObserved(o *meshv1alpha1.ObservedUnit) (*meshv1alpha1.ObservedUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.observed[o.Key]
	if o.ResourceVersion == 0 {
		if ok {
			return nil, fmt.Errorf("observed unit %s already exists: %w", o.Key, ErrConflict)
		}
	} else if !ok || existing.ResourceVersion != o.ResourceVersion {
		return nil, fmt.Errorf("observed unit %s: %w", o.Key, ErrConflict)
	}

	s.nextVersion++
	stored := copyObserved(o)
	stored.ResourceVersion = s.nextVersion
	s.observed[o.Key] = stored
	return copyObserved(stored), nil
}

// DeleteObserved removes the observed unit for the given key.
func (s *Store) DeleteObserved(key meshv1alpha1.UnitKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.observed[key]; !ok {
		return fmt.Errorf("observed unit %s: %w", key, ErrNotFound)
	}
	delete(s.observed, key)
	return nil
}

// MutateLive applies an out-of-band edit to the live payload of an observed
// unit, bypassing the reconciler. Models changes made outside the loop's
// control; used by drift tests and debug tooling.
func (s *Store) MutateLive(key meshv1alpha1.UnitKey, mutate func(live map[string]interface{})) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.observed[key]
	if !ok {
		return fmt.Errorf("observed unit %s: %w", key, ErrNotFound)
	}
	if o.Live == nil {
		o.Live = map[string]interface{}{}
	}
	mutate(o.Live)
	s.nextVersion++
	o.ResourceVersion = s.nextVersion
	return nil
}

// GetSecret returns a copy of the named local secret.
func (s *Store) GetSecret(name string) (*Secret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sec, ok := s.secrets[name]
	if !ok {
		return nil, fmt.Errorf("secret %s: %w", name, ErrNotFound)
	}
	cp := *sec
	cp.Data = append([]byte(nil), sec.Data...)
	return &cp, nil
}

// UpsertSecret materializes or updates a local secret.
func (s *Store) UpsertSecret(name string, data []byte) *Secret {
	s.mu.Lock()
	defer s.mu.Unlock()
	sec := &Secret{
		Name:      name,
		Data:      append([]byte(nil), data...),
		Hash:      HashBytes(data),
		UpdatedAt: time.Now().UTC(),
	}
	s.secrets[name] = sec
	cp := *sec
	return &cp
}

// DeleteSecret removes the named local secret. Deleting an absent secret is
// not an error; cascade deletes must be idempotent.
func (s *Store) DeleteSecret(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.secrets, name)
}

// HashBytes returns the hex sha256 content hash used for sync comparisons.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashSpec returns the content hash of a unit spec. encoding/json writes map
// keys in sorted order, so the hash is deterministic.
func HashSpec(spec map[string]interface{}) string {
	raw, err := json.Marshal(spec)
	if err != nil {
		// Specs come from YAML decoding and contain only JSON-safe types.
		return ""
	}
	return HashBytes(raw)
}

func copyObserved(o *meshv1alpha1.ObservedUnit) *meshv1alpha1.ObservedUnit {
	cp := *o
	cp.Live = copyPayload(o.Live)
	cp.LastApplied = copyPayload(o.LastApplied)
	cp.Status.Conditions = append([]metav1.Condition(nil), o.Status.Conditions...)
	return &cp
}

func copyPayload(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
