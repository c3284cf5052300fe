package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	meshv1alpha1 "github.com/telekom/mesh-operator/api/mesh/v1alpha1"
)

// ErrSourceUnavailable marks total loss of the desired-state source. The
// reconciler degrades to stale-but-serving instead of crashing.
var ErrSourceUnavailable = errors.New("desired-state source unavailable")

// DesiredSource is the revision-addressed declaration store the reconciler
// reads from (the GitOps source). Loads are always against a specific
// revision; the reconciler reports the revision it last converged to.
type DesiredSource interface {
	// Revision returns the current head revision of the source.
	Revision(ctx context.Context) (string, error)

	// Load reads all desired units at the given revision. Units carry the
	// revision they were read from and are never mutated afterwards.
	Load(ctx context.Context, revision string) ([]meshv1alpha1.DesiredUnit, error)
}

// FileSource reads desired units from multi-document YAML manifests under a
// directory tree. The revision is the content hash of all manifests, so an
// unchanged tree always reports the same revision.
type FileSource struct {
	dir string
}

// NewFileSource returns a FileSource rooted at dir.
func NewFileSource(dir string) *FileSource {
	return &FileSource{dir: dir}
}

// Revision returns the content hash of the manifest tree.
func (f *FileSource) Revision(_ context.Context) (string, error) {
	paths, err := f.manifestPaths()
	if err != nil {
		return "", err
	}
	h := sha256.New()
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return "", fmt.Errorf("%w: reading %s: %v", ErrSourceUnavailable, p, err)
		}
		fmt.Fprintf(h, "%s\n", p)
		h.Write(data)
	}
	return hex.EncodeToString(h.Sum(nil))[:12], nil
}

// Load reads all desired units at the given revision. FileSource holds only
// one revision at a time; loading a superseded revision is rejected so the
// reconciler never applies a mix of old and new manifests.
func (f *FileSource) Load(ctx context.Context, revision string) ([]meshv1alpha1.DesiredUnit, error) {
	current, err := f.Revision(ctx)
	if err != nil {
		return nil, err
	}
	if revision != current {
		return nil, fmt.Errorf("revision %s superseded by %s", revision, current)
	}

	paths, err := f.manifestPaths()
	if err != nil {
		return nil, err
	}

	var units []meshv1alpha1.DesiredUnit
	for _, p := range paths {
		file, err := os.Open(p)
		if err != nil {
			return nil, fmt.Errorf("%w: opening %s: %v", ErrSourceUnavailable, p, err)
		}
		dec := yaml.NewDecoder(file)
		for {
			var unit meshv1alpha1.DesiredUnit
			err := dec.Decode(&unit)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				_ = file.Close()
				return nil, fmt.Errorf("decoding %s: %w", p, err)
			}
			if unit.Kind == "" && unit.Name == "" {
				continue // empty document
			}
			if err := ValidateUnit(&unit); err != nil {
				_ = file.Close()
				return nil, fmt.Errorf("%s: %w", p, err)
			}
			unit.Revision = revision
			units = append(units, unit)
		}
		_ = file.Close()
	}
	return units, nil
}

func (f *FileSource) manifestPaths() ([]string, error) {
	var paths []string
	err := filepath.WalkDir(f.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: walking %s: %v", ErrSourceUnavailable, f.dir, err)
	}
	sort.Strings(paths)
	return paths, nil
}

// ValidationError marks malformed desired units, rejected before the
// reconciler ever attempts them.
type ValidationError struct {
	Key    meshv1alpha1.UnitKey
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid unit %s: %s", e.Key, e.Detail)
}

// ValidateUnit checks the structural invariants of a desired unit.
func ValidateUnit(u *meshv1alpha1.DesiredUnit) error {
	if u.Name == "" {
		return &ValidationError{Key: u.Key(), Detail: "name must not be empty"}
	}
	switch u.Kind {
	case meshv1alpha1.KindWorkload,
		meshv1alpha1.KindAuthorizationPolicy,
		meshv1alpha1.KindConstraintTemplate,
		meshv1alpha1.KindConstraint,
		meshv1alpha1.KindExternalSecret,
		meshv1alpha1.KindRouteRule:
	default:
		return &ValidationError{Key: u.Key(), Detail: fmt.Sprintf("unknown kind %q", u.Kind)}
	}
	return nil
}

// StaticSource is an in-memory DesiredSource for tests. Each SetUnits call
// produces a new revision.
type StaticSource struct {
	mu       sync.RWMutex
	revision int
	units    []meshv1alpha1.DesiredUnit
	fail     error
}

// NewStaticSource returns a StaticSource holding the given units at revision "r1".
func NewStaticSource(units ...meshv1alpha1.DesiredUnit) *StaticSource {
	s := &StaticSource{}
	s.SetUnits(units...)
	return s
}

// SetUnits replaces the source contents, bumping the revision.
func (s *StaticSource) SetUnits(units ...meshv1alpha1.DesiredUnit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revision++
	s.units = units
}

// Fail makes subsequent calls return the given error, simulating source loss.
func (s *StaticSource) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

// Revision returns the current synthetic revision.
func (s *StaticSource) Revision(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.fail != nil {
		return "", s.fail
	}
	return fmt.Sprintf("r%d", s.revision), nil
}

// Load returns the units recorded for the given revision.
func (s *StaticSource) Load(_ context.Context, revision string) ([]meshv1alpha1.DesiredUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.fail != nil {
		return nil, s.fail
	}
	current := fmt.Sprintf("r%d", s.revision)
	if revision != current {
		return nil, fmt.Errorf("revision %s superseded by %s", revision, current)
	}
	out := make([]meshv1alpha1.DesiredUnit, len(s.units))
	copy(out, s.units)
	for i := range out {
		out[i].Revision = revision
	}
	return out, nil
}
