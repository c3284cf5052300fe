package identity

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
)

// DirectoryProvider serves identities from PEM certificates dropped into a
// directory by the external identity provider's delivery agent. Files are
// re-read on every lookup, so a rotated certificate takes effect without any
// coordination with this process.
type DirectoryProvider struct {
	dir string
}

// NewDirectoryProvider returns a Provider reading SVID certificates from dir.
func NewDirectoryProvider(dir string) *DirectoryProvider {
	return &DirectoryProvider{dir: dir}
}

// Current returns the identity whose certificate URI SAN matches the subject.
// When multiple certificates carry the subject, the one expiring last wins,
// which is the rotation-in-progress case.
func (p *DirectoryProvider) Current(subject string) (*Identity, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, fmt.Errorf("reading identity directory %s: %w", p.dir, err)
	}

	var best *Identity
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pem") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(p.dir, entry.Name()))
		if err != nil {
			continue
		}
		for block, rest := pem.Decode(data); block != nil; block, rest = pem.Decode(rest) {
			if block.Type != "CERTIFICATE" {
				continue
			}
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil || len(cert.URIs) == 0 {
				continue
			}
			id, err := spiffeid.FromURI(cert.URIs[0])
			if err != nil || id.String() != subject {
				continue
			}
			if best == nil || cert.NotAfter.After(best.NotAfter) {
				best = &Identity{
					ID:        id,
					PublicKey: cert,
					NotBefore: cert.NotBefore,
					NotAfter:  cert.NotAfter,
				}
			}
		}
	}

	if best == nil {
		return nil, fmt.Errorf("%w: no certificate for subject %s in %s", ErrIdentityInvalid, subject, p.dir)
	}
	return best, nil
}
