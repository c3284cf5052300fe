package gateway

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/trace/noop"
	clocktesting "k8s.io/utils/clock/testing"

	meshv1alpha1 "github.com/telekom/mesh-operator/api/mesh/v1alpha1"
	"github.com/telekom/mesh-operator/internal/store"
)

func newTestServer(t *testing.T, resolver Resolver, rules ...meshv1alpha1.RouteRule) (*Server, *store.Store) {
	t.Helper()
	holder := NewHolder()
	holder.Publish(BuildTable("r1", rules))
	st := store.New()
	s := NewServer(holder, st, resolver, "gateway-serving-cert", logr.Discard(), noop.NewTracerProvider().Tracer("test"))
	return s, st
}

// explodingBody fails the test if anything reads it.
type explodingBody struct{ t *testing.T }

func (b explodingBody) Read([]byte) (int, error) {
	b.t.Error("request body must not be read before the TLS redirect")
	return 0, errors.New("body read")
}

func (explodingBody) Close() error { return nil }

func TestPlainHTTPRedirectsWithoutReadingBody(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, StaticResolver{}, shopRoutes()...)

	req := httptest.NewRequest(http.MethodPost, "http://shop.example.com/api/checkout?qty=2", nil)
	req.Body = explodingBody{t}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusPermanentRedirect {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusPermanentRedirect)
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	if loc.Scheme != "https" || loc.Host != "shop.example.com" || loc.Path != "/api/checkout" || loc.RawQuery != "qty=2" {
		t.Fatalf("unexpected redirect target %q", loc)
	}
}

func TestForwardToResolvedBackend(t *testing.T) {
	t.Parallel()
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Forwarded-Proto") == "" {
			t.Error("forwarded request must carry X-Forwarded headers")
		}
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("checkout says hi"))
	}))
	defer backend.Close()

	s, _ := newTestServer(t, StaticResolver{
		"shop/checkoutservice:5050": strings.TrimPrefix(backend.URL, "http://"),
	}, meshv1alpha1.RouteRule{
		Name: "checkout",
		Spec: meshv1alpha1.RouteRuleSpec{
			Host: "shop.example.com", Path: "/api/checkout",
			Target: meshv1alpha1.RouteTarget{Service: "shop/checkoutservice", Port: 5050},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "https://shop.example.com/api/checkout", nil)
	req.TLS = &tls.ConnectionState{}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want %d (body %q)", rec.Code, http.StatusTeapot, rec.Body.String())
	}
	if rec.Body.String() != "checkout says hi" {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}

func TestUnmatchedRequestIs404(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, StaticResolver{}, meshv1alpha1.RouteRule{
		Name: "api",
		Spec: meshv1alpha1.RouteRuleSpec{
			Host: "shop.example.com", Path: "/api/*",
			Target: meshv1alpha1.RouteTarget{Service: "shop/api-gateway", Port: 9000},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "https://shop.example.com/admin", nil)
	req.TLS = &tls.ConnectionState{}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("unmatched request must be 404, got %d", rec.Code)
	}
}

func TestUnresolvableTargetIs502(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, StaticResolver{}, meshv1alpha1.RouteRule{
		Name: "api",
		Spec: meshv1alpha1.RouteRuleSpec{
			Host: "shop.example.com", Path: "/api/*",
			Target: meshv1alpha1.RouteTarget{Service: "shop/api-gateway", Port: 9000},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "https://shop.example.com/api/orders", nil)
	req.TLS = &tls.ConnectionState{}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("unresolvable target must be 502, got %d", rec.Code)
	}
}

func TestRateLimitRejectsExcess(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, StaticResolver{}, shopRoutes()...)
	s.WithRateLimit(0.001, 1)

	handler := s.Handler()
	for i, want := range []int{http.StatusBadGateway, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodGet, "https://shop.example.com/", nil)
		req.TLS = &tls.ConnectionState{}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Fatalf("request %d: status = %d, want %d", i, rec.Code, want)
		}
	}
}

// servingBundle returns a concatenated PEM cert+key bundle valid for the
// given window.
func servingBundle(t *testing.T, notBefore, notAfter time.Time) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "shop.example.com"},
		DNSNames:     []string{"shop.example.com"},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	var bundle []byte
	bundle = append(bundle, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	bundle = append(bundle, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})...)
	return bundle
}

func TestGetCertificateServesValidBundle(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	s, st := newTestServer(t, StaticResolver{})
	s.WithClock(clocktesting.NewFakePassiveClock(now))
	st.UpsertSecret("gateway-serving-cert", servingBundle(t, now.Add(-time.Hour), now.Add(time.Hour)))

	cert, err := s.getCertificate(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cert.Leaf.Subject.CommonName != "shop.example.com" {
		t.Fatalf("unexpected leaf subject %q", cert.Leaf.Subject.CommonName)
	}
}

func TestGetCertificateRefusesExpired(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	s, st := newTestServer(t, StaticResolver{})
	s.WithClock(clocktesting.NewFakePassiveClock(now))
	st.UpsertSecret("gateway-serving-cert", servingBundle(t, now.Add(-2*time.Hour), now.Add(-time.Hour)))

	if _, err := s.getCertificate(nil); !errors.Is(err, ErrCertificateExpired) {
		t.Fatalf("expired certificate must refuse the handshake, got %v", err)
	}
}

func TestGetCertificatePicksUpRotation(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	s, st := newTestServer(t, StaticResolver{})
	s.WithClock(clocktesting.NewFakePassiveClock(now))

	// Expired bundle first, then the synchronizer delivers a fresh one.
	st.UpsertSecret("gateway-serving-cert", servingBundle(t, now.Add(-2*time.Hour), now.Add(-time.Hour)))
	if _, err := s.getCertificate(nil); err == nil {
		t.Fatal("expired bundle must be refused")
	}

	st.UpsertSecret("gateway-serving-cert", servingBundle(t, now.Add(-time.Hour), now.Add(time.Hour)))
	cert, err := s.getCertificate(nil)
	if err != nil {
		t.Fatalf("rotated bundle must be served without restart: %v", err)
	}
	if !cert.Leaf.NotAfter.After(now) {
		t.Fatal("rotation must replace the cached expired leaf")
	}
}

func TestGetCertificateMissingSecret(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, StaticResolver{})
	if _, err := s.getCertificate(nil); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing serving secret must surface ErrNotFound, got %v", err)
	}
}
