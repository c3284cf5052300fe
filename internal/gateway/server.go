package gateway

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	meshv1alpha1 "github.com/telekom/mesh-operator/api/mesh/v1alpha1"
	"github.com/telekom/mesh-operator/internal/store"
	"github.com/telekom/mesh-operator/pkg/metrics"
	"github.com/telekom/mesh-operator/pkg/tracing"
)

// ErrCertificateExpired is returned by the TLS handshake when the serving
// certificate is outside its validity window. The handshake is refused; an
// expired certificate is never served.
var ErrCertificateExpired = errors.New("serving certificate expired")

// shutdownGrace bounds the drain time for in-flight requests on shutdown.
const shutdownGrace = 10 * time.Second

// Resolver maps a matched route target to a dialable backend address.
type Resolver interface {
	Resolve(target meshv1alpha1.RouteTarget) (string, error)
}

// ClusterResolver resolves "namespace/name" targets to cluster-internal DNS.
type ClusterResolver struct {
	// Suffix is the cluster DNS suffix, "svc.cluster.local" by default.
	Suffix string
}

func (r ClusterResolver) Resolve(target meshv1alpha1.RouteTarget) (string, error) {
	ns, name, ok := strings.Cut(target.Service, "/")
	if !ok {
		return "", fmt.Errorf("target service %q is not namespace-qualified", target.Service)
	}
	suffix := r.Suffix
	if suffix == "" {
		suffix = "svc.cluster.local"
	}
	return net.JoinHostPort(fmt.Sprintf("%s.%s.%s", name, ns, suffix), fmt.Sprintf("%d", target.Port)), nil
}

// StaticResolver resolves targets from a fixed map, keyed by
// "namespace/name:port". Used in tests.
type StaticResolver map[string]string

func (r StaticResolver) Resolve(target meshv1alpha1.RouteTarget) (string, error) {
	addr, ok := r[fmt.Sprintf("%s:%d", target.Service, target.Port)]
	if !ok {
		return "", fmt.Errorf("no backend for %s:%d", target.Service, target.Port)
	}
	return addr, nil
}

// Server terminates TLS for external traffic and forwards matched requests to
// internal services. Plain-HTTP requests are answered with a redirect before
// any payload is read.
type Server struct {
	tables   *Holder
	store    *store.Store
	resolver Resolver
	clock    clock.PassiveClock
	log      logr.Logger
	tracer   trace.Tracer

	// certSecret names the local secret holding the PEM serving bundle,
	// kept current by the secret synchronizer.
	certSecret string

	limiter *rate.Limiter

	certMu   sync.Mutex
	certHash string
	cert     *tls.Certificate
}

// NewServer returns a gateway Server routing against the holder's table.
func NewServer(tables *Holder, st *store.Store, resolver Resolver, certSecret string, log logr.Logger, tracer trace.Tracer) *Server {
	return &Server{
		tables:     tables,
		store:      st,
		resolver:   resolver,
		clock:      clock.RealClock{},
		log:        log,
		tracer:     tracer,
		certSecret: certSecret,
		limiter:    rate.NewLimiter(rate.Limit(1000), 2000),
	}
}

// WithRateLimit overrides the global request rate limit.
func (s *Server) WithRateLimit(perSecond float64, burst int) *Server {
	s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	return s
}

// WithClock overrides the clock used for certificate validity checks.
func (s *Server) WithClock(c clock.PassiveClock) *Server {
	s.clock = c
	return s
}

// Handler returns the gateway's HTTP handler. The TLS redirect runs before
// anything touches the request body.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.redirectTLS)
	r.Use(s.rateLimit)
	r.Handle("/*", http.HandlerFunc(s.route))
	return r
}

// redirectTLS answers plain-HTTP requests with a permanent redirect to the
// TLS endpoint. The body is never read or forwarded.
func (s *Server) redirectTLS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil {
			metrics.RouteDecisions.WithLabelValues(metrics.RouteOutcomeRedirect).Inc()
			target := url.URL{Scheme: "https", Host: r.Host, Path: r.URL.Path, RawQuery: r.URL.RawQuery}
			http.Redirect(w, r, target.String(), http.StatusPermanentRedirect)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// route matches the request against the active table and proxies it to the
// resolved backend. An unmatched request is a client-visible 404, not a
// server error.
func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "gateway.Route")
	defer span.End()
	span.SetAttributes(
		tracing.AttrRouteHost.String(r.Host),
		tracing.AttrPath.String(r.URL.Path),
	)

	decision := s.tables.Load().Route(r.Host, r.URL.Path, r.TLS != nil)
	switch decision.Outcome {
	case OutcomeForward:
	case OutcomeRedirect:
		// Already handled by the middleware; kept for direct Route callers.
		metrics.RouteDecisions.WithLabelValues(metrics.RouteOutcomeRedirect).Inc()
		target := url.URL{Scheme: "https", Host: r.Host, Path: r.URL.Path, RawQuery: r.URL.RawQuery}
		http.Redirect(w, r, target.String(), http.StatusPermanentRedirect)
		return
	default:
		metrics.RouteDecisions.WithLabelValues(metrics.RouteOutcomeNotFound).Inc()
		s.log.V(1).Info("no route matched", "event", meshv1alpha1.EventReasonRouteRejected,
			"host", r.Host, "path", r.URL.Path)
		http.Error(w, "no route for request", http.StatusNotFound)
		return
	}

	addr, err := s.resolver.Resolve(decision.Target)
	if err != nil {
		metrics.RouteDecisions.WithLabelValues(metrics.RouteOutcomeNotFound).Inc()
		s.log.Error(err, "route target unresolvable", "rule", decision.Rule)
		http.Error(w, "route target unavailable", http.StatusBadGateway)
		return
	}

	metrics.RouteDecisions.WithLabelValues(metrics.RouteOutcomeForwarded).Inc()
	span.SetAttributes(tracing.AttrTarget.String(addr))

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(&url.URL{Scheme: "http", Host: addr})
			pr.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			s.log.Error(err, "backend request failed", "rule", decision.Rule, "backend", addr)
			http.Error(w, "backend unavailable", http.StatusBadGateway)
		},
	}
	proxy.ServeHTTP(w, r.WithContext(ctx))
}

// TLSConfig returns the serving TLS configuration. The certificate is read
// from the local secret store on each handshake so a rotated bundle takes
// effect without restart.
func (s *Server) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: s.getCertificate,
	}
}

// getCertificate loads the serving bundle from the secret store, refusing the
// handshake when the certificate is outside its validity window.
func (s *Server) getCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	secret, err := s.store.GetSecret(s.certSecret)
	if err != nil {
		metrics.RouteDecisions.WithLabelValues(metrics.RouteOutcomeCertError).Inc()
		return nil, fmt.Errorf("loading serving certificate %q: %w", s.certSecret, err)
	}

	s.certMu.Lock()
	defer s.certMu.Unlock()

	if s.cert == nil || s.certHash != secret.Hash {
		cert, err := parseBundle(secret.Data)
		if err != nil {
			metrics.RouteDecisions.WithLabelValues(metrics.RouteOutcomeCertError).Inc()
			return nil, fmt.Errorf("parsing serving certificate %q: %w", s.certSecret, err)
		}
		s.cert = cert
		s.certHash = secret.Hash
	}

	now := s.clock.Now()
	leaf := s.cert.Leaf
	if now.After(leaf.NotAfter) || now.Before(leaf.NotBefore) {
		metrics.RouteDecisions.WithLabelValues(metrics.RouteOutcomeCertError).Inc()
		s.log.Error(ErrCertificateExpired, "refusing TLS handshake",
			"notBefore", leaf.NotBefore.Format(time.RFC3339),
			"notAfter", leaf.NotAfter.Format(time.RFC3339),
		)
		return nil, fmt.Errorf("%w: valid %s to %s", ErrCertificateExpired,
			leaf.NotBefore.Format(time.RFC3339), leaf.NotAfter.Format(time.RFC3339))
	}
	return s.cert, nil
}

// parseBundle parses a concatenated PEM certificate and key bundle.
func parseBundle(pemBundle []byte) (*tls.Certificate, error) {
	cert, err := tls.X509KeyPair(pemBundle, pemBundle)
	if err != nil {
		return nil, err
	}
	if cert.Leaf == nil {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, err
		}
		cert.Leaf = leaf
	}
	return &cert, nil
}

// Run serves plain HTTP (redirect only) and HTTPS until the context is
// canceled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, httpAddr, httpsAddr string) error {
	handler := s.Handler()

	httpSrv := &http.Server{Addr: httpAddr, Handler: handler}
	httpsSrv := &http.Server{Addr: httpsAddr, Handler: handler, TLSConfig: s.TLSConfig()}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("gateway listening", "addr", httpAddr, "tls", false)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		s.log.Info("gateway listening", "addr", httpsAddr, "tls", true)
		if err := httpsSrv.ListenAndServeTLS("", ""); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = httpSrv.Shutdown(drainCtx)
		return httpsSrv.Shutdown(drainCtx)
	})
	return g.Wait()
}
