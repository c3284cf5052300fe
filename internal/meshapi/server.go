// Package meshapi is the control-plane HTTP surface. Sidecars call it for
// authorization decisions, CI pipelines for admission dry-runs, and operators
// for unit status. It also serves the metrics and health endpoints.
package meshapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	meshv1alpha1 "github.com/telekom/mesh-operator/api/mesh/v1alpha1"
	"github.com/telekom/mesh-operator/internal/admission"
	"github.com/telekom/mesh-operator/internal/policy"
	"github.com/telekom/mesh-operator/internal/store"
	"github.com/telekom/mesh-operator/pkg/identity"
	"github.com/telekom/mesh-operator/pkg/metrics"
)

const shutdownGrace = 10 * time.Second

// RevisionReporter reports the source revision the control plane last
// converged to.
type RevisionReporter interface {
	LastConvergedRevision() string
}

// Server exposes the control-plane API.
type Server struct {
	engine     *policy.Engine
	admitter   *admission.Admitter
	identities identity.Provider
	store      *store.Store
	revisions  RevisionReporter
	log        logr.Logger
}

// NewServer returns the control-plane API server.
func NewServer(engine *policy.Engine, admitter *admission.Admitter, identities identity.Provider, st *store.Store, revisions RevisionReporter, log logr.Logger) *Server {
	return &Server{
		engine:     engine,
		admitter:   admitter,
		identities: identities,
		store:      st,
		revisions:  revisions,
		log:        log,
	}
}

// AuthorizeRequest is one inbound-call authorization query.
type AuthorizeRequest struct {
	// Subject is the caller's SPIFFE ID.
	Subject string `json:"subject"`

	// Target is the called service, "namespace/name".
	Target string `json:"target"`

	Path string `json:"path,omitempty"`
	Port int    `json:"port,omitempty"`
}

// AuthorizeResponse mirrors the engine's decision.
type AuthorizeResponse struct {
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`
	Policy  string `json:"policy,omitempty"`
}

// AdmitResponse mirrors the admission verdict.
type AdmitResponse struct {
	Allowed    bool   `json:"allowed"`
	Constraint string `json:"constraint,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/authorize", s.authorize)
		r.Post("/admission/review", s.review)
		r.Get("/units", s.listUnits)
		r.Get("/units/{kind}/{namespace}/{name}", s.getUnit)
		r.Get("/revision", s.revision)
	})
	return r
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// authorize resolves the caller's current identity and evaluates it against
// the active policy snapshot. Identity failure is reported distinctly from a
// policy denial.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) {
	var req AuthorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.Subject == "" || req.Target == "" {
		http.Error(w, "subject and target must be set", http.StatusBadRequest)
		return
	}

	src, err := s.identities.Current(req.Subject)
	if err != nil {
		// An unknown or unissuable identity is an identity failure, not a
		// policy denial.
		writeJSON(w, http.StatusOK, AuthorizeResponse{
			Outcome: string(policy.OutcomeIdentityInvalid),
			Reason:  err.Error(),
		})
		return
	}

	decision := s.engine.Authorize(r.Context(), src, req.Target, req.Path, req.Port)
	writeJSON(w, http.StatusOK, AuthorizeResponse{
		Outcome: string(decision.Outcome),
		Reason:  decision.Reason,
		Policy:  decision.Policy,
	})
}

// review runs an admission dry-run against the active constraint snapshot.
// The candidate is never persisted.
func (s *Server) review(w http.ResponseWriter, r *http.Request) {
	var candidate meshv1alpha1.DesiredUnit
	if err := json.NewDecoder(r.Body).Decode(&candidate); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if err := store.ValidateUnit(&candidate); err != nil {
		writeJSON(w, http.StatusOK, AdmitResponse{Allowed: false, Reason: err.Error()})
		return
	}
	decision := s.admitter.Admit(r.Context(), &candidate)
	writeJSON(w, http.StatusOK, AdmitResponse{
		Allowed:    decision.Allowed,
		Constraint: decision.Constraint,
		Reason:     decision.Reason,
	})
}

func (s *Server) listUnits(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.ListObserved())
}

func (s *Server) getUnit(w http.ResponseWriter, r *http.Request) {
	key := meshv1alpha1.UnitKey{
		Kind:      chi.URLParam(r, "kind"),
		Namespace: chi.URLParam(r, "namespace"),
		Name:      chi.URLParam(r, "name"),
	}
	observed, err := s.store.GetObserved(key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, observed)
}

func (s *Server) revision(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"lastConverged": s.revisions.LastConvergedRevision(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Run serves the API until the context is canceled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("control-plane API listening", "addr", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(drainCtx); err != nil {
			return err
		}
		return <-errCh
	}
}
