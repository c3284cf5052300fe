package reconcile

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/go-logr/logr"

	meshv1alpha1 "github.com/telekom/mesh-operator/api/mesh/v1alpha1"
	"github.com/telekom/mesh-operator/internal/admission"
	"github.com/telekom/mesh-operator/internal/gateway"
	"github.com/telekom/mesh-operator/internal/policy"
	"github.com/telekom/mesh-operator/internal/store"
	"github.com/telekom/mesh-operator/pkg/conditions"
	"go.opentelemetry.io/otel/trace/noop"
)

// recordingBindingSink captures the binding sets published by the loop.
type recordingBindingSink struct {
	last []meshv1alpha1.ExternalSecret
}

func (r *recordingBindingSink) SetBindings(declared []meshv1alpha1.ExternalSecret) {
	r.last = declared
}

type fixture struct {
	store       *store.Store
	source      *store.StaticSource
	policies    *policy.Holder
	constraints *admission.Holder
	bindings    *recordingBindingSink
	routes      *gateway.Holder
	reconciler  *Reconciler
}

func newFixture(opts ...Option) *fixture {
	f := &fixture{
		store:       store.New(),
		source:      store.NewStaticSource(),
		policies:    policy.NewHolder(),
		constraints: admission.NewHolder(),
		bindings:    &recordingBindingSink{},
		routes:      gateway.NewHolder(),
	}
	admitter := admission.NewAdmitter(f.constraints, logr.Discard(), noop.NewTracerProvider().Tracer("test"))
	f.reconciler = New(f.store, f.source, admitter, Sinks{
		Policies:    f.policies,
		Constraints: f.constraints,
		Secrets:     f.bindings,
		Routes:      f.routes,
	}, logr.Discard(), opts...)
	return f
}

func (f *fixture) pass(units ...meshv1alpha1.DesiredUnit) *Result {
	f.source.SetUnits(units...)
	rev, err := f.source.Revision(context.Background())
	Expect(err).NotTo(HaveOccurred())
	loaded, err := f.source.Load(context.Background(), rev)
	Expect(err).NotTo(HaveOccurred())
	return f.reconciler.Reconcile(context.Background(), rev, loaded)
}

func workload(name string, spec map[string]interface{}) meshv1alpha1.DesiredUnit {
	return meshv1alpha1.DesiredUnit{
		Kind:      meshv1alpha1.KindWorkload,
		Name:      name,
		Namespace: "shop",
		Spec:      spec,
	}
}

var _ = Describe("Reconciler", func() {
	var f *fixture

	BeforeEach(func() {
		f = newFixture()
	})

	Context("applying desired units", func() {
		It("creates observed units for new declarations", func() {
			result := f.pass(workload("frontend", map[string]interface{}{"image": "shop/frontend:v1"}))

			Expect(result.Converged()).To(BeTrue())
			Expect(result.Actions).To(HaveLen(1))
			Expect(result.Actions[0].Op).To(Equal("create"))

			observed, err := f.store.GetObserved(meshv1alpha1.UnitKey{
				Kind: meshv1alpha1.KindWorkload, Namespace: "shop", Name: "frontend",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(observed.Live).To(HaveKeyWithValue("image", "shop/frontend:v1"))
			Expect(conditions.IsTrue(observed, meshv1alpha1.ReadyCondition)).To(BeTrue())
			Expect(f.reconciler.LastConvergedRevision()).To(Equal(result.Revision))
		})

		It("performs zero actions when reapplying unchanged desired state", func() {
			spec := map[string]interface{}{"image": "shop/frontend:v1"}
			f.pass(workload("frontend", spec))

			rev, err := f.source.Revision(context.Background())
			Expect(err).NotTo(HaveOccurred())
			units, err := f.source.Load(context.Background(), rev)
			Expect(err).NotTo(HaveOccurred())

			second := f.reconciler.Reconcile(context.Background(), rev, units)
			Expect(second.Converged()).To(BeTrue())
			Expect(second.Actions).To(BeEmpty())
		})

		It("updates the live payload when the declaration changes", func() {
			key := meshv1alpha1.UnitKey{Kind: meshv1alpha1.KindWorkload, Namespace: "shop", Name: "frontend"}
			f.pass(workload("frontend", map[string]interface{}{"image": "shop/frontend:v1"}))

			result := f.pass(workload("frontend", map[string]interface{}{"image": "shop/frontend:v2"}))
			Expect(result.Actions).To(HaveLen(1))
			Expect(result.Actions[0].Op).To(Equal("update"))

			observed, err := f.store.GetObserved(key)
			Expect(err).NotTo(HaveOccurred())
			Expect(observed.Live).To(HaveKeyWithValue("image", "shop/frontend:v2"))
			Expect(observed.Revision).To(Equal(result.Revision))
		})

		It("isolates invalid units from the rest of the batch", func() {
			result := f.pass(
				workload("frontend", map[string]interface{}{"image": "shop/frontend:v1"}),
				meshv1alpha1.DesiredUnit{Kind: "Gadget", Name: "bogus"},
			)

			Expect(result.Converged()).To(BeFalse())
			Expect(result.Errors).To(HaveLen(1))

			_, err := f.store.GetObserved(meshv1alpha1.UnitKey{
				Kind: meshv1alpha1.KindWorkload, Namespace: "shop", Name: "frontend",
			})
			Expect(err).NotTo(HaveOccurred(), "healthy units must still converge")
		})
	})

	Context("pruning", func() {
		It("deletes observed units whose declaration disappeared", func() {
			f.pass(
				workload("frontend", map[string]interface{}{"image": "shop/frontend:v1"}),
				workload("backend", map[string]interface{}{"image": "shop/backend:v1"}),
			)

			result := f.pass(workload("frontend", map[string]interface{}{"image": "shop/frontend:v1"}))
			Expect(result.Converged()).To(BeTrue())

			_, err := f.store.GetObserved(meshv1alpha1.UnitKey{
				Kind: meshv1alpha1.KindWorkload, Namespace: "shop", Name: "backend",
			})
			Expect(errors.Is(err, store.ErrNotFound)).To(BeTrue())
		})

		It("does not prune units that merely failed to apply", func() {
			f.pass(workload("frontend", map[string]interface{}{"image": "shop/frontend:v1"}))

			// Same declaration, now denied by a new constraint: the unit
			// errors but stays declared, so its state must survive.
			template := meshv1alpha1.DesiredUnit{
				Kind: meshv1alpha1.KindConstraintTemplate, Name: "deny-v2",
				Spec: map[string]interface{}{
					"expression": `has(object.image) && object.image == "shop/frontend:v2"`,
					"message":    "v2 is quarantined",
				},
			}
			constraint := meshv1alpha1.DesiredUnit{
				Kind: meshv1alpha1.KindConstraint, Name: "quarantine-v2",
				Spec: map[string]interface{}{"templateRef": "deny-v2"},
			}
			f.pass(workload("frontend", map[string]interface{}{"image": "shop/frontend:v1"}), template, constraint)

			result := f.pass(workload("frontend", map[string]interface{}{"image": "shop/frontend:v2"}), template, constraint)
			Expect(result.Converged()).To(BeFalse())

			observed, err := f.store.GetObserved(meshv1alpha1.UnitKey{
				Kind: meshv1alpha1.KindWorkload, Namespace: "shop", Name: "frontend",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(observed.Live).To(HaveKeyWithValue("image", "shop/frontend:v1"),
				"denied update must leave the previous state untouched")
		})
	})

	Context("admission gating", func() {
		It("rejects denied units with an error naming the constraint", func() {
			template := meshv1alpha1.DesiredUnit{
				Kind: meshv1alpha1.KindConstraintTemplate, Name: "deny-privileged",
				Spec: map[string]interface{}{
					"expression": `has(object.privileged) && object.privileged == true`,
					"message":    "privileged workloads are not allowed",
				},
			}
			constraint := meshv1alpha1.DesiredUnit{
				Kind: meshv1alpha1.KindConstraint, Name: "no-privileged",
				Spec: map[string]interface{}{"templateRef": "deny-privileged"},
			}
			f.pass(template, constraint)

			result := f.pass(template, constraint,
				workload("debugger", map[string]interface{}{"privileged": true}))

			key := meshv1alpha1.UnitKey{Kind: meshv1alpha1.KindWorkload, Namespace: "shop", Name: "debugger"}
			var perr *PolicyViolationError
			Expect(errors.As(result.Errors[key], &perr)).To(BeTrue())
			Expect(perr.Constraint).To(Equal("no-privileged"))

			_, err := f.store.GetObserved(key)
			Expect(errors.Is(err, store.ErrNotFound)).To(BeTrue(),
				"a denied unit must never reach the store")
		})
	})

	Context("drift handling", func() {
		key := meshv1alpha1.UnitKey{Kind: meshv1alpha1.KindWorkload, Namespace: "shop", Name: "frontend"}

		It("overwrites out-of-band changes in self-heal mode", func() {
			f.pass(workload("frontend", map[string]interface{}{"image": "shop/frontend:v1"}))

			Expect(f.store.MutateLive(key, func(live map[string]interface{}) {
				live["image"] = "attacker/frontend:evil"
			})).To(Succeed())

			result := f.pass(workload("frontend", map[string]interface{}{"image": "shop/frontend:v1"}))
			Expect(result.Converged()).To(BeTrue())
			Expect(result.Drifted).To(BeEmpty())

			observed, err := f.store.GetObserved(key)
			Expect(err).NotTo(HaveOccurred())
			Expect(observed.Live).To(HaveKeyWithValue("image", "shop/frontend:v1"))
			Expect(conditions.Has(observed, meshv1alpha1.DriftCondition)).To(BeFalse())
		})

		It("reports drift without overwriting when the unit opts out", func() {
			unit := workload("frontend", map[string]interface{}{"image": "shop/frontend:v1"})
			unit.Annotations = map[string]string{
				meshv1alpha1.AnnotationKeyDriftPolicy: meshv1alpha1.DriftPolicyReport,
			}
			f.pass(unit)

			Expect(f.store.MutateLive(key, func(live map[string]interface{}) {
				live["debug"] = true
			})).To(Succeed())

			result := f.pass(unit)
			Expect(result.Converged()).To(BeTrue())
			Expect(result.Drifted).To(ConsistOf(key))

			observed, err := f.store.GetObserved(key)
			Expect(err).NotTo(HaveOccurred())
			Expect(observed.Live).To(HaveKeyWithValue("debug", true),
				"report-only mode must leave out-of-band additions in place")
			Expect(conditions.IsTrue(observed, meshv1alpha1.DriftCondition)).To(BeTrue())
		})

		It("replays the desired change set over drifted state in report mode", func() {
			unit := workload("frontend", map[string]interface{}{"image": "shop/frontend:v1"})
			unit.Annotations = map[string]string{
				meshv1alpha1.AnnotationKeyDriftPolicy: meshv1alpha1.DriftPolicyReport,
			}
			f.pass(unit)

			Expect(f.store.MutateLive(key, func(live map[string]interface{}) {
				live["debug"] = true
			})).To(Succeed())

			updated := workload("frontend", map[string]interface{}{"image": "shop/frontend:v2"})
			updated.Annotations = unit.Annotations
			result := f.pass(updated)
			Expect(result.Drifted).To(ConsistOf(key))

			observed, err := f.store.GetObserved(key)
			Expect(err).NotTo(HaveOccurred())
			Expect(observed.Live).To(HaveKeyWithValue("image", "shop/frontend:v2"))
			Expect(observed.Live).To(HaveKeyWithValue("debug", true))
		})
	})

	Context("publishing converged configuration", func() {
		It("publishes policy, route and binding snapshots", func() {
			result := f.pass(
				meshv1alpha1.DesiredUnit{
					Kind: meshv1alpha1.KindAuthorizationPolicy, Name: "cart-access", Namespace: "shop",
					Spec: map[string]interface{}{
						"targetService": "shop/cartservice",
						"rules": []interface{}{map[string]interface{}{
							"principals": []interface{}{"spiffe://mesh.local/ns/shop/sa/checkoutservice"},
						}},
					},
				},
				meshv1alpha1.DesiredUnit{
					Kind: meshv1alpha1.KindRouteRule, Name: "checkout",
					Spec: map[string]interface{}{
						"host": "shop.example.com",
						"path": "/checkout",
						"target": map[string]interface{}{
							"service": "shop/checkoutservice", "port": 8080,
						},
					},
				},
				meshv1alpha1.DesiredUnit{
					Kind: meshv1alpha1.KindExternalSecret, Name: "db-credentials",
					Spec: map[string]interface{}{
						"remoteRef":        map[string]interface{}{"store": "vault", "key": "shop/db"},
						"targetSecretName": "db-credentials",
					},
				},
			)
			Expect(result.Converged()).To(BeTrue())

			Expect(f.policies.Load().RuleCount()).To(Equal(1))
			Expect(f.policies.Load().Revision).To(Equal(result.Revision))

			decision := f.routes.Load().Route("shop.example.com", "/checkout", true)
			Expect(decision.Outcome).To(Equal(gateway.OutcomeForward))
			Expect(decision.Target.Service).To(Equal("shop/checkoutservice"))

			Expect(f.bindings.last).To(HaveLen(1))
			Expect(f.bindings.last[0].Spec.TargetSecretName).To(Equal("db-credentials"))
		})

		It("keeps the active constraint snapshot when a template in use is deleted", func() {
			template := meshv1alpha1.DesiredUnit{
				Kind: meshv1alpha1.KindConstraintTemplate, Name: "deny-privileged",
				Spec: map[string]interface{}{
					"expression": `has(object.privileged) && object.privileged == true`,
					"message":    "privileged workloads are not allowed",
				},
			}
			constraint := meshv1alpha1.DesiredUnit{
				Kind: meshv1alpha1.KindConstraint, Name: "no-privileged",
				Spec: map[string]interface{}{"templateRef": "deny-privileged"},
			}
			first := f.pass(template, constraint)
			Expect(first.Converged()).To(BeTrue())
			active := f.constraints.Load()
			Expect(active.ConstraintCount()).To(Equal(1))

			// Template removed, constraint kept: the successor snapshot
			// cannot be built and the active one must stay published.
			second := f.pass(constraint)
			Expect(second.SnapshotError).To(HaveOccurred())
			Expect(second.Converged()).To(BeFalse())
			Expect(f.constraints.Load()).To(BeIdenticalTo(active))
		})
	})
})
