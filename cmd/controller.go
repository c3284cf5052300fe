// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/telekom/mesh-operator/internal/admission"
	"github.com/telekom/mesh-operator/internal/controller/reconcile"
	"github.com/telekom/mesh-operator/internal/controller/secretsync"
	"github.com/telekom/mesh-operator/internal/gateway"
	"github.com/telekom/mesh-operator/internal/meshapi"
	"github.com/telekom/mesh-operator/internal/policy"
	"github.com/telekom/mesh-operator/internal/store"
	"github.com/telekom/mesh-operator/internal/system"
	"github.com/telekom/mesh-operator/pkg/identity"
	"github.com/telekom/mesh-operator/pkg/secretstore"
	"github.com/telekom/mesh-operator/pkg/tracing"
	"golang.org/x/sync/errgroup"
)

var (
	manifestDir          string
	resyncInterval       time.Duration
	selfHeal             bool
	reconcileWorkers     int
	secretStoreAddr      string
	secretStoreTokenFile string
	identityDir          string
)

// controllerCmd runs the control plane: reconciliation loop, admission
// controller, policy decision engine and secret synchronizer, plus the
// control-plane API they are served through.
var controllerCmd = &cobra.Command{
	Use:   "controller",
	Short: "Run the mesh control plane",
	Long: `Runs the reconciliation loop against the declared manifest source,
the admission controller gating every desired-state change, the policy
decision engine answering authorization queries, and the secret
synchronizer keeping local secrets consistent with the external store.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := klog.NewKlogr()
		setupLog.Info("controller configuration",
			"manifestDir", manifestDir,
			"resyncInterval", resyncInterval,
			"selfHeal", selfHeal,
			"workers", reconcileWorkers,
			"apiAddr", apiAddr,
			"secretStore", secretStoreAddr,
		)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		traces, err := tracing.Setup(ctx, tracing.Config{
			Enabled:      otlpEndpoint != "",
			Endpoint:     otlpEndpoint,
			SamplingRate: 0.1,
			Insecure:     otlpInsecure,
		}, system.Version)
		if err != nil {
			return fmt.Errorf("unable to set up tracing: %w", err)
		}
		defer func() { _ = traces.Shutdown(ctx) }()
		tracer := traces.Tracer()

		st := store.New()
		source := store.NewFileSource(manifestDir)

		constraints := admission.NewHolder()
		admitter := admission.NewAdmitter(constraints, log.WithName("admission"), tracer)

		policies := policy.NewHolder()
		verifier := identity.NewVerifier(nil)
		engine := policy.NewEngine(policies, verifier, log.WithName("policy"), tracer)

		var identities identity.Provider
		if identityDir != "" {
			identities = identity.NewDirectoryProvider(identityDir)
		} else {
			setupLog.Info("no identity directory configured, using in-memory provider")
			identities = identity.NewStaticProvider()
		}

		var synchronizer *secretsync.Synchronizer
		if secretStoreAddr != "" {
			fetcher, err := secretstore.NewClient(secretstore.Config{
				BasePath: secretStoreAddr,
				Tokens:   secretstore.FileTokenSource{Path: secretStoreTokenFile},
			}, secretstore.Options{}, log.WithName("secretstore"))
			if err != nil {
				return fmt.Errorf("unable to initialize secret store client: %w", err)
			}
			synchronizer = secretsync.New(st, fetcher, nil, log.WithName("secretsync"), tracer)
		} else {
			setupLog.Info("no secret store configured, secret synchronization is disabled")
		}

		routes := gateway.NewHolder()

		sinks := reconcile.Sinks{
			Policies:    policies,
			Constraints: constraints,
			Routes:      routes,
		}
		if synchronizer != nil {
			sinks.Secrets = synchronizer
		}
		reconciler := reconcile.New(st, source, admitter, sinks, log.WithName("reconcile"),
			reconcile.WithSelfHeal(selfHeal),
			reconcile.WithResyncInterval(resyncInterval),
			reconcile.WithWorkers(reconcileWorkers),
			reconcile.WithTracer(tracer),
		)

		api := meshapi.NewServer(engine, admitter, identities, st, reconciler, log.WithName("meshapi"))

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return reconciler.Run(ctx) })
		g.Go(func() error { return api.Run(ctx, apiAddr) })
		if synchronizer != nil {
			g.Go(func() error {
				synchronizer.Run(ctx)
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			return fmt.Errorf("problem running controller: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(controllerCmd)

	controllerCmd.Flags().StringVar(&manifestDir, "manifest-dir", "/etc/mesh/manifests", "Directory tree holding the declared desired-state manifests.")
	controllerCmd.Flags().DurationVar(&resyncInterval, "resync-interval", reconcile.DefaultResyncInterval, "Interval between full reconcile passes.")
	controllerCmd.Flags().BoolVar(&selfHeal, "self-heal", true, "Overwrite out-of-band changes with the declared state. If false, drift is reported and left in place.")
	controllerCmd.Flags().IntVar(&reconcileWorkers, "reconcile-workers", reconcile.DefaultWorkers, "Number of retry workers for failed units.")
	controllerCmd.Flags().StringVar(&secretStoreAddr, "secret-store-address", os.Getenv("SECRET_STORE_ADDRESS"), "Host of the external secret store. Empty disables secret synchronization.")
	controllerCmd.Flags().StringVar(&secretStoreTokenFile, "secret-store-token-file", "/var/run/secrets/mesh/store-token", "File holding the projected short-lived secret store token.")
	controllerCmd.Flags().StringVar(&identityDir, "identity-dir", os.Getenv("IDENTITY_DIR"), "Directory the external identity provider delivers SVID certificates to.")
}
