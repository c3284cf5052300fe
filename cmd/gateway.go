// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"github.com/telekom/mesh-operator/internal/controller/secretsync"
	"github.com/telekom/mesh-operator/internal/gateway"
	"github.com/telekom/mesh-operator/internal/store"
	"github.com/telekom/mesh-operator/internal/system"
	"github.com/telekom/mesh-operator/pkg/secretstore"
	"github.com/telekom/mesh-operator/pkg/tracing"
	"golang.org/x/sync/errgroup"
)

var (
	gatewayHTTPAddr    string
	gatewayHTTPSAddr   string
	gatewayManifestDir string
	gatewayCertSecret  string
	routeReload        time.Duration
	clusterDNSSuffix   string
	rateLimitPerSecond float64
	rateLimitBurst     int
)

// gatewayCmd runs the traffic entry point. It reads route rules from the
// same manifest source as the controller and terminates TLS with the serving
// certificate kept current by its secret synchronizer.
var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the mesh traffic gateway",
	Long: `Runs the single external entry point of the mesh: terminates TLS,
redirects plain HTTP before reading any payload, and forwards matched
requests to internal services by host and path specificity.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := klog.NewKlogr()
		setupLog.Info("gateway configuration",
			"httpAddr", gatewayHTTPAddr,
			"httpsAddr", gatewayHTTPSAddr,
			"manifestDir", gatewayManifestDir,
			"certSecret", gatewayCertSecret,
			"routeReload", routeReload,
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

		st := store.New()
		source := store.NewFileSource(gatewayManifestDir)
		routes := gateway.NewHolder()

		var synchronizer *secretsync.Synchronizer
		if secretStoreAddr != "" {
			fetcher, err := secretstore.NewClient(secretstore.Config{
				BasePath: secretStoreAddr,
				Tokens:   secretstore.FileTokenSource{Path: secretStoreTokenFile},
			}, secretstore.Options{}, log.WithName("secretstore"))
			if err != nil {
				return fmt.Errorf("unable to initialize secret store client: %w", err)
			}
			synchronizer = secretsync.New(st, fetcher, nil, log.WithName("secretsync"), traces.Tracer())
		} else {
			setupLog.Info("no secret store configured, serving certificate must be seeded out of band")
		}

		server := gateway.NewServer(routes, st, gateway.ClusterResolver{Suffix: clusterDNSSuffix},
			gatewayCertSecret, log.WithName("gateway"), traces.Tracer()).
			WithRateLimit(rateLimitPerSecond, rateLimitBurst)

		reload := gatewayReload(source, routes, synchronizer, log)

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			wait.UntilWithContext(ctx, reload, routeReload)
			return nil
		})
		if synchronizer != nil {
			g.Go(func() error {
				synchronizer.Run(ctx)
				return nil
			})
		}
		g.Go(func() error { return server.Run(ctx, gatewayHTTPAddr, gatewayHTTPSAddr) })

		if err := g.Wait(); err != nil {
			return fmt.Errorf("problem running gateway: %w", err)
		}
		return nil
	},
}

// gatewayReload refreshes the active route table and the synchronizer's
// binding set from the manifest source. The serving-cert binding rides the
// same manifests as the routes, so both must track every new revision.
func gatewayReload(source store.DesiredSource, routes *gateway.Holder, synchronizer *secretsync.Synchronizer, log logr.Logger) func(context.Context) {
	return func(ctx context.Context) {
		revision, err := source.Revision(ctx)
		if err != nil {
			log.Error(err, "manifest source unavailable, keeping active route table")
			return
		}
		if routes.Load().Revision == revision {
			return
		}
		units, err := source.Load(ctx, revision)
		if err != nil {
			log.Error(err, "loading manifests failed, keeping active route table")
			return
		}
		if synchronizer != nil {
			bindings, err := secretsync.BindingsFromUnits(units)
			if err != nil {
				log.Error(err, "decoding secret bindings failed, keeping current set")
			} else {
				synchronizer.SetBindings(bindings)
			}
		}
		table, err := gateway.TableFromUnits(revision, units)
		if err != nil {
			log.Error(err, "building route table failed, keeping active route table")
			return
		}
		routes.Publish(table)
		log.Info("route table published", "revision", revision)
	}
}

func init() {
	rootCmd.AddCommand(gatewayCmd)

	gatewayCmd.Flags().StringVar(&gatewayHTTPAddr, "http-bind-address", ":8080", "The address the plain-HTTP (redirect) listener binds to.")
	gatewayCmd.Flags().StringVar(&gatewayHTTPSAddr, "https-bind-address", ":8443", "The address the TLS listener binds to.")
	gatewayCmd.Flags().StringVar(&gatewayManifestDir, "manifest-dir", "/etc/mesh/manifests", "Directory tree holding the declared desired-state manifests.")
	gatewayCmd.Flags().StringVar(&gatewayCertSecret, "serving-cert-secret", "gateway-serving-cert", "Local secret holding the PEM serving certificate bundle.")
	gatewayCmd.Flags().StringVar(&secretStoreAddr, "secret-store-address", os.Getenv("SECRET_STORE_ADDRESS"), "Host of the external secret store. Empty disables secret synchronization.")
	gatewayCmd.Flags().StringVar(&secretStoreTokenFile, "secret-store-token-file", "/var/run/secrets/mesh/store-token", "File holding the projected short-lived secret store token.")
	gatewayCmd.Flags().DurationVar(&routeReload, "route-reload-interval", 10*time.Second, "Interval between route table reloads from the manifest source.")
	gatewayCmd.Flags().StringVar(&clusterDNSSuffix, "cluster-dns-suffix", "svc.cluster.local", "DNS suffix for resolving route targets.")
	gatewayCmd.Flags().Float64Var(&rateLimitPerSecond, "rate-limit", 1000, "Global request rate limit per second.")
	gatewayCmd.Flags().IntVar(&rateLimitBurst, "rate-limit-burst", 2000, "Global request rate limit burst.")
}
