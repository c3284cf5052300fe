/*
Copyright © 2026 Deutsche Telekom AG.
*/

package cmd

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/trace/noop"

	meshv1alpha1 "github.com/telekom/mesh-operator/api/mesh/v1alpha1"
	"github.com/telekom/mesh-operator/internal/controller/secretsync"
	"github.com/telekom/mesh-operator/internal/gateway"
	"github.com/telekom/mesh-operator/internal/store"
)

type mapFetcher map[string][]byte

func (m mapFetcher) Fetch(_ context.Context, ref meshv1alpha1.RemoteRef) ([]byte, error) {
	value, ok := m[ref.Key]
	if !ok {
		return nil, fmt.Errorf("no value for key %s", ref.Key)
	}
	return value, nil
}

func gatewayManifestUnits() []meshv1alpha1.DesiredUnit {
	return []meshv1alpha1.DesiredUnit{
		{
			Kind: meshv1alpha1.KindRouteRule,
			Name: "api",
			Spec: map[string]interface{}{
				"host": "shop.example.com",
				"path": "/api/*",
				"target": map[string]interface{}{
					"service": "shop/api-gateway",
					"port":    9000,
				},
			},
		},
		{
			Kind: meshv1alpha1.KindExternalSecret,
			Name: "gateway-serving-cert",
			Spec: map[string]interface{}{
				"remoteRef":        map[string]interface{}{"store": "pki", "key": "gateway/serving"},
				"targetSecretName": "gateway-serving-cert",
			},
		},
	}
}

// The reload loop feeds both consumers of the manifest source: the route
// table and the secret synchronizer's binding set. A declared serving-cert
// binding must be syncable right after the first reload.
func TestGatewayReloadRegistersSecretBindings(t *testing.T) {
	source := store.NewStaticSource(gatewayManifestUnits()...)
	st := store.New()
	synchronizer := secretsync.New(st, mapFetcher{"gateway/serving": []byte("pem bundle")},
		nil, logr.Discard(), noop.NewTracerProvider().Tracer("test"))
	routes := gateway.NewHolder()

	reload := gatewayReload(source, routes, synchronizer, logr.Discard())
	reload(context.Background())

	if d := routes.Load().Route("shop.example.com", "/api/orders", true); d.Outcome != gateway.OutcomeForward {
		t.Fatalf("route table must be published, got %s", d.Outcome)
	}
	if _, ok := synchronizer.Status("gateway-serving-cert"); !ok {
		t.Fatal("reload must register the declared secret bindings")
	}

	if _, err := synchronizer.Sync(context.Background(), "gateway-serving-cert"); err != nil {
		t.Fatal(err)
	}
	secret, err := st.GetSecret("gateway-serving-cert")
	if err != nil {
		t.Fatalf("serving-cert secret must be materialized after a sync: %v", err)
	}
	if string(secret.Data) != "pem bundle" {
		t.Fatalf("unexpected secret data %q", secret.Data)
	}
}

func TestGatewayReloadWithoutSynchronizer(t *testing.T) {
	source := store.NewStaticSource(gatewayManifestUnits()...)
	routes := gateway.NewHolder()

	reload := gatewayReload(source, routes, nil, logr.Discard())
	reload(context.Background())

	if d := routes.Load().Route("shop.example.com", "/api/orders", true); d.Outcome != gateway.OutcomeForward {
		t.Fatalf("route table must still be published without a secret store, got %s", d.Outcome)
	}
}

func TestGatewayReloadKeepsStateOnSourceLoss(t *testing.T) {
	source := store.NewStaticSource(gatewayManifestUnits()...)
	st := store.New()
	synchronizer := secretsync.New(st, mapFetcher{"gateway/serving": []byte("pem bundle")},
		nil, logr.Discard(), noop.NewTracerProvider().Tracer("test"))
	routes := gateway.NewHolder()

	reload := gatewayReload(source, routes, synchronizer, logr.Discard())
	reload(context.Background())
	published := routes.Load()

	source.Fail(errors.New("connection refused"))
	reload(context.Background())

	if routes.Load() != published {
		t.Fatal("source loss must keep the active route table")
	}
	if _, ok := synchronizer.Status("gateway-serving-cert"); !ok {
		t.Fatal("source loss must keep the registered bindings")
	}
}
