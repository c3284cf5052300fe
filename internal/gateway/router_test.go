package gateway

import (
	"testing"

	meshv1alpha1 "github.com/telekom/mesh-operator/api/mesh/v1alpha1"
)

func shopRoutes() []meshv1alpha1.RouteRule {
	return []meshv1alpha1.RouteRule{
		{
			Name: "catch-all",
			Spec: meshv1alpha1.RouteRuleSpec{
				Host:   "*",
				Path:   "*",
				Target: meshv1alpha1.RouteTarget{Service: "shop/frontend", Port: 8080},
			},
		},
		{
			Name: "api-prefix",
			Spec: meshv1alpha1.RouteRuleSpec{
				Host:   "shop.example.com",
				Path:   "/api/*",
				Target: meshv1alpha1.RouteTarget{Service: "shop/api-gateway", Port: 9000},
			},
		},
		{
			Name: "checkout-exact",
			Spec: meshv1alpha1.RouteRuleSpec{
				Host:   "shop.example.com",
				Path:   "/api/checkout",
				Target: meshv1alpha1.RouteTarget{Service: "shop/checkoutservice", Port: 5050},
			},
		},
	}
}

func TestRouteSpecificity(t *testing.T) {
	t.Parallel()
	table := BuildTable("r1", shopRoutes())

	tests := []struct {
		name     string
		host     string
		path     string
		wantRule string
	}{
		// Exact path beats the prefix rule covering the same request.
		{"exact beats prefix", "shop.example.com", "/api/checkout", "checkout-exact"},
		{"prefix beats catch-all", "shop.example.com", "/api/orders", "api-prefix"},
		{"catch-all picks up the rest", "shop.example.com", "/", "catch-all"},
		{"unknown host falls to wildcard", "other.example.com", "/api/checkout", "catch-all"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := table.Route(tt.host, tt.path, true)
			if d.Outcome != OutcomeForward {
				t.Fatalf("expected Forward, got %s", d.Outcome)
			}
			if d.Rule != tt.wantRule {
				t.Fatalf("matched %q, want %q", d.Rule, tt.wantRule)
			}
		})
	}
}

func TestRouteDeclarationOrderBreaksTies(t *testing.T) {
	t.Parallel()
	table := BuildTable("r1", []meshv1alpha1.RouteRule{
		{
			Name: "first",
			Spec: meshv1alpha1.RouteRuleSpec{
				Host: "shop.example.com", Path: "/api",
				Target: meshv1alpha1.RouteTarget{Service: "shop/a", Port: 80},
			},
		},
		{
			Name: "second",
			Spec: meshv1alpha1.RouteRuleSpec{
				Host: "shop.example.com", Path: "/api",
				Target: meshv1alpha1.RouteTarget{Service: "shop/b", Port: 80},
			},
		},
	})

	d := table.Route("shop.example.com", "/api", true)
	if d.Rule != "first" {
		t.Fatalf("equal specificity must fall back to declaration order, got %q", d.Rule)
	}
}

func TestRoutePlainHTTPAlwaysRedirects(t *testing.T) {
	t.Parallel()
	table := BuildTable("r1", shopRoutes())

	d := table.Route("shop.example.com", "/api/checkout", false)
	if d.Outcome != OutcomeRedirect {
		t.Fatalf("plain HTTP must redirect even when a route matches, got %s", d.Outcome)
	}
	if d.Target.Service != "" {
		t.Fatalf("redirect must not expose a target, got %q", d.Target.Service)
	}
}

func TestRouteNoMatch(t *testing.T) {
	t.Parallel()
	table := BuildTable("r1", []meshv1alpha1.RouteRule{{
		Name: "api-only",
		Spec: meshv1alpha1.RouteRuleSpec{
			Host: "shop.example.com", Path: "/api/*",
			Target: meshv1alpha1.RouteTarget{Service: "shop/api-gateway", Port: 9000},
		},
	}})

	if d := table.Route("shop.example.com", "/admin", true); d.Outcome != OutcomeNotFound {
		t.Fatalf("unmatched request must be NotFound, got %s", d.Outcome)
	}
}

func TestMatchHostStripsPortAndIgnoresCase(t *testing.T) {
	t.Parallel()
	table := BuildTable("r1", shopRoutes())

	d := table.Route("Shop.Example.COM:443", "/api/checkout", true)
	if d.Rule != "checkout-exact" {
		t.Fatalf("host match must strip the port and ignore case, got %q", d.Rule)
	}
}

func TestTableFromUnitsKeepsOnlyRouteRules(t *testing.T) {
	t.Parallel()
	table, err := TableFromUnits("r7", []meshv1alpha1.DesiredUnit{
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
			Kind: meshv1alpha1.KindWorkload,
			Name: "frontend",
			Spec: map[string]interface{}{"image": "shop/frontend:v1"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if table.Revision != "r7" {
		t.Fatalf("table revision = %q, want r7", table.Revision)
	}

	d := table.Route("shop.example.com", "/api/orders", true)
	if d.Outcome != OutcomeForward || d.Target.Service != "shop/api-gateway" || d.Target.Port != 9000 {
		t.Fatalf("unexpected decision %+v", d)
	}
	if d = table.Route("shop.example.com", "/", true); d.Outcome != OutcomeNotFound {
		t.Fatal("non-route units must not contribute routes")
	}
}

func TestHolderPublishReplacesTable(t *testing.T) {
	t.Parallel()
	h := NewHolder()
	if d := h.Load().Route("shop.example.com", "/", true); d.Outcome != OutcomeNotFound {
		t.Fatalf("empty holder must route nothing, got %s", d.Outcome)
	}

	h.Publish(BuildTable("r2", shopRoutes()))
	if got := h.Load().Revision; got != "r2" {
		t.Fatalf("holder revision = %q, want r2", got)
	}
}
