package v1alpha1

// RouteTarget is the internal service endpoint a route forwards to.
type RouteTarget struct {
	// Service is the namespace-qualified service name, "namespace/name".
	Service string `json:"service" yaml:"service"`

	// Port is the service port requests are forwarded to.
	Port int `json:"port" yaml:"port"`
}

// RouteRuleSpec maps externally received requests to an internal target.
// Plain-HTTP requests never reach a target: the gateway answers them with a
// redirect to TLS before any payload is forwarded.
type RouteRuleSpec struct {
	// Host matches the request authority. "*" matches any host.
	Host string `json:"host" yaml:"host"`

	// Path matches the request path. Exact, or a prefix ending in "/*".
	// "*" matches any path.
	Path string `json:"path" yaml:"path"`

	// Target receives matched requests.
	Target RouteTarget `json:"target" yaml:"target"`
}

// RouteRule is the declarative schema for one ingress route. Routes are
// ordered by specificity; the first match wins.
type RouteRule struct {
	Name string        `json:"name" yaml:"name"`
	Spec RouteRuleSpec `json:"spec" yaml:"spec"`
}
