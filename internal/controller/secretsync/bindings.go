package secretsync

import (
	"encoding/json"
	"fmt"

	meshv1alpha1 "github.com/telekom/mesh-operator/api/mesh/v1alpha1"
)

// BindingsFromUnits decodes the external secret declarations out of raw
// desired units. Used by processes that read the manifest source directly
// instead of going through the reconciler.
func BindingsFromUnits(units []meshv1alpha1.DesiredUnit) ([]meshv1alpha1.ExternalSecret, error) {
	var bindings []meshv1alpha1.ExternalSecret
	for _, u := range units {
		if u.Kind != meshv1alpha1.KindExternalSecret {
			continue
		}
		raw, err := json.Marshal(u.Spec)
		if err != nil {
			return nil, fmt.Errorf("encoding secret binding %s: %w", u.Name, err)
		}
		var spec meshv1alpha1.ExternalSecretSpec
		if err := json.Unmarshal(raw, &spec); err != nil {
			return nil, fmt.Errorf("decoding secret binding %s: %w", u.Name, err)
		}
		bindings = append(bindings, meshv1alpha1.ExternalSecret{
			Name: u.Name, Namespace: u.Namespace, Spec: spec,
		})
	}
	return bindings, nil
}
