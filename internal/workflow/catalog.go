package workflow

import (
	"fmt"
	"strings"

	"github.com/antigravity-dev/metasmith/internal/library"
	"github.com/antigravity-dev/metasmith/internal/typesys"
)

// signatureProperties splits a transform definition's "a,b,c"-style
// property-set signature string into the slice typesys.Transform expects.
func signatureProperties(sig string) []string {
	if strings.TrimSpace(sig) == "" {
		return nil
	}
	parts := strings.Split(sig, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// BuildTransformModel turns a loaded TransformInstance's input/output
// signatures into the typesys.Transform the planner searches over, scoped
// to ns. Each input signature becomes a bare requirement (no declared
// lineage parent); transform definitions that need to track lineage across
// their own inputs express that by sharing the same signature on both
// sides, matching the property-subset semantics IsA already checks.
//
// AddRequirement only errors when a declared parent wasn't itself already
// added as a requirement of t; since every parent argument here is nil,
// this can't happen, but the error is still surfaced rather than dropped
// in case a future signature format adds inter-input lineage.
func BuildTransformModel(ns *typesys.Namespace, inst *library.TransformInstance) (*typesys.Transform, error) {
	t := ns.NewTransform()
	for _, sig := range inst.InputSignature {
		if _, err := t.AddRequirement(signatureProperties(sig), nil); err != nil {
			return nil, fmt.Errorf("workflow: transform %s: %w", inst.Source, err)
		}
	}
	for _, sig := range inst.OutputSignature {
		t.AddProduct(signatureProperties(sig), nil)
	}
	return t, nil
}

// BuildEndpoint constructs a root Endpoint (no lineage parents) for a
// concrete DataInstance already on hand, using its type's property set.
func BuildEndpoint(ns *typesys.Namespace, inst *library.DataInstance) *typesys.Endpoint {
	return typesys.NewEndpoint(ns, inst.Type.AsProperties(), nil)
}
