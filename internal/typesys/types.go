// Package typesys implements the property-set type algebra the planner
// searches over: endpoints and dependencies described by sets of string
// properties, related by a lineage chain of parent nodes, and transforms
// that consume dependencies and produce new ones.
package typesys

import (
	"sort"
	"strings"
)

// Node is anything the algebra can match by property-subset and lineage:
// both Dependency (a transform's declared requirement/product) and
// Endpoint (a concrete, lineage-tracked data instance) satisfy it.
type Node interface {
	Key() string
	Properties() map[string]struct{}
	Parents() []Node
	IsA(other Node) bool
	Signature() string
}

type base struct {
	key        string
	properties map[string]struct{}
	parents    []Node
	sig        string
}

func newBase(ns *Namespace, properties []string, parents []Node) base {
	props := make(map[string]struct{}, len(properties))
	for _, p := range properties {
		props[p] = struct{}{}
	}
	return base{
		key:        ns.newKey(),
		properties: props,
		parents:    parents,
	}
}

func (b *base) Key() string                     { return b.key }
func (b *base) Properties() map[string]struct{}  { return b.properties }
func (b *base) Parents() []Node                  { return b.parents }

// IsA reports whether b's property set is a superset of other's: b "is a"
// other when everything other declares is also true of b.
func (b *base) IsA(other Node) bool {
	for p := range other.Properties() {
		if _, ok := b.properties[p]; !ok {
			return false
		}
	}
	return true
}

// Signature is a canonical string built from a node's own properties and
// the (sorted, recursive) signatures of its parents, so two nodes with the
// same properties but different lineage never collide.
func (b *base) Signature() string {
	if b.sig != "" {
		return b.sig
	}
	props := sortedKeys(b.properties)
	sig := strings.Join(props, ",")
	if len(b.parents) > 0 {
		psigs := make([]string, len(b.parents))
		for i, p := range b.parents {
			psigs[i] = p.Signature()
		}
		sort.Strings(psigs)
		sig = sig + ":[" + strings.Join(psigs, ",") + "]"
	}
	b.sig = sig
	return sig
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Dependency is a transform's declared requirement or product: a property
// set plus the lineage it must (or will) carry, before any concrete data
// is matched to it.
type Dependency struct {
	base
}

func newDependency(ns *Namespace, properties []string, parents []Node) *Dependency {
	return &Dependency{base: newBase(ns, properties, parents)}
}

func (d *Dependency) String() string {
	return "(D:" + strings.Join(sortedKeys(d.properties), "-") + ")"
}

// Endpoint is a concrete node in a solution: a real piece of data (or the
// planner's placeholder for one) satisfying some Dependency, with a map
// from each of its real parent endpoints to the dependency prototype that
// parent satisfied.
type Endpoint struct {
	base
	parentMap       []endpointParent
	parentMapByReal map[Node]Node
}

type endpointParent struct {
	real      Node
	prototype Node
}

// NewEndpoint constructs an Endpoint from an ordered set of (real, prototype)
// parent pairs. parents preserves insertion order so Iterparents is
// deterministic, which the planner's nearest-ancestor tie-break depends on.
func NewEndpoint(ns *Namespace, properties []string, parents []RealProtoPair) *Endpoint {
	nodeParents := make([]Node, len(parents))
	pm := make([]endpointParent, len(parents))
	byReal := make(map[Node]Node, len(parents))
	for i, p := range parents {
		nodeParents[i] = p.Real
		pm[i] = endpointParent{real: p.Real, prototype: p.Proto}
		byReal[p.Real] = p.Proto
	}
	e := &Endpoint{
		base:            newBase(ns, properties, nodeParents),
		parentMap:       pm,
		parentMapByReal: byReal,
	}
	return e
}

// RealProtoPair is a (real endpoint, prototype node it satisfies) pair, used
// both to build an Endpoint's lineage and to iterate it back out.
type RealProtoPair struct {
	Real  Node
	Proto Node
}

// Iterparents yields this endpoint's lineage in the order it was built,
// each entry pairing the real ancestor endpoint with the dependency
// prototype it satisfied.
func (e *Endpoint) Iterparents() []RealProtoPair {
	out := make([]RealProtoPair, len(e.parentMap))
	for i, p := range e.parentMap {
		out[i] = RealProtoPair{Real: p.real, Proto: p.prototype}
	}
	return out
}

func (e *Endpoint) String() string {
	return "(" + strings.Join(sortedKeys(e.properties), ",") + ":" + e.key + ")"
}
