package typesys

import (
	"fmt"

	"github.com/antigravity-dev/metasmith/internal/hashing"
)

// Namespace owns key generation for one planning run, so keys are unique
// within that run without any package-level mutable state.
type Namespace struct {
	keyLen int
	kg     *hashing.KeyGenerator
	seen   map[string]struct{}
}

// NewNamespace returns a Namespace whose generated keys are keyLen glyphs
// long. A fresh Namespace must be used per planning run: keys are only
// guaranteed unique within one.
func NewNamespace(keyLen int) *Namespace {
	if keyLen <= 0 {
		keyLen = 4
	}
	return &Namespace{
		keyLen: keyLen,
		kg:     hashing.New(false),
		seen:   make(map[string]struct{}),
	}
}

func (ns *Namespace) newKey() string {
	key := ns.kg.GenerateUID(ns.keyLen, ns.seen)
	ns.seen[key] = struct{}{}
	return key
}

// KeyGen exposes the namespace's key generator for callers (the planner)
// that need to derive a stable step key from a transform+inputs signature.
func (ns *Namespace) KeyGen() *hashing.KeyGenerator {
	return ns.kg
}

// NewTransform allocates a new Transform scoped to this namespace.
func (ns *Namespace) NewTransform() *Transform {
	return &Transform{
		key:           ns.newKey(),
		ns:            ns,
		inputGroupMap: make(map[int][]*Dependency),
	}
}

// Transform declares a set of required Dependencies it consumes and
// produced Dependencies it emits, with any parent links between them
// recording the lineage constraints a solution must respect.
type Transform struct {
	key           string
	ns            *Namespace
	Requires      []*Dependency
	Produces      []*Dependency
	inputGroupMap map[int][]*Dependency // requirement index -> its lineage parents
}

func (t *Transform) Key() string { return t.key }

func (t *Transform) String() string {
	return fmt.Sprintf("%d reqs -> %d prods", len(t.Requires), len(t.Produces))
}

// AddRequirement declares a new input dependency with the given properties
// and (optionally empty) lineage parents, which must already have been
// added as requirements of this transform.
func (t *Transform) AddRequirement(properties []string, parents []*Dependency) (*Dependency, error) {
	nodeParents := make([]Node, len(parents))
	for i, p := range parents {
		found := false
		for _, r := range t.Requires {
			if r == p {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("typesys: parent %q not already added as a requirement", p.Key())
		}
		nodeParents[i] = p
	}
	dep := newDependency(t.ns, properties, nodeParents)
	t.Requires = append(t.Requires, dep)
	if len(parents) > 0 {
		idx := len(t.Requires) - 1
		t.inputGroupMap[idx] = append(t.inputGroupMap[idx], parents...)
	}
	return dep, nil
}

// AddProduct declares a new output dependency with the given properties
// and lineage parents.
func (t *Transform) AddProduct(properties []string, parents []*Dependency) *Dependency {
	nodeParents := make([]Node, len(parents))
	for i, p := range parents {
		nodeParents[i] = p
	}
	dep := newDependency(t.ns, properties, nodeParents)
	t.Produces = append(t.Produces, dep)
	return dep
}

// Apply binds a concrete endpoint to each requirement (in the same order
// as t.Requires) and returns the Application describing the resulting
// lineage-linked output endpoints.
func (t *Transform) Apply(inputs []AppliedInput) *Application {
	used := make(map[*Endpoint]Node, len(inputs))
	parentOrder := make([]*Endpoint, 0, len(inputs))

	for _, in := range inputs {
		used[in.Endpoint] = in.Requirement
		parentOrder = append(parentOrder, in.Endpoint)
	}

	// parentKeys/parentVals together act as an insertion-ordered map: ancestors
	// are recorded first-wins (a later duplicate never overrides an earlier
	// ancestor's prototype), then each direct input is set unconditionally,
	// overwriting its value in place if it was already recorded as an
	// ancestor but never moving it in the order. The planner's nearest-
	// ancestor tie-break (internal/planner) depends on this order being
	// ancestors-first, direct-inputs-last and stable across repeated calls.
	var parentKeys []Node
	parentVals := make(map[Node]Node, len(inputs))
	addAncestor := func(real, proto Node) {
		if _, exists := parentVals[real]; exists {
			return
		}
		parentKeys = append(parentKeys, real)
		parentVals[real] = proto
	}
	setDirect := func(real, proto Node) {
		if _, exists := parentVals[real]; !exists {
			parentKeys = append(parentKeys, real)
		}
		parentVals[real] = proto
	}

	for _, e := range parentOrder {
		for _, pp := range e.Iterparents() {
			addAncestor(pp.Real, pp.Proto)
		}
	}
	for _, in := range inputs {
		setDirect(in.Endpoint, in.Requirement)
	}

	pairs := make([]RealProtoPair, len(parentKeys))
	for i, real := range parentKeys {
		pairs[i] = RealProtoPair{Real: real, Proto: parentVals[real]}
	}

	produced := make(map[*Endpoint]*Dependency, len(t.Produces))
	for _, out := range t.Produces {
		e := NewEndpoint(t.ns, sortedKeys(out.properties), pairs)
		produced[e] = out
	}

	return &Application{
		Transform: t,
		Used:      used,
		Produced:  produced,
	}
}

// AppliedInput pairs a concrete endpoint with the requirement it satisfies,
// in the order Transform.Requires declares them.
type AppliedInput struct {
	Endpoint    *Endpoint
	Requirement *Dependency
}

// Application records one concrete use of a Transform: which endpoints
// were consumed for which requirement, and which output endpoints resulted.
type Application struct {
	Transform *Transform
	Used      map[*Endpoint]Node
	Produced  map[*Endpoint]*Dependency
}
