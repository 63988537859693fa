// Package planner searches the type algebra in internal/typesys for a
// sequence of transform applications that derives a target dependency from
// a set of given endpoints, bounded by a search-depth horizon.
package planner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/antigravity-dev/metasmith/internal/typesys"
)

// ErrNoSolution is returned when the search space is exhausted within the
// horizon and no transform chain satisfies the target.
var ErrNoSolution = errors.New("planner: no solution satisfies target")

// ErrDepthExceeded is returned when every candidate chain the search found
// was cut off by the horizon before it could be confirmed or refuted; a
// caller may choose to retry with a larger horizon.
var ErrDepthExceeded = errors.New("planner: search exceeded horizon before resolving")

// Result is one way to produce a target: the Application that directly
// satisfies it, plus the ordered chain of upstream Applications it depends
// on (each already deduplicated against everything the others produce).
type Result struct {
	Application    *typesys.Application
	DependencyPlan []*typesys.Application
}

func (r *Result) Len() int { return len(r.DependencyPlan) }

// DependencyResult is one way to obtain a single endpoint satisfying a
// Dependency: either an endpoint already on hand (Plan is empty) or one
// produced by a chain of Applications.
type DependencyResult struct {
	Plan     []*typesys.Application
	Endpoint *typesys.Endpoint
}

// Planner holds the transform-application memoization cache used across
// Solve calls. A Planner is safe for reuse across multiple Solve calls in
// the same process, but not for concurrent use by more than one at a time.
type Planner struct {
	horizon int
	cache   *lru.Cache[string, []*Result]
}

// New returns a Planner bounded to horizon search-depth and backed by an
// LRU transform-application cache sized cacheSize.
func New(horizon, cacheSize int) (*Planner, error) {
	if horizon <= 0 {
		horizon = 64
	}
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	c, err := lru.New[string, []*Result](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("planner: building cache: %w", err)
	}
	return &Planner{horizon: horizon, cache: c}, nil
}

type state struct {
	have                map[*typesys.Endpoint]typesys.Node
	target              typesys.Node // *typesys.Dependency or *typesys.Transform
	lineageRequirements map[*typesys.Dependency]*typesys.Endpoint
	seenSignatures      map[string]struct{}
	depth               int
}

type run struct {
	planner     *Planner
	transforms  []*typesys.Transform
	applyCache  map[string]*typesys.Application
	horizonHit  bool
}

// Solve searches for a chain of transform applications, drawn from
// transforms, that derives target from the endpoints already on hand in
// given. It returns every solution found, cheapest (fewest upstream steps)
// first.
func (p *Planner) Solve(ctx context.Context, given map[*typesys.Endpoint]typesys.Node, target *typesys.Transform, transforms []*typesys.Transform) ([]*Result, error) {
	r := &run{planner: p, transforms: transforms, applyCache: make(map[string]*typesys.Application)}
	results, err := r.solveTr(ctx, &state{
		have:                given,
		target:              target,
		lineageRequirements: map[*typesys.Dependency]*typesys.Endpoint{},
		seenSignatures:      map[string]struct{}{},
		depth:               0,
	})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		if r.horizonHit {
			return nil, ErrDepthExceeded
		}
		return nil, ErrNoSolution
	}
	return results, nil
}

func getProducersOf(target *typesys.Dependency, transforms []*typesys.Transform) []*typesys.Transform {
	var out []*typesys.Transform
	for _, tr := range transforms {
		for _, prod := range tr.Produces {
			if prod.IsA(target) {
				out = append(out, tr)
				break
			}
		}
	}
	return out
}

func satisfiesLineage(tproto *typesys.Dependency, candidate *typesys.Endpoint) bool {
	for _, tpProto := range tproto.Parents() {
		ok := false
		for _, pp := range candidate.Iterparents() {
			if pp.Real.IsA(tpProto) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func (r *run) apply(target *typesys.Transform, inputs []typesys.AppliedInput) *typesys.Application {
	var sb strings.Builder
	sb.WriteString(target.Key())
	sb.WriteByte('-')
	for _, in := range inputs {
		sb.WriteString(in.Endpoint.Key())
		sb.WriteString(in.Requirement.Key())
	}
	sig := sb.String()
	if appl, ok := r.applyCache[sig]; ok {
		return appl
	}
	appl := target.Apply(inputs)
	r.applyCache[sig] = appl
	return appl
}

func (r *run) solveDep(ctx context.Context, s *state) ([]*DependencyResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.depth >= r.planner.horizon {
		r.horizonHit = true
		return nil, nil
	}
	target, ok := s.target.(*typesys.Dependency)
	if !ok {
		return nil, fmt.Errorf("planner: solveDep called with non-Dependency target")
	}

	var candidates []*DependencyResult
	for e, eproto := range s.have {
		if !e.IsA(target) {
			continue
		}
		acceptable := true
		for rproto, real := range s.lineageRequirements {
			if e == real {
				continue
			}
			if eproto.IsA(rproto) {
				acceptable = false
				break
			}
			for _, pp := range e.Iterparents() {
				if rproto.IsA(pp.Proto) && pp.Real != typesys.Node(real) {
					acceptable = false
					break
				}
			}
			if !acceptable {
				break
			}
		}
		if !acceptable {
			continue
		}
		candidates = append(candidates, &DependencyResult{Endpoint: e})
	}

	for _, tr := range getProducersOf(target, r.transforms) {
		results, err := r.solveTr(ctx, &state{
			have:                s.have,
			target:              tr,
			lineageRequirements: s.lineageRequirements,
			seenSignatures:      s.seenSignatures,
			depth:               s.depth,
		})
		if err != nil {
			return nil, err
		}
		for _, res := range results {
			var ep *typesys.Endpoint
			for e := range res.Application.Produced {
				if e.IsA(target) {
					ep = e
					break
				}
			}
			if ep == nil || !satisfiesLineage(target, ep) {
				continue
			}
			plan := make([]*typesys.Application, 0, len(res.DependencyPlan)+1)
			plan = append(plan, res.DependencyPlan...)
			plan = append(plan, res.Application)
			candidates = append(candidates, &DependencyResult{Plan: plan, Endpoint: ep})
		}
	}
	return candidates, nil
}

func (r *run) solveTr(ctx context.Context, s *state) ([]*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	target, ok := s.target.(*typesys.Transform)
	if !ok {
		return nil, fmt.Errorf("planner: solveTr called with non-Transform target")
	}

	sig := signature(s.have, target, s.lineageRequirements)
	if cached, ok := r.planner.cache.Get(sig); ok {
		return cached, nil
	}
	if _, loop := s.seenSignatures[sig]; loop {
		return nil, nil
	}

	seenNext := make(map[string]struct{}, len(s.seenSignatures)+1)
	for k := range s.seenSignatures {
		seenNext[k] = struct{}{}
	}
	seenNext[sig] = struct{}{}

	plans := make([][]*DependencyResult, len(target.Requires))
	for i, req := range target.Requires {
		reqParents := map[*typesys.Dependency]*typesys.Endpoint{}
		for proto, e := range s.lineageRequirements {
			if req.IsA(proto) {
				continue
			}
			reqParents[proto] = e
		}
		results, err := r.solveDep(ctx, &state{
			have:                s.have,
			target:              req,
			lineageRequirements: reqParents,
			seenSignatures:      seenNext,
			depth:               s.depth + 1,
		})
		if err != nil {
			return nil, err
		}
		if len(results) == 0 {
			return nil, nil
		}
		plans[i] = results
	}

	var solutions []*Result
	for _, inputs := range gatherValidInputs(target, plans) {
		applied := make([]typesys.AppliedInput, len(inputs))
		for i, res := range inputs {
			applied[i] = typesys.AppliedInput{Endpoint: res.Endpoint, Requirement: target.Requires[i]}
		}
		appl := r.apply(target, applied)

		producedSigs := map[string]struct{}{}
		for e := range appl.Produced {
			producedSigs[e.Signature()] = struct{}{}
		}
		var consolidated []*typesys.Application
		for _, res := range inputs {
			for _, a := range res.Plan {
				allIncluded := true
				for e := range a.Produced {
					if _, ok := producedSigs[e.Signature()]; !ok {
						allIncluded = false
						break
					}
				}
				if allIncluded {
					continue
				}
				consolidated = append(consolidated, a)
				for e := range a.Produced {
					producedSigs[e.Signature()] = struct{}{}
				}
			}
		}
		solutions = append(solutions, &Result{Application: appl, DependencyPlan: consolidated})
	}

	sort.SliceStable(solutions, func(i, j int) bool { return solutions[i].Len() < solutions[j].Len() })
	r.planner.cache.Add(sig, solutions)
	return solutions, nil
}

func gatherValidInputs(target *typesys.Transform, plans [][]*DependencyResult) [][]*DependencyResult {
	var valids [][]*DependencyResult
	if len(plans) == 0 {
		return valids
	}

	var gather func(reqI int, req *typesys.Dependency, res *DependencyResult, deps map[*typesys.Dependency]*typesys.Endpoint, used map[*typesys.Endpoint]struct{}, inputs []*DependencyResult)
	gather = func(reqI int, req *typesys.Dependency, res *DependencyResult, deps map[*typesys.Dependency]*typesys.Endpoint, used map[*typesys.Endpoint]struct{}, inputs []*DependencyResult) {
		if _, dup := used[res.Endpoint]; dup {
			return
		}
		if !satisfiesLineage(req, res.Endpoint) {
			return
		}
		for _, parentNode := range req.Parents() {
			rproto, ok := parentNode.(*typesys.Dependency)
			if !ok {
				continue
			}
			real, ok := deps[rproto]
			if !ok {
				continue
			}
			pairs := res.Endpoint.Iterparents()
			for i := len(pairs) - 1; i >= 0; i-- {
				pp := pairs[i]
				if !pp.Real.IsA(rproto) {
					continue
				}
				if pp.Real != typesys.Node(real) {
					return
				}
				break // nearest ancestor wins, matching the original's reversed scan
			}
		}

		newInputs := make([]*DependencyResult, len(inputs)+1)
		copy(newInputs, inputs)
		newInputs[len(inputs)] = res

		if reqI >= len(target.Requires)-1 {
			valids = append(valids, newInputs)
			return
		}

		nextI := reqI + 1
		newDeps := make(map[*typesys.Dependency]*typesys.Endpoint, len(deps)+1)
		for k, v := range deps {
			newDeps[k] = v
		}
		newDeps[req] = res.Endpoint
		newUsed := make(map[*typesys.Endpoint]struct{}, len(used)+1)
		for k := range used {
			newUsed[k] = struct{}{}
		}
		newUsed[res.Endpoint] = struct{}{}

		for _, nextRes := range plans[nextI] {
			gather(nextI, target.Requires[nextI], nextRes, newDeps, newUsed, newInputs)
		}
	}

	for _, res := range plans[0] {
		gather(0, target.Requires[0], res, map[*typesys.Dependency]*typesys.Endpoint{}, map[*typesys.Endpoint]struct{}{}, nil)
	}
	return valids
}

func signature(have map[*typesys.Endpoint]typesys.Node, target *typesys.Transform, lineageRequirements map[*typesys.Dependency]*typesys.Endpoint) string {
	haveKeys := make([]string, 0, len(have))
	for e := range have {
		haveKeys = append(haveKeys, e.Key())
	}
	sort.Strings(haveKeys)

	lineageKeys := make([]string, 0, len(lineageRequirements))
	for _, e := range lineageRequirements {
		lineageKeys = append(lineageKeys, e.Key())
	}
	sort.Strings(lineageKeys)

	return strings.Join(haveKeys, "") + ":" + target.Key() + ":" + strings.Join(lineageKeys, "")
}
