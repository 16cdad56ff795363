package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// DependencyManager owns the service dependency DAG and computes startup
// staging. Each edge carries a Required flag: a FAILED REQUIRED dependency
// propagates FAILED to every transitive dependent; a FAILED OPTIONAL
// dependency does not stop the dependent from starting. Start takes no
// dependency values, so no DepValue (present or absent) reaches the
// dependent.
type DependencyManager struct {
	mu   sync.RWMutex
	deps map[string][]Dep // module name -> dependencies
}

// NewDependencyManager creates a new dependency manager.
func NewDependencyManager() *DependencyManager {
	return &DependencyManager{
		deps: make(map[string][]Dep),
	}
}

// SetDeps records dependencies for a module. It fails with an error
// (without mutating the graph) if adding these edges would introduce a
// cycle — invariant 5 of the safety core: "any cyclic dependency insertion,
// registration fails without mutating the graph."
func (d *DependencyManager) SetDeps(name string, deps ...Dep) error {
	if d == nil {
		return nil
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("module name required")
	}

	filtered := make([]Dep, 0, len(deps))
	for _, dep := range deps {
		dep.Name = strings.TrimSpace(dep.Name)
		if dep.Name != "" {
			filtered = append(filtered, dep)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	trial := make(map[string][]Dep, len(d.deps)+1)
	for k, v := range d.deps {
		trial[k] = v
	}
	trial[name] = filtered

	if cyc := findCycle(trial); len(cyc) > 0 {
		return fmt.Errorf("circular dependency: %s", strings.Join(cyc, " -> "))
	}

	d.deps[name] = filtered
	return nil
}

// findCycle performs a Kahn-style detection over the trial graph, returning
// the members of a cycle if one exists (nil otherwise).
func findCycle(graph map[string][]Dep) []string {
	indegree := make(map[string]int)
	nodes := make(map[string]bool)
	for mod, deps := range graph {
		nodes[mod] = true
		for _, dep := range deps {
			nodes[dep.Name] = true
		}
	}
	for n := range nodes {
		indegree[n] = 0
	}
	// edge dep -> mod (dep must complete before mod)
	forward := make(map[string][]string)
	for mod, deps := range graph {
		for _, dep := range deps {
			forward[dep.Name] = append(forward[dep.Name], mod)
			indegree[mod]++
		}
	}

	queue := make([]string, 0, len(nodes))
	for n := range nodes {
		if indegree[n] == 0 {
			queue = append(queue, n)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visited++
		next := append([]string{}, forward[n]...)
		sort.Strings(next)
		for _, m := range next {
			indegree[m]--
			if indegree[m] == 0 {
				queue = append(queue, m)
			}
		}
	}

	if visited == len(nodes) {
		return nil
	}

	var remaining []string
	for n, deg := range indegree {
		if deg > 0 {
			remaining = append(remaining, n)
		}
	}
	sort.Strings(remaining)
	return remaining
}

// GetDeps returns the dependencies declared for a module.
func (d *DependencyManager) GetDeps(name string) []Dep {
	if d == nil {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Dep{}, d.deps[name]...)
}

// Verify ensures all declared dependencies reference registered modules.
func (d *DependencyManager) Verify(registeredModules []string) error {
	if d == nil {
		return nil
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	registered := make(map[string]bool, len(registeredModules))
	for _, name := range registeredModules {
		registered[name] = true
	}

	for mod, deps := range d.deps {
		for _, dep := range deps {
			if dep.Name == "" {
				continue
			}
			if !registered[dep.Name] {
				return fmt.Errorf("module %q missing dependency %q", mod, dep.Name)
			}
		}
	}

	return nil
}

// Stages computes parallel startup stages by longest-path-from-leaf: a leaf
// (no dependencies among names) is stage 0; a node's stage is one more than
// the maximum stage of everything it depends on — equivalently, a node's
// stage is the length of the longest dependency chain beneath it. Services
// sharing a stage may start concurrently because everything they depend on
// belongs to an earlier stage. Each stage lists its names alphabetically.
func (d *DependencyManager) Stages(names []string) ([][]string, error) {
	if d == nil || len(names) == 0 {
		return nil, nil
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}

	stageOf := make(map[string]int, len(names))
	visiting := make(map[string]bool)

	var compute func(name string) (int, error)
	compute = func(name string) (int, error) {
		if s, ok := stageOf[name]; ok {
			return s, nil
		}
		if visiting[name] {
			return 0, fmt.Errorf("dependency cycle detected at %q", name)
		}
		visiting[name] = true
		defer delete(visiting, name)

		deps := d.deps[name]
		max := -1
		for _, dep := range deps {
			if !set[dep.Name] {
				continue
			}
			s, err := compute(dep.Name)
			if err != nil {
				return 0, err
			}
			if s > max {
				max = s
			}
		}
		stage := max + 1
		stageOf[name] = stage
		return stage, nil
	}

	maxStage := 0
	sortedNames := append([]string{}, names...)
	sort.Strings(sortedNames)
	for _, n := range sortedNames {
		s, err := compute(n)
		if err != nil {
			return nil, err
		}
		if s > maxStage {
			maxStage = s
		}
	}

	stages := make([][]string, maxStage+1)
	for _, n := range sortedNames {
		s := stageOf[n]
		stages[s] = append(stages[s], n)
	}
	return stages, nil
}

// ResolveOrder returns a flat startup ordering honoring declared
// dependencies (used for shutdown's reverse order). Errors indicate cycles
// or unresolved dependencies.
func (d *DependencyManager) ResolveOrder(names []string) ([]string, error) {
	stages, err := d.Stages(names)
	if err != nil {
		return nil, err
	}
	resolved := make([]string, 0, len(names))
	for _, stage := range stages {
		resolved = append(resolved, stage...)
	}
	return resolved, nil
}

// DepsReady checks if all declared deps for a module are currently ready.
func (d *DependencyManager) DepsReady(name string, health *HealthMonitor) bool {
	ok, _ := d.DepsReadyWithReasons(name, health)
	return ok
}

// DepsReadyWithReasons returns readiness along with human-readable reasons
// for missing deps.
func (d *DependencyManager) DepsReadyWithReasons(name string, health *HealthMonitor) (bool, []string) {
	if d == nil {
		return true, nil
	}

	d.mu.RLock()
	deps := d.deps[name]
	d.mu.RUnlock()

	if len(deps) == 0 {
		return true, nil
	}

	names := make([]string, 0, len(deps))
	for _, dep := range deps {
		names = append(names, dep.Name)
	}
	return DepsReadyWithReasons(health, names)
}

// AllDeps returns the full dependency map (for debugging/introspection).
func (d *DependencyManager) AllDeps() map[string][]Dep {
	if d == nil {
		return nil
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	result := make(map[string][]Dep, len(d.deps))
	for k, v := range d.deps {
		result[k] = append([]Dep{}, v...)
	}
	return result
}

// HasDependents returns true if any module depends on the given module.
func (d *DependencyManager) HasDependents(name string) bool {
	if d == nil {
		return false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, deps := range d.deps {
		for _, dep := range deps {
			if dep.Name == name {
				return true
			}
		}
	}
	return false
}

// Dependents returns all modules that depend on the given module, and
// whether each such dependency is REQUIRED.
func (d *DependencyManager) Dependents(name string) []string {
	if d == nil {
		return nil
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	var dependents []string
	for mod, deps := range d.deps {
		for _, dep := range deps {
			if dep.Name == name {
				dependents = append(dependents, mod)
				break
			}
		}
	}

	sort.Strings(dependents)
	return dependents
}

// RequiredDependents returns, among name's dependents, only those for whom
// the dependency on name is REQUIRED.
func (d *DependencyManager) RequiredDependents(name string) []string {
	if d == nil {
		return nil
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	var dependents []string
	for mod, deps := range d.deps {
		for _, dep := range deps {
			if dep.Name == name && dep.Required {
				dependents = append(dependents, mod)
				break
			}
		}
	}

	sort.Strings(dependents)
	return dependents
}

// Clear removes all dependency records.
func (d *DependencyManager) Clear() {
	if d == nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.deps = make(map[string][]Dep)
}

// RemoveDeps removes dependency records for a module.
func (d *DependencyManager) RemoveDeps(name string) {
	if d == nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.deps, name)
}
