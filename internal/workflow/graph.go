package workflow

import (
	"fmt"
	"sort"
)

// jobState is the executor's per-run view of one job. dependents is the exact
// inverse of dependencies and is fixed once buildGraph returns.
type jobState struct {
	config       JobConfig
	cond         *condition
	status       JobStatus
	dependencies []string
	dependents   []string
	executionID  string
	result       *JobResult
}

type graph map[string]*jobState

func buildGraph(jobs []JobConfig) (graph, error) {
	g := make(graph, len(jobs))
	for _, job := range jobs {
		id := job.Task.ID()
		if _, exists := g[id]; exists {
			return nil, fmt.Errorf("%w: duplicate job id %q", ErrJobValidation, id)
		}
		cond, err := parseCondition(job.Condition)
		if err != nil {
			return nil, fmt.Errorf("%w: job %q: %v", ErrJobValidation, id, err)
		}
		g[id] = &jobState{
			config:       job,
			cond:         cond,
			status:       StatusPending,
			dependencies: job.dependencies(),
		}
	}

	for _, id := range g.ids() {
		for _, depID := range g[id].dependencies {
			dep, ok := g[depID]
			if !ok {
				return nil, fmt.Errorf("%w: job %q depends on %q which doesn't exist", ErrJobNotFound, id, depID)
			}
			dep.dependents = append(dep.dependents, id)
		}
	}
	return g, nil
}

// ids returns job ids in a stable order.
func (g graph) ids() []string {
	out := make([]string, 0, len(g))
	for id := range g {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// validate rejects dependency cycles with a depth-first walk.
func (g graph) validate() error {
	visited := make(map[string]bool, len(g))
	onStack := make(map[string]bool, len(g))
	for _, id := range g.ids() {
		if visited[id] {
			continue
		}
		if culprit, found := g.findCycle(id, visited, onStack); found {
			return fmt.Errorf("%w: dependency cycle involving job %q", ErrDependencyCycle, culprit)
		}
	}
	return nil
}

func (g graph) findCycle(id string, visited, onStack map[string]bool) (string, bool) {
	visited[id] = true
	onStack[id] = true
	for _, depID := range g[id].dependencies {
		if !visited[depID] {
			if culprit, found := g.findCycle(depID, visited, onStack); found {
				return culprit, true
			}
		} else if onStack[depID] {
			return depID, true
		}
	}
	onStack[id] = false
	return "", false
}

// executionOrder groups jobs into batches with Kahn's algorithm. Every job in
// batch N depends only on jobs from batches before N.
func (g graph) executionOrder() ([][]string, error) {
	inDegree := make(map[string]int, len(g))
	queue := make([]string, 0, len(g))
	for _, id := range g.ids() {
		inDegree[id] = len(g[id].dependencies)
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	var order [][]string
	scheduled := 0
	for len(queue) > 0 {
		batch := queue
		queue = nil
		sort.Strings(batch)
		order = append(order, batch)
		scheduled += len(batch)

		for _, id := range batch {
			for _, dependentID := range g[id].dependents {
				inDegree[dependentID]--
				if inDegree[dependentID] == 0 {
					queue = append(queue, dependentID)
				}
			}
		}
	}

	if scheduled != len(g) {
		return nil, fmt.Errorf("%w: unable to resolve all dependencies (%d of %d jobs schedulable)", ErrDependencyCycle, scheduled, len(g))
	}
	return order, nil
}

// Plan resolves cfg into its execution batches without running anything.
// It reports the same errors Execute would before the first batch.
func Plan(cfg RunConfig) ([][]string, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g, err := buildGraph(cfg.Jobs)
	if err != nil {
		return nil, err
	}
	if err := g.validate(); err != nil {
		return nil, err
	}
	return g.executionOrder()
}
