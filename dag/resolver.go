package dag

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/spf13/cast"
)

// Declaration describes one step of a workflow before execution: its
// ID, explicit dependencies, the name of the output it produces, and an
// input payload that may reference other steps' outputs via {{name}}
// tokens.
type Declaration struct {
	ID        string   `json:"id"`
	DependsOn []string `json:"depends_on,omitempty"`
	Output    string   `json:"output,omitempty"`
	Input     any      `json:"input,omitempty"`
}

// Plan is the resolver's output: a total execution order consistent
// with every declared dependency, plus the per-step upstream sources
// the runner validates before consuming output. The runner never
// re-derives the graph.
type Plan struct {
	Order   []string
	Sources map[string][]string
}

// CycleError reports a dependency cycle. Steps lists every step still
// caught in the cycle, in declaration order.
type CycleError struct {
	Steps []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dag: dependency cycle involving steps: %s", strings.Join(e.Steps, ", "))
}

// refPattern matches {{name}} output references in step inputs.
var refPattern = regexp.MustCompile(`\{\{\s*([\w.-]+)\s*\}\}`)

// Resolve computes a deterministic execution order over the declared
// steps using Kahn's algorithm. Edges come from explicit DependsOn
// lists and from {{name}} references found in the stringified input
// matching another step's declared output (self-references are
// ignored). Ties between simultaneously-ready steps are broken by
// declaration order: first declared, first ready. This tie-break is
// part of the contract, not an accident of iteration order.
func Resolve(decls []Declaration) (*Plan, error) {
	n := len(decls)

	pos := make(map[string]int, n)
	for i, d := range decls {
		if d.ID == "" {
			return nil, fmt.Errorf("dag: declaration %d has empty id", i)
		}
		if _, dup := pos[d.ID]; dup {
			return nil, fmt.Errorf("dag: duplicate step declaration %q", d.ID)
		}
		pos[d.ID] = i
	}

	// Map declared output names to their producing step.
	producers := make(map[string]int, n)
	for i, d := range decls {
		if d.Output != "" {
			producers[d.Output] = i
		}
	}

	// adj[i] holds the declaration indexes that depend on step i.
	// sources[i] holds the upstream indexes step i consumes.
	adj := make([][]int, n)
	indegree := make([]int, n)
	sources := make([][]int, n)

	addEdge := func(from, to int) {
		for _, existing := range sources[to] {
			if existing == from {
				return
			}
		}
		sources[to] = append(sources[to], from)
		adj[from] = append(adj[from], to)
		indegree[to]++
	}

	for i, d := range decls {
		for _, dep := range d.DependsOn {
			from, ok := pos[dep]
			if !ok {
				return nil, fmt.Errorf("dag: step %q depends on unknown step %q", d.ID, dep)
			}
			if from != i {
				addEdge(from, i)
			}
		}

		for _, name := range scanRefs(d.Input) {
			from, ok := producers[name]
			if !ok || from == i {
				continue
			}
			addEdge(from, i)
		}
	}

	// Kahn's algorithm: seed with zero in-degree nodes in declaration
	// order, pop FIFO, enqueue neighbors as they reach zero.
	queue := make([]int, 0, n)
	for i := range decls {
		if indegree[i] == 0 {
			queue = append(queue, i)
		}
	}

	order := make([]string, 0, n)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		order = append(order, decls[cur].ID)

		for _, next := range adj[cur] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) < n {
		var cyclic []string
		for i, d := range decls {
			if indegree[i] > 0 {
				cyclic = append(cyclic, d.ID)
			}
		}
		return nil, &CycleError{Steps: cyclic}
	}

	plan := &Plan{
		Order:   order,
		Sources: make(map[string][]string, n),
	}
	for i, d := range decls {
		if len(sources[i]) == 0 {
			continue
		}
		ids := make([]string, len(sources[i]))
		for k, from := range sources[i] {
			ids[k] = decls[from].ID
		}
		plan.Sources[d.ID] = ids
	}
	return plan, nil
}

// scanRefs extracts the {{name}} output references from a step input.
// Scalars are stringified directly; composite payloads are scanned
// through their JSON form.
func scanRefs(input any) []string {
	if input == nil {
		return nil
	}

	text, err := cast.ToStringE(input)
	if err != nil {
		raw, jsonErr := json.Marshal(input)
		if jsonErr != nil {
			return nil
		}
		text = string(raw)
	}

	matches := refPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(matches))
	refs := make([]string, 0, len(matches))
	for _, m := range matches {
		if _, dup := seen[m[1]]; dup {
			continue
		}
		seen[m[1]] = struct{}{}
		refs = append(refs, m[1])
	}
	return refs
}
