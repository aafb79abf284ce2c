package flow

// TaskGraph is the structured, executable representation of a flow
// document: the units the task backend actually runs.
type TaskGraph struct {
	FlowName string  `json:"flow_name"`
	Agents   []Agent `json:"agents"`
	Tasks    []Task  `json:"tasks"`
}

// ExtractTasks parses YAML content and builds the task graph.
// A parse error is returned verbatim so callers can surface the
// parser's message as the execution's failure detail.
func ExtractTasks(yamlContent string) (*TaskGraph, error) {
	doc, err := ParseDocument(yamlContent)
	if err != nil {
		return nil, err
	}

	return &TaskGraph{
		FlowName: doc.Name,
		Agents:   doc.Agents,
		Tasks:    doc.Tasks,
	}, nil
}

// Empty reports whether the graph has nothing to execute: no agents or
// no tasks. An empty graph is a valid no-op outcome, not an error.
func (g *TaskGraph) Empty() bool {
	return len(g.Agents) == 0 || len(g.Tasks) == 0
}

// Select returns a copy of the graph restricted to the named tasks.
// Task identifiers match Task.Identifier(). A nil selection returns the
// graph unchanged; an empty non-nil selection returns a graph with zero
// tasks, which is a valid no-op.
func (g *TaskGraph) Select(identifiers []string) *TaskGraph {
	if identifiers == nil {
		return g
	}

	wanted := make(map[string]bool, len(identifiers))
	for _, id := range identifiers {
		wanted[id] = true
	}

	selected := make([]Task, 0, len(identifiers))
	for _, task := range g.Tasks {
		if wanted[task.Identifier()] {
			selected = append(selected, task)
		}
	}

	return &TaskGraph{
		FlowName: g.FlowName,
		Agents:   g.Agents,
		Tasks:    selected,
	}
}
