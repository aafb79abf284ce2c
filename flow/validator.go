package flow

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Validate checks a flow document's YAML content against the document
// rules. It returns whether the document is valid and the list of
// validation errors found. A YAML syntax error yields a single error
// carrying the parser's message.
func Validate(yamlContent string) (bool, []string) {
	var data map[string]interface{}
	if err := yaml.Unmarshal([]byte(yamlContent), &data); err != nil {
		return false, []string{fmt.Sprintf("invalid YAML syntax: %s", err)}
	}
	if data == nil {
		return false, []string{"document must be a mapping"}
	}

	var errs []string

	name, ok := data["name"]
	if !ok {
		errs = append(errs, "missing required field: name")
	} else if s, isStr := name.(string); !isStr || strings.TrimSpace(s) == "" {
		errs = append(errs, "field 'name' must be a non-empty string")
	}

	if agents, ok := data["agents"]; ok {
		errs = append(errs, validateAgents(agents)...)
	}
	if tasks, ok := data["tasks"]; ok {
		errs = append(errs, validateTasks(tasks)...)
	}
	if crews, ok := data["crews"]; ok {
		errs = append(errs, validateCrews(crews)...)
	}

	return len(errs) == 0, errs
}

func validateAgents(agents interface{}) []string {
	list, ok := agents.([]interface{})
	if !ok {
		return []string{"field 'agents' must be a list"}
	}

	var errs []string
	for i, item := range list {
		agent, ok := item.(map[string]interface{})
		if !ok {
			errs = append(errs, fmt.Sprintf("agent at index %d must be a mapping", i))
			continue
		}
		if _, ok := agent["role"]; !ok {
			errs = append(errs, fmt.Sprintf("agent at index %d missing required field 'role'", i))
		}
	}
	return errs
}

func validateTasks(tasks interface{}) []string {
	list, ok := tasks.([]interface{})
	if !ok {
		return []string{"field 'tasks' must be a list"}
	}

	var errs []string
	for i, item := range list {
		task, ok := item.(map[string]interface{})
		if !ok {
			errs = append(errs, fmt.Sprintf("task at index %d must be a mapping", i))
			continue
		}
		if _, ok := task["description"]; !ok {
			errs = append(errs, fmt.Sprintf("task at index %d missing required field 'description'", i))
		}
	}
	return errs
}

func validateCrews(crews interface{}) []string {
	list, ok := crews.([]interface{})
	if !ok {
		return []string{"field 'crews' must be a list"}
	}

	var errs []string
	for i, item := range list {
		if _, ok := item.(map[string]interface{}); !ok {
			errs = append(errs, fmt.Sprintf("crew at index %d must be a mapping", i))
		}
	}
	return errs
}
