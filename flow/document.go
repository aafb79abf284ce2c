// Package flow provides flow document parsing, validation, and persistence.
//
// A flow document is a declarative YAML description of agents and tasks:
//
//	name: research
//	agents:
//	  - role: researcher
//	    goal: find relevant papers
//	tasks:
//	  - description: survey the literature
//	    agent: researcher
package flow

import (
	"gopkg.in/yaml.v3"

	"github.com/crewflow/flowd/errors"
)

// Document is a parsed flow document.
type Document struct {
	Name        string  `yaml:"name"`
	Description string  `yaml:"description,omitempty"`
	Agents      []Agent `yaml:"agents,omitempty"`
	Tasks       []Task  `yaml:"tasks,omitempty"`
	Crews       []Crew  `yaml:"crews,omitempty"`
}

// Agent declares an executable role within a flow.
type Agent struct {
	Role      string `yaml:"role" json:"role"`
	Goal      string `yaml:"goal,omitempty" json:"goal,omitempty"`
	Backstory string `yaml:"backstory,omitempty" json:"backstory,omitempty"`
	Model     string `yaml:"model,omitempty" json:"model,omitempty"`
}

// Task declares a unit of work assigned to an agent.
type Task struct {
	Name           string `yaml:"name,omitempty" json:"name,omitempty"`
	Description    string `yaml:"description" json:"description"`
	Agent          string `yaml:"agent,omitempty" json:"agent,omitempty"`
	ExpectedOutput string `yaml:"expected_output,omitempty" json:"expected_output,omitempty"`
}

// Crew is an opaque grouping of agents and tasks. The engine does not
// interpret crews; the validator only checks their shape.
type Crew map[string]interface{}

// ParseDocument parses YAML content into a Document.
// The returned error carries the YAML parser's message.
func ParseDocument(yamlContent string) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal([]byte(yamlContent), &doc); err != nil {
		return nil, errors.Wrap(err, "failed to parse flow document")
	}
	return &doc, nil
}

// Identifier returns the task's stable identifier: its name when set,
// otherwise its description.
func (t Task) Identifier() string {
	if t.Name != "" {
		return t.Name
	}
	return t.Description
}
