package catalog

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Playbook is the minimal surface the broker requires from a parsed
// playbook (spec.md §6.5). Full Jinja-style templating and the wider
// DSL schema are out of scope; only the fields the broker itself reads
// are modeled here.
type Playbook struct {
	Workflow []Step `yaml:"workflow"`
	Workbook []Task `yaml:"workbook"`
}

// Step is one node in the workflow graph.
type Step struct {
	Step   string        `yaml:"step"`
	Tool   *ToolRef      `yaml:"tool,omitempty"`
	Type   string        `yaml:"type,omitempty"`
	Next   []Transition  `yaml:"next,omitempty"`
	Retry  []RetryPolicy `yaml:"retry,omitempty"`
	Loop   *LoopConfig   `yaml:"loop,omitempty"`
	Result map[string]interface{} `yaml:"result,omitempty"`
	Save   *SaveDirective          `yaml:"save,omitempty"`
}

// IsEnd reports whether this step is a terminal `end` step.
func (s Step) IsEnd() bool { return s.Step == "end" }

// IsActionable reports whether the step has a tool to dispatch.
func (s Step) IsActionable() bool { return s.Tool != nil }

// ToolRef identifies the task plugin a step or loop iteration dispatches
// to. Fields beyond Kind/Path/Name are opaque plugin configuration and
// are passed through unexamined, per spec.md §1 (task plugins are
// specified only by their result envelope).
type ToolRef struct {
	Kind   string                 `yaml:"kind"`
	Path   string                 `yaml:"path,omitempty"` // sub-playbook path, when kind == "playbook"
	Name   string                 `yaml:"name,omitempty"` // workbook task name
	Config map[string]interface{} `yaml:",inline"`
}

// Transition is a directed, optionally-guarded edge to a successor step.
type Transition struct {
	When    string                 `yaml:"when,omitempty"`
	Step    string                 `yaml:"step"`
	Data    map[string]interface{} `yaml:"data,omitempty"`
	Payload map[string]interface{} `yaml:"payload,omitempty"`
	Args    map[string]interface{} `yaml:"args,omitempty"`
	With    map[string]interface{} `yaml:"with,omitempty"`
}

// RetryPolicy is one ordered when/then rule (spec.md §4.6).
type RetryPolicy struct {
	When string    `yaml:"when"`
	Then RetryThen `yaml:"then"`
}

// RetryThen is the policy body applied when its When guard is the first
// truthy match.
type RetryThen struct {
	MaxAttempts       int                    `yaml:"max_attempts"`
	InitialDelay      float64                `yaml:"initial_delay"`
	BackoffMultiplier float64                `yaml:"backoff_multiplier"`
	MaxDelay          float64                `yaml:"max_delay"`
	Jitter            bool                   `yaml:"jitter"`
	NextCall          map[string]interface{} `yaml:"next_call,omitempty"`
	Collect           string                 `yaml:"collect,omitempty"` // append|extend|replace|collect
	Sink              map[string]interface{} `yaml:"sink,omitempty"`
}

// LoopConfig annotates a step for iterator expansion (spec.md §4.7).
type LoopConfig struct {
	Collection interface{} `yaml:"collection"`
	Element    string      `yaml:"element"`
	Mode       string      `yaml:"mode,omitempty"` // sequential|parallel|async
	Where      string      `yaml:"where,omitempty"`
	OrderBy    string      `yaml:"order_by,omitempty"`
	Limit      int         `yaml:"limit,omitempty"`
	Chunk      int         `yaml:"chunk,omitempty"`
	Task       *ToolRef    `yaml:"task,omitempty"`
}

// SaveDirective is a post-task persistence step run in the same job.
type SaveDirective struct {
	Tool *ToolRef               `yaml:"tool"`
	Data map[string]interface{} `yaml:"data,omitempty"`
}

// Task is a reusable workbook entry referenced by a step's tool.name.
type Task struct {
	Name   string                 `yaml:"name"`
	Tool   string                 `yaml:"tool"`
	Config map[string]interface{} `yaml:",inline"`
}

// Parse decodes playbook YAML content into the broker's minimal surface.
func Parse(content []byte) (*Playbook, error) {
	var pb Playbook
	if err := yaml.Unmarshal(content, &pb); err != nil {
		return nil, fmt.Errorf("catalog: invalid playbook: %w", err)
	}
	return &pb, nil
}

// StepByName looks up a step by its `step:` name.
func (p *Playbook) StepByName(name string) (Step, bool) {
	for _, s := range p.Workflow {
		if s.Step == name {
			return s, true
		}
	}
	return Step{}, false
}

// StartStep returns the playbook's entry step, conventionally named "start".
func (p *Playbook) StartStep() (Step, bool) {
	return p.StepByName("start")
}

// TaskByName looks up a workbook entry by name.
func (p *Playbook) TaskByName(name string) (Task, bool) {
	for _, t := range p.Workbook {
		if t.Name == name {
			return t, true
		}
	}
	return Task{}, false
}

// Validate performs the dry-run static checks of SPEC_FULL.md §C.3:
// every `next.step` target must resolve to a declared step (or `end`),
// and every non-end step must be reachable from `start`. Sub-playbook
// (`tool.kind: playbook`) targets are not checked.
func (p *Playbook) Validate() []string {
	var problems []string

	names := make(map[string]bool, len(p.Workflow))
	for _, s := range p.Workflow {
		names[s.Step] = true
	}

	if _, ok := p.StartStep(); !ok {
		problems = append(problems, "missing required 'start' step")
	}

	for _, s := range p.Workflow {
		for _, t := range s.Next {
			if t.Step != "end" && !names[t.Step] {
				problems = append(problems, fmt.Sprintf("step %q: next target %q does not exist", s.Step, t.Step))
			}
		}
	}

	reachable := map[string]bool{}
	if start, ok := p.StartStep(); ok {
		var walk func(name string)
		walk = func(name string) {
			if reachable[name] {
				return
			}
			reachable[name] = true
			step, ok := p.StepByName(name)
			if !ok {
				return
			}
			for _, t := range step.Next {
				walk(t.Step)
			}
		}
		walk(start.Step)
	}
	for _, s := range p.Workflow {
		if s.Step != "end" && !reachable[s.Step] {
			problems = append(problems, fmt.Sprintf("step %q is unreachable from start", s.Step))
		}
	}

	return problems
}
