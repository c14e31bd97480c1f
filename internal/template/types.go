// Package template implements C4: parses declarative workflow templates,
// validates them against spec.md §4.4's eight rules, and compiles a
// RunManifest plus queued JobRecords in one atomic batch.
package template

import "time"

// ParamSpec declares one root input a template accepts (spec.md §4.4 rule
// 8: "entry preflight").
type ParamSpec struct {
	Type        string `yaml:"type"`
	Required    bool   `yaml:"required"`
	Default     any    `yaml:"default"`
	DerivedFrom string `yaml:"derived_from"`
}

// ArtifactContract declares the jsonschema a custom artifact's payload must
// validate against (spec.md §4.4 rule 4).
type ArtifactContract struct {
	Schema map[string]any `yaml:"schema"`
}

type BackoffSpec struct {
	Initial    string  `yaml:"initial"`
	Max        string  `yaml:"max"`
	Multiplier float64 `yaml:"multiplier"`
}

type GateSpec struct {
	MaxAttempts int         `yaml:"max_attempts"`
	Backoff     BackoffSpec `yaml:"backoff"`
}

// CustomRef names one custom artifact a node produces or consumes, where
// Key may itself be a placeholder string resolved at compile time.
type CustomRef struct {
	TypeID string `yaml:"type_id"`
	Key    string `yaml:"key"`
}

type Edges struct {
	Succeeded []string `yaml:"succeeded"`
	Failed    []string `yaml:"failed"`
	Blocked   []string `yaml:"blocked"`
	Cancelled []string `yaml:"cancelled"`
}

// LockSpec declares one lock a node's job acquires before spawning
// (spec.md §3.2: "{key, mode: shared|exclusive}").
type LockSpec struct {
	Key  string `yaml:"key"`
	Mode string `yaml:"mode"`
}

// PreconditionSpec mirrors model.Precondition at the template level, before
// placeholder resolution.
type PreconditionSpec struct {
	Kind string            `yaml:"kind"`
	Args map[string]string `yaml:"args"`
}

// NodeSpec is one node of a parsed template, before placeholder resolution
// or compilation into a model.NodeInstance.
type NodeSpec struct {
	ID              string             `yaml:"id"`
	Uses            string             `yaml:"uses"`
	Args            map[string]any     `yaml:"args"`
	RequireApproval bool               `yaml:"require_approval"`
	Gates           *GateSpec          `yaml:"gates"`
	Produces        []CustomRef        `yaml:"produces"`
	Consumes        []CustomRef        `yaml:"consumes"`
	Locks           []LockSpec         `yaml:"locks"`
	Preconditions   []PreconditionSpec `yaml:"preconditions"`
	On              Edges              `yaml:"on"`
}

// Doc is the top-level parsed template document (spec.md §4.4).
type Doc struct {
	TemplateID string                      `yaml:"template_id"`
	Version    string                      `yaml:"version"`
	Params     map[string]ParamSpec        `yaml:"params"`
	Artifacts  map[string]ArtifactContract `yaml:"artifacts"`
	Nodes      []NodeSpec                  `yaml:"nodes"`
}

// CompileOptions carries the runtime inputs a compile pass needs beyond the
// parsed document itself.
type CompileOptions struct {
	RunID         string
	Params        map[string]any // --set overrides plus CLI positional/named params
	Now           time.Time
	NewJobID      func() string
	ExecutionRoot string
}
