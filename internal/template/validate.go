package template

import (
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonschema"

	"github.com/taskgraph/taskgraph/internal/schederr"
)

// Validate enforces spec.md §4.4 rules 1-6 (rules 7-8, placeholder
// resolution and entry preflight, run at compile time against concrete
// params since they need resolved values).
func Validate(doc *Doc) error {
	nodeIDs := map[string]bool{}
	for _, n := range doc.Nodes {
		if nodeIDs[n.ID] {
			return schederr.Validation(fmt.Sprintf("duplicate node id %q", n.ID), nil)
		}
		nodeIDs[n.ID] = true
	}

	for _, n := range doc.Nodes {
		if err := validateUses(n); err != nil {
			return err
		}
		if err := validateArgContract(n); err != nil {
			return err
		}
		if err := validatePromptAgentContract(n); err != nil {
			return err
		}
		if err := validateArtifactContracts(doc, n); err != nil {
			return err
		}
		if err := validateEdgeTargets(n, nodeIDs); err != nil {
			return err
		}
		if d, ok := registry[n.Uses]; ok && d.isTerminal {
			if len(n.On.Succeeded)+len(n.On.Failed)+len(n.On.Blocked)+len(n.On.Cancelled) > 0 {
				return schederr.Validation(fmt.Sprintf("node %q uses control.terminal but declares outgoing routes", n.ID), nil)
			}
		}
	}

	return checkAcyclic(doc)
}

// validateUses enforces rule 1.
func validateUses(n NodeSpec) error {
	if n.Uses == "" {
		return schederr.Validation(fmt.Sprintf("node %q has no uses", n.ID), nil)
	}
	if _, ok := registry[n.Uses]; ok {
		return nil
	}
	if isCanonicalFamily(n.Uses) {
		return schederr.Validation(fmt.Sprintf("node %q: %q is not a known operation in its family", n.ID, n.Uses), nil)
	}
	return schederr.Validation(fmt.Sprintf("node %q: %q is not a canonical executor/control id", n.ID, n.Uses), nil)
}

// validateArgContract enforces rule 2.
func validateArgContract(n NodeSpec) error {
	d, ok := registry[n.Uses]
	if !ok {
		return nil
	}
	for _, rule := range d.argRules {
		satisfied := false
		for _, key := range rule.Keys {
			if v, present := n.Args[key]; present && v != nil && v != "" {
				satisfied = true
				break
			}
		}
		if !satisfied {
			return schederr.Validation(fmt.Sprintf(
				"node %q (%s) requires one of args %v", n.ID, n.Uses, rule.Keys), nil)
		}
	}
	return nil
}

// validatePromptAgentContract enforces rule 3: exactly one
// custom:prompt_text:<key> produced/consumed.
func validatePromptAgentContract(n NodeSpec) error {
	d, ok := registry[n.Uses]
	if !ok {
		return nil
	}
	if d.isPromptResolve {
		count := 0
		for _, p := range n.Produces {
			if p.TypeID == "prompt_text" {
				count++
			}
		}
		if count != 1 {
			return schederr.Validation(fmt.Sprintf(
				"prompt.resolve node %q must produce exactly one custom:prompt_text:<key>, found %d", n.ID, count), nil)
		}
	}
	if d.isAgentInvoke {
		count := 0
		for _, c := range n.Consumes {
			if c.TypeID == "prompt_text" {
				count++
			}
		}
		if count != 1 {
			return schederr.Validation(fmt.Sprintf(
				"agent.invoke node %q must consume exactly one custom:prompt_text:<key>, found %d", n.ID, count), nil)
		}
	}
	return nil
}

// validateArtifactContracts enforces rule 4: every custom artifact
// reference resolves to a declared contract, and any inline payload
// (args["payload"] by convention) validates against its schema.
func validateArtifactContracts(doc *Doc, n NodeSpec) error {
	refs := append(append([]CustomRef{}, n.Produces...), n.Consumes...)
	for _, ref := range refs {
		contract, ok := doc.Artifacts[ref.TypeID]
		if !ok {
			return schederr.Validation(fmt.Sprintf(
				"node %q references custom:%s but no artifact contract is declared", n.ID, ref.TypeID), nil)
		}
		if contract.Schema == nil {
			continue
		}
		payload, has := n.Args["payload"]
		if !has {
			continue
		}
		schemaBytes, err := json.Marshal(contract.Schema)
		if err != nil {
			return schederr.Validation(fmt.Sprintf("artifact %s schema is not serializable: %v", ref.TypeID, err), nil)
		}
		compiler := jsonschema.NewCompiler()
		schema, err := compiler.Compile(schemaBytes)
		if err != nil {
			return schederr.Validation(fmt.Sprintf(
				"artifact %s has an invalid schema: %v", ref.TypeID, err), nil)
		}
		result := schema.Validate(payload)
		if !result.IsValid() {
			return schederr.Validation(fmt.Sprintf(
				"node %q payload for custom:%s:%s fails its schema", n.ID, ref.TypeID, ref.Key), nil)
		}
	}
	return nil
}

// validateEdgeTargets enforces rule 5's "all targets resolve".
func validateEdgeTargets(n NodeSpec, nodeIDs map[string]bool) error {
	for _, group := range [][]string{n.On.Succeeded, n.On.Failed, n.On.Blocked, n.On.Cancelled} {
		for _, target := range group {
			if !nodeIDs[target] {
				return schederr.Validation(fmt.Sprintf(
					"node %q routes to unknown node %q", n.ID, target), nil)
			}
		}
	}
	return nil
}

// checkAcyclic enforces rule 6: after materializing on.succeeded edges as
// after:success dependencies, the graph must be a DAG.
func checkAcyclic(doc *Doc) error {
	adjacency := map[string][]string{}
	for _, n := range doc.Nodes {
		adjacency[n.ID] = append(adjacency[n.ID], n.On.Succeeded...)
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, next := range adjacency[id] {
			switch color[next] {
			case gray:
				return schederr.Validation(fmt.Sprintf("cycle detected through on.succeeded edge %s -> %s", id, next), nil)
			case white:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}
	for _, n := range doc.Nodes {
		if color[n.ID] == white {
			if err := visit(n.ID); err != nil {
				return err
			}
		}
	}
	return nil
}
