package template

import (
	"fmt"
	"sort"

	"github.com/taskgraph/taskgraph/internal/model"
	"github.com/taskgraph/taskgraph/internal/schederr"
)

// CompileResult is the atomic unit Compile emits: a RunManifest plus the
// queued JobRecords to persist alongside it (spec.md §4.4: "emits queued
// JobRecords in one atomic batch").
type CompileResult struct {
	Manifest *model.RunManifest
	Jobs     []*model.JobRecord
}

// Compile validates doc, resolves params and placeholders, and produces a
// RunManifest plus one queued JobRecord per node. Callers persist the
// result via jobstore.Store.PutRunManifest + PutJob in the same atomic
// batch the spec requires; Compile itself performs no I/O.
func Compile(doc *Doc, opts CompileOptions) (*CompileResult, error) {
	normalizeEdges(doc)
	if err := Validate(doc); err != nil {
		return nil, err
	}

	params, err := resolveParams(doc, opts.Params)
	if err != nil {
		return nil, err
	}
	deriveSlug(doc, params)
	for name, spec := range doc.Params {
		if spec.Required {
			if _, ok := params[name]; !ok {
				return nil, schederr.Validation(fmt.Sprintf("required param %q missing after slug derivation", name), nil)
			}
		}
	}

	order, err := topoOrder(doc)
	if err != nil {
		return nil, err
	}

	jobIDs := make(map[string]string, len(doc.Nodes))
	for _, n := range doc.Nodes {
		jobIDs[n.ID] = opts.NewJobID()
	}

	resolvedArgs := map[string]map[string]any{}
	nodes := make([]model.NodeInstance, 0, len(doc.Nodes))
	jobs := make([]*model.JobRecord, 0, len(doc.Nodes))

	byID := map[string]NodeSpec{}
	for _, n := range doc.Nodes {
		byID[n.ID] = n
	}

	for _, id := range order {
		n := byID[id]
		scope := resolveScope{
			repoRoot:     opts.ExecutionRoot,
			currentArgs:  params,
			upstreamArgs: resolvedArgs,
		}
		args, err := resolveArgs(n.Args, scope)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", n.ID, err)
		}
		resolvedArgs[n.ID] = args

		d := registry[n.Uses]

		inputs := customRefsToArtifacts(n.Consumes, args)
		outputs := customRefsToArtifacts(n.Produces, args)
		outputs = append(outputs, builtinOutputs(d.operation, jobIDs[n.ID], args)...)

		locks, err := compileLocks(n.Locks, args)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", n.ID, err)
		}
		preconds := compilePreconditions(n.Preconditions, args)

		edges := model.EdgeSet{}
		if len(n.On.Succeeded) > 0 {
			edges[model.OutcomeSucceeded] = n.On.Succeeded
		}
		if len(n.On.Failed) > 0 {
			edges[model.OutcomeFailed] = n.On.Failed
		}
		if len(n.On.Blocked) > 0 {
			edges[model.OutcomeBlocked] = n.On.Blocked
		}
		if len(n.On.Cancelled) > 0 {
			edges[model.OutcomeCancelled] = n.On.Cancelled
		}

		node := model.NodeInstance{
			NodeID:          n.ID,
			ExecutorClass:   d.class,
			Operation:       d.operation,
			ControlPolicy:   d.controlPolicy,
			Args:            args,
			Inputs:          inputs,
			Outputs:         outputs,
			On:              edges,
			RequireApproval: n.RequireApproval,
		}
		if n.Gates != nil {
			budget, err := compileGateBudget(n.Gates)
			if err != nil {
				return nil, fmt.Errorf("node %q gates: %w", n.ID, err)
			}
			node.Gates = budget
		}
		nodes = append(nodes, node)

		// Materialize on.succeeded edges as After entries (spec.md §3.1:
		// after is success-only) and every other on.<outcome> edge as a
		// latent OutcomeWait the scheduler enables directly at the
		// predecessor's finalize time (spec.md §4.5 "Outcome routing").
		// seenAfter/seenWait dedup a predecessor fanning out to the same
		// target twice (spec.md §8: normalizes to a single edge).
		var after []model.AfterDependency
		var waits []model.OutcomeWait
		seenAfter := map[string]bool{}
		seenWait := map[string]bool{}
		for _, pred := range doc.Nodes {
			outcomeEdges := []struct {
				outcome model.Outcome
				targets []string
			}{
				{model.OutcomeSucceeded, pred.On.Succeeded},
				{model.OutcomeFailed, pred.On.Failed},
				{model.OutcomeBlocked, pred.On.Blocked},
				{model.OutcomeCancelled, pred.On.Cancelled},
			}
			for _, edge := range outcomeEdges {
				for _, target := range edge.targets {
					if target != n.ID {
						continue
					}
					predJobID := jobIDs[pred.ID]
					if edge.outcome == model.OutcomeSucceeded {
						key := predJobID + "|" + string(edge.outcome)
						if seenAfter[key] {
							continue
						}
						seenAfter[key] = true
						after = append(after, model.AfterDependency{JobID: predJobID, Policy: string(edge.outcome)})
						continue
					}
					key := predJobID + "|" + string(edge.outcome)
					if seenWait[key] {
						continue
					}
					seenWait[key] = true
					waits = append(waits, model.OutcomeWait{JobID: predJobID, Outcome: string(edge.outcome)})
				}
			}
		}

		job := &model.JobRecord{
			JobID:                     jobIDs[n.ID],
			Slug:                      stringArg(params, "slug"),
			Name:                      n.ID,
			Status:                    model.StatusQueued,
			After:                     after,
			OutcomeWaits:              waits,
			Dependencies:              inputs,
			Locks:                     locks,
			Artifacts:                 outputs,
			Preconditions:             preconds,
			Args:                      args,
			WorkflowRunID:             opts.RunID,
			WorkflowTemplateID:        doc.TemplateID,
			WorkflowTemplateVersion:   doc.Version,
			WorkflowNodeID:            n.ID,
			WorkflowExecutorClass:     d.class,
			WorkflowExecutorOperation: d.operation,
			WorkflowControlPolicy:     d.controlPolicy,
			WorkflowNodeAttempt:       1,
			ExecutionRoot:             model.RootExecutionRoot,
		}
		if n.RequireApproval {
			job.Approval = &model.Approval{Required: true, State: model.ApprovalPending}
		}
		jobs = append(jobs, job)
	}

	manifest := &model.RunManifest{
		RunID:           opts.RunID,
		TemplateID:      doc.TemplateID,
		TemplateVersion: doc.Version,
		Nodes:           nodes,
	}
	return &CompileResult{Manifest: manifest, Jobs: jobs}, nil
}

// normalizeEdges implements spec.md §8's boundary rule: a node fanning
// out to the same target twice under one outcome normalizes to a single
// edge. Applied before Validate so cycle/target-existence checks see the
// same deduped graph compile.go materializes into jobs.
func normalizeEdges(doc *Doc) {
	for i := range doc.Nodes {
		n := &doc.Nodes[i]
		n.On.Succeeded = dedupStrings(n.On.Succeeded)
		n.On.Failed = dedupStrings(n.On.Failed)
		n.On.Blocked = dedupStrings(n.On.Blocked)
		n.On.Cancelled = dedupStrings(n.On.Cancelled)
	}
}

func dedupStrings(in []string) []string {
	if len(in) == 0 {
		return in
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func customRefsToArtifacts(refs []CustomRef, args map[string]any) []model.ArtifactRef {
	out := make([]model.ArtifactRef, 0, len(refs))
	for _, ref := range refs {
		key := ref.Key
		if resolved, ok := args[key].(string); ok && resolved != "" {
			key = resolved
		}
		out = append(out, model.Custom(ref.TypeID, key))
	}
	return out
}

// builtinOutputs attaches the built-in artifact a node's operation is
// documented to produce (spec.md §4.6's Produces column), beyond whatever
// custom artifacts it explicitly declares.
func builtinOutputs(operation, jobID string, args map[string]any) []model.ArtifactRef {
	planSlug := stringArg(args, "slug")
	switch operation {
	case "worktree.prepare":
		return []model.ArtifactRef{model.PlanBranch(planSlug)}
	case "plan.persist":
		return []model.ArtifactRef{model.PlanDoc(planSlug), model.PlanBranch(planSlug)}
	case "git.save_worktree_patch":
		return []model.ArtifactRef{model.CommandPatch(jobID)}
	case "merge.sentinel.write":
		return []model.ArtifactRef{model.MergeSentinel(planSlug)}
	case "git.integrate_plan_branch":
		if target := stringArg(args, "target_branch"); target != "" {
			return []model.ArtifactRef{model.TargetBranch(target)}
		}
		return nil
	default:
		return nil
	}
}

func compileLocks(specs []LockSpec, args map[string]any) ([]model.Lock, error) {
	out := make([]model.Lock, 0, len(specs))
	for _, s := range specs {
		var mode model.LockMode
		switch s.Mode {
		case "shared":
			mode = model.LockShared
		case "exclusive", "":
			mode = model.LockExclusive
		default:
			return nil, fmt.Errorf("lock %q: unknown mode %q", s.Key, s.Mode)
		}
		out = append(out, model.Lock{Key: s.Key, Mode: mode})
	}
	return out, nil
}

func compilePreconditions(specs []PreconditionSpec, args map[string]any) []model.Precondition {
	out := make([]model.Precondition, 0, len(specs))
	for _, s := range specs {
		out = append(out, model.Precondition{Kind: s.Kind, Args: s.Args})
	}
	return out
}

func compileGateBudget(spec *GateSpec) (*model.GateBudget, error) {
	backoff, err := parseBackoff(spec.Backoff)
	if err != nil {
		return nil, err
	}
	maxAttempts := spec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &model.GateBudget{MaxAttempts: maxAttempts, Backoff: backoff}, nil
}

func parseBackoff(spec BackoffSpec) (model.GateBackoff, error) {
	initial, maxStr := spec.Initial, spec.Max
	if initial == "" {
		initial = "1s"
	}
	if maxStr == "" {
		maxStr = "1m"
	}
	initialDur, err := parseDuration(initial)
	if err != nil {
		return model.GateBackoff{}, fmt.Errorf("backoff.initial: %w", err)
	}
	maxDur, err := parseDuration(maxStr)
	if err != nil {
		return model.GateBackoff{}, fmt.Errorf("backoff.max: %w", err)
	}
	mult := spec.Multiplier
	if mult <= 0 {
		mult = 2
	}
	return model.GateBackoff{Initial: initialDur, Max: maxDur, Multiplier: mult}, nil
}

// topoOrder returns node ids in an order where every predecessor along
// on.succeeded edges precedes its successors, so placeholder resolution
// can see fully-resolved upstream args (spec.md §4.4 rule 7).
func topoOrder(doc *Doc) ([]string, error) {
	indegree := map[string]int{}
	adjacency := map[string][]string{}
	for _, n := range doc.Nodes {
		if _, ok := indegree[n.ID]; !ok {
			indegree[n.ID] = 0
		}
		for _, target := range n.On.Succeeded {
			adjacency[n.ID] = append(adjacency[n.ID], target)
			indegree[target]++
		}
	}

	var queue []string
	for _, n := range doc.Nodes {
		if indegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}
	sort.Strings(queue)

	var order []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		var next []string
		for _, target := range adjacency[id] {
			indegree[target]--
			if indegree[target] == 0 {
				next = append(next, target)
			}
		}
		sort.Strings(next)
		queue = append(queue, next...)
	}

	if len(order) != len(doc.Nodes) {
		return nil, schederr.Validation("template graph is not fully orderable (unexpected cycle)", nil)
	}
	return order, nil
}
