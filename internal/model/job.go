package model

import "time"

// ExecutorClass is the workflow_executor_class enumeration from spec.md §3.1.
type ExecutorClass string

const (
	ExecutorEnvironmentBuiltin ExecutorClass = "environment.builtin"
	ExecutorEnvironmentShell  ExecutorClass = "environment.shell"
	ExecutorAgent             ExecutorClass = "agent"
)

// ApprovalState is the approval sub-state machine from spec.md §3.1.
type ApprovalState string

const (
	ApprovalPending  ApprovalState = "pending"
	ApprovalApproved ApprovalState = "approved"
	ApprovalRejected ApprovalState = "rejected"
)

type Approval struct {
	Required    bool          `json:"required"`
	State       ApprovalState `json:"state,omitempty"`
	RequestedAt *time.Time    `json:"requested_at,omitempty"`
	RequestedBy string        `json:"requested_by,omitempty"`
	DecidedAt   *time.Time    `json:"decided_at,omitempty"`
	DecidedBy   string        `json:"decided_by,omitempty"`
	Reason      string        `json:"reason,omitempty"`
}

// WaitReason explains why a job is not yet running. Kinds used by the
// scheduler: "after", "outcome", "artifact", "pinned_head",
// "preconditions", "approval", "locks", "scheduler_data"; the operator
// cancel command records "operator_cancel".
type WaitReason struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

type PinnedHead struct {
	Branch string `json:"branch"`
	OID    string `json:"oid"`
}

type Precondition struct {
	Kind string            `json:"kind"`
	Args map[string]string `json:"args,omitempty"`
}

// AfterDependency is one entry of JobRecord.After: a predecessor job id
// gated on success (spec.md §3.1: "after: [job_id with policy=success]").
// Policy is always "succeeded" — the field is kept (rather than dropped)
// because every persisted job.json already carries it; the scheduler's
// after-gate does not read it and gates on the predecessor's status
// alone. The compiler
// never materializes a non-succeeded on.<outcome> edge as an After entry;
// those become OutcomeWaits instead.
type AfterDependency struct {
	JobID  string `json:"job_id"`
	Policy string `json:"policy"`
}

// OutcomeWait is one entry of JobRecord.OutcomeWaits: a latent dependency
// materialized for an on.failed/on.blocked/on.cancelled edge target
// (spec.md §4.5 "Outcome routing"). Unlike After, this is not evaluated by
// comparing against the predecessor's current state on every tick — the
// scheduler instead sets Enabled directly, in the same tick that
// finalizes JobID, the moment its recorded outcome matches Outcome. A job
// with any OutcomeWait still Enabled=false never spawns.
type OutcomeWait struct {
	JobID   string `json:"job_id"`
	Outcome string `json:"outcome"`
	Enabled bool   `json:"enabled"`
}

// GateBackoff configures sethvargo/go-retry's exponential backoff for a
// gate.cicd control node (SPEC_FULL.md "Gate retry budget accounting").
type GateBackoff struct {
	Initial    time.Duration `json:"initial"`
	Max        time.Duration `json:"max"`
	Multiplier float64       `json:"multiplier"`
}

type GateBudget struct {
	Attempts    int         `json:"attempts"`
	MaxAttempts int         `json:"max_attempts"`
	Backoff     GateBackoff `json:"backoff"`
}

// JobRecord is the canonical unit of scheduler state, spec.md §3.1.
type JobRecord struct {
	JobID string `json:"job_id"`
	Slug  string `json:"slug,omitempty"`
	Name  string `json:"name,omitempty"`

	Status Status `json:"status"`

	PID        int        `json:"pid,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`

	StdoutLog    string `json:"stdout_log"`
	StderrLog    string `json:"stderr_log"`
	OutcomePath  string `json:"outcome_path"`
	CommandPatch string `json:"command_patch,omitempty"`

	After         []AfterDependency `json:"after,omitempty"`
	OutcomeWaits  []OutcomeWait     `json:"outcome_waits,omitempty"`
	Dependencies  []ArtifactRef     `json:"dependencies,omitempty"`
	Locks         []Lock            `json:"locks,omitempty"`
	Artifacts     []ArtifactRef     `json:"artifacts,omitempty"`
	PinnedHead    *PinnedHead       `json:"pinned_head,omitempty"`
	Preconditions []Precondition    `json:"preconditions,omitempty"`
	Approval      *Approval         `json:"approval,omitempty"`
	WaitReason    *WaitReason       `json:"wait_reason,omitempty"`
	WaitedOn      []string          `json:"waited_on,omitempty"`

	WorkflowRunID              string            `json:"workflow_run_id"`
	WorkflowTemplateID         string            `json:"workflow_template_id"`
	WorkflowTemplateVersion    string            `json:"workflow_template_version"`
	WorkflowNodeID             string            `json:"workflow_node_id"`
	WorkflowExecutorClass      ExecutorClass     `json:"workflow_executor_class"`
	WorkflowExecutorOperation  string            `json:"workflow_executor_operation,omitempty"`
	WorkflowControlPolicy      string            `json:"workflow_control_policy,omitempty"`
	WorkflowNodeAttempt        int               `json:"workflow_node_attempt"`
	WorkflowNodeOutcome        string            `json:"workflow_node_outcome,omitempty"`
	WorkflowPolicySnapshotHash string            `json:"workflow_policy_snapshot_hash,omitempty"`
	WorkflowGates              *GateBudget       `json:"workflow_gates,omitempty"`
	WorkflowPayloadRefs        map[string]string `json:"workflow_payload_refs,omitempty"`
	ExecutionRoot              string            `json:"execution_root"`

	Args map[string]any `json:"args,omitempty"`

	// RetryCleanupStatus/Error record a degraded worktree cleanup during
	// retry (spec.md §4.7 step 5), so a later process can still see that
	// ownership was preserved rather than silently lost.
	RetryCleanupStatus string `json:"retry_cleanup_status,omitempty"`
	RetryCleanupError  string `json:"retry_cleanup_error,omitempty"`

	// WorktreeOwner/WorktreePath record a temp worktree this job prepared,
	// so cleanup/retry can find and reclaim it (spec.md §3.2).
	WorktreeOwner string `json:"worktree_owner,omitempty"`
	WorktreePath  string `json:"worktree_path,omitempty"`
}

// RootExecutionRoot is the repo-root marker used when a job has no owned
// worktree.
const RootExecutionRoot = "."

// HasWaited reports whether kind is already recorded in WaitedOn, keeping
// the set's append-only dedup invariant (spec.md Testable Property 3)
// cheap to enforce at the call site.
func (j *JobRecord) HasWaited(kind string) bool {
	for _, k := range j.WaitedOn {
		if k == kind {
			return true
		}
	}
	return false
}

// RecordWaited appends kind to WaitedOn if not already present.
func (j *JobRecord) RecordWaited(kind string) {
	if !j.HasWaited(kind) {
		j.WaitedOn = append(j.WaitedOn, kind)
	}
}
