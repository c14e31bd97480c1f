package model

import "fmt"

// ArtifactKind enumerates the built-in artifact kinds from spec.md §3.1.
// Custom artifacts are represented with Kind=KindCustom and a TypeID.
type ArtifactKind string

const (
	KindPlanBranch    ArtifactKind = "plan_branch"
	KindPlanDoc       ArtifactKind = "plan_doc"
	KindPlanCommits   ArtifactKind = "plan_commits"
	KindTargetBranch  ArtifactKind = "target_branch"
	KindMergeSentinel ArtifactKind = "merge_sentinel"
	KindCommandPatch  ArtifactKind = "command_patch"
	KindCustom        ArtifactKind = "custom"
)

// ArtifactRef is the {kind, args} pair identifying an artifact instance.
type ArtifactRef struct {
	Kind ArtifactKind `json:"kind"`
	// Args carries kind-specific identity: slug/branch for plan_*,
	// name for target_branch, slug for merge_sentinel, job_id for
	// command_patch.
	Args map[string]string `json:"args,omitempty"`
	// TypeID and Key identify a custom artifact: custom:<type_id>:<key>.
	TypeID string `json:"type_id,omitempty"`
	Key    string `json:"key,omitempty"`
}

// String renders the canonical artifact identity string used in log
// details and wait-reason messages (e.g. "plan_branch:foo",
// "custom:prompt_text:p1").
func (a ArtifactRef) String() string {
	if a.Kind == KindCustom {
		return fmt.Sprintf("custom:%s:%s", a.TypeID, a.Key)
	}
	if slug, ok := a.Args["slug"]; ok {
		return fmt.Sprintf("%s:%s", a.Kind, slug)
	}
	if name, ok := a.Args["name"]; ok {
		return fmt.Sprintf("%s:%s", a.Kind, name)
	}
	if id, ok := a.Args["job_id"]; ok {
		return fmt.Sprintf("%s:%s", a.Kind, id)
	}
	return string(a.Kind)
}

func Custom(typeID, key string) ArtifactRef {
	return ArtifactRef{Kind: KindCustom, TypeID: typeID, Key: key}
}

func PlanBranch(slug string) ArtifactRef {
	return ArtifactRef{Kind: KindPlanBranch, Args: map[string]string{"slug": slug}}
}

func PlanDoc(slug string) ArtifactRef {
	return ArtifactRef{Kind: KindPlanDoc, Args: map[string]string{"slug": slug}}
}

func PlanCommits(slug string) ArtifactRef {
	return ArtifactRef{Kind: KindPlanCommits, Args: map[string]string{"slug": slug}}
}

func TargetBranch(name string) ArtifactRef {
	return ArtifactRef{Kind: KindTargetBranch, Args: map[string]string{"name": name}}
}

func MergeSentinel(slug string) ArtifactRef {
	return ArtifactRef{Kind: KindMergeSentinel, Args: map[string]string{"slug": slug}}
}

func CommandPatch(jobID string) ArtifactRef {
	return ArtifactRef{Kind: KindCommandPatch, Args: map[string]string{"job_id": jobID}}
}
