// Package ids provides the opaque, monotonically comparable identifiers
// used for jobs and runs.
package ids

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// JobID identifies a JobRecord. KSUIDs sort lexicographically by creation
// time, which gives JobRecord.job_id the "monotonically comparable" property
// spec.md requires without a central counter.
type JobID string

func (id JobID) String() string { return string(id) }

func (id JobID) IsZero() bool { return id == "" }

// NewJobID generates a fresh JobID.
func NewJobID() (JobID, error) {
	id, err := ksuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	return JobID(id.String()), nil
}

func MustNewJobID() JobID {
	id, err := NewJobID()
	if err != nil {
		panic(err)
	}
	return id
}

func ParseJobID(s string) (JobID, error) {
	if s == "" {
		return "", fmt.Errorf("empty job id")
	}
	if _, err := ksuid.Parse(s); err != nil {
		return "", fmt.Errorf("invalid job id %q: %w", s, err)
	}
	return JobID(s), nil
}

// RunID identifies a compiled RunManifest instance.
type RunID string

func (id RunID) String() string { return string(id) }

func NewRunID() (RunID, error) {
	id, err := ksuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	return RunID(id.String()), nil
}

func MustNewRunID() RunID {
	id, err := NewRunID()
	if err != nil {
		panic(err)
	}
	return id
}

// NewSessionID generates an id for a SessionLog reference. Session log
// content semantics are owned externally (agent runner); we only need a
// stable handle to point at it.
func NewSessionID() string {
	return uuid.New().String()
}
