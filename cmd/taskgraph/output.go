package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/taskgraph/taskgraph/internal/model"
)

// Exit code categories, spec.md §6.
const (
	exitSuccess       = 0
	exitNoChanges     = 10
	exitBlockedByGate = 20
	exitInvalidInput  = 30
	exitVCSError      = 40
	exitNetworkError  = 50
	exitInternalError = 70
	exitCancelled     = 143
)

// outcomeDoc is the outcome.v1 wire shape (spec.md §6, §7: "Structured
// JSON output uses outcome.v1 shape on stdout when requested").
type outcomeDoc struct {
	Schema   string `json:"schema"`
	JobID    string `json:"job_id,omitempty"`
	Status   string `json:"status"`
	ExitCode int    `json:"exit_code"`
	Detail   string `json:"detail,omitempty"`
}

func renderOutcome(jobID string, status string, exitCode int, detail string, jsonOut bool) {
	if jsonOut {
		doc := outcomeDoc{Schema: "outcome.v1", JobID: jobID, Status: status, ExitCode: exitCode, Detail: detail}
		data, err := json.Marshal(doc)
		if err != nil {
			fmt.Fprintf(os.Stderr, "marshal outcome: %v\n", err)
			return
		}
		fmt.Println(string(data))
		return
	}
	line := fmt.Sprintf("Outcome: %s", status)
	if detail != "" {
		line += fmt.Sprintf(" (%s)", detail)
	}
	fmt.Println(line)
}

// exitCodeForStatus maps a JobRecord's terminal status to an operator
// command exit code category (spec.md §6).
func exitCodeForStatus(status model.Status) int {
	switch status {
	case model.StatusSucceeded:
		return exitSuccess
	case model.StatusCancelled:
		return exitCancelled
	case model.StatusBlockedByApproval, model.StatusBlockedByDependency:
		return exitBlockedByGate
	case model.StatusFailed:
		return exitInternalError
	default:
		return exitSuccess
	}
}
