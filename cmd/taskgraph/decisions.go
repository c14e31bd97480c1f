package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskgraph/taskgraph/internal/logx"
	"github.com/taskgraph/taskgraph/internal/model"
)

func newApproveCommand(jsonFlag *bool) *cobra.Command {
	var decidedBy, reason string
	cmd := &cobra.Command{
		Use:   "approve <job-id>",
		Short: "Approve a job waiting on approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApprovalDecision(
				repoFlagFor(cmd), logLevelFor(cmd), *jsonFlag, args[0], model.ApprovalApproved, decidedBy, reason)
		},
	}
	cmd.Flags().StringVar(&decidedBy, "by", "", "operator identity recorded on the decision")
	cmd.Flags().StringVar(&reason, "reason", "", "optional reason recorded on the decision")
	return cmd
}

func newRejectCommand(jsonFlag *bool) *cobra.Command {
	var decidedBy, reason string
	cmd := &cobra.Command{
		Use:   "reject <job-id>",
		Short: "Reject a job waiting on approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApprovalDecision(
				repoFlagFor(cmd), logLevelFor(cmd), *jsonFlag, args[0], model.ApprovalRejected, decidedBy, reason)
		},
	}
	cmd.Flags().StringVar(&decidedBy, "by", "", "operator identity recorded on the decision")
	cmd.Flags().StringVar(&reason, "reason", "", "optional reason recorded on the decision")
	return cmd
}

// runApprovalDecision implements the Operator error category (spec.md
// §7): approve/reject always produce a definite terminal or
// transitional state, never an ambiguous one.
func runApprovalDecision(
	repoPath string,
	level logx.LogLevel,
	jsonOut bool,
	jobID string,
	decision model.ApprovalState,
	decidedBy, reason string,
) error {
	app, err := newApp(repoPath, level)
	if err != nil {
		renderOutcome(jobID, "failed", exitInvalidInput, err.Error(), jsonOut)
		return err
	}
	job, err := app.store.GetJob(jobID)
	if err != nil {
		renderOutcome(jobID, "failed", exitInvalidInput, err.Error(), jsonOut)
		return err
	}
	if job.Approval == nil || !job.Approval.Required {
		err := fmt.Errorf("job %s does not require approval", jobID)
		renderOutcome(jobID, "failed", exitInvalidInput, err.Error(), jsonOut)
		return err
	}
	now := time.Now()
	job.Approval.State = decision
	job.Approval.DecidedAt = &now
	job.Approval.DecidedBy = decidedBy
	job.Approval.Reason = reason
	if decision == model.ApprovalRejected {
		job.Status = model.StatusBlockedByApproval
	}
	if err := app.store.PutJob(job); err != nil {
		renderOutcome(jobID, "failed", exitInternalError, err.Error(), jsonOut)
		return err
	}

	report, err := app.sched.Tick(context.Background(), now)
	if err != nil {
		renderOutcome(jobID, "failed", exitInternalError, err.Error(), jsonOut)
		return err
	}
	status := "approved"
	code := exitSuccess
	if decision == model.ApprovalRejected {
		status = "rejected"
		code = exitBlockedByGate
	}
	renderOutcome(jobID, status, code, fmt.Sprintf("tick spawned %d", len(report.Spawned)), jsonOut)
	return nil
}

func newCancelCommand(jsonFlag *bool) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job, running or not",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCancel(repoFlagFor(cmd), logLevelFor(cmd), *jsonFlag, args[0], reason)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "optional reason recorded on the decision")
	return cmd
}

func runCancel(repoPath string, level logx.LogLevel, jsonOut bool, jobID, reason string) error {
	app, err := newApp(repoPath, level)
	if err != nil {
		renderOutcome(jobID, "failed", exitInvalidInput, err.Error(), jsonOut)
		return err
	}
	job, err := app.store.GetJob(jobID)
	if err != nil {
		renderOutcome(jobID, "failed", exitInvalidInput, err.Error(), jsonOut)
		return err
	}
	if job.Status.IsTerminal() {
		err := fmt.Errorf("job %s is already terminal (%s)", jobID, job.Status)
		renderOutcome(jobID, "failed", exitInvalidInput, err.Error(), jsonOut)
		return err
	}
	now := time.Now()
	job.Status = model.StatusCancelled
	job.FinishedAt = &now
	job.WaitReason = &model.WaitReason{Kind: "operator_cancel", Detail: reason}
	if err := app.store.PutJob(job); err != nil {
		renderOutcome(jobID, "failed", exitInternalError, err.Error(), jsonOut)
		return err
	}
	if err := app.store.PutOutcome(jobID, &model.OutcomeDoc{Status: model.OutcomeCancelled, Error: reason}); err != nil {
		renderOutcome(jobID, "failed", exitInternalError, err.Error(), jsonOut)
		return err
	}

	report, err := app.sched.Tick(context.Background(), now)
	if err != nil {
		renderOutcome(jobID, "failed", exitInternalError, err.Error(), jsonOut)
		return err
	}
	renderOutcome(jobID, "cancelled", exitCancelled, fmt.Sprintf("tick spawned %d", len(report.Spawned)), jsonOut)
	return nil
}

func newRetryCommand(jsonFlag *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Rewind a job and its retry set, then run one tick",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRetry(repoFlagFor(cmd), logLevelFor(cmd), *jsonFlag, args[0])
		},
	}
}

func runRetry(repoPath string, level logx.LogLevel, jsonOut bool, jobID string) error {
	app, err := newApp(repoPath, level)
	if err != nil {
		renderOutcome(jobID, "failed", exitInvalidInput, err.Error(), jsonOut)
		return err
	}
	report, err := app.retry.Retry(context.Background(), jobID, time.Now())
	if err != nil {
		renderOutcome(jobID, "failed", exitVCSError, err.Error(), jsonOut)
		return err
	}
	detail := fmt.Sprintf("reset %d job(s), restarted %d", len(report.Reset), len(report.Restarted))
	renderOutcome(jobID, "succeeded", exitSuccess, detail, jsonOut)
	return nil
}
