package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/forgehq/forge/internal/alm"
	"github.com/forgehq/forge/internal/errs"
	"github.com/forgehq/forge/internal/spool"
	"github.com/forgehq/forge/internal/store"
	"github.com/google/uuid"
)

var handlers = map[string]handlerFunc{
	"task.assigned":        handleTaskAssigned,
	"task.plan.created":    handleTaskPlanCreated,
	"task.closed":          handleTaskClosed,
	"deploy.requested":     handleDeployRequested,
	"pr.created":           handlePRCreatedOrUpdated,
	"pr.updated":           handlePRCreatedOrUpdated,
	"pr.changes.requested": handlePRChangesRequested,
	"pr.merged":            handlePRMerged,
	"deploy.completed":     handleDeployCompleted,
	"deploy.failed":        handleDeployFailed,
	"verify.passed":        handleVerifyPassed,
	"verify.failed":        handleVerifyFailed,
	"audit.requested":      handleAuditRequested,
	"audit.finding":        handleAuditFinding,
	"audit.completed":      handleAuditCompleted,
	"agent.escalation":     handleAgentEscalation,
}

func isNotFound(err error) bool {
	return errs.Is(err, errs.KindNotFound)
}

func decodePayload(ev spool.Event, v any) error {
	if err := json.Unmarshal(ev.Payload, v); err != nil {
		return errs.Wrap(errs.KindValidation, "decode event payload", err)
	}
	return nil
}

type taskAssignedPayload struct {
	TaskID            string   `json:"taskId"`
	Title             string   `json:"title"`
	Description       string   `json:"description"`
	Repo              string   `json:"repo"`
	Repos             []string `json:"repos,omitempty"`
	InvestigationOnly bool     `json:"investigationOnly,omitempty"`
}

func handleTaskAssigned(ctx context.Context, r *Router, ev spool.Event) error {
	var p taskAssignedPayload
	if err := decodePayload(ev, &p); err != nil {
		return err
	}

	if _, err := r.store.GetTask(ctx, p.TaskID); isNotFound(err) {
		if err := r.store.CreateTask(ctx, &store.Task{
			ID:                p.TaskID,
			Title:             p.Title,
			Description:       p.Description,
			Status:            store.TaskStatusQueued,
			Repo:              p.Repo,
			Repos:             p.Repos,
			InvestigationOnly: p.InvestigationOnly,
		}); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	_, err := r.alm.Spawn(ctx, alm.SpawnRequest{
		TaskID:      p.TaskID,
		Repo:        p.Repo,
		Title:       p.Title,
		Description: p.Description,
		Kind:        store.AgentKindTriage,
	})
	return err
}

type taskPlanCreatedPayload struct {
	TaskID string          `json:"taskId"`
	Repo   string          `json:"repo"`
	Plan   json.RawMessage `json:"plan"`
}

func handleTaskPlanCreated(ctx context.Context, r *Router, ev spool.Event) error {
	var p taskPlanCreatedPayload
	if err := decodePayload(ev, &p); err != nil {
		return err
	}

	planJSON := string(p.Plan)
	if _, err := store.ValidateExecutionPlanJSON(planJSON); err != nil {
		return err
	}
	if err := r.store.SetTaskExecutionPlan(ctx, p.TaskID, planJSON); err != nil {
		return err
	}

	_, err := r.alm.Spawn(ctx, alm.SpawnRequest{
		TaskID:        p.TaskID,
		Repo:          p.Repo,
		Kind:          store.AgentKindCoding,
		ExecutionPlan: planJSON,
	})
	return err
}

type taskClosedPayload struct {
	TaskID     string `json:"taskId"`
	Reason     string `json:"reason"`
	Resolution string `json:"resolution"`
}

func handleTaskClosed(ctx context.Context, r *Router, ev spool.Event) error {
	var p taskClosedPayload
	if err := decodePayload(ev, &p); err != nil {
		return err
	}
	if err := r.store.UpdateTaskStatus(ctx, p.TaskID, store.TaskStatusCompleted, nil); err != nil {
		return err
	}
	return ignoreNotFound(r.store.MarkQueueEntryCompleted(ctx, p.TaskID))
}

type deployRequestedPayload struct {
	TaskID string `json:"taskId"`
	Repo   string `json:"repo"`
	Reason string `json:"reason"`
	Commit string `json:"commit,omitempty"`
}

func handleDeployRequested(ctx context.Context, r *Router, ev spool.Event) error {
	var p deployRequestedPayload
	if err := decodePayload(ev, &p); err != nil {
		return err
	}
	_, err := r.alm.Spawn(ctx, alm.SpawnRequest{
		TaskID: p.TaskID,
		Repo:   p.Repo,
		Kind:   store.AgentKindDeployer,
	})
	return err
}

type prEventPayload struct {
	TaskID   string `json:"taskId"`
	Repo     string `json:"repo"`
	PRNumber int    `json:"prNumber"`
	PRURL    string `json:"prUrl"`
	Branch   string `json:"branch"`
}

func handlePRCreatedOrUpdated(ctx context.Context, r *Router, ev spool.Event) error {
	var p prEventPayload
	if err := decodePayload(ev, &p); err != nil {
		return err
	}
	_, err := r.alm.Spawn(ctx, alm.SpawnRequest{
		TaskID:   p.TaskID,
		Repo:     p.Repo,
		Kind:     store.AgentKindReviewer,
		PRNumber: p.PRNumber,
		PRURL:    p.PRURL,
		Branch:   p.Branch,
	})
	return err
}

type prChangesRequestedPayload struct {
	TaskID         string `json:"taskId"`
	Repo           string `json:"repo"`
	PRNumber       int    `json:"prNumber"`
	Branch         string `json:"branch"`
	ReviewComments string `json:"reviewComments"`
}

func handlePRChangesRequested(ctx context.Context, r *Router, ev spool.Event) error {
	var p prChangesRequestedPayload
	if err := decodePayload(ev, &p); err != nil {
		return err
	}
	if err := r.store.UpdateTaskStatus(ctx, p.TaskID, store.TaskStatusInProg, nil); err != nil {
		return err
	}

	task, err := r.store.GetTask(ctx, p.TaskID)
	if err != nil {
		return err
	}

	_, err = r.alm.Spawn(ctx, alm.SpawnRequest{
		TaskID:         p.TaskID,
		Repo:           p.Repo,
		Kind:           store.AgentKindCoding,
		PRNumber:       p.PRNumber,
		ExistingBranch: p.Branch,
		ReviewComments: p.ReviewComments,
		ExecutionPlan:  task.ExecutionPlan,
	})
	return err
}

type prMergedPayload struct {
	TaskID      string `json:"taskId"`
	Repo        string `json:"repo"`
	PRNumber    int    `json:"prNumber"`
	MergeCommit string `json:"mergeCommit"`
	Branch      string `json:"branch,omitempty"`
	CommitSha   string `json:"commitSha,omitempty"`
}

func handlePRMerged(ctx context.Context, r *Router, ev spool.Event) error {
	var p prMergedPayload
	if err := decodePayload(ev, &p); err != nil {
		return err
	}
	_, err := r.alm.Spawn(ctx, alm.SpawnRequest{
		TaskID: p.TaskID,
		Repo:   p.Repo,
		Kind:   store.AgentKindDeployer,
		Branch: p.Branch,
	})
	return err
}

type deployCompletedPayload struct {
	TaskID string `json:"taskId"`
	Repo   string `json:"repo"`
	URL    string `json:"url"`
	Status string `json:"status"`
}

func handleDeployCompleted(ctx context.Context, r *Router, ev spool.Event) error {
	var p deployCompletedPayload
	if err := decodePayload(ev, &p); err != nil {
		return err
	}
	_, err := r.alm.Spawn(ctx, alm.SpawnRequest{
		TaskID:        p.TaskID,
		Repo:          p.Repo,
		Kind:          store.AgentKindVerifier,
		DeploymentURL: p.URL,
	})
	return err
}

type deployFailedPayload struct {
	TaskID string `json:"taskId"`
	Repo   string `json:"repo"`
	Error  string `json:"error"`
	Logs   string `json:"logs,omitempty"`
}

func handleDeployFailed(ctx context.Context, r *Router, ev spool.Event) error {
	var p deployFailedPayload
	if err := decodePayload(ev, &p); err != nil {
		return err
	}
	return r.store.UpdateTaskStatus(ctx, p.TaskID, store.TaskStatusFailed, nil)
}

type verifyPassedPayload struct {
	TaskID  string `json:"taskId"`
	Repo    string `json:"repo"`
	Summary string `json:"summary"`
}

func handleVerifyPassed(ctx context.Context, r *Router, ev spool.Event) error {
	var p verifyPassedPayload
	if err := decodePayload(ev, &p); err != nil {
		return err
	}
	if err := r.store.UpdateTaskStatus(ctx, p.TaskID, store.TaskStatusCompleted, nil); err != nil {
		return err
	}
	return ignoreNotFound(r.store.MarkQueueEntryCompleted(ctx, p.TaskID))
}

type verifyFailedPayload struct {
	TaskID string `json:"taskId"`
	Repo   string `json:"repo"`
	Bug    struct {
		Description string `json:"description"`
		Steps       string `json:"steps"`
		Expected    string `json:"expected"`
		Actual      string `json:"actual"`
	} `json:"bug"`
}

func handleVerifyFailed(ctx context.Context, r *Router, ev spool.Event) error {
	var p verifyFailedPayload
	if err := decodePayload(ev, &p); err != nil {
		return err
	}

	bugID := fmt.Sprintf("bug-%s", uuid.New().String()[:8])
	description := fmt.Sprintf(
		"Verification failed for task %s.\n\nSteps:\n%s\n\nExpected:\n%s\n\nActual:\n%s",
		p.TaskID, p.Bug.Steps, p.Bug.Expected, p.Bug.Actual,
	)
	if err := r.store.CreateTask(ctx, &store.Task{
		ID:          bugID,
		Title:       p.Bug.Description,
		Description: description,
		Kind:        "bug",
		Status:      store.TaskStatusQueued,
		Repo:        p.Repo,
		ParentID:    p.TaskID,
	}); err != nil {
		return err
	}

	if err := r.store.UpdateTaskStatus(ctx, p.TaskID, store.TaskStatusFailed, nil); err != nil {
		return err
	}

	r.checkDeadLetter(ctx, p.TaskID)
	return nil
}

type auditRequestedPayload struct {
	TaskID     string   `json:"taskId"`
	Repo       string   `json:"repo"`
	URL        string   `json:"url"`
	FocusAreas []string `json:"focusAreas,omitempty"`
}

func handleAuditRequested(ctx context.Context, r *Router, ev spool.Event) error {
	var p auditRequestedPayload
	if err := decodePayload(ev, &p); err != nil {
		return err
	}
	_, err := r.alm.Spawn(ctx, alm.SpawnRequest{
		TaskID:        p.TaskID,
		Repo:          p.Repo,
		Kind:          store.AgentKindAuditor,
		DeploymentURL: p.URL,
		FocusAreas:    strings.Join(p.FocusAreas, ", "),
	})
	return err
}

type auditFindingPayload struct {
	TaskID   string `json:"taskId"`
	Repo     string `json:"repo"`
	ParentID string `json:"parentId,omitempty"`
	Finding  struct {
		Severity    string `json:"severity"`
		Category    string `json:"category"`
		Title       string `json:"title"`
		Description string `json:"description"`
		Steps       string `json:"steps,omitempty"`
		Screenshot  string `json:"screenshot,omitempty"`
	} `json:"finding"`
}

func handleAuditFinding(ctx context.Context, r *Router, ev spool.Event) error {
	var p auditFindingPayload
	if err := decodePayload(ev, &p); err != nil {
		return err
	}

	bugID := fmt.Sprintf("bug-%s", uuid.New().String()[:8])
	title := fmt.Sprintf("[%s/%s] %s", p.Finding.Severity, p.Finding.Category, p.Finding.Title)
	description := p.Finding.Description
	if p.Finding.Steps != "" {
		description = fmt.Sprintf("%s\n\nSteps:\n%s", description, p.Finding.Steps)
	}

	parentID := p.ParentID
	if parentID == "" {
		parentID = p.TaskID
	}
	if err := r.store.CreateTask(ctx, &store.Task{
		ID:          bugID,
		Title:       title,
		Description: description,
		Kind:        "bug",
		Status:      store.TaskStatusQueued,
		Repo:        p.Repo,
		ParentID:    parentID,
	}); err != nil {
		return err
	}

	r.checkDeadLetter(ctx, parentID)
	return nil
}

type auditCompletedPayload struct {
	TaskID        string  `json:"taskId"`
	Repo          string  `json:"repo"`
	Summary       string  `json:"summary"`
	FindingsCount int     `json:"findingsCount"`
	Duration      float64 `json:"duration"`
}

func handleAuditCompleted(ctx context.Context, r *Router, ev spool.Event) error {
	var p auditCompletedPayload
	if err := decodePayload(ev, &p); err != nil {
		return err
	}
	if err := r.store.UpdateTaskStatus(ctx, p.TaskID, store.TaskStatusCompleted, nil); err != nil {
		return err
	}
	return ignoreNotFound(r.store.MarkQueueEntryCompleted(ctx, p.TaskID))
}

type agentEscalationPayload struct {
	TaskID  string `json:"taskId"`
	AgentID string `json:"agentId"`
	Reason  string `json:"reason"`
	Context string `json:"context,omitempty"`
}

func handleAgentEscalation(ctx context.Context, r *Router, ev spool.Event) error {
	var p agentEscalationPayload
	if err := decodePayload(ev, &p); err != nil {
		return err
	}
	r.logger.Warn("agent escalation", "task_id", p.TaskID, "agent_id", p.AgentID, "reason", p.Reason)
	r.notify.Escalation(p.TaskID, p.AgentID, p.Reason)
	return nil
}

// checkDeadLetter alerts operators once parentID has generated enough
// bug tasks to cross the notifier's dead-letter threshold. It never
// fails the calling handler; a count error is logged and swallowed.
func (r *Router) checkDeadLetter(ctx context.Context, parentID string) {
	count, err := r.store.CountBugTasksByParent(ctx, parentID)
	if err != nil {
		r.logger.Warn("count bug tasks failed", "parent_id", parentID, "error", err)
		return
	}
	if count >= r.notify.Threshold() {
		r.notify.DeadLetter(parentID, count)
	}
}
