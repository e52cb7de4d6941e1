package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"fleetline/internal/domain"
	"fleetline/internal/events"
	"fleetline/internal/repo"
	"fleetline/internal/scoring"
)

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID                   string
	ProjectID            string
	ParentTaskID         string
	PlanningSessionID    string
	Title                string
	Description          string
	Type                 domain.TaskType
	Priority             domain.Priority
	RequiredCapabilities []domain.Capability
	AcceptanceCriteria   []domain.AcceptanceCriterion
	EstimatedEffortHours float64
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.createTaskTx(ctx, tx, opts)
	if err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (e Engine) createTaskTx(ctx context.Context, tx *sql.Tx, opts TaskCreateOptions) (domain.Task, error) {
	t, err := e.buildTask(opts)
	if err != nil {
		return domain.Task{}, err
	}
	if t.ParentTaskID != nil {
		parent, err := e.Repo.GetTaskTx(ctx, tx, *t.ParentTaskID)
		if err != nil {
			return domain.Task{}, err
		}
		if parent.ProjectID != t.ProjectID {
			return domain.Task{}, domain.Invalid("parent_task_id", "parent %s belongs to project %s", parent.ID, parent.ProjectID)
		}
	}
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := e.append(ctx, tx, e.taskDraft(t, "task.created", events.EventPayload{"title": t.Title})); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (e Engine) buildTask(opts TaskCreateOptions) (domain.Task, error) {
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		return domain.Task{}, domain.Invalid("title", "is required")
	}
	project := e.projectID(opts.ProjectID)
	if project == "" {
		return domain.Task{}, domain.Invalid("project_id", "is required")
	}
	taskType := opts.Type
	if taskType == "" {
		taskType = domain.TaskFeature
	} else if _, err := domain.ParseTaskType(string(taskType)); err != nil {
		return domain.Task{}, err
	}
	priority := opts.Priority
	if priority == "" {
		priority = domain.PriorityMedium
	} else if _, err := domain.ParsePriority(string(priority)); err != nil {
		return domain.Task{}, err
	}
	caps, err := e.capabilitySet("required_capabilities", opts.RequiredCapabilities)
	if err != nil {
		return domain.Task{}, err
	}
	for i, c := range opts.AcceptanceCriteria {
		field := fmt.Sprintf("acceptance_criteria[%d]", i)
		if _, err := domain.ParseCriterionType(string(c.Type)); err != nil {
			return domain.Task{}, domain.Invalid(field, "unknown criterion type %q", c.Type)
		}
		if c.Weight <= 0 {
			return domain.Task{}, domain.Invalid(field, "weight must be positive")
		}
		if c.Type == domain.CriterionCustom && strings.TrimSpace(c.Criterion) == "" {
			return domain.Task{}, domain.Invalid(field, "custom criteria need a metric name")
		}
	}
	if opts.EstimatedEffortHours < 0 {
		return domain.Task{}, domain.Invalid("estimated_effort_hours", "must not be negative")
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	var criteria []domain.AcceptanceCriterion
	if len(opts.AcceptanceCriteria) > 0 {
		criteria = append(criteria, opts.AcceptanceCriteria...)
	}
	return domain.Task{
		ID:                   id,
		ProjectID:            project,
		ParentTaskID:         optionalString(opts.ParentTaskID),
		PlanningSessionID:    optionalString(opts.PlanningSessionID),
		Title:                title,
		Description:          opts.Description,
		Type:                 taskType,
		Priority:             priority,
		RequiredCapabilities: caps,
		AcceptanceCriteria:   criteria,
		EstimatedEffortHours: opts.EstimatedEffortHours,
		Status:               domain.TaskPending,
		CreatedAt:            e.stamp(),
	}, nil
}

// capabilitySet validates in against the taxonomy and drops repeats.
func (e Engine) capabilitySet(field string, in []domain.Capability) ([]domain.Capability, error) {
	out := make([]domain.Capability, 0, len(in))
	seen := map[domain.Capability]bool{}
	for _, c := range in {
		c = domain.Capability(strings.ToLower(strings.TrimSpace(string(c))))
		if !e.cfg().HasCapability(c) {
			return nil, domain.Invalid(field, "capability %q is not in the configured taxonomy", c)
		}
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out, nil
}

// SubtaskSpec describes one subtask of a decomposition. DependsOn holds
// indexes of earlier siblings that must complete first.
type SubtaskSpec struct {
	TaskCreateOptions
	DependsOn []int
}

// DecomposeTask creates subtasks under parentID in one transaction and wires
// the sibling prerequisites as blocking edges.
func (e Engine) DecomposeTask(ctx context.Context, parentID string, specs []SubtaskSpec) ([]domain.Task, error) {
	if len(specs) == 0 {
		return nil, domain.Invalid("subtasks", "at least one subtask is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	parent, err := e.Repo.GetTaskTx(ctx, tx, parentID)
	if err != nil {
		return nil, err
	}
	if parent.Status.IsTerminal() {
		return nil, domain.Invalid("parent_task_id", "task %s is already %s", parent.ID, parent.Status)
	}
	created := make([]domain.Task, 0, len(specs))
	for i, spec := range specs {
		for _, dep := range spec.DependsOn {
			if dep < 0 || dep >= i {
				return nil, domain.Invalid(fmt.Sprintf("subtasks[%d].depends_on", i), "index %d does not name an earlier sibling", dep)
			}
		}
		opts := spec.TaskCreateOptions
		opts.ParentTaskID = parent.ID
		opts.ProjectID = parent.ProjectID
		if opts.PlanningSessionID == "" {
			opts.PlanningSessionID = deref(parent.PlanningSessionID)
		}
		t, err := e.createTaskTx(ctx, tx, opts)
		if err != nil {
			return nil, fmt.Errorf("subtask %d: %w", i, err)
		}
		created = append(created, t)
	}
	for i, spec := range specs {
		for _, dep := range spec.DependsOn {
			if _, err := e.attachTx(ctx, tx, created[dep].ID, created[i].ID, domain.DependencyBlocking); err != nil {
				return nil, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	for i := range created {
		if t, err := e.Repo.GetTask(ctx, created[i].ID); err == nil {
			created[i] = t
		}
	}
	return created, nil
}

// AttachDependency records that childID depends on parentID. The edge is
// refused when it would close a cycle over the existing edges of any type.
func (e Engine) AttachDependency(ctx context.Context, parentID, childID string, depType domain.DependencyType) (domain.TaskDependency, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskDependency{}, err
	}
	defer tx.Rollback()

	dep, err := e.attachTx(ctx, tx, parentID, childID, depType)
	if err != nil {
		return domain.TaskDependency{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskDependency{}, err
	}
	return dep, nil
}

// MarkBlocking attaches a blocking edge blocker -> blocked.
func (e Engine) MarkBlocking(ctx context.Context, blockerID, blockedID string) (domain.TaskDependency, error) {
	return e.AttachDependency(ctx, blockerID, blockedID, domain.DependencyBlocking)
}

func (e Engine) attachTx(ctx context.Context, tx *sql.Tx, parentID, childID string, depType domain.DependencyType) (domain.TaskDependency, error) {
	if depType == "" {
		depType = domain.DependencyBlocking
	} else if _, err := domain.ParseDependencyType(string(depType)); err != nil {
		return domain.TaskDependency{}, err
	}
	if parentID == childID {
		return domain.TaskDependency{}, domain.Invalid("child_task_id", "a task cannot depend on itself")
	}
	parent, err := e.Repo.GetTaskTx(ctx, tx, parentID)
	if err != nil {
		return domain.TaskDependency{}, err
	}
	child, err := e.Repo.GetTaskTx(ctx, tx, childID)
	if err != nil {
		return domain.TaskDependency{}, err
	}
	if parent.ProjectID != child.ProjectID {
		return domain.TaskDependency{}, domain.Invalid("child_task_id", "tasks %s and %s belong to different projects", parent.ID, child.ID)
	}
	if _, err := e.Repo.GetDependencyTx(ctx, tx, parentID, childID); err == nil {
		return domain.TaskDependency{}, domain.Invalid("dependency", "%s -> %s already exists", parentID, childID)
	} else if !isNotFound(err) {
		return domain.TaskDependency{}, err
	}
	if err := e.ensureNoCycle(ctx, tx, parentID, childID); err != nil {
		return domain.TaskDependency{}, err
	}
	counted := depType == domain.DependencyBlocking && parent.Status != domain.TaskCompleted
	if counted && child.Status != domain.TaskPending && child.Status != domain.TaskAssigned {
		return domain.TaskDependency{}, domain.Invalid("child_task_id", "task %s is %s; blocking prerequisites can only be added before it starts", child.ID, child.Status)
	}
	now := e.stamp()
	dep := domain.TaskDependency{
		ID:           uuid.NewString(),
		ParentTaskID: parentID,
		ChildTaskID:  childID,
		Type:         depType,
		CreatedAt:    now,
	}
	if depType == domain.DependencyBlocking && !counted {
		// The prerequisite already completed, so the edge starts resolved.
		dep.ResolvedAt = &now
	}
	if err := e.Repo.InsertDependency(ctx, tx, dep); err != nil {
		return domain.TaskDependency{}, fmt.Errorf("insert dependency: %w", err)
	}
	data := events.EventPayload{"dependency_id": dep.ID, "parent_task_id": parentID, "type": string(depType)}
	if !counted {
		return dep, e.append(ctx, tx, e.taskDraft(child, "task.dependency_added", data))
	}
	childStatus, parentStatus := child.Status, parent.Status
	child.DependencyCount++
	parent.BlockingCount++
	if err := e.Repo.UpdateTask(ctx, tx, child, childStatus); err != nil {
		return domain.TaskDependency{}, err
	}
	if err := e.Repo.UpdateTask(ctx, tx, parent, parentStatus); err != nil {
		return domain.TaskDependency{}, err
	}
	return dep, e.append(ctx, tx,
		e.taskDraft(child, "task.dependency_added", data),
		e.taskDraft(parent, "task.blocking_marked", events.EventPayload{"dependency_id": dep.ID, "child_task_id": childID}),
	)
}

// ensureNoCycle walks prerequisites backwards from parentID. Reaching childID
// means the new edge parentID -> childID would close a loop.
func (e Engine) ensureNoCycle(ctx context.Context, tx *sql.Tx, parentID, childID string) error {
	prev := map[string]string{parentID: ""}
	queue := []string{parentID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		prereqs, err := e.Repo.PrerequisitesTx(ctx, tx, cur)
		if err != nil {
			return err
		}
		for _, p := range prereqs {
			if _, seen := prev[p]; seen {
				continue
			}
			prev[p] = cur
			if p == childID {
				path := []string{childID}
				for at := cur; at != ""; at = prev[at] {
					path = append(path, at)
				}
				path = append(path, childID)
				return &domain.CycleError{Parent: parentID, Child: childID, Path: path}
			}
			queue = append(queue, p)
		}
	}
	return nil
}

// ResolveDependency marks the edge parentID -> childID satisfied. It reports
// whether the child became ready. Resolving twice is a logged no-op.
func (e Engine) ResolveDependency(ctx context.Context, parentID, childID string) (domain.Task, bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, false, err
	}
	defer tx.Rollback()

	dep, err := e.Repo.GetDependencyTx(ctx, tx, parentID, childID)
	if err != nil {
		return domain.Task{}, false, err
	}
	child, ready, changed, err := e.releaseChildTx(ctx, tx, dep)
	if err != nil || !changed {
		return child, false, err
	}
	if dep.Type == domain.DependencyBlocking {
		parent, err := e.Repo.GetTaskTx(ctx, tx, parentID)
		if err != nil {
			return domain.Task{}, false, err
		}
		status := parent.Status
		if parent.BlockingCount > 0 {
			parent.BlockingCount--
		}
		if err := e.Repo.UpdateTask(ctx, tx, parent, status); err != nil {
			return domain.Task{}, false, err
		}
		if err := e.append(ctx, tx, e.taskDraft(parent, "task.blocking_released", events.EventPayload{"dependency_id": dep.ID, "child_task_id": childID})); err != nil {
			return domain.Task{}, false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, false, err
	}
	return child, ready, nil
}

// releaseChildTx stamps dep resolved and updates the child side. The caller
// owns the prerequisite's blocking_count.
func (e Engine) releaseChildTx(ctx context.Context, tx *sql.Tx, dep domain.TaskDependency) (domain.Task, bool, bool, error) {
	child, err := e.Repo.GetTaskTx(ctx, tx, dep.ChildTaskID)
	if err != nil {
		return domain.Task{}, false, false, err
	}
	if dep.Resolved() {
		e.logger().Printf("[task.resolve] noop parent=%s child=%s reason=already_resolved", dep.ParentTaskID, dep.ChildTaskID)
		return child, false, false, nil
	}
	counted := dep.Type == domain.DependencyBlocking
	if counted && child.DependencyCount == 0 {
		e.logger().Printf("[task.resolve] noop parent=%s child=%s reason=zero_counter", dep.ParentTaskID, dep.ChildTaskID)
		return child, false, false, nil
	}
	ok, err := e.Repo.MarkDependencyResolved(ctx, tx, dep.ID, e.stamp())
	if err != nil {
		return domain.Task{}, false, false, err
	}
	if !ok {
		e.logger().Printf("[task.resolve] noop parent=%s child=%s reason=already_resolved", dep.ParentTaskID, dep.ChildTaskID)
		return child, false, false, nil
	}
	ready := false
	if counted {
		status := child.Status
		child.DependencyCount--
		ready = child.DependencyCount == 0
		if err := e.Repo.UpdateTask(ctx, tx, child, status); err != nil {
			return domain.Task{}, false, false, err
		}
	}
	data := events.EventPayload{"dependency_id": dep.ID, "parent_task_id": dep.ParentTaskID, "type": string(dep.Type), "ready": ready}
	if err := e.append(ctx, tx, e.taskDraft(child, "task.dependency_resolved", data)); err != nil {
		return domain.Task{}, false, false, err
	}
	return child, ready, true, nil
}

// RemoveTask deletes a task that nothing still waits on, together with its
// edges. Subtasks are detached from it.
func (e Engine) RemoveTask(ctx context.Context, id string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if t.Status == domain.TaskAssigned || t.Status == domain.TaskInProgress {
		return domain.Invalid("status", "task %s is %s; cancel or finish it first", t.ID, t.Status)
	}
	waiting, err := e.Repo.ListDependenciesTx(ctx, tx, repo.DependencyFilters{ParentTaskID: id, Type: domain.DependencyBlocking, UnresolvedOnly: true})
	if err != nil {
		return err
	}
	if len(waiting) > 0 {
		return domain.Invalid("task", "%d dependent task(s) still wait on %s", len(waiting), id)
	}
	edges, err := e.Repo.DeleteDependenciesForTask(ctx, tx, id)
	if err != nil {
		return err
	}
	for _, d := range edges {
		if d.ChildTaskID != id || d.Type != domain.DependencyBlocking || d.Resolved() {
			continue
		}
		parent, err := e.Repo.GetTaskTx(ctx, tx, d.ParentTaskID)
		if err != nil {
			return err
		}
		status := parent.Status
		if parent.BlockingCount > 0 {
			parent.BlockingCount--
		}
		if err := e.Repo.UpdateTask(ctx, tx, parent, status); err != nil {
			return err
		}
		if err := e.append(ctx, tx, e.taskDraft(parent, "task.blocking_released", events.EventPayload{"dependency_id": d.ID, "child_task_id": id, "removed": true})); err != nil {
			return err
		}
	}
	children, err := e.Repo.ListChildrenTx(ctx, tx, id)
	if err != nil {
		return err
	}
	for _, cid := range children {
		c, err := e.Repo.GetTaskTx(ctx, tx, cid)
		if err != nil {
			return err
		}
		c.ParentTaskID = nil
		if err := e.Repo.UpdateTask(ctx, tx, c, c.Status); err != nil {
			return err
		}
		if err := e.append(ctx, tx, e.taskDraft(c, "task.detached", events.EventPayload{"former_parent_id": id})); err != nil {
			return err
		}
	}
	if err := e.Repo.DeleteTask(ctx, tx, id); err != nil {
		return err
	}
	if err := e.append(ctx, tx, e.taskDraft(t, "task.removed", events.EventPayload{"edges_removed": len(edges)})); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return e.Repo.GetTask(ctx, id)
}

func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, f)
}

// ListReadyTasks returns pending, unassigned tasks with no open blocking
// prerequisite, critical first and oldest first within a priority.
func (e Engine) ListReadyTasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	return e.Repo.ListReadyTasks(ctx, e.projectID(projectID))
}

func (e Engine) ListSubtasks(ctx context.Context, parentID string) ([]domain.Task, error) {
	if _, err := e.Repo.GetTask(ctx, parentID); err != nil {
		return nil, err
	}
	return e.Repo.ListTasks(ctx, repo.TaskFilters{Parent: parentID})
}

// ListDependencies returns the prerequisite edges of taskID.
func (e Engine) ListDependencies(ctx context.Context, taskID string) ([]domain.TaskDependency, error) {
	return e.Repo.ListDependencies(ctx, repo.DependencyFilters{ChildTaskID: taskID})
}

// ListDependents returns the edges of tasks waiting on taskID.
func (e Engine) ListDependents(ctx context.Context, taskID string) ([]domain.TaskDependency, error) {
	return e.Repo.ListDependencies(ctx, repo.DependencyFilters{ParentTaskID: taskID})
}

// EvaluateAcceptance scores result, or the task's stored result when result
// is nil, against the task's criteria and stores the evaluation.
func (e Engine) EvaluateAcceptance(ctx context.Context, taskID string, result *domain.ExecutionResult) (domain.Evaluation, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Evaluation{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Evaluation{}, err
	}
	res := result
	if res == nil {
		res = t.Result
	}
	eval := scoring.Evaluate(t.AcceptanceCriteria, res, e.acceptance())
	if res != nil {
		stored := *res
		stored.Evaluation = &eval
		t.Result = &stored
		if err := e.Repo.UpdateTask(ctx, tx, t, t.Status); err != nil {
			return domain.Evaluation{}, err
		}
	}
	if err := e.append(ctx, tx, e.taskDraft(t, "task.evaluated", events.EventPayload{"score": eval.Score, "passed": eval.Passed})); err != nil {
		return domain.Evaluation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Evaluation{}, err
	}
	return eval, nil
}

func (e Engine) EstimateComplexity(ctx context.Context, taskID string) (scoring.Complexity, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return scoring.Complexity{}, err
	}
	return scoring.EstimateComplexity(t), nil
}

func isNotFound(err error) bool {
	return err != nil && errors.Is(err, domain.ErrNotFound)
}
