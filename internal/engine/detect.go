package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"fleetline/internal/domain"
	"fleetline/internal/repo"
)

// ScanConflicts inspects the project's current plan and records every problem
// not already tracked by an open conflict of the same type and affected set.
func (e Engine) ScanConflicts(ctx context.Context, projectID string) ([]domain.Conflict, error) {
	project := e.projectID(projectID)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	active, err := e.Repo.ListConflictsTx(ctx, tx, repo.ConflictFilters{ProjectID: project, ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(active))
	for _, c := range active {
		known[conflictKey(c.Type, c.AffectedTaskIDs, c.AffectedAgentIDs)] = true
	}

	var found []ConflictOptions
	for _, scan := range []func(context.Context, *sql.Tx, string) ([]ConflictOptions, error){
		e.scanCycles,
		e.scanContention,
		e.scanCapabilityGaps,
		e.scanOverlaps,
	} {
		opts, err := scan(ctx, tx, project)
		if err != nil {
			return nil, err
		}
		found = append(found, opts...)
	}

	var raised []domain.Conflict
	for _, opts := range found {
		key := conflictKey(opts.Type, dedupe(opts.AffectedTaskIDs), dedupe(opts.AffectedAgentIDs))
		if known[key] {
			continue
		}
		known[key] = true
		opts.ProjectID = project
		c, err := e.detectConflictTx(ctx, tx, opts)
		if err != nil {
			return nil, err
		}
		raised = append(raised, c)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	for _, c := range raised {
		e.conflictRaised(ctx, c)
	}
	if len(raised) > 0 {
		e.logger().Printf("[conflict.scan] project=%s raised=%d", project, len(raised))
	}
	return raised, nil
}

// scanCycles walks the dependency graph depth first. A gray node reached
// again closes a cycle made of the stack segment above it.
func (e Engine) scanCycles(ctx context.Context, tx *sql.Tx, project string) ([]ConflictOptions, error) {
	edges, err := e.Repo.ListDependenciesTx(ctx, tx, repo.DependencyFilters{ProjectID: project})
	if err != nil {
		return nil, err
	}
	adj := map[string][]string{}
	var nodes []string
	seen := map[string]bool{}
	for _, d := range edges {
		adj[d.ParentTaskID] = append(adj[d.ParentTaskID], d.ChildTaskID)
		for _, id := range []string{d.ParentTaskID, d.ChildTaskID} {
			if !seen[id] {
				seen[id] = true
				nodes = append(nodes, id)
			}
		}
	}
	sort.Strings(nodes)
	for _, n := range nodes {
		sort.Strings(adj[n])
	}

	const (
		white = iota
		gray
		black
	)
	color := map[string]int{}
	var stack []string
	var cycles [][]string
	var visit func(string)
	visit = func(id string) {
		color[id] = gray
		stack = append(stack, id)
		for _, next := range adj[id] {
			switch color[next] {
			case white:
				visit(next)
			case gray:
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == next {
						cycles = append(cycles, append([]string(nil), stack[i:]...))
						break
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
	}
	for _, n := range nodes {
		if color[n] == white {
			visit(n)
		}
	}

	out := make([]ConflictOptions, 0, len(cycles))
	for _, cyc := range cycles {
		out = append(out, ConflictOptions{
			Type:            domain.ConflictDependencyCycle,
			Severity:        domain.SeverityCritical,
			Title:           fmt.Sprintf("dependency cycle across %d tasks", len(cyc)),
			Description:     strings.Join(append(cyc, cyc[0]), " -> "),
			RelatedEntities: taskRefs(cyc),
			AffectedTaskIDs: cyc,
		})
	}
	return out, nil
}

// scanContention flags branches with more than one running session.
func (e Engine) scanContention(ctx context.Context, tx *sql.Tx, project string) ([]ConflictOptions, error) {
	running, err := e.Repo.ListSessionsTx(ctx, tx, repo.SessionFilters{ProjectID: project, Status: domain.SessionRunning})
	if err != nil {
		return nil, err
	}
	byBranch := map[string][]domain.ExecutionSession{}
	var branches []string
	for _, s := range running {
		if s.GitBranch == "" {
			continue
		}
		if _, ok := byBranch[s.GitBranch]; !ok {
			branches = append(branches, s.GitBranch)
		}
		byBranch[s.GitBranch] = append(byBranch[s.GitBranch], s)
	}
	sort.Strings(branches)
	var out []ConflictOptions
	for _, b := range branches {
		group := byBranch[b]
		if len(group) < 2 {
			continue
		}
		var tasks, agents []string
		related := []domain.EntityRef{{Kind: "branch", ID: b}}
		for _, s := range group {
			tasks = append(tasks, s.TaskID)
			agents = append(agents, s.AgentID)
			related = append(related, domain.EntityRef{Kind: string(domain.AggregateSession), ID: s.ID})
		}
		out = append(out, ConflictOptions{
			Type:             domain.ConflictResourceContention,
			Severity:         domain.SeverityHigh,
			Title:            fmt.Sprintf("%d sessions running on branch %s", len(group), b),
			RelatedEntities:  related,
			AffectedTaskIDs:  tasks,
			AffectedAgentIDs: agents,
		})
	}
	return out, nil
}

// scanCapabilityGaps flags ready tasks no available agent could take.
func (e Engine) scanCapabilityGaps(ctx context.Context, tx *sql.Tx, project string) ([]ConflictOptions, error) {
	ready, err := e.Repo.ListReadyTasksTx(ctx, tx, project)
	if err != nil {
		return nil, err
	}
	agents, err := e.Repo.ListAgentsTx(ctx, tx, repo.AgentFilters{ExcludeOffline: true})
	if err != nil {
		return nil, err
	}
	var out []ConflictOptions
	for _, t := range ready {
		if len(t.RequiredCapabilities) == 0 || anyCovers(agents, t.RequiredCapabilities) {
			continue
		}
		out = append(out, gapConflict(t))
	}
	return out, nil
}

func anyCovers(agents []domain.Agent, required []domain.Capability) bool {
	for _, a := range agents {
		if a.Covers(required) {
			return true
		}
	}
	return false
}

func gapConflict(t domain.Task) ConflictOptions {
	sev := domain.SeverityMedium
	switch t.Priority {
	case domain.PriorityCritical:
		sev = domain.SeverityCritical
	case domain.PriorityHigh:
		sev = domain.SeverityHigh
	}
	return ConflictOptions{
		Type:            domain.ConflictCapabilityGap,
		Severity:        sev,
		Title:           "no agent covers " + capList(t.RequiredCapabilities),
		Description:     fmt.Sprintf("task %q requires %s", t.Title, capList(t.RequiredCapabilities)),
		RelatedEntities: taskRefs([]string{t.ID}),
		AffectedTaskIDs: []string{t.ID},
	}
}

// scanOverlaps flags agents holding more active tasks than they may run at once.
func (e Engine) scanOverlaps(ctx context.Context, tx *sql.Tx, project string) ([]ConflictOptions, error) {
	held := map[string][]string{}
	var owners []string
	for _, status := range []domain.TaskStatus{domain.TaskAssigned, domain.TaskInProgress} {
		tasks, err := e.Repo.ListTasksTx(ctx, tx, repo.TaskFilters{ProjectID: project, Status: status})
		if err != nil {
			return nil, err
		}
		for _, t := range tasks {
			if t.AssignedAgentID == nil {
				continue
			}
			id := *t.AssignedAgentID
			if _, ok := held[id]; !ok {
				owners = append(owners, id)
			}
			held[id] = append(held[id], t.ID)
		}
	}
	sort.Strings(owners)
	var out []ConflictOptions
	for _, id := range owners {
		tasks := held[id]
		limit := 1
		if a, err := e.Repo.GetAgentTx(ctx, tx, id); err == nil && a.Config.MaxConcurrentTasks > 1 {
			limit = a.Config.MaxConcurrentTasks
		} else if err != nil && !isNotFound(err) {
			return nil, err
		}
		if len(tasks) <= limit {
			continue
		}
		sort.Strings(tasks)
		out = append(out, ConflictOptions{
			Type:             domain.ConflictTimelineOverlap,
			Severity:         domain.SeverityMedium,
			Title:            fmt.Sprintf("agent %s holds %d active tasks", id, len(tasks)),
			RelatedEntities:  append(taskRefs(tasks), domain.EntityRef{Kind: string(domain.AggregateAgent), ID: id}),
			AffectedTaskIDs:  tasks,
			AffectedAgentIDs: []string{id},
		})
	}
	return out, nil
}

func taskRefs(ids []string) []domain.EntityRef {
	refs := make([]domain.EntityRef, len(ids))
	for i, id := range ids {
		refs[i] = domain.EntityRef{Kind: string(domain.AggregateTask), ID: id}
	}
	return refs
}
