package domain

import (
	"fmt"
	"strings"
)

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

var taskStatuses = []TaskStatus{TaskPending, TaskAssigned, TaskInProgress, TaskCompleted, TaskFailed, TaskCancelled}

// IsTerminal reports whether no further lifecycle transition is possible.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var priorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical}

// Rank orders priorities for scheduling; critical is 0.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	default:
		return 3
	}
}

type TaskType string

const (
	TaskFeature       TaskType = "feature"
	TaskBugfix        TaskType = "bugfix"
	TaskRefactor      TaskType = "refactor"
	TaskTesting       TaskType = "testing"
	TaskDocumentation TaskType = "documentation"
	TaskResearch      TaskType = "research"
	TaskDeployment    TaskType = "deployment"
)

var taskTypes = []TaskType{TaskFeature, TaskBugfix, TaskRefactor, TaskTesting, TaskDocumentation, TaskResearch, TaskDeployment}

type DependencyType string

const (
	DependencyBlocking DependencyType = "blocking"
	DependencySoft     DependencyType = "soft"
	DependencyResource DependencyType = "resource"
)

var dependencyTypes = []DependencyType{DependencyBlocking, DependencySoft, DependencyResource}

type CriterionType string

const (
	CriterionTestPassRate CriterionType = "test_pass_rate"
	CriterionTestCoverage CriterionType = "test_coverage"
	CriterionCodeQuality  CriterionType = "code_quality"
	CriterionPerformance  CriterionType = "performance"
	CriterionSecurity     CriterionType = "security"
	CriterionFunctional   CriterionType = "functional"
	CriterionCustom       CriterionType = "custom"
)

var criterionTypes = []CriterionType{CriterionTestPassRate, CriterionTestCoverage, CriterionCodeQuality, CriterionPerformance, CriterionSecurity, CriterionFunctional, CriterionCustom}

// LowerIsBetter reports whether smaller actual values satisfy the criterion.
func (c CriterionType) LowerIsBetter() bool {
	return c == CriterionPerformance
}

// Capability is one skill from the configured taxonomy.
type Capability string

const (
	CapFrontend      Capability = "frontend"
	CapBackend       Capability = "backend"
	CapDatabase      Capability = "database"
	CapDevOps        Capability = "devops"
	CapTesting       Capability = "testing"
	CapSecurity      Capability = "security"
	CapDocumentation Capability = "documentation"
	CapArchitecture  Capability = "architecture"
	CapDataScience   Capability = "data_science"
	CapMobile        Capability = "mobile"
)

// DefaultCapabilities is the taxonomy used when the config does not name one.
var DefaultCapabilities = []Capability{
	CapFrontend, CapBackend, CapDatabase, CapDevOps, CapTesting,
	CapSecurity, CapDocumentation, CapArchitecture, CapDataScience, CapMobile,
}

type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentWorking AgentStatus = "working"
	AgentPaused  AgentStatus = "paused"
	AgentError   AgentStatus = "error"
	AgentOffline AgentStatus = "offline"
)

var agentStatuses = []AgentStatus{AgentIdle, AgentWorking, AgentPaused, AgentError, AgentOffline}

type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDeclining Trend = "declining"
)

type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionTimeout   SessionStatus = "timeout"
)

var sessionStatuses = []SessionStatus{SessionPending, SessionRunning, SessionCompleted, SessionFailed, SessionTimeout}

func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionTimeout
}

type ConflictType string

const (
	ConflictDependencyCycle    ConflictType = "dependency_cycle"
	ConflictResourceContention ConflictType = "resource_contention"
	ConflictMergeConflict      ConflictType = "merge_conflict"
	ConflictCapabilityGap      ConflictType = "capability_gap"
	ConflictTimelineOverlap    ConflictType = "timeline_overlap"
)

var conflictTypes = []ConflictType{ConflictDependencyCycle, ConflictResourceContention, ConflictMergeConflict, ConflictCapabilityGap, ConflictTimelineOverlap}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// Rank orders severities for escalation queues; critical is 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 2
	default:
		return 3
	}
}

type ConflictStatus string

const (
	ConflictDetected  ConflictStatus = "detected"
	ConflictAnalyzing ConflictStatus = "analyzing"
	ConflictEscalated ConflictStatus = "escalated"
	ConflictResolving ConflictStatus = "resolving"
	ConflictResolved  ConflictStatus = "resolved"
	ConflictIgnored   ConflictStatus = "ignored"
)

var conflictStatuses = []ConflictStatus{ConflictDetected, ConflictAnalyzing, ConflictEscalated, ConflictResolving, ConflictResolved, ConflictIgnored}

func (s ConflictStatus) IsTerminal() bool {
	return s == ConflictResolved || s == ConflictIgnored
}

type DecisionType string

const (
	DecisionApprove  DecisionType = "approve"
	DecisionReject   DecisionType = "reject"
	DecisionModify   DecisionType = "modify"
	DecisionEscalate DecisionType = "escalate"
)

var decisionTypes = []DecisionType{DecisionApprove, DecisionReject, DecisionModify, DecisionEscalate}

type AggregateType string

const (
	AggregateTask     AggregateType = "task"
	AggregateAgent    AggregateType = "agent"
	AggregateSession  AggregateType = "execution_session"
	AggregateConflict AggregateType = "conflict"
)

var aggregateTypes = []AggregateType{AggregateTask, AggregateAgent, AggregateSession, AggregateConflict}

func parseEnum[T ~string](field, raw string, allowed []T) (T, error) {
	v := T(strings.ToLower(strings.TrimSpace(raw)))
	for _, a := range allowed {
		if a == v {
			return v, nil
		}
	}
	names := make([]string, len(allowed))
	for i, a := range allowed {
		names[i] = string(a)
	}
	var zero T
	return zero, &ValidationError{Field: field, Reason: fmt.Sprintf("unknown value %q (want one of %s)", raw, strings.Join(names, ", "))}
}

func orDefault[T ~string](raw string, allowed []T, def T) T {
	for _, a := range allowed {
		if string(a) == raw {
			return a
		}
	}
	return def
}

func ParseTaskStatus(s string) (TaskStatus, error) { return parseEnum("status", s, taskStatuses) }
func ParsePriority(s string) (Priority, error)     { return parseEnum("priority", s, priorities) }
func ParseTaskType(s string) (TaskType, error)     { return parseEnum("type", s, taskTypes) }
func ParseDependencyType(s string) (DependencyType, error) {
	return parseEnum("dependency_type", s, dependencyTypes)
}
func ParseCriterionType(s string) (CriterionType, error) {
	return parseEnum("criterion_type", s, criterionTypes)
}
func ParseAgentStatus(s string) (AgentStatus, error)     { return parseEnum("status", s, agentStatuses) }
func ParseSessionStatus(s string) (SessionStatus, error) { return parseEnum("status", s, sessionStatuses) }
func ParseConflictType(s string) (ConflictType, error)   { return parseEnum("type", s, conflictTypes) }
func ParseSeverity(s string) (Severity, error)           { return parseEnum("severity", s, severities) }
func ParseConflictStatus(s string) (ConflictStatus, error) {
	return parseEnum("status", s, conflictStatuses)
}
func ParseDecisionType(s string) (DecisionType, error) {
	return parseEnum("decision_type", s, decisionTypes)
}
func ParseAggregateType(s string) (AggregateType, error) {
	return parseEnum("aggregate_type", s, aggregateTypes)
}

// The OrDefault variants are used when reading stored rows. An unknown token
// maps to the least committal value of the enum instead of failing the read.

func TaskStatusOrDefault(s string) TaskStatus { return orDefault(s, taskStatuses, TaskPending) }
func PriorityOrDefault(s string) Priority     { return orDefault(s, priorities, PriorityMedium) }
func TaskTypeOrDefault(s string) TaskType     { return orDefault(s, taskTypes, TaskFeature) }
func DependencyTypeOrDefault(s string) DependencyType {
	return orDefault(s, dependencyTypes, DependencyBlocking)
}
func AgentStatusOrDefault(s string) AgentStatus { return orDefault(s, agentStatuses, AgentOffline) }
func SessionStatusOrDefault(s string) SessionStatus {
	return orDefault(s, sessionStatuses, SessionPending)
}
func ConflictTypeOrDefault(s string) ConflictType {
	return orDefault(s, conflictTypes, ConflictResourceContention)
}
func SeverityOrDefault(s string) Severity { return orDefault(s, severities, SeverityMedium) }
func ConflictStatusOrDefault(s string) ConflictStatus {
	return orDefault(s, conflictStatuses, ConflictDetected)
}
func DecisionTypeOrDefault(s string) DecisionType {
	return orDefault(s, decisionTypes, DecisionModify)
}
