// Package models defines the core domain types for lexgate.
package models

import (
	"fmt"
	"time"
)

// Stage is one named step of the fixed workflow sequence.
type Stage string

// Default reference sequence.
const (
	StageIntro Stage = "INTRO_EVT"
	StageComm  Stage = "COMM_EVT"
	StageFloor Stage = "FLOOR_EVT"
	StageFinal Stage = "FINAL_EVT"
	StageSign  Stage = "SIGN_EVT"
	StageImpl  Stage = "IMPL_EVT"
)

// DefaultStages returns the reference stage sequence in order.
func DefaultStages() []Stage {
	return []Stage{StageIntro, StageComm, StageFloor, StageFinal, StageSign, StageImpl}
}

// StageEntry is one row of the append-only stage history.
type StageEntry struct {
	Seq          int        `json:"seq"`
	Stage        Stage      `json:"stage"`
	EnteredAt    time.Time  `json:"entered_at"`
	ExitedAt     *time.Time `json:"exited_at,omitempty"` // derived from the next entry
	Actor        string     `json:"actor,omitempty"`
	Confirmation bool       `json:"confirmation,omitempty"`
}

// AgentType is the capability class of an agent.
type AgentType string

const (
	AgentTypeIntelligence AgentType = "INTELLIGENCE"
	AgentTypeAnalysis     AgentType = "ANALYSIS"
	AgentTypeDrafting     AgentType = "DRAFTING"
	AgentTypeExecution    AgentType = "EXECUTION"
)

// AgentTypes lists every agent type.
func AgentTypes() []AgentType {
	return []AgentType{AgentTypeIntelligence, AgentTypeAnalysis, AgentTypeDrafting, AgentTypeExecution}
}

// Valid reports whether t is a known agent type.
func (t AgentType) Valid() bool {
	switch t {
	case AgentTypeIntelligence, AgentTypeAnalysis, AgentTypeDrafting, AgentTypeExecution:
		return true
	}
	return false
}

// ExecutionClass reports whether agents of this type perform side effects.
func (t AgentType) ExecutionClass() bool {
	return t == AgentTypeExecution
}

// ParseAgentType converts s into an AgentType.
func ParseAgentType(s string) (AgentType, error) {
	t := AgentType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown agent type %q", s)
	}
	return t, nil
}

// AgentStatus is the stored lifecycle status of an agent.
type AgentStatus string

const (
	AgentStatusIdle          AgentStatus = "IDLE"
	AgentStatusRunning       AgentStatus = "RUNNING"
	AgentStatusWaitingReview AgentStatus = "WAITING_REVIEW"
	AgentStatusBlocked       AgentStatus = "BLOCKED"
	AgentStatusRetired       AgentStatus = "RETIRED"
)

// AgentStatuses lists every stored agent status.
func AgentStatuses() []AgentStatus {
	return []AgentStatus{AgentStatusIdle, AgentStatusRunning, AgentStatusWaitingReview, AgentStatusBlocked, AgentStatusRetired}
}

// Valid reports whether s is a known stored status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusIdle, AgentStatusRunning, AgentStatusWaitingReview, AgentStatusBlocked, AgentStatusRetired:
		return true
	}
	return false
}

// ParseAgentStatus converts s into an AgentStatus.
func ParseAgentStatus(s string) (AgentStatus, error) {
	st := AgentStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown agent status %q", s)
	}
	return st, nil
}

// DisplayStatus is what status queries report: the stored status, or the
// STALE overlay for a RUNNING agent whose liveness cannot be corroborated.
type DisplayStatus string

// DisplayStale is the diagnostic overlay label. It is never stored.
const DisplayStale DisplayStatus = "STALE"

// Agent is a registry entry. Entries are never deleted.
type Agent struct {
	ID            string      `json:"id"`
	Type          AgentType   `json:"type"`
	Status        AgentStatus `json:"status"`
	StatusReason  string      `json:"status_reason,omitempty"`
	PID           int         `json:"pid,omitempty"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
	Artifacts     []string    `json:"artifacts,omitempty"`
	Version       int64       `json:"version"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Display returns the status to report for a at now. A RUNNING agent whose
// last heartbeat is older than staleAfter is STALE unless its process was
// independently observed alive.
func (a Agent) Display(now time.Time, staleAfter time.Duration, corroborated bool) DisplayStatus {
	if a.Status == AgentStatusRunning && !corroborated && now.Sub(a.LastHeartbeat) > staleAfter {
		return DisplayStale
	}
	return DisplayStatus(a.Status)
}

// ArtifactStatus is the authority level of an artifact.
type ArtifactStatus string

const (
	ArtifactSpeculative      ArtifactStatus = "SPECULATIVE"
	ArtifactNonAuthoritative ArtifactStatus = "NON_AUTHORITATIVE"
	ArtifactActionable       ArtifactStatus = "ACTIONABLE"
	ArtifactRejected         ArtifactStatus = "REJECTED"
	ArtifactArchived         ArtifactStatus = "ARCHIVED"
)

// ArtifactStatuses lists every artifact status.
func ArtifactStatuses() []ArtifactStatus {
	return []ArtifactStatus{ArtifactSpeculative, ArtifactNonAuthoritative, ArtifactActionable, ArtifactRejected, ArtifactArchived}
}

// Valid reports whether s is a known artifact status.
func (s ArtifactStatus) Valid() bool {
	switch s {
	case ArtifactSpeculative, ArtifactNonAuthoritative, ArtifactActionable, ArtifactRejected, ArtifactArchived:
		return true
	}
	return false
}

// ParseArtifactStatus converts s into an ArtifactStatus.
func ParseArtifactStatus(s string) (ArtifactStatus, error) {
	st := ArtifactStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown artifact status %q", s)
	}
	return st, nil
}

// Artifact is a unit of agent output. Artifacts are never deleted.
type Artifact struct {
	ID             string         `json:"id"`
	AgentID        string         `json:"agent_id"`
	Stage          Stage          `json:"stage"`
	Status         ArtifactStatus `json:"status"`
	RequiresReview bool           `json:"requires_review"`
	GateID         string         `json:"gate_id,omitempty"`
	DependsOn      []string       `json:"depends_on,omitempty"`
	Version        int64          `json:"version"`
	GeneratedAt    time.Time      `json:"generated_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Decision is the state of a review item or execution approval.
type Decision string

const (
	DecisionPending  Decision = "PENDING"
	DecisionApproved Decision = "APPROVED"
	DecisionRejected Decision = "REJECTED"
)

// Terminal reports whether d is a final human decision.
func (d Decision) Terminal() bool {
	return d == DecisionApproved || d == DecisionRejected
}

// ParseDecision converts s into a terminal Decision. PENDING is not a
// decision a caller may submit.
func ParseDecision(s string) (Decision, error) {
	d := Decision(s)
	if !d.Terminal() {
		return "", fmt.Errorf("decision must be %s or %s, got %q", DecisionApproved, DecisionRejected, s)
	}
	return d, nil
}

// ReviewItem is one entry in a named gate queue.
type ReviewItem struct {
	ID          string     `json:"id"`
	GateID      string     `json:"gate_id"`
	ArtifactID  string     `json:"artifact_id"`
	SubmittedAt time.Time  `json:"submitted_at"`
	Decision    Decision   `json:"decision"`
	Actor       string     `json:"actor,omitempty"`
	Rationale   string     `json:"rationale,omitempty"`
	DecidedAt   *time.Time `json:"decided_at,omitempty"`
	BatchID     string     `json:"batch_id,omitempty"`
}

// ExecutionResult is the outcome of running an approved request.
type ExecutionResult string

const (
	ExecutionNotRun    ExecutionResult = ""
	ExecutionExecuting ExecutionResult = "EXECUTING"
	ExecutionExecuted  ExecutionResult = "EXECUTED"
	ExecutionFailed    ExecutionResult = "FAILED"
)

// ExecutionRequest is a gated side-effecting action.
type ExecutionRequest struct {
	ID           string          `json:"id"`
	Channel      string          `json:"channel"`
	PayloadRef   string          `json:"payload_ref"`
	Payload      string          `json:"payload,omitempty"`
	DryRun       bool            `json:"dry_run"`
	RequestedBy  string          `json:"requested_by"`
	Approval     Decision        `json:"approval"`
	Actor        string          `json:"actor,omitempty"`
	Rationale    string          `json:"rationale,omitempty"`
	DecidedAt    *time.Time      `json:"decided_at,omitempty"`
	Result       ExecutionResult `json:"result,omitempty"`
	ResultDetail string          `json:"result_detail,omitempty"`
	ExecutedAt   *time.Time      `json:"executed_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// AuditEvent is one immutable record of the audit stream.
type AuditEvent struct {
	ID         string    `json:"id"`
	Seq        int64     `json:"seq"`
	Action     string    `json:"action"`
	Actor      string    `json:"actor,omitempty"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id,omitempty"`
	FromState  string    `json:"from_state,omitempty"`
	ToState    string    `json:"to_state,omitempty"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Output is one artifact carried by an agent report.
type Output struct {
	ArtifactID     string         `json:"artifact_id"`
	RequiresReview bool           `json:"requires_review"`
	Status         ArtifactStatus `json:"status"`
	Stage          Stage          `json:"stage,omitempty"`
	GateID         string         `json:"gate_id,omitempty"`
	DependsOn      []string       `json:"depends_on,omitempty"`
}
