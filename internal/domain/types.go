package domain

import (
	"fmt"
	"strings"
	"time"
)

type PermissionLevel int

const (
	PermissionReadOnly         PermissionLevel = 1
	PermissionReadExecute      PermissionLevel = 2
	PermissionReadExecuteWrite PermissionLevel = 3
	PermissionAdmin            PermissionLevel = 4
)

func (l PermissionLevel) String() string {
	switch l {
	case PermissionReadOnly:
		return "read_only"
	case PermissionReadExecute:
		return "read_execute"
	case PermissionReadExecuteWrite:
		return "read_execute_write"
	case PermissionAdmin:
		return "admin"
	default:
		return fmt.Sprintf("permission(%d)", int(l))
	}
}

// Allows reports whether a holder of level l may use a capability that
// requires the given level. Levels compare ordinally.
func (l PermissionLevel) Allows(required PermissionLevel) bool {
	return l >= required
}

func (l PermissionLevel) Valid() bool {
	return l >= PermissionReadOnly && l <= PermissionAdmin
}

func ParsePermissionLevel(s string) (PermissionLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "read_only", "readonly":
		return PermissionReadOnly, nil
	case "read_execute", "readexecute":
		return PermissionReadExecute, nil
	case "read_execute_write", "readexecutewrite":
		return PermissionReadExecuteWrite, nil
	case "admin":
		return PermissionAdmin, nil
	default:
		return 0, fmt.Errorf("unknown permission level %q", s)
	}
}

type AgentStatus string

const (
	AgentStatusIdle  AgentStatus = "idle"
	AgentStatusBusy  AgentStatus = "busy"
	AgentStatusError AgentStatus = "error"
)

type RequestStatus string

const (
	RequestStatusQueued     RequestStatus = "queued"
	RequestStatusCompleted  RequestStatus = "completed"
	RequestStatusFailed     RequestStatus = "failed"
	RequestStatusDenied     RequestStatus = "denied"
	RequestStatusUnroutable RequestStatus = "unroutable"
)

func (s RequestStatus) Terminal() bool {
	return s == RequestStatusCompleted ||
		s == RequestStatusFailed ||
		s == RequestStatusDenied ||
		s == RequestStatusUnroutable
}

// Capability is a named action an agent can perform, gated by the
// permission level and tool inventory it declares.
type Capability struct {
	Name              string          `json:"name"`
	Description       string          `json:"description"`
	RequiredLevel     PermissionLevel `json:"required_level"`
	RequiredTools     []string        `json:"required_tools,omitempty"`
	EstimatedDuration time.Duration   `json:"estimated_duration_ns"`
}

const (
	MinPriority = 1
	MaxPriority = 3
)

// Request is a routable unit of work. It is treated as immutable once
// submitted; the router owns its lifecycle from then on.
type Request struct {
	ID          string            `json:"id"`
	AgentType   string            `json:"agent_type"`
	Action      string            `json:"action"`
	Params      map[string]any    `json:"params,omitempty"`
	UserContext map[string]string `json:"user_context,omitempty"`
	Priority    int               `json:"priority"`
	SubmittedAt time.Time         `json:"submitted_at"`
}

// ClampPriority folds out-of-range priorities into [MinPriority, MaxPriority].
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

// Response records the terminal outcome of a request. Created once,
// never mutated afterwards.
type Response struct {
	RequestID     string            `json:"request_id"`
	AgentType     string            `json:"agent_type"`
	Status        RequestStatus     `json:"status"`
	Result        map[string]any    `json:"result,omitempty"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	ExecutionTime time.Duration     `json:"execution_time_ns"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CompletedAt   time.Time         `json:"completed_at"`
}

type MatchReason string

const (
	MatchReasonMatched          MatchReason = "matched"
	MatchReasonTypeMismatch     MatchReason = "type_mismatch"
	MatchReasonUnknownAction    MatchReason = "unknown_action"
	MatchReasonPermissionDenied MatchReason = "permission_denied"
)

// MatchOutcome is the typed result of asking an agent whether it can
// serve a request. Rejections carry a reason instead of an error so the
// router can tell "no match" from an internal failure.
type MatchOutcome struct {
	Matched bool        `json:"matched"`
	Reason  MatchReason `json:"reason"`
	Detail  string      `json:"detail,omitempty"`
}

func Matched() MatchOutcome {
	return MatchOutcome{Matched: true, Reason: MatchReasonMatched}
}

func Rejected(reason MatchReason, detail string) MatchOutcome {
	return MatchOutcome{Matched: false, Reason: reason, Detail: detail}
}

type DispatchOutcome string

const (
	DispatchOutcomeCompleted  DispatchOutcome = "completed"
	DispatchOutcomeFailed     DispatchOutcome = "failed"
	DispatchOutcomeDenied     DispatchOutcome = "denied"
	DispatchOutcomeUnroutable DispatchOutcome = "unroutable"
)

// DispatchRecord is one audit row per routing decision that produced a
// terminal status for a request.
type DispatchRecord struct {
	ID        int64           `json:"id"`
	RequestID string          `json:"request_id"`
	AgentID   string          `json:"agent_id,omitempty"`
	AgentType string          `json:"agent_type"`
	Action    string          `json:"action"`
	Outcome   DispatchOutcome `json:"outcome"`
	Reason    string          `json:"reason,omitempty"`
	Duration  time.Duration   `json:"duration_ns"`
	CreatedAt time.Time       `json:"created_at"`
}

// ExecutionEntry is one row of an agent's bounded execution history.
type ExecutionEntry struct {
	RequestID string        `json:"request_id"`
	Action    string        `json:"action"`
	Succeeded bool          `json:"succeeded"`
	Duration  time.Duration `json:"duration_ns"`
	At        time.Time     `json:"at"`
}

// AgentMetrics are running totals maintained per agent instance.
type AgentMetrics struct {
	Executions      int           `json:"executions"`
	Errors          int           `json:"errors"`
	TotalDuration   time.Duration `json:"total_duration_ns"`
	AverageDuration time.Duration `json:"average_duration_ns"`
}

// TeamRecord is a season line for one team; the analytics agents read
// and mutate these.
type TeamRecord struct {
	Team          string  `json:"team" toml:"team"`
	Conference    string  `json:"conference" toml:"conference"`
	Wins          int     `json:"wins" toml:"wins"`
	Losses        int     `json:"losses" toml:"losses"`
	PointsFor     int     `json:"points_for" toml:"points_for"`
	PointsAgainst int     `json:"points_against" toml:"points_against"`
	Rating        float64 `json:"rating" toml:"-"`
}
