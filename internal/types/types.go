// Package types defines the domain entities shared by every tx subsystem:
// tasks and their dependency edges, workers and claims, runs, learnings,
// anchors, and the heterogeneous graph edges that tie them together.
package types

import "time"

// =============================================================================
// TASKS
// =============================================================================

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusBacklog          TaskStatus = "backlog"
	StatusReady            TaskStatus = "ready"
	StatusPlanning         TaskStatus = "planning"
	StatusActive           TaskStatus = "active"
	StatusBlocked          TaskStatus = "blocked"
	StatusReview           TaskStatus = "review"
	StatusHumanNeedsReview TaskStatus = "human_needs_to_review"
	StatusDone             TaskStatus = "done"
)

// WorkableStatuses are the statuses a task may hold and still be picked up
// by the scheduler once its blockers are done.
var WorkableStatuses = []TaskStatus{StatusBacklog, StatusReady, StatusPlanning}

// ValidTaskStatus reports whether s names a known task status.
func ValidTaskStatus(s TaskStatus) bool {
	switch s {
	case StatusBacklog, StatusReady, StatusPlanning, StatusActive,
		StatusBlocked, StatusReview, StatusHumanNeedsReview, StatusDone:
		return true
	}
	return false
}

// IsWorkable reports whether a task in status s can be scheduled.
func IsWorkable(s TaskStatus) bool {
	for _, w := range WorkableStatuses {
		if s == w {
			return true
		}
	}
	return false
}

const (
	// DefaultScore is assigned to tasks created without an explicit priority.
	DefaultScore = 500
	// MaxScore bounds the priority range [0, MaxScore].
	MaxScore = 1000
	// MaxParentDepth bounds the parent chain.
	MaxParentDepth = 10
	// MaxAncestorDepth bounds upward traversals.
	MaxAncestorDepth = 100
)

// Task is a unit of schedulable work.
type Task struct {
	ID          string                 `json:"id"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Status      TaskStatus             `json:"status"`
	Score       int                    `json:"score"`
	ParentID    string                 `json:"parentId,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"createdAt"`
	UpdatedAt   time.Time              `json:"updatedAt"`
	CompletedAt *time.Time             `json:"completedAt,omitempty"`
}

// TaskWithDeps is the computed dependency view of a task.
type TaskWithDeps struct {
	Task
	BlockedBy []string `json:"blockedBy"` // ids of tasks that must finish first
	Blocks    []string `json:"blocks"`    // ids of tasks waiting on this one
	Children  []string `json:"children"`
	IsReady   bool     `json:"isReady"`
}

// TaskTreeNode is one node of a hierarchical task tree.
type TaskTreeNode struct {
	Task     Task            `json:"task"`
	Children []*TaskTreeNode `json:"children,omitempty"`
}

// =============================================================================
// WORKERS AND CLAIMS
// =============================================================================

// WorkerStatus is the lifecycle state of a registered worker.
type WorkerStatus string

const (
	WorkerStarting WorkerStatus = "starting"
	WorkerIdle     WorkerStatus = "idle"
	WorkerBusy     WorkerStatus = "busy"
	WorkerStopping WorkerStatus = "stopping"
	WorkerDead     WorkerStatus = "dead"
)

// ValidWorkerStatus reports whether s names a known worker status.
func ValidWorkerStatus(s WorkerStatus) bool {
	switch s {
	case WorkerStarting, WorkerIdle, WorkerBusy, WorkerStopping, WorkerDead:
		return true
	}
	return false
}

// Worker is a registered agent process.
type Worker struct {
	ID              string                 `json:"id"`
	Hostname        string                 `json:"hostname"`
	PID             int                    `json:"pid"`
	Capabilities    []string               `json:"capabilities,omitempty"`
	Status          WorkerStatus           `json:"status"`
	CurrentTaskID   string                 `json:"currentTaskId,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	RegisteredAt    time.Time              `json:"registeredAt"`
	LastHeartbeatAt time.Time              `json:"lastHeartbeatAt"`
}

// ClaimStatus is the state of a task lease.
type ClaimStatus string

const (
	ClaimActive   ClaimStatus = "active"
	ClaimReleased ClaimStatus = "released"
)

// Claim is an exclusive lease of a task by a worker. At most one active
// claim exists per task, enforced by a partial unique index in the store.
type Claim struct {
	ID         int64       `json:"id"`
	TaskID     string      `json:"taskId"`
	WorkerID   string      `json:"workerId"`
	Status     ClaimStatus `json:"status"`
	ClaimedAt  time.Time   `json:"claimedAt"`
	ReleasedAt *time.Time  `json:"releasedAt,omitempty"`
}

// =============================================================================
// RUNS
// =============================================================================

// RunStatus is the lifecycle state of an execution session.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunReaped    RunStatus = "reaped"
)

// ValidRunStatus reports whether s names a known run status.
func ValidRunStatus(s RunStatus) bool {
	switch s {
	case RunRunning, RunCompleted, RunFailed, RunReaped:
		return true
	}
	return false
}

// Run is one attempt by a worker at a task.
type Run struct {
	ID              string     `json:"id"`
	Agent           string     `json:"agent"`
	TaskID          string     `json:"taskId,omitempty"`
	WorkerID        string     `json:"workerId,omitempty"`
	PID             int        `json:"pid"`
	TranscriptPath  string     `json:"transcriptPath,omitempty"`
	StdoutBytes     int64      `json:"stdoutBytes"`
	StderrBytes     int64      `json:"stderrBytes"`
	TranscriptBytes int64      `json:"transcriptBytes"`
	Status          RunStatus  `json:"status"`
	ExitCode        *int       `json:"exitCode,omitempty"`
	Summary         string     `json:"summary,omitempty"`
	ErrorMessage    string     `json:"errorMessage,omitempty"`
	LastActivityAt  time.Time  `json:"lastActivityAt"`
	LastCheckAt     time.Time  `json:"lastCheckAt"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
}

// StallReason explains why a run was considered stalled.
type StallReason string

const (
	StallTranscriptIdle StallReason = "transcript_idle"
	StallHeartbeatLag   StallReason = "heartbeat_lag"
)

// StalledRun annotates a running run with the staleness signal that fired.
type StalledRun struct {
	Run        Run           `json:"run"`
	Reason     StallReason   `json:"reason"`
	ObservedBy time.Duration `json:"observedLag"`
}

// =============================================================================
// LEARNINGS
// =============================================================================

// LearningSource describes where a learning came from.
type LearningSource string

const (
	SourceManual LearningSource = "manual"
	SourceAgent  LearningSource = "agent"
	SourceRun    LearningSource = "run"
	SourceImport LearningSource = "import"
)

// Learning is a piece of durable knowledge deposited by an agent or human.
type Learning struct {
	ID           int64          `json:"id"`
	Content      string         `json:"content"`
	ContentHash  string         `json:"contentHash,omitempty"`
	SourceType   LearningSource `json:"sourceType"`
	SourceRef    string         `json:"sourceRef,omitempty"`
	Keywords     []string       `json:"keywords,omitempty"`
	Category     string         `json:"category,omitempty"`
	UsageCount   int64          `json:"usageCount"`
	LastUsedAt   *time.Time     `json:"lastUsedAt,omitempty"`
	OutcomeScore *float64       `json:"outcomeScore,omitempty"` // nil = neutral
	Embedding    []float32      `json:"-"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// ScoredLearning is a learning annotated with every retrieval signal that
// contributed to its position in a search result.
type ScoredLearning struct {
	Learning
	RelevanceScore float64  `json:"relevanceScore"`
	BM25Score      float64  `json:"bm25Score"`
	VectorScore    float64  `json:"vectorScore"`
	RecencyScore   float64  `json:"recencyScore"`
	RRFScore       float64  `json:"rrfScore"`
	BM25Rank       int      `json:"bm25Rank"`   // 0 = not in lexical list
	VectorRank     int      `json:"vectorRank"` // 0 = not in dense list
	RerankerScore  *float64 `json:"rerankerScore,omitempty"`
}

// =============================================================================
// ANCHORS
// =============================================================================

// AnchorType selects the verification predicate for an anchor.
type AnchorType string

const (
	AnchorGlob      AnchorType = "glob"
	AnchorHash      AnchorType = "hash"
	AnchorSymbol    AnchorType = "symbol"
	AnchorLineRange AnchorType = "line_range"
)

// ValidAnchorType reports whether t names a known anchor type.
func ValidAnchorType(t AnchorType) bool {
	switch t {
	case AnchorGlob, AnchorHash, AnchorSymbol, AnchorLineRange:
		return true
	}
	return false
}

// AnchorStatus is the verification state of an anchor.
type AnchorStatus string

const (
	AnchorValid   AnchorStatus = "valid"
	AnchorDrifted AnchorStatus = "drifted"
	AnchorInvalid AnchorStatus = "invalid"
)

// DetectedBy records what triggered an anchor status transition.
type DetectedBy string

const (
	DetectedPeriodic DetectedBy = "periodic"
	DetectedLazy     DetectedBy = "lazy"
	DetectedManual   DetectedBy = "manual"
	DetectedAgent    DetectedBy = "agent"
	DetectedGitHook  DetectedBy = "git_hook"
)

// Anchor ties a learning to a source-code location.
type Anchor struct {
	ID             int64        `json:"id"`
	LearningID     int64        `json:"learningId"`
	AnchorType     AnchorType   `json:"anchorType"`
	FilePath       string       `json:"filePath"`
	AnchorValue    string       `json:"anchorValue"`
	ContentHash    string       `json:"contentHash,omitempty"`
	ContentPreview string       `json:"contentPreview,omitempty"`
	SymbolName     string       `json:"symbolName,omitempty"`
	LineStart      int          `json:"lineStart,omitempty"` // 1-indexed
	LineEnd        int          `json:"lineEnd,omitempty"`
	Status         AnchorStatus `json:"status"`
	Pinned         bool         `json:"pinned"`
	VerifiedAt     *time.Time   `json:"verifiedAt,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	DeletedAt      *time.Time   `json:"deletedAt,omitempty"`
}

// InvalidationEntry is one append-only audit row of an anchor transition.
type InvalidationEntry struct {
	ID              int64        `json:"id"`
	AnchorID        int64        `json:"anchorId"`
	OldStatus       AnchorStatus `json:"oldStatus"`
	NewStatus       AnchorStatus `json:"newStatus"`
	Reason          string       `json:"reason"`
	DetectedBy      DetectedBy   `json:"detectedBy"`
	OldContentHash  string       `json:"oldContentHash,omitempty"`
	NewContentHash  string       `json:"newContentHash,omitempty"`
	SimilarityScore *float64     `json:"similarityScore,omitempty"`
	CreatedAt       time.Time    `json:"createdAt"`
}

// =============================================================================
// GRAPH EDGES
// =============================================================================

// EdgeType names a relation in the heterogeneous knowledge graph.
type EdgeType string

const (
	EdgeUsedInRun   EdgeType = "USED_IN_RUN"
	EdgeAnchoredAt  EdgeType = "ANCHORED_AT"
	EdgeDerivedFrom EdgeType = "DERIVED_FROM"
)

// NodeType names the entity kind an edge endpoint refers to.
type NodeType string

const (
	NodeLearning NodeType = "learning"
	NodeTask     NodeType = "task"
	NodeAnchor   NodeType = "anchor"
	NodeRun      NodeType = "run"
)

// Edge is a typed, weighted, soft-deletable edge between two nodes.
type Edge struct {
	ID            string                 `json:"id"`
	SourceType    NodeType               `json:"sourceType"`
	SourceID      string                 `json:"sourceId"`
	EdgeType      EdgeType               `json:"edgeType"`
	TargetType    NodeType               `json:"targetType"`
	TargetID      string                 `json:"targetId"`
	Weight        float64                `json:"weight"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt     time.Time              `json:"createdAt"`
	InvalidatedAt *time.Time             `json:"invalidatedAt,omitempty"` // nil = live
}

// Now returns the current UTC time truncated to millisecond resolution,
// the granularity persisted by the store.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
