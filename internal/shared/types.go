// Package shared holds the wire and domain types used across every layer
// of the mesh: the orchestrator, the adapters, the cluster coordinator, and
// the stores. Kept together in one package the way the teacher's
// shared/types.go anchors both binaries of the mesh.
package shared

import "time"

// ─── Task category ─────────────────────────────────────────────────────────

// Category is the classifier's closed set of task labels.
type Category string

const (
	CategoryCodeGeneration   Category = "code_generation"
	CategoryCodeReview       Category = "code_review"
	CategoryBugSearch        Category = "bug_search"
	CategoryRefactor         Category = "refactor"
	CategoryDocumentation    Category = "documentation"
	CategoryCodebaseAnalysis Category = "codebase_analysis"
	CategoryQuickQuery       Category = "quick_query"
	CategoryGeneral          Category = "general"
)

// TaskInfo is the classifier's immutable output.
type TaskInfo struct {
	Category            Category
	FileCount           int
	TotalBytes          int64
	UseParallel         bool
	RecommendedServices []string
}

// ─── Service descriptor ────────────────────────────────────────────────────

// ServiceKind is invariant for the lifetime of a service descriptor.
type ServiceKind string

const (
	ServiceKindCLI    ServiceKind = "cli"
	ServiceKindOllama ServiceKind = "ollama_http"
	ServiceKindOpenAI ServiceKind = "openai_http"
)

// ServiceDescriptor is a snapshot of one configured backend.
type ServiceDescriptor struct {
	ID                string      `yaml:"id" json:"id"`
	Kind              ServiceKind `yaml:"kind" json:"kind"`
	Enabled           bool        `yaml:"enabled" json:"enabled"`
	BaseURL           string      `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	DefaultModel      string      `yaml:"default_model,omitempty" json:"default_model,omitempty"`
	Executable        string      `yaml:"executable,omitempty" json:"executable,omitempty"`
	APIKey            string      `yaml:"api_key,omitempty" json:"-"`
	CapabilityTags    []string    `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	ContextWindowHint int         `yaml:"context_window,omitempty" json:"context_window,omitempty"`
}

// ─── Routing rule / decision ───────────────────────────────────────────────

// RoutingRule is the per-category configuration consulted by the router.
type RoutingRule struct {
	Category              Category `yaml:"category" json:"category"`
	Primary               string   `yaml:"primary" json:"primary"`
	Fallbacks             []string `yaml:"fallbacks" json:"fallbacks"`
	ParallelThresholdFile int      `yaml:"parallel_threshold_files" json:"parallel_threshold_files"`
	TimeoutSeconds        int      `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// ExecutionMode selects how the orchestrator fans a task out.
type ExecutionMode string

const (
	ModeSingle       ExecutionMode = "single"
	ModeParallel     ExecutionMode = "parallel"
	ModeBroadcastAll ExecutionMode = "broadcast_all"
)

// RouterDecision is produced fresh for every request.
type RouterDecision struct {
	Primary   string
	Fallbacks []string
	Mode      ExecutionMode
	Timeout   time.Duration
	// Services is populated only in ModeBroadcastAll: every currently
	// available service id rather than a single primary.
	Services []string
}

// ─── Task record ────────────────────────────────────────────────────────────

// TaskStatus is the task record's state machine label.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// BroadcastResult is one service's contribution to a broadcast-all task.
type BroadcastResult struct {
	ServiceID   string    `json:"service_id"`
	Chunks      int       `json:"chunks"`
	Bytes       int       `json:"bytes"`
	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// TaskRecord is the durable row describing one request through its
// life cycle. Transitions are monotonic; timestamps are set exactly once.
type TaskRecord struct {
	ID               string            `json:"id"`
	Status           TaskStatus        `json:"status"`
	Prompt           string            `json:"prompt"`
	Files            []string          `json:"files"`
	Preferences      map[string]string `json:"preferences"`
	AssignedService  string            `json:"assigned_service"`
	Category         Category          `json:"category"`
	ExecutionMode    ExecutionMode     `json:"execution_mode"`
	Result           string            `json:"result"`
	Error            string            `json:"error,omitempty"`
	Broadcast        []BroadcastResult `json:"broadcast,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	StartedAt        time.Time         `json:"started_at"`
	CompletedAt      time.Time         `json:"completed_at"`
	DurationMillis   int64             `json:"duration_ms"`
}

// ─── Conversation / memory ──────────────────────────────────────────────────

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one append-only conversation turn.
type Message struct {
	ID        string            `json:"id"`
	Role      Role              `json:"role"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Conversation is append-only: messages only ever grow.
type Conversation struct {
	ID        string            `json:"id"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Messages  []Message         `json:"messages"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ─── Cost / budget ───────────────────────────────────────────────────────

// CostRecord is immutable once inserted.
type CostRecord struct {
	ID          int64     `json:"id"`
	TaskID      string    `json:"task_id"`
	ServiceID   string    `json:"service_id"`
	TokensIn    int64     `json:"tokens_in"`
	TokensOut   int64     `json:"tokens_out"`
	CostUSD     float64   `json:"cost_usd"`
	Timestamp   time.Time `json:"timestamp"`
}

// Budget is the active-spend ceiling for a period. At most one active
// budget exists per period at any time.
type Budget struct {
	Period        string  `json:"period"`
	LimitUSD      float64 `json:"limit_usd"`
	AlertFraction float64 `json:"alert_fraction"`
	Active        bool    `json:"active"`
}

// BudgetAlert is returned by CheckBudget when spend has crossed the
// alert fraction for the period.
type BudgetAlert struct {
	Period        string  `json:"period"`
	LimitUSD      float64 `json:"limit_usd"`
	CurrentUSD    float64 `json:"current_usd"`
	Ratio         float64 `json:"ratio"`
	AlertFraction float64 `json:"alert_fraction"`
	Exceeded      bool    `json:"exceeded"`
}

// ─── Cluster / peers ────────────────────────────────────────────────────────

// ServiceSummary is the capability summary a peer advertises for one of
// its services — enough for remote routing decisions, not a full descriptor.
type ServiceSummary struct {
	Type         ServiceKind `json:"type"`
	Models       []string    `json:"models,omitempty"`
	Capabilities []string    `json:"capabilities,omitempty"`
	BaseURL      string      `json:"base_url,omitempty"`
}

// PeerNode is how the cluster coordinator tracks another mesh instance.
type PeerNode struct {
	NodeID      string                    `json:"node_id"`
	Hostname    string                    `json:"hostname"`
	IP          string                    `json:"ip_address"`
	Port        int                       `json:"port"`
	Services    map[string]ServiceSummary `json:"services"`
	CPUPercent  float64                   `json:"cpu_percent"`
	MemPercent  float64                   `json:"memory_percent"`
	ActiveTasks int                       `json:"active_tasks"`
	TotalTasks  int                       `json:"total_tasks"`
	LastSeen    time.Time                 `json:"last_seen"`
	Healthy     bool                      `json:"healthy"`
	Enabled     bool                      `json:"enabled"`
	Version     string                    `json:"oxide_version,omitempty"`
	Features    []string                  `json:"features,omitempty"`
	FirstSeen   time.Time                 `json:"first_seen"`
}

// DiscoveryMessage is the UTF-8 JSON UDP broadcast datagram, ≤4096 bytes.
type DiscoveryMessage struct {
	Type string   `json:"type"`
	Node PeerNode `json:"node"`
}

const DiscoveryMessageType = "oxide_node"

// ─── Execution preferences ──────────────────────────────────────────────────

// ExecutePreferences is the closed struct replacing the distilled spec's
// open-ended preferences map. Unknown keys arriving over the wire (see
// cmd/oxide-node's HTTP decode) are never rejected; the JSON decode drops
// them silently, without logging a warning.
type ExecutePreferences struct {
	PreferredService string
	TaskType         string
	TimeoutSeconds   int
	ConversationID   string
	UseMemory        *bool // nil means "use default" (true)
	TaskID           string
	BroadcastAll     bool
}

func (p ExecutePreferences) UseMemoryOrDefault() bool {
	if p.UseMemory == nil {
		return true
	}
	return *p.UseMemory
}
