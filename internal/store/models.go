package store

import "time"

type Project struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenant_id"`
	Slug           string     `json:"slug"`
	Visibility     string     `json:"visibility"` // "private" | "public"
	ActivePolicyID string     `json:"active_policy_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
}

type Repo struct {
	ID              string    `json:"id"`
	ProjectID       string    `json:"project_id"`
	CanonicalOrigin string    `json:"canonical_origin"`
	CreatedAt       time.Time `json:"created_at"`
}

type Workspace struct {
	ID         string     `json:"id"` // equals agent id in the auth layer
	ProjectID  string     `json:"project_id"`
	RepoID     string     `json:"repo_id,omitempty"`
	Alias      string     `json:"alias"`
	HumanName  string     `json:"human_name,omitempty"`
	Role       string     `json:"role"`
	Class      string     `json:"class"` // "agent" | "dashboard"
	Branch     string     `json:"branch,omitempty"`
	Focus      string     `json:"focus,omitempty"`
	Host       string     `json:"host,omitempty"`
	Path       string     `json:"path,omitempty"`
	Timezone   string     `json:"timezone,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	LastSeenAt time.Time  `json:"last_seen_at"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
}

type BeadRef struct {
	RepoID string `json:"repo_id,omitempty"`
	Branch string `json:"branch,omitempty"`
	BeadID string `json:"bead_id"`
}

type Issue struct {
	ProjectID string    `json:"project_id"`
	BeadID    string    `json:"bead_id"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	Status    string    `json:"status"`
	Priority  int       `json:"priority"`
	Assignee  string    `json:"assignee,omitempty"`
	Creator   string    `json:"creator,omitempty"`
	Labels    []string  `json:"labels,omitempty"`
	Parent    *BeadRef  `json:"parent,omitempty"`
	BlockedBy []BeadRef `json:"blocked_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Claim struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	BeadID      string    `json:"bead_id"`
	WorkspaceID string    `json:"workspace_id"`
	Alias       string    `json:"alias"`
	HumanName   string    `json:"human_name,omitempty"`
	Apex        string    `json:"apex,omitempty"`
	ClaimedAt   time.Time `json:"claimed_at"`
}

type Reservation struct {
	ProjectID   string    `json:"project_id"`
	Path        string    `json:"path"`
	WorkspaceID string    `json:"workspace_id"`
	Alias       string    `json:"alias"`
	Reason      string    `json:"reason,omitempty"`
	AcquiredAt  time.Time `json:"acquired_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type Subscription struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	WorkspaceID string    `json:"workspace_id"`
	BeadID      string    `json:"bead_id"`
	RepoID      string    `json:"repo_id,omitempty"` // optional; empty means repo-agnostic
	EventTypes  []string  `json:"event_types,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type OutboxEntry struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	WorkspaceID string     `json:"workspace_id"`
	Alias       string     `json:"alias,omitempty"`
	EventType   string     `json:"event_type"`
	Payload     []byte     `json:"payload"` // JSON
	Fingerprint string     `json:"fingerprint"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
	Status      string     `json:"status"` // pending | processing | completed | failed
	MessageID   string     `json:"message_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	NotBeforeAt time.Time  `json:"not_before_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

type AuditEntry struct {
	ID            int64     `json:"id"`
	ProjectID     string    `json:"project_id"`
	PrincipalType string    `json:"principal_type"`
	PrincipalID   string    `json:"principal_id"`
	ActorID       string    `json:"actor_id,omitempty"`
	Action        string    `json:"action"`
	ResourceType  string    `json:"resource_type"`
	ResourceID    string    `json:"resource_id"`
	Outcome       string    `json:"outcome"`
	Payload       []byte    `json:"payload,omitempty"` // JSON
	CreatedAt     time.Time `json:"created_at"`
}

type Policy struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"project_id"`
	Version    int       `json:"version"`
	BundleHash string    `json:"bundle_hash"`
	CommitHash string    `json:"commit_hash"`
	CreatedBy  string    `json:"created_by,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type ApiKey struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"project_id"`
	AgentID    string    `json:"agent_id,omitempty"` // empty for project-scoped keys
	SecretHash string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

type Agent struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	CreatedAt time.Time `json:"created_at"`
}

type ChatSession struct {
	ID           string    `json:"id"`
	ProjectID    string    `json:"project_id"`
	Participants []string  `json:"participants"` // workspace ids, unordered set
	CreatedAt    time.Time `json:"created_at"`
}

type ChatMessage struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	FromWS    string    `json:"from_workspace_id"`
	FromAlias string    `json:"from_alias"`
	Body      string    `json:"body"`
	Leaving   bool      `json:"leaving,omitempty"`
	Observer  bool      `json:"observer,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Mail struct {
	ID        string     `json:"id"`
	ProjectID string     `json:"project_id"`
	FromWS    string     `json:"from_workspace_id,omitempty"`
	FromAlias string     `json:"from_alias"`
	ToWS      string     `json:"to_workspace_id"`
	Subject   string     `json:"subject"`
	Body      string     `json:"body"`
	Priority  string     `json:"priority"` // low | normal | high | urgent
	ThreadID  string     `json:"thread_id,omitempty"`
	Read      bool       `json:"read"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

type Escalation struct {
	ID           string     `json:"id"`
	ProjectID    string     `json:"project_id"`
	WorkspaceID  string     `json:"workspace_id"`
	Subject      string     `json:"subject"`
	Situation    string     `json:"situation,omitempty"`
	Options      []string   `json:"options,omitempty"`
	Status       string     `json:"status"` // pending | responded | expired
	Response     string     `json:"response,omitempty"`
	ResponseNote string     `json:"response_note,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	RespondedAt  *time.Time `json:"responded_at,omitempty"`
}
