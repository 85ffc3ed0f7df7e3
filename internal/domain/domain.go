package domain

import "time"

// Ticket is a snapshot of a tracker issue as read at the start of a pass.
type Ticket struct {
	Key                string    `json:"key"`
	Status             string    `json:"status"`
	Summary            string    `json:"summary"`
	Description        string    `json:"description,omitempty"`
	AcceptanceCriteria string    `json:"acceptance_criteria,omitempty"`
	Labels             []string  `json:"labels,omitempty"`
	Updated            time.Time `json:"updated" format:"date-time"`
}

type Fingerprint struct {
	Full  string `json:"full"`
	Short string `json:"short"`
}

type Run struct {
	ID                 string  `json:"id"`
	TicketKey          string  `json:"ticket_key"`
	CursorState        string  `json:"cursor_state" enum:"received,in_progress,done,failed,cancelled"`
	CursorStep         string  `json:"cursor_step"`
	CursorAttempt      int     `json:"cursor_attempt"`
	LockOwner          *string `json:"lock_owner,omitempty"`
	LockExpiresAt      *string `json:"lock_expires_at,omitempty" format:"date-time"`
	MaxAutofixAttempts int     `json:"max_autofix_attempts"`
	LastError          *string `json:"last_error,omitempty"`
	Fingerprint        *string `json:"fingerprint,omitempty"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
	UpdatedAt          string  `json:"updated_at" format:"date-time"`
}

type IdempotencyKey struct {
	Scope      string  `json:"scope"`
	Key        string  `json:"key"`
	Status     string  `json:"status" enum:"pending,completed"`
	RunID      *string `json:"run_id,omitempty"`
	ResultJSON *string `json:"result_json,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
}

type AuditEntry struct {
	ID            int64  `json:"id"`
	TS            string `json:"ts" format:"date-time"`
	CorrelationID string `json:"correlation_id"`
	Phase         string `json:"phase" enum:"intent,result"`
	RunID         string `json:"run_id,omitempty"`
	TicketKey     string `json:"ticket_key"`
	Action        string `json:"action"`
	ActorID       string `json:"actor_id"`
	Payload       string `json:"payload,omitempty"`
}

type Artifact struct {
	RunID     string `json:"run_id"`
	Type      string `json:"type"`
	Value     string `json:"value"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Artifact types recorded per run.
const (
	ArtifactFingerprint      = "fingerprint"
	ArtifactFingerprintShort = "fingerprint_short"
	ArtifactBranch           = "branch"
	ArtifactPRURL            = "pr_url"
	ArtifactPRNumber         = "pr_number"
)

// Instruction is the payload handed to the proposal generator.
type Instruction struct {
	TicketKey          string `json:"ticketKey"`
	RunTimestamp       string `json:"runTimestamp"`
	Fingerprint        string `json:"fingerprint"`
	FingerprintShort   string `json:"fingerprintShort"`
	Summary            string `json:"summary"`
	Description        string `json:"description"`
	AcceptanceCriteria string `json:"acceptanceCriteria"`
	Repo               string `json:"repo"`
}

type ChangeFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type ChangeRequest struct {
	Repo          string       `json:"repo"`
	BranchName    string       `json:"branchName,omitempty"`
	PRTitle       string       `json:"prTitle"`
	PRBody        string       `json:"prBody"`
	CommitMessage string       `json:"commitMessage"`
	Files         []ChangeFile `json:"files"`
	Labels        []string     `json:"labels,omitempty"`
}

type ChangeResult struct {
	PRURL    string `json:"prUrl"`
	PRNumber int    `json:"prNumber"`
	Owner    string `json:"owner"`
	Repo     string `json:"repo"`
	Base     string `json:"base"`
	Head     string `json:"head"`
}

// APIKey authenticates API callers. Only the hash of the secret is stored.
type APIKey struct {
	ID         string  `json:"id"`
	ActorID    string  `json:"actor_id"`
	Name       string  `json:"name,omitempty"`
	KeyHash    string  `json:"-"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	LastUsedAt *string `json:"last_used_at,omitempty" format:"date-time"`
	RevokedAt  *string `json:"revoked_at,omitempty" format:"date-time"`
}
