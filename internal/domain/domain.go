package domain

type Cycle struct {
	ID          string `json:"id"`
	ReportID    string `json:"report_id"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Phase struct {
	ID               string  `json:"id"`
	CycleID          string  `json:"cycle_id"`
	Name             string  `json:"name"`
	Status           string  `json:"status" enum:"open,running,failed,awaiting_human,skipped,complete"`
	CurrentVersionID *string `json:"current_version_id,omitempty"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
}

type Version struct {
	ID              string  `json:"id"`
	PhaseID         string  `json:"phase_id"`
	SequenceNumber  int     `json:"sequence_number"`
	Status          string  `json:"status" enum:"draft,pending_approval,approved,rejected,superseded"`
	ParentVersionID *string `json:"parent_version_id,omitempty"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	CreatedBy       string  `json:"created_by"`
	SubmittedAt     *string `json:"submitted_at,omitempty" format:"date-time"`
	SubmittedBy     *string `json:"submitted_by,omitempty"`
	DecidedAt       *string `json:"decided_at,omitempty" format:"date-time"`
	DecidedBy       *string `json:"decided_by,omitempty"`
	RejectionReason *string `json:"rejection_reason,omitempty"`
}

type Item struct {
	ID                string  `json:"id"`
	VersionID         string  `json:"version_id"`
	Kind              string  `json:"kind" enum:"attribute,rule,sample,evidence"`
	PayloadJSON       string  `json:"payload_json"`
	TesterDecision    string  `json:"tester_decision" enum:"pending,accept,reject,override"`
	TesterDecidedAt   *string `json:"tester_decided_at,omitempty" format:"date-time"`
	TesterDecidedBy   *string `json:"tester_decided_by,omitempty"`
	TesterNotes       *string `json:"tester_notes,omitempty"`
	OwnerDecision     string  `json:"owner_decision" enum:"pending,approved,rejected,needs_revision"`
	OwnerDecidedAt    *string `json:"owner_decided_at,omitempty" format:"date-time"`
	OwnerDecidedBy    *string `json:"owner_decided_by,omitempty"`
	OwnerNotes        *string `json:"owner_notes,omitempty"`
	CarriedFromItemID *string `json:"carried_from_item_id,omitempty"`
	AutoApproved      bool    `json:"auto_approved"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	CycleID    string `json:"cycle_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Compensation is one recorded compensation execution for a failed
// phase activity invocation.
type Compensation struct {
	InvocationID string `json:"invocation_id"`
	PhaseID      string `json:"phase_id"`
	Action       string `json:"action" enum:"rollback,partial_rollback,notify,skip,manual_intervention"`
	Status       string `json:"status" enum:"applied,failed"`
	Error        string `json:"error,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}
