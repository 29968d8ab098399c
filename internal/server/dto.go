package server

import (
	"encoding/json"

	"phaseline/internal/domain"
)

type CreateCycleRequest struct {
	ID          string  `json:"id" example:"fry14q-2026q1"`
	ReportID    string  `json:"report_id" example:"FR Y-14Q"`
	Description *string `json:"description,omitempty"`
}

type CycleResponse struct {
	ID          string `json:"id"`
	ReportID    string `json:"report_id"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
}

type CreatePhaseRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name" example:"scoping"`
}

type PhaseResponse struct {
	ID               string  `json:"id"`
	CycleID          string  `json:"cycle_id"`
	Name             string  `json:"name"`
	Status           string  `json:"status"`
	CurrentVersionID *string `json:"current_version_id,omitempty"`
	CreatedAt        string  `json:"created_at"`
}

type CreateDraftRequest struct {
	ParentVersionID *string `json:"parent_version_id,omitempty"`
}

type VersionResponse struct {
	ID              string  `json:"id"`
	PhaseID         string  `json:"phase_id"`
	SequenceNumber  int     `json:"sequence_number"`
	Status          string  `json:"status"`
	ParentVersionID *string `json:"parent_version_id,omitempty"`
	CreatedAt       string  `json:"created_at"`
	CreatedBy       string  `json:"created_by"`
	SubmittedAt     *string `json:"submitted_at,omitempty"`
	SubmittedBy     *string `json:"submitted_by,omitempty"`
	DecidedAt       *string `json:"decided_at,omitempty"`
	DecidedBy       *string `json:"decided_by,omitempty"`
	RejectionReason *string `json:"rejection_reason,omitempty"`
}

type AddItemsRequest struct {
	Items []struct {
		Kind    string          `json:"kind" example:"attribute"`
		Payload json.RawMessage `json:"payload"`
	} `json:"items"`
}

type ItemResponse struct {
	ID                string          `json:"id"`
	VersionID         string          `json:"version_id"`
	Kind              string          `json:"kind"`
	Payload           json.RawMessage `json:"payload"`
	TesterDecision    string          `json:"tester_decision"`
	TesterDecidedAt   *string         `json:"tester_decided_at,omitempty"`
	TesterDecidedBy   *string         `json:"tester_decided_by,omitempty"`
	TesterNotes       *string         `json:"tester_notes,omitempty"`
	OwnerDecision     string          `json:"owner_decision"`
	OwnerDecidedAt    *string         `json:"owner_decided_at,omitempty"`
	OwnerDecidedBy    *string         `json:"owner_decided_by,omitempty"`
	OwnerNotes        *string         `json:"owner_notes,omitempty"`
	CarriedFromItemID *string         `json:"carried_from_item_id,omitempty"`
	AutoApproved      bool            `json:"auto_approved"`
	CreatedAt         string          `json:"created_at"`
}

type DecisionRequest struct {
	Decision string `json:"decision" example:"accept"`
	Notes    string `json:"notes,omitempty"`
}

type VerdictRequest struct {
	Verdict string `json:"verdict" enum:"approve,reject"`
	Reason  string `json:"reason,omitempty"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	CycleID    string          `json:"cycle_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

type paginatedVersions struct {
	Items      []VersionResponse `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

func cycleResponse(c domain.Cycle) CycleResponse {
	return CycleResponse{
		ID:          c.ID,
		ReportID:    c.ReportID,
		Status:      c.Status,
		Description: c.Description,
		CreatedAt:   c.CreatedAt,
	}
}

func mapCycles(in []domain.Cycle) []CycleResponse {
	out := make([]CycleResponse, 0, len(in))
	for _, c := range in {
		out = append(out, cycleResponse(c))
	}
	return out
}

func phaseResponse(p domain.Phase) PhaseResponse {
	return PhaseResponse{
		ID:               p.ID,
		CycleID:          p.CycleID,
		Name:             p.Name,
		Status:           p.Status,
		CurrentVersionID: p.CurrentVersionID,
		CreatedAt:        p.CreatedAt,
	}
}

func mapPhases(in []domain.Phase) []PhaseResponse {
	out := make([]PhaseResponse, 0, len(in))
	for _, p := range in {
		out = append(out, phaseResponse(p))
	}
	return out
}

func versionResponse(v domain.Version) VersionResponse {
	return VersionResponse{
		ID:              v.ID,
		PhaseID:         v.PhaseID,
		SequenceNumber:  v.SequenceNumber,
		Status:          v.Status,
		ParentVersionID: v.ParentVersionID,
		CreatedAt:       v.CreatedAt,
		CreatedBy:       v.CreatedBy,
		SubmittedAt:     v.SubmittedAt,
		SubmittedBy:     v.SubmittedBy,
		DecidedAt:       v.DecidedAt,
		DecidedBy:       v.DecidedBy,
		RejectionReason: v.RejectionReason,
	}
}

func itemResponse(it domain.Item) ItemResponse {
	payload := json.RawMessage(it.PayloadJSON)
	if !json.Valid(payload) {
		payload = json.RawMessage("{}")
	}
	return ItemResponse{
		ID:                it.ID,
		VersionID:         it.VersionID,
		Kind:              it.Kind,
		Payload:           payload,
		TesterDecision:    it.TesterDecision,
		TesterDecidedAt:   it.TesterDecidedAt,
		TesterDecidedBy:   it.TesterDecidedBy,
		TesterNotes:       it.TesterNotes,
		OwnerDecision:     it.OwnerDecision,
		OwnerDecidedAt:    it.OwnerDecidedAt,
		OwnerDecidedBy:    it.OwnerDecidedBy,
		OwnerNotes:        it.OwnerNotes,
		CarriedFromItemID: it.CarriedFromItemID,
		AutoApproved:      it.AutoApproved,
		CreatedAt:         it.CreatedAt,
	}
}

func mapItems(in []domain.Item) []ItemResponse {
	out := make([]ItemResponse, 0, len(in))
	for _, it := range in {
		out = append(out, itemResponse(it))
	}
	return out
}

func eventResponse(evt domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage(evt.Payload)
		} else {
			raw = evt.Payload
		}
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		CycleID:    evt.CycleID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
		PayloadRaw: raw,
	}
}
