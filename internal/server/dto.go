package server

import (
	"encoding/json"

	"casefile/internal/domain"
)

// Request payloads

type LookupRequest struct {
	Document string `json:"document" minLength:"1" maxLength:"64" doc:"Client ID document number as printed"`
}

type LoginRequest struct {
	Password string `json:"password" minLength:"1"`
}

type CreateCaseRequest struct {
	ClientName       string `json:"client_name" minLength:"1"`
	ClientIDDocument string `json:"client_id_document" minLength:"1"`
	DocumentType     string `json:"document_type" minLength:"1"`
	ClaimType        string `json:"claim_type" minLength:"1"`
	RespondentEntity string `json:"respondent_entity" minLength:"1"`
	Amount           int64  `json:"amount" minimum:"0" doc:"Total fee in whole COP"`
}

type StatusRequest struct {
	Status string `json:"status" enum:"open,in_progress,pending_signature,signed,closed"`
}

type ForceStatusRequest struct {
	Status string `json:"status" enum:"open,in_progress,pending_signature,signed,closed"`
	Reason string `json:"reason" minLength:"1"`
}

type NoteRequest struct {
	Text string `json:"text" minLength:"1"`
}

type SignedDocumentRequest struct {
	DocumentRef string `json:"document_ref" minLength:"1"`
}

// Responses

type LoginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
}

type CaseResponse struct {
	ID                string        `json:"case_id"`
	SequenceNumber    int64         `json:"sequence_number"`
	ContractNumber    string        `json:"contract_number"`
	ClientName        string        `json:"client_name"`
	ClientIDDocument  string        `json:"client_id_document"`
	DocumentType      string        `json:"document_type"`
	ClaimType         string        `json:"claim_type"`
	RespondentEntity  string        `json:"respondent_entity"`
	Amount            int64         `json:"amount"`
	Status            domain.Status `json:"status"`
	StatusLabel       string        `json:"status_label"`
	SignedDocumentRef string        `json:"signed_document_ref,omitempty"`
	CreatedAt         string        `json:"created_at" format:"date-time"`
	UpdatedAt         string        `json:"updated_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedCases struct {
	Items []CaseResponse `json:"items"`
}

type paginatedNotes struct {
	Items []domain.ProgressNote `json:"items"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func caseResponse(c domain.Case) CaseResponse {
	return CaseResponse{
		ID:                c.ID,
		SequenceNumber:    c.SequenceNumber,
		ContractNumber:    c.ContractNumber(),
		ClientName:        c.ClientName,
		ClientIDDocument:  c.ClientIDDocument,
		DocumentType:      c.DocumentType,
		ClaimType:         c.ClaimType,
		RespondentEntity:  c.RespondentEntity,
		Amount:            c.Amount,
		Status:            c.Status,
		StatusLabel:       c.Status.Label(),
		SignedDocumentRef: c.SignedDocumentRef,
		CreatedAt:         c.CreatedAt,
		UpdatedAt:         c.UpdatedAt,
	}
}

func mapCases(items []domain.Case) []CaseResponse {
	res := make([]CaseResponse, 0, len(items))
	for _, c := range items {
		res = append(res, caseResponse(c))
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}
