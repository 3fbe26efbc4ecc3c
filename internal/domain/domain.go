package domain

import (
	"fmt"
	"time"
)

// Status is a case lifecycle state.
type Status string

const (
	StatusOpen             Status = "open"
	StatusInProgress       Status = "in_progress"
	StatusPendingSignature Status = "pending_signature"
	StatusSigned           Status = "signed"
	StatusClosed           Status = "closed"
)

// Statuses lists every defined status in lifecycle order.
var Statuses = []Status{StatusOpen, StatusInProgress, StatusPendingSignature, StatusSigned, StatusClosed}

// Valid reports whether s is a defined status.
func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

// Terminal reports whether no normal transition leaves s.
func (s Status) Terminal() bool { return s == StatusClosed }

// Label is the Spanish display name shown to clients.
func (s Status) Label() string {
	switch s {
	case StatusOpen:
		return "Abierto"
	case StatusInProgress:
		return "En Gestión"
	case StatusPendingSignature:
		return "Pendiente Firma"
	case StatusSigned:
		return "Firmado"
	case StatusClosed:
		return "Cerrado"
	default:
		return string(s)
	}
}

// Case is one client engagement. Only status, the signed reference and
// updated_at change after creation.
type Case struct {
	ID                string `json:"case_id"`
	SequenceNumber    int64  `json:"sequence_number"`
	ClientName        string `json:"client_name"`
	ClientIDDocument  string `json:"client_id_document"`
	DocumentType      string `json:"document_type"`
	ClaimType         string `json:"claim_type"`
	RespondentEntity  string `json:"respondent_entity"`
	Amount            int64  `json:"amount"`
	Status            Status `json:"status" enum:"open,in_progress,pending_signature,signed,closed"`
	LookupToken       string `json:"lookup_token"`
	SignedDocumentRef string `json:"signed_document_ref,omitempty"`
	CreatedAt         string `json:"created_at" format:"date-time"`
	UpdatedAt         string `json:"updated_at" format:"date-time"`
}

// ContractNumber is the human-facing number printed on the contract, e.g. "12-2026".
func (c Case) ContractNumber() string {
	return FormatContractNumber(c.SequenceNumber, c.CreatedAt)
}

// Signed reports whether a signed contract reference is on file.
func (c Case) Signed() bool { return c.SignedDocumentRef != "" }

func FormatContractNumber(seq int64, createdAt string) string {
	year := time.Now().UTC().Year()
	if ts, err := time.Parse(time.RFC3339, createdAt); err == nil {
		year = ts.Year()
	}
	return fmt.Sprintf("%d-%d", seq, year)
}

type NoteKind string

const (
	NoteKindNote           NoteKind = "note"
	NoteKindStatusOverride NoteKind = "status_override"
)

// ProgressNote is an append-only log entry on a case.
type ProgressNote struct {
	ID         int64    `json:"id"`
	CaseID     string   `json:"case_id"`
	Kind       NoteKind `json:"kind" enum:"note,status_override"`
	Text       string   `json:"note_text"`
	RecordedAt string   `json:"recorded_at" format:"date-time"`
}

// Event is one row of the audit trail.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Snapshot is the read-only view handed to the contract generator.
type Snapshot struct {
	CaseID           string `json:"case_id"`
	SequenceNumber   int64  `json:"sequence_number"`
	ContractNumber   string `json:"contract_number"`
	ClientName       string `json:"client_name"`
	ClientIDDocument string `json:"client_id_document"`
	DocumentType     string `json:"document_type"`
	ClaimType        string `json:"claim_type"`
	RespondentEntity string `json:"respondent_entity"`
	Amount           int64  `json:"amount"`
	Advance          int64  `json:"advance"`
	Balance          int64  `json:"balance"`
	CreatedAt        string `json:"created_at" format:"date-time"`
	Hash             string `json:"hash,omitempty"`
}

// SplitAmount divides amount into the 50% advance and the remaining balance.
// The advance rounds down, so an odd unit lands on the balance.
func SplitAmount(amount int64) (advance, balance int64) {
	advance = amount / 2
	return advance, amount - advance
}

// PublicCase is what an anonymous lookup may see.
type PublicCase struct {
	ContractNumber   string `json:"contract_number"`
	Status           Status `json:"status" enum:"open,in_progress,pending_signature,signed,closed"`
	StatusLabel      string `json:"status_label"`
	ClaimType        string `json:"claim_type"`
	RespondentEntity string `json:"respondent_entity"`
}

// Public drops every field a client lookup must not reveal.
func (c Case) Public() PublicCase {
	return PublicCase{
		ContractNumber:   c.ContractNumber(),
		Status:           c.Status,
		StatusLabel:      c.Status.Label(),
		ClaimType:        c.ClaimType,
		RespondentEntity: c.RespondentEntity,
	}
}
