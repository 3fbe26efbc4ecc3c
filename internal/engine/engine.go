package engine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"casefile/internal/config"
	"casefile/internal/documents"
	"casefile/internal/domain"
	"casefile/internal/events"
	"casefile/internal/identity"
	"casefile/internal/metrics"
	"casefile/internal/repo"
)

// MaxCreateAttempts bounds sequence allocation retries in CreateCase.
const MaxCreateAttempts = 5

// DocumentStore persists uploaded signed contracts.
type DocumentStore interface {
	SavePDF(ctx context.Context, key string, data []byte) error
	Remove(ctx context.Context, key string) error
}

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Documents DocumentStore
	Metrics   *metrics.Metrics
	Log       zerolog.Logger
	Now       func() time.Time
	NewID     func() string

	// createMu serializes sequence allocation within this process.
	createMu *sync.Mutex
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Log:      zerolog.Nop(),
		Now:      time.Now,
		NewID:    uuid.NewString,
		createMu: &sync.Mutex{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

// CaseCreateOptions are parameters for registering a case.
type CaseCreateOptions struct {
	ClientName       string
	ClientIDDocument string
	DocumentType     string
	ClaimType        string
	RespondentEntity string
	Amount           int64
	ActorID          string
}

func (e Engine) validateCreate(opts *CaseCreateOptions) error {
	opts.ClientName = strings.TrimSpace(opts.ClientName)
	opts.DocumentType = strings.TrimSpace(opts.DocumentType)
	opts.ClaimType = strings.TrimSpace(opts.ClaimType)
	opts.RespondentEntity = strings.TrimSpace(opts.RespondentEntity)
	opts.ClientIDDocument = identity.Normalize(opts.ClientIDDocument)

	switch {
	case opts.ClientName == "":
		return invalid("client_name", "is required")
	case opts.ClientIDDocument == "":
		return invalid("client_id_document", "is required")
	case opts.DocumentType == "":
		return invalid("document_type", "is required")
	case opts.ClaimType == "":
		return invalid("claim_type", "is required")
	case opts.RespondentEntity == "":
		return invalid("respondent_entity", "is required")
	case opts.Amount < 0:
		return invalid("amount", "must not be negative")
	}
	if e.Config != nil {
		if !e.Config.AllowsDocumentType(opts.DocumentType) {
			return invalid("document_type", fmt.Sprintf("%q is not a configured document type", opts.DocumentType))
		}
		if !e.Config.AllowsClaimType(opts.ClaimType) {
			return invalid("claim_type", fmt.Sprintf("%q is not a configured claim type", opts.ClaimType))
		}
	}
	return nil
}

// CreateCase registers a new case in status open with the next sequence
// number. Collisions on the number are retried with a fresh allocation.
func (e Engine) CreateCase(ctx context.Context, opts CaseCreateOptions) (domain.Case, error) {
	defer e.Metrics.ObserveCreate(time.Now())
	if err := e.validateCreate(&opts); err != nil {
		return domain.Case{}, err
	}
	token, err := identity.DeriveToken(opts.ClientIDDocument)
	if err != nil {
		return domain.Case{}, invalid("client_id_document", err.Error())
	}
	if e.createMu != nil {
		e.createMu.Lock()
		defer e.createMu.Unlock()
	}
	for attempt := 1; attempt <= MaxCreateAttempts; attempt++ {
		c, err := e.insertCase(ctx, opts, token)
		if err == nil {
			e.Metrics.IncrementCreated()
			e.Log.Info().
				Str("case_id", c.ID).
				Int64("sequence_number", c.SequenceNumber).
				Str("actor_id", opts.ActorID).
				Msg("case created")
			return c, nil
		}
		if !errors.Is(err, repo.ErrDuplicateKey) {
			return domain.Case{}, err
		}
		e.Metrics.IncrementRetry()
		e.Log.Warn().Err(err).Int("attempt", attempt).Msg("case key collision; retrying")
	}
	e.Log.Error().Int("attempts", MaxCreateAttempts).Msg("case number allocation exhausted")
	return domain.Case{}, ErrRetriesExhausted
}

func (e Engine) insertCase(ctx context.Context, opts CaseCreateOptions, token string) (domain.Case, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Case{}, err
	}
	defer tx.Rollback()

	if existing, err := e.Repo.FindActiveByTokenTx(ctx, tx, token); err == nil {
		return domain.Case{}, activeCaseError(existing)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Case{}, err
	}
	seq, err := e.Repo.NextSequenceTx(ctx, tx)
	if err != nil {
		return domain.Case{}, err
	}
	now := e.stamp()
	c := domain.Case{
		ID:               e.newID(),
		SequenceNumber:   seq,
		ClientName:       opts.ClientName,
		ClientIDDocument: opts.ClientIDDocument,
		DocumentType:     opts.DocumentType,
		ClaimType:        opts.ClaimType,
		RespondentEntity: opts.RespondentEntity,
		Amount:           opts.Amount,
		Status:           domain.StatusOpen,
		LookupToken:      token,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.Repo.InsertCaseTx(ctx, tx, c); err != nil {
		if errors.Is(err, repo.ErrActiveCaseExists) {
			return domain.Case{}, invalid("client_id_document", "an active case already exists for this document")
		}
		return domain.Case{}, fmt.Errorf("insert case: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.CaseCreated, events.EntityKindCase, c.ID, opts.ActorID, events.EventPayload{
		"sequence_number": c.SequenceNumber,
		"claim_type":      c.ClaimType,
		"amount":          c.Amount,
	}); err != nil {
		return domain.Case{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Case{}, err
	}
	return c, nil
}

func activeCaseError(existing domain.Case) error {
	return invalid("client_id_document", fmt.Sprintf("an active case already exists for this document (contract %s, status %s)", existing.ContractNumber(), existing.Status))
}

func parseStatus(raw string) (domain.Status, error) {
	s := domain.Status(strings.TrimSpace(raw))
	if !s.Valid() {
		return "", invalid("status", fmt.Sprintf("unknown status %q", raw))
	}
	return s, nil
}

// ensureCaseTransition allows the next step of the lifecycle and an early
// close from any non-terminal state. Anything else needs ForceStatus.
func ensureCaseTransition(from, to domain.Status) error {
	if from.Terminal() {
		return &TransitionError{From: from, To: to}
	}
	if to == domain.StatusClosed {
		return nil
	}
	if rank(to) == rank(from)+1 {
		return nil
	}
	return &TransitionError{From: from, To: to}
}

// statusUpdateError translates a store rejection of a status change.
func statusUpdateError(err error) error {
	if errors.Is(err, repo.ErrActiveCaseExists) {
		return invalid("status", "an active case already exists for this document")
	}
	return err
}

func rank(s domain.Status) int {
	for i, v := range domain.Statuses {
		if v == s {
			return i
		}
	}
	return -1
}

// AdvanceStatus moves a case forward through its lifecycle.
func (e Engine) AdvanceStatus(ctx context.Context, caseID, newStatus, actorID string) (domain.Case, error) {
	to, err := parseStatus(newStatus)
	if err != nil {
		return domain.Case{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Case{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetCaseTx(ctx, tx, caseID)
	if err != nil {
		return domain.Case{}, err
	}
	from := c.Status
	if err := ensureCaseTransition(from, to); err != nil {
		return domain.Case{}, err
	}
	early := false
	if to == domain.StatusClosed && from != domain.StatusSigned && !c.Signed() {
		wasSigned, err := e.Repo.ReachedStatusTx(ctx, tx, c.ID, domain.StatusSigned)
		if err != nil {
			return domain.Case{}, err
		}
		early = !wasSigned
	}
	c.Status = to
	c.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateStatusTx(ctx, tx, c.ID, c.Status, c.UpdatedAt); err != nil {
		return domain.Case{}, statusUpdateError(err)
	}
	payload := events.EventPayload{"from": from, "to": to}
	if early {
		payload["early_closure"] = true
	}
	if err := e.Events.Append(ctx, tx, events.CaseStatusChanged, events.EntityKindCase, c.ID, actorID, payload); err != nil {
		return domain.Case{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Case{}, err
	}
	e.Metrics.IncrementStatus(string(to), "advance")
	if early {
		e.Log.Warn().Str("case_id", c.ID).Str("from", string(from)).Msg("case closed before signing")
	} else {
		e.Log.Info().Str("case_id", c.ID).Str("from", string(from)).Str("to", string(to)).Msg("case status changed")
	}
	return c, nil
}

// ForceStatus sets any defined status regardless of the lifecycle. The
// override is recorded as a status_override note and its own event.
func (e Engine) ForceStatus(ctx context.Context, caseID, newStatus, reason, actorID string) (domain.Case, error) {
	to, err := parseStatus(newStatus)
	if err != nil {
		return domain.Case{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.Case{}, invalid("reason", "is required for an override")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Case{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetCaseTx(ctx, tx, caseID)
	if err != nil {
		return domain.Case{}, err
	}
	from := c.Status
	if to != domain.StatusClosed {
		active, err := e.Repo.FindActiveByTokenTx(ctx, tx, c.LookupToken)
		switch {
		case err == nil && active.ID != c.ID:
			return domain.Case{}, invalid("status", fmt.Sprintf("an active case already exists for this document (contract %s, status %s)", active.ContractNumber(), active.Status))
		case err != nil && !errors.Is(err, repo.ErrNotFound):
			return domain.Case{}, err
		}
	}
	c.Status = to
	c.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateStatusTx(ctx, tx, c.ID, c.Status, c.UpdatedAt); err != nil {
		return domain.Case{}, statusUpdateError(err)
	}
	note := domain.ProgressNote{
		CaseID:     c.ID,
		Kind:       domain.NoteKindStatusOverride,
		Text:       fmt.Sprintf("Estado forzado de %s a %s: %s", from.Label(), to.Label(), reason),
		RecordedAt: c.UpdatedAt,
	}
	if _, err := e.Repo.InsertNoteTx(ctx, tx, note); err != nil {
		return domain.Case{}, fmt.Errorf("insert override note: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.CaseStatusForced, events.EntityKindCase, c.ID, actorID, events.EventPayload{
		"from":   from,
		"to":     to,
		"reason": reason,
	}); err != nil {
		return domain.Case{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Case{}, err
	}
	e.Metrics.IncrementStatus(string(to), "force")
	e.Log.Warn().Str("case_id", c.ID).Str("from", string(from)).Str("to", string(to)).Str("actor_id", actorID).Msg("case status forced")
	return c, nil
}

// AttachSignedDocument records the signed contract reference. It can be set only once.
func (e Engine) AttachSignedDocument(ctx context.Context, caseID, ref, actorID string) (domain.Case, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return domain.Case{}, invalid("document_ref", "is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Case{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetCaseTx(ctx, tx, caseID)
	if err != nil {
		return domain.Case{}, err
	}
	if c.Signed() {
		return domain.Case{}, ErrAlreadySigned
	}
	c.SignedDocumentRef = ref
	c.UpdatedAt = e.stamp()
	if err := e.Repo.SetSignedDocumentTx(ctx, tx, c.ID, ref, c.UpdatedAt); err != nil {
		return domain.Case{}, err
	}
	if err := e.Events.Append(ctx, tx, events.CaseSigned, events.EntityKindCase, c.ID, actorID, events.EventPayload{"document_ref": ref}); err != nil {
		return domain.Case{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Case{}, err
	}
	e.Log.Info().Str("case_id", c.ID).Str("document_ref", ref).Msg("signed document attached")
	return c, nil
}

// AttachSignedUpload stores an uploaded PDF and attaches it. The stored file
// is removed again if the case cannot take it.
func (e Engine) AttachSignedUpload(ctx context.Context, caseID string, data []byte, actorID string) (domain.Case, error) {
	if e.Documents == nil {
		return domain.Case{}, errors.New("document storage not configured")
	}
	c, err := e.Repo.GetCase(ctx, caseID)
	if err != nil {
		return domain.Case{}, err
	}
	if c.Signed() {
		return domain.Case{}, ErrAlreadySigned
	}
	key := documents.KeyFor(c.SequenceNumber)
	if err := e.Documents.SavePDF(ctx, key, data); err != nil {
		if errors.Is(err, documents.ErrNotPDF) || errors.Is(err, documents.ErrEmpty) {
			return domain.Case{}, invalid("document", err.Error())
		}
		return domain.Case{}, fmt.Errorf("store signed document: %w", err)
	}
	attached, err := e.AttachSignedDocument(ctx, caseID, key, actorID)
	if err != nil {
		if rmErr := e.Documents.Remove(context.WithoutCancel(ctx), key); rmErr != nil {
			e.Log.Error().Err(rmErr).Str("key", key).Msg("remove orphaned upload")
		}
		return domain.Case{}, err
	}
	return attached, nil
}

func (e Engine) AppendProgressNote(ctx context.Context, caseID, text, actorID string) (domain.ProgressNote, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.ProgressNote{}, invalid("note_text", "is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProgressNote{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetCaseTx(ctx, tx, caseID); err != nil {
		return domain.ProgressNote{}, err
	}
	n := domain.ProgressNote{
		CaseID:     caseID,
		Kind:       domain.NoteKindNote,
		Text:       text,
		RecordedAt: e.stamp(),
	}
	id, err := e.Repo.InsertNoteTx(ctx, tx, n)
	if err != nil {
		return domain.ProgressNote{}, err
	}
	n.ID = id
	if err := e.Events.Append(ctx, tx, events.CaseNoteAdded, events.EntityKindCase, caseID, actorID, events.EventPayload{"note_id": id}); err != nil {
		return domain.ProgressNote{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ProgressNote{}, err
	}
	return n, nil
}

// ListProgressNotes returns a case's notes oldest first.
func (e Engine) ListProgressNotes(ctx context.Context, caseID string) ([]domain.ProgressNote, error) {
	if _, err := e.Repo.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	return e.Repo.ListNotes(ctx, caseID)
}

// LookupByDocument resolves a client's ID document to their most recent case.
// Every miss, including a blank document, is ErrNotFound.
func (e Engine) LookupByDocument(ctx context.Context, document string) (domain.Case, error) {
	token, err := identity.TokenFor(document)
	if err != nil {
		e.Metrics.IncrementLookup(false)
		return domain.Case{}, ErrNotFound
	}
	c, err := e.Repo.FindByToken(ctx, token)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			e.Metrics.IncrementLookup(false)
		}
		return domain.Case{}, err
	}
	e.Metrics.IncrementLookup(true)
	return c, nil
}

func (e Engine) GetCase(ctx context.Context, caseID string) (domain.Case, error) {
	return e.Repo.GetCase(ctx, caseID)
}

func (e Engine) GetCaseBySequence(ctx context.Context, seq int64) (domain.Case, error) {
	return e.Repo.GetCaseBySequence(ctx, seq)
}

// ListCases returns cases newest first.
func (e Engine) ListCases(ctx context.Context, status string, limit int) ([]domain.Case, error) {
	f := repo.CaseFilters{Limit: limit}
	if status != "" {
		s, err := parseStatus(status)
		if err != nil {
			return nil, err
		}
		f.Status = s
	}
	return e.Repo.ListCases(ctx, f)
}

// Snapshot returns the immutable case data used to render a contract.
func (e Engine) Snapshot(ctx context.Context, caseID string) (domain.Snapshot, error) {
	c, err := e.Repo.GetCase(ctx, caseID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	advance, balance := domain.SplitAmount(c.Amount)
	snap := domain.Snapshot{
		CaseID:           c.ID,
		SequenceNumber:   c.SequenceNumber,
		ContractNumber:   c.ContractNumber(),
		ClientName:       c.ClientName,
		ClientIDDocument: c.ClientIDDocument,
		DocumentType:     c.DocumentType,
		ClaimType:        c.ClaimType,
		RespondentEntity: c.RespondentEntity,
		Amount:           c.Amount,
		Advance:          advance,
		Balance:          balance,
		CreatedAt:        c.CreatedAt,
	}
	hash, err := snapshotHash(snap)
	if err != nil {
		return domain.Snapshot{}, err
	}
	snap.Hash = hash
	return snap, nil
}

// snapshotHash digests the snapshot JSON without its hash field.
func snapshotHash(s domain.Snapshot) (string, error) {
	s.Hash = ""
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// PurgeCase hard-deletes a case and its notes. Its number is not reissued.
func (e Engine) PurgeCase(ctx context.Context, caseID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetCaseTx(ctx, tx, caseID)
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteCaseTx(ctx, tx, c.ID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.CasePurged, events.EntityKindCase, c.ID, actorID, events.EventPayload{
		"sequence_number": c.SequenceNumber,
		"status":          c.Status,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Metrics.IncrementPurged()
	e.Log.Warn().Str("case_id", c.ID).Int64("sequence_number", c.SequenceNumber).Str("actor_id", actorID).Msg("case purged")
	if e.Documents != nil && strings.HasPrefix(c.SignedDocumentRef, "signed/") {
		if err := e.Documents.Remove(ctx, c.SignedDocumentRef); err != nil {
			e.Log.Error().Err(err).Str("key", c.SignedDocumentRef).Msg("remove signed document")
		}
	}
	return nil
}

// LatestEvents returns the audit trail newest first.
func (e Engine) LatestEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, f)
}
