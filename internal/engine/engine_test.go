package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"casefile/internal/config"
	"casefile/internal/db"
	"casefile/internal/documents"
	"casefile/internal/domain"
	"casefile/internal/engine"
	"casefile/internal/migrate"
	"casefile/internal/repo"
)

type testEnv struct {
	Engine    engine.Engine
	Ctx       context.Context
	Workspace string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background(), Workspace: dir}
}

func caseOpts(document string) engine.CaseCreateOptions {
	return engine.CaseCreateOptions{
		ClientName:       "Ana Gómez",
		ClientIDDocument: document,
		DocumentType:     "Cédula de Ciudadanía",
		ClaimType:        "Derecho de Petición",
		RespondentEntity: "EPS Sura",
		Amount:           1000000,
		ActorID:          "admin",
	}
}

func mustCreate(t *testing.T, env testEnv, document string) domain.Case {
	t.Helper()
	c, err := env.Engine.CreateCase(env.Ctx, caseOpts(document))
	if err != nil {
		t.Fatalf("create case: %v", err)
	}
	return c
}

func TestCreateThenLookup(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.Engine.LookupByDocument(env.Ctx, "1017234567"); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected not found before create, got %v", err)
	}

	c := mustCreate(t, env, "1.017.234.567")
	if c.SequenceNumber != 1 || c.Status != domain.StatusOpen {
		t.Fatalf("unexpected case: %+v", c)
	}
	if c.ClientIDDocument != "1017234567" {
		t.Fatalf("expected normalized document, got %q", c.ClientIDDocument)
	}
	if c.ContractNumber() != "1-2026" {
		t.Fatalf("unexpected contract number %s", c.ContractNumber())
	}

	for _, doc := range []string{"1017234567", " 1.017.234.567 ", "1017-234-567"} {
		got, err := env.Engine.LookupByDocument(env.Ctx, doc)
		if err != nil {
			t.Fatalf("lookup %q: %v", doc, err)
		}
		if got.ID != c.ID {
			t.Fatalf("lookup %q returned %s, want %s", doc, got.ID, c.ID)
		}
	}
	if _, err := env.Engine.LookupByDocument(env.Ctx, ""); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected blank lookup to be not found, got %v", err)
	}
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := map[string]func(*engine.CaseCreateOptions){
		"client_name":        func(o *engine.CaseCreateOptions) { o.ClientName = " " },
		"client_id_document": func(o *engine.CaseCreateOptions) { o.ClientIDDocument = "..." },
		"respondent_entity":  func(o *engine.CaseCreateOptions) { o.RespondentEntity = "" },
		"amount":             func(o *engine.CaseCreateOptions) { o.Amount = -1 },
		"claim_type":         func(o *engine.CaseCreateOptions) { o.ClaimType = "Tutela" },
		"document_type":      func(o *engine.CaseCreateOptions) { o.DocumentType = "NIT" },
	}
	for field, mutate := range cases {
		opts := caseOpts("900123456")
		mutate(&opts)
		_, err := env.Engine.CreateCase(env.Ctx, opts)
		var verr *engine.ValidationError
		if !errors.As(err, &verr) || verr.Field != field {
			t.Fatalf("%s: expected validation error on field, got %v", field, err)
		}
		if !errors.Is(err, engine.ErrValidation) {
			t.Fatalf("%s: expected ErrValidation", field)
		}
	}

	opts := caseOpts("900123456")
	opts.Amount = 0
	if _, err := env.Engine.CreateCase(env.Ctx, opts); err != nil {
		t.Fatalf("zero amount should be accepted: %v", err)
	}
}

func TestOneActiveCasePerDocument(t *testing.T) {
	env := newTestEnv(t)
	first := mustCreate(t, env, "900123456")

	_, err := env.Engine.CreateCase(env.Ctx, caseOpts("900.123.456"))
	var verr *engine.ValidationError
	if !errors.As(err, &verr) || verr.Field != "client_id_document" {
		t.Fatalf("expected duplicate active case to be rejected, got %v", err)
	}
	if !strings.Contains(verr.Reason, "1-2026") {
		t.Fatalf("expected reason to name the existing contract, got %q", verr.Reason)
	}

	if _, err := env.Engine.AdvanceStatus(env.Ctx, first.ID, "closed", "admin"); err != nil {
		t.Fatalf("close: %v", err)
	}
	second := mustCreate(t, env, "900123456")
	if second.SequenceNumber != 2 {
		t.Fatalf("expected sequence 2, got %d", second.SequenceNumber)
	}
	got, err := env.Engine.LookupByDocument(env.Ctx, "900123456")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.ID != second.ID {
		t.Fatalf("expected lookup to return the newest case")
	}
}

func TestConcurrentCreatesAreDense(t *testing.T) {
	env := newTestEnv(t)
	const n = 20

	// a second connection pool on the same file, as another process would have
	conn2, err := db.Open(db.Config{Workspace: env.Workspace})
	if err != nil {
		t.Fatalf("open second db: %v", err)
	}
	defer conn2.Close()
	other := engine.New(conn2, config.Default())

	seqs := make([]int64, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			eng := env.Engine
			if i%2 == 1 {
				eng = other
			}
			c, err := eng.CreateCase(env.Ctx, caseOpts(fmt.Sprintf("9001%05d", i)))
			if err != nil {
				return err
			}
			seqs[i] = c.SequenceNumber
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent create: %v", err)
	}
	sort.Slice(seqs, func(a, b int) bool { return seqs[a] < seqs[b] })
	for i, s := range seqs {
		if s != int64(i+1) {
			t.Fatalf("expected sequences 1..%d, got %v", n, seqs)
		}
	}
}

func TestCreateRetriesThenGivesUp(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.NewID = func() string { return "fixed-id" }
	mustCreate(t, env, "900000001")

	_, err := env.Engine.CreateCase(env.Ctx, caseOpts("900000002"))
	if !errors.Is(err, engine.ErrRetriesExhausted) {
		t.Fatalf("expected retries exhausted, got %v", err)
	}

	env.Engine.NewID = nil
	c := mustCreate(t, env, "900000002")
	if c.SequenceNumber != 2 {
		t.Fatalf("failed attempts must not consume numbers, got %d", c.SequenceNumber)
	}
}

func TestStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	c := mustCreate(t, env, "900123456")

	for _, s := range []string{"in_progress", "pending_signature", "signed", "closed"} {
		var err error
		c, err = env.Engine.AdvanceStatus(env.Ctx, c.ID, s, "admin")
		if err != nil {
			t.Fatalf("to %s: %v", s, err)
		}
		if string(c.Status) != s {
			t.Fatalf("expected %s, got %s", s, c.Status)
		}
	}

	_, err := env.Engine.AdvanceStatus(env.Ctx, c.ID, "open", "admin")
	var terr *engine.TransitionError
	if !errors.As(err, &terr) || terr.From != domain.StatusClosed || terr.To != domain.StatusOpen {
		t.Fatalf("expected closed -> open to be rejected, got %v", err)
	}
	if !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition")
	}

	other := mustCreate(t, env, "900123457")
	for _, skip := range []string{"pending_signature", "signed"} {
		if _, err := env.Engine.AdvanceStatus(env.Ctx, other.ID, skip, "admin"); !errors.Is(err, engine.ErrInvalidTransition) {
			t.Fatalf("expected open -> %s to be rejected, got %v", skip, err)
		}
	}
	for _, s := range []string{"in_progress", "pending_signature"} {
		if other, err = env.Engine.AdvanceStatus(env.Ctx, other.ID, s, "admin"); err != nil {
			t.Fatalf("to %s: %v", s, err)
		}
	}
	if _, err := env.Engine.AdvanceStatus(env.Ctx, other.ID, "in_progress", "admin"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected backward move to be rejected, got %v", err)
	}
	if _, err := env.Engine.AdvanceStatus(env.Ctx, other.ID, "pending_signature", "admin"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected same-status move to be rejected, got %v", err)
	}
	if _, err := env.Engine.AdvanceStatus(env.Ctx, other.ID, "archived", "admin"); !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected unknown status to be a validation error, got %v", err)
	}
	if _, err := env.Engine.AdvanceStatus(env.Ctx, "missing", "closed", "admin"); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestEarlyClosureIsRecorded(t *testing.T) {
	env := newTestEnv(t)
	c := mustCreate(t, env, "900123456")
	if _, err := env.Engine.AdvanceStatus(env.Ctx, c.ID, "closed", "admin"); err != nil {
		t.Fatalf("early close: %v", err)
	}
	evts, err := env.Engine.LatestEvents(env.Ctx, repo.EventFilters{Type: "case.status.changed", EntityID: c.ID})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != 1 || !strings.Contains(evts[0].Payload, `"early_closure":true`) {
		t.Fatalf("expected early closure event, got %+v", evts)
	}
}

func TestForceStatusWritesOverrideNote(t *testing.T) {
	env := newTestEnv(t)
	c := mustCreate(t, env, "900123456")
	if _, err := env.Engine.AdvanceStatus(env.Ctx, c.ID, "closed", "admin"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := env.Engine.ForceStatus(env.Ctx, c.ID, "open", " ", "admin"); !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected reason to be required, got %v", err)
	}
	c, err := env.Engine.ForceStatus(env.Ctx, c.ID, "in_progress", "reopened after client call", "admin")
	if err != nil {
		t.Fatalf("force: %v", err)
	}
	if c.Status != domain.StatusInProgress {
		t.Fatalf("expected in_progress, got %s", c.Status)
	}
	notes, err := env.Engine.ListProgressNotes(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("notes: %v", err)
	}
	if len(notes) != 1 || notes[0].Kind != domain.NoteKindStatusOverride || !strings.Contains(notes[0].Text, "reopened after client call") {
		t.Fatalf("expected override note, got %+v", notes)
	}
	evts, err := env.Engine.LatestEvents(env.Ctx, repo.EventFilters{Type: "case.status.forced"})
	if err != nil || len(evts) != 1 {
		t.Fatalf("expected forced event, got %v %v", evts, err)
	}
}

func TestAttachSignedDocumentOnce(t *testing.T) {
	env := newTestEnv(t)
	c := mustCreate(t, env, "900123456")

	c, err := env.Engine.AttachSignedDocument(env.Ctx, c.ID, "drive://contrato-1.pdf", "admin")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if _, err := env.Engine.AttachSignedDocument(env.Ctx, c.ID, "drive://other.pdf", "admin"); !errors.Is(err, engine.ErrAlreadySigned) {
		t.Fatalf("expected already signed, got %v", err)
	}
	got, err := env.Engine.GetCase(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.SignedDocumentRef != "drive://contrato-1.pdf" {
		t.Fatalf("reference changed: %s", got.SignedDocumentRef)
	}
	if _, err := env.Engine.AttachSignedDocument(env.Ctx, "missing", "x", "admin"); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

var samplePDF = []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n<< /Root 1 0 R >>\n%%EOF\n")

func TestAttachSignedUpload(t *testing.T) {
	env := newTestEnv(t)
	store, err := documents.NewLocalStore(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	env.Engine.Documents = store
	c := mustCreate(t, env, "900123456")

	if _, err := env.Engine.AttachSignedUpload(env.Ctx, c.ID, []byte("plain text"), "admin"); !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected non-pdf to be rejected, got %v", err)
	}
	c, err = env.Engine.AttachSignedUpload(env.Ctx, c.ID, samplePDF, "admin")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !strings.HasPrefix(c.SignedDocumentRef, "signed/1-") {
		t.Fatalf("unexpected key %s", c.SignedDocumentRef)
	}
	rc, err := store.Open(env.Ctx, c.SignedDocumentRef)
	if err != nil {
		t.Fatalf("open stored file: %v", err)
	}
	rc.Close()
	if _, err := env.Engine.AttachSignedUpload(env.Ctx, c.ID, samplePDF, "admin"); !errors.Is(err, engine.ErrAlreadySigned) {
		t.Fatalf("expected already signed, got %v", err)
	}
}

func TestProgressNotesInOrder(t *testing.T) {
	env := newTestEnv(t)
	c := mustCreate(t, env, "900123456")
	for _, text := range []string{"radicado", "respuesta recibida", "cierre"} {
		if _, err := env.Engine.AppendProgressNote(env.Ctx, c.ID, text, "admin"); err != nil {
			t.Fatalf("note: %v", err)
		}
	}
	if _, err := env.Engine.AppendProgressNote(env.Ctx, c.ID, "   ", "admin"); !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected empty note to be rejected, got %v", err)
	}
	if _, err := env.Engine.AppendProgressNote(env.Ctx, "missing", "x", "admin"); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	notes, err := env.Engine.ListProgressNotes(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(notes) != 3 || notes[0].Text != "radicado" || notes[2].Text != "cierre" {
		t.Fatalf("unexpected notes: %+v", notes)
	}
}

func TestSnapshotMatchesCase(t *testing.T) {
	env := newTestEnv(t)
	even := mustCreate(t, env, "900000001")
	opts := caseOpts("900000002")
	opts.Amount = 1000001
	odd, err := env.Engine.CreateCase(env.Ctx, opts)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	snap, err := env.Engine.Snapshot(env.Ctx, even.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.ClientName != even.ClientName || snap.ClientIDDocument != even.ClientIDDocument ||
		snap.ClaimType != even.ClaimType || snap.RespondentEntity != even.RespondentEntity ||
		snap.Amount != even.Amount || snap.SequenceNumber != even.SequenceNumber {
		t.Fatalf("snapshot disagrees with case: %+v vs %+v", snap, even)
	}
	if snap.Advance != 500000 || snap.Balance != 500000 {
		t.Fatalf("unexpected split %d/%d", snap.Advance, snap.Balance)
	}
	if !strings.HasPrefix(snap.Hash, "sha256:") {
		t.Fatalf("missing hash: %q", snap.Hash)
	}
	again, _ := env.Engine.Snapshot(env.Ctx, even.ID)
	if again.Hash != snap.Hash {
		t.Fatalf("snapshot hash not stable")
	}

	snap, err = env.Engine.Snapshot(env.Ctx, odd.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Advance != 500000 || snap.Balance != 500001 {
		t.Fatalf("unexpected odd split %d/%d", snap.Advance, snap.Balance)
	}
}

func TestPurgeDoesNotReuseNumbers(t *testing.T) {
	env := newTestEnv(t)
	first := mustCreate(t, env, "900000001")
	mustCreate(t, env, "900000002")
	if _, err := env.Engine.AppendProgressNote(env.Ctx, first.ID, "nota", "admin"); err != nil {
		t.Fatalf("note: %v", err)
	}

	if err := env.Engine.PurgeCase(env.Ctx, first.ID, "admin"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if _, err := env.Engine.GetCase(env.Ctx, first.ID); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected purged case to be gone, got %v", err)
	}
	if err := env.Engine.PurgeCase(env.Ctx, first.ID, "admin"); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected second purge to be not found, got %v", err)
	}
	third := mustCreate(t, env, "900000003")
	if third.SequenceNumber != 3 {
		t.Fatalf("expected sequence 3 after purge, got %d", third.SequenceNumber)
	}
}

func TestListCasesNewestFirst(t *testing.T) {
	env := newTestEnv(t)
	mustCreate(t, env, "900000001")
	second := mustCreate(t, env, "900000002")
	list, err := env.Engine.ListCases(env.Ctx, "", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != second.ID {
		t.Fatalf("unexpected order: %+v", list)
	}
	if _, err := env.Engine.ListCases(env.Ctx, "bogus", 0); !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected bad status filter to be rejected, got %v", err)
	}
	bySeq, err := env.Engine.GetCaseBySequence(env.Ctx, 2)
	if err != nil || bySeq.ID != second.ID {
		t.Fatalf("by sequence: %v", err)
	}
}

func TestCloseAfterSignedIsNotEarly(t *testing.T) {
	env := newTestEnv(t)
	c := mustCreate(t, env, "900123456")
	for _, s := range []string{"in_progress", "pending_signature", "signed"} {
		if _, err := env.Engine.AdvanceStatus(env.Ctx, c.ID, s, "admin"); err != nil {
			t.Fatalf("to %s: %v", s, err)
		}
	}
	if _, err := env.Engine.ForceStatus(env.Ctx, c.ID, "in_progress", "client disputes a clause", "admin"); err != nil {
		t.Fatalf("force: %v", err)
	}
	if _, err := env.Engine.AdvanceStatus(env.Ctx, c.ID, "closed", "admin"); err != nil {
		t.Fatalf("close: %v", err)
	}
	evts, err := env.Engine.LatestEvents(env.Ctx, repo.EventFilters{Type: "case.status.changed", EntityID: c.ID, Limit: 1})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != 1 || !strings.Contains(evts[0].Payload, `"to":"closed"`) || strings.Contains(evts[0].Payload, "early_closure") {
		t.Fatalf("expected a plain closure, got %+v", evts)
	}
}

func TestForceStatusKeepsOneActiveCase(t *testing.T) {
	env := newTestEnv(t)
	first := mustCreate(t, env, "900123456")
	if _, err := env.Engine.AdvanceStatus(env.Ctx, first.ID, "closed", "admin"); err != nil {
		t.Fatalf("close: %v", err)
	}
	second := mustCreate(t, env, "900.123.456")

	_, err := env.Engine.ForceStatus(env.Ctx, first.ID, "open", "reopen", "admin")
	var verr *engine.ValidationError
	if !errors.As(err, &verr) || verr.Field != "status" {
		t.Fatalf("expected a status validation error, got %v", err)
	}
	if !strings.Contains(err.Error(), second.ContractNumber()) {
		t.Fatalf("expected the error to name contract %s, got %v", second.ContractNumber(), err)
	}
	got, err := env.Engine.GetCase(env.Ctx, first.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusClosed {
		t.Fatalf("rejected override must not change status, got %s", got.Status)
	}
	notes, err := env.Engine.ListProgressNotes(env.Ctx, first.ID)
	if err != nil || len(notes) != 0 {
		t.Fatalf("rejected override must not leave a note, got %v %v", notes, err)
	}

	if _, err := env.Engine.ForceStatus(env.Ctx, second.ID, "pending_signature", "documents already reviewed", "admin"); err != nil {
		t.Fatalf("forcing the active case itself: %v", err)
	}
}
