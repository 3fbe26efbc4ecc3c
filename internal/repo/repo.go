package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"casefile/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound         = errors.New("not found")
	ErrDuplicateKey     = errors.New("duplicate key")
	ErrAlreadySigned    = errors.New("signed document already attached")
	ErrActiveCaseExists = errors.New("an active case already exists for this document")
)

const sequenceCounter = "case_sequence"

const caseColumns = `id,sequence_number,client_name,client_id_document,document_type,claim_type,respondent_entity,amount,status,lookup_token,signed_document_ref,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(row rowScanner) (domain.Case, error) {
	var c domain.Case
	var signed sql.NullString
	err := row.Scan(&c.ID, &c.SequenceNumber, &c.ClientName, &c.ClientIDDocument, &c.DocumentType, &c.ClaimType,
		&c.RespondentEntity, &c.Amount, &c.Status, &c.LookupToken, &signed, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if signed.Valid {
		c.SignedDocumentRef = signed.String
	}
	return c, err
}

// NextSequenceTx reserves the next case number. It reads the high-water mark
// and the largest stored number, takes one past the larger, and records it as
// the new mark so that purged numbers are never handed out again.
func (r Repo) NextSequenceTx(ctx context.Context, tx *sql.Tx) (int64, error) {
	var next int64
	err := tx.QueryRowContext(ctx, `SELECT 1 + MAX(
  COALESCE((SELECT value FROM counters WHERE name=?), 0),
  COALESCE((SELECT MAX(sequence_number) FROM cases), 0))`, sequenceCounter).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("read sequence: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO counters(name,value) VALUES (?,?)
ON CONFLICT(name) DO UPDATE SET value=excluded.value`, sequenceCounter, next); err != nil {
		return 0, fmt.Errorf("store sequence: %w", err)
	}
	return next, nil
}

// SequenceHighWater returns the largest case number ever issued.
func (r Repo) SequenceHighWater(ctx context.Context) (int64, error) {
	var v int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE((SELECT value FROM counters WHERE name=?), 0)`, sequenceCounter).Scan(&v)
	return v, err
}

func (r Repo) InsertCaseTx(ctx context.Context, tx *sql.Tx, c domain.Case) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO cases(`+caseColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.SequenceNumber, c.ClientName, c.ClientIDDocument, c.DocumentType, c.ClaimType,
		c.RespondentEntity, c.Amount, c.Status, c.LookupToken, nullable(c.SignedDocumentRef), c.CreatedAt, c.UpdatedAt)
	return classify(err)
}

func (r Repo) GetCase(ctx context.Context, id string) (domain.Case, error) {
	return scanCase(r.DB.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id=?`, id))
}

func (r Repo) GetCaseTx(ctx context.Context, tx *sql.Tx, id string) (domain.Case, error) {
	return scanCase(tx.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id=?`, id))
}

func (r Repo) GetCaseBySequence(ctx context.Context, seq int64) (domain.Case, error) {
	return scanCase(r.DB.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE sequence_number=?`, seq))
}

// FindByToken returns the most recent case for a lookup token.
func (r Repo) FindByToken(ctx context.Context, token string) (domain.Case, error) {
	return scanCase(r.DB.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE lookup_token=? ORDER BY sequence_number DESC LIMIT 1`, token))
}

// FindActiveByTokenTx returns the non-closed case holding token, if any.
func (r Repo) FindActiveByTokenTx(ctx context.Context, tx *sql.Tx, token string) (domain.Case, error) {
	return scanCase(tx.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE lookup_token=? AND status<>? LIMIT 1`, token, domain.StatusClosed))
}

func (r Repo) UpdateStatusTx(ctx context.Context, tx *sql.Tx, id string, status domain.Status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE cases SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSignedDocumentTx records ref only when no reference is stored yet.
func (r Repo) SetSignedDocumentTx(ctx context.Context, tx *sql.Tx, id, ref, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE cases SET signed_document_ref=?, updated_at=? WHERE id=? AND signed_document_ref IS NULL`, ref, updatedAt, id)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM cases WHERE id=?`, id).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrAlreadySigned
}

func (r Repo) InsertNoteTx(ctx context.Context, tx *sql.Tx, n domain.ProgressNote) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO progress_notes(case_id,kind,note_text,recorded_at) VALUES (?,?,?,?)`,
		n.CaseID, n.Kind, n.Text, n.RecordedAt)
	if err != nil {
		return 0, classify(err)
	}
	return res.LastInsertId()
}

func (r Repo) ListNotes(ctx context.Context, caseID string) ([]domain.ProgressNote, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,case_id,kind,note_text,recorded_at FROM progress_notes WHERE case_id=? ORDER BY recorded_at ASC, id ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProgressNote
	for rows.Next() {
		var n domain.ProgressNote
		if err := rows.Scan(&n.ID, &n.CaseID, &n.Kind, &n.Text, &n.RecordedAt); err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

type CaseFilters struct {
	Status domain.Status
	Limit  int
}

func (r Repo) ListCases(ctx context.Context, f CaseFilters) ([]domain.Case, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + caseColumns + ` FROM cases ` + where + ` ORDER BY sequence_number DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// DeleteCaseTx hard-deletes a case; its notes go with it.
func (r Repo) DeleteCaseTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM cases WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// classify maps SQLite constraint failures onto the store's sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return err
	}
	msg := serr.Error()
	switch serr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
	case sqlite3.SQLITE_CONSTRAINT:
		// extended codes disabled on this connection
		if !strings.Contains(msg, "UNIQUE constraint failed") {
			return err
		}
	default:
		return err
	}
	if strings.Contains(msg, "cases.lookup_token") {
		return fmt.Errorf("%w: %v", ErrActiveCaseExists, err)
	}
	return fmt.Errorf("%w: %v", ErrDuplicateKey, err)
}
