package repo_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/stretchr/testify/suite"

	"casefile/internal/db"
	"casefile/internal/domain"
	"casefile/internal/migrate"
	"casefile/internal/repo"
)

// CaseStoreSuite exercises the case store against a migrated SQLite file.
type CaseStoreSuite struct {
	suite.Suite
	ctx  context.Context
	conn *sql.DB
	repo repo.Repo
}

func TestCaseStoreSuite(t *testing.T) {
	suite.Run(t, new(CaseStoreSuite))
}

func (s *CaseStoreSuite) SetupTest() {
	conn, err := db.Open(db.Config{Workspace: s.T().TempDir()})
	s.Require().NoError(err)
	s.Require().NoError(migrate.Migrate(conn))
	s.ctx = context.Background()
	s.conn = conn
	s.repo = repo.Repo{DB: conn}
}

func (s *CaseStoreSuite) TearDownTest() {
	s.conn.Close()
}

func (s *CaseStoreSuite) newCase(id, token string) domain.Case {
	return domain.Case{
		ID:               id,
		ClientName:       "Ana Gómez",
		ClientIDDocument: "1017234567",
		DocumentType:     "Cédula de Ciudadanía",
		ClaimType:        "Derecho de Petición",
		RespondentEntity: "EPS Sura",
		Amount:           1000000,
		Status:           domain.StatusOpen,
		LookupToken:      token,
		CreatedAt:        "2026-03-01T10:00:00Z",
		UpdatedAt:        "2026-03-01T10:00:00Z",
	}
}

// insert allocates a number and stores c in one transaction.
func (s *CaseStoreSuite) insert(c domain.Case) domain.Case {
	tx, err := s.conn.BeginTx(s.ctx, nil)
	s.Require().NoError(err)
	defer tx.Rollback()
	seq, err := s.repo.NextSequenceTx(s.ctx, tx)
	s.Require().NoError(err)
	c.SequenceNumber = seq
	s.Require().NoError(s.repo.InsertCaseTx(s.ctx, tx, c))
	s.Require().NoError(tx.Commit())
	return c
}

func (s *CaseStoreSuite) TestSequenceAllocation() {
	s.Run("numbers start at one and increase", func() {
		a := s.insert(s.newCase("a", "tok-a"))
		b := s.insert(s.newCase("b", "tok-b"))
		s.Equal(int64(1), a.SequenceNumber)
		s.Equal(int64(2), b.SequenceNumber)
	})

	s.Run("purged numbers are not reissued", func() {
		tx, err := s.conn.BeginTx(s.ctx, nil)
		s.Require().NoError(err)
		s.Require().NoError(s.repo.DeleteCaseTx(s.ctx, tx, "b"))
		s.Require().NoError(tx.Commit())

		c := s.insert(s.newCase("c", "tok-c"))
		s.Equal(int64(3), c.SequenceNumber)

		hw, err := s.repo.SequenceHighWater(s.ctx)
		s.Require().NoError(err)
		s.Equal(int64(3), hw)
	})
}

func (s *CaseStoreSuite) TestDuplicateKeys() {
	c := s.insert(s.newCase("a", "tok-a"))

	s.Run("reused sequence number", func() {
		dup := s.newCase("b", "tok-b")
		dup.SequenceNumber = c.SequenceNumber
		tx, err := s.conn.BeginTx(s.ctx, nil)
		s.Require().NoError(err)
		defer tx.Rollback()
		err = s.repo.InsertCaseTx(s.ctx, tx, dup)
		s.ErrorIs(err, repo.ErrDuplicateKey)
	})

	s.Run("reused case id", func() {
		dup := s.newCase("a", "tok-b")
		dup.SequenceNumber = 99
		tx, err := s.conn.BeginTx(s.ctx, nil)
		s.Require().NoError(err)
		defer tx.Rollback()
		err = s.repo.InsertCaseTx(s.ctx, tx, dup)
		s.ErrorIs(err, repo.ErrDuplicateKey)
	})

	s.Run("second active case for the same token", func() {
		dup := s.newCase("b", "tok-a")
		dup.SequenceNumber = 99
		tx, err := s.conn.BeginTx(s.ctx, nil)
		s.Require().NoError(err)
		defer tx.Rollback()
		err = s.repo.InsertCaseTx(s.ctx, tx, dup)
		s.ErrorIs(err, repo.ErrActiveCaseExists)
	})
}

func (s *CaseStoreSuite) TestFindByTokenPrefersLatest() {
	first := s.insert(s.newCase("a", "tok-a"))

	tx, err := s.conn.BeginTx(s.ctx, nil)
	s.Require().NoError(err)
	s.Require().NoError(s.repo.UpdateStatusTx(s.ctx, tx, first.ID, domain.StatusClosed, "2026-03-02T10:00:00Z"))
	s.Require().NoError(tx.Commit())

	second := s.insert(s.newCase("b", "tok-a"))

	got, err := s.repo.FindByToken(s.ctx, "tok-a")
	s.Require().NoError(err)
	s.Equal(second.ID, got.ID)

	_, err = s.repo.FindByToken(s.ctx, "missing")
	s.ErrorIs(err, repo.ErrNotFound)
}

func (s *CaseStoreSuite) TestSignedDocumentIsWriteOnce() {
	c := s.insert(s.newCase("a", "tok-a"))

	tx, err := s.conn.BeginTx(s.ctx, nil)
	s.Require().NoError(err)
	s.Require().NoError(s.repo.SetSignedDocumentTx(s.ctx, tx, c.ID, "signed/1.pdf", "2026-03-02T10:00:00Z"))
	s.Require().NoError(tx.Commit())

	tx, err = s.conn.BeginTx(s.ctx, nil)
	s.Require().NoError(err)
	defer tx.Rollback()
	s.ErrorIs(s.repo.SetSignedDocumentTx(s.ctx, tx, c.ID, "signed/other.pdf", "2026-03-03T10:00:00Z"), repo.ErrAlreadySigned)
	s.ErrorIs(s.repo.SetSignedDocumentTx(s.ctx, tx, "missing", "x.pdf", "2026-03-03T10:00:00Z"), repo.ErrNotFound)
	s.Require().NoError(tx.Rollback())

	got, err := s.repo.GetCase(s.ctx, c.ID)
	s.Require().NoError(err)
	s.Equal("signed/1.pdf", got.SignedDocumentRef)
	s.Equal("2026-03-02T10:00:00Z", got.UpdatedAt)
}

func (s *CaseStoreSuite) TestNotesCascadeOnDelete() {
	c := s.insert(s.newCase("a", "tok-a"))

	tx, err := s.conn.BeginTx(s.ctx, nil)
	s.Require().NoError(err)
	for i := 0; i < 3; i++ {
		_, err := s.repo.InsertNoteTx(s.ctx, tx, domain.ProgressNote{
			CaseID:     c.ID,
			Kind:       domain.NoteKindNote,
			Text:       fmt.Sprintf("note %d", i),
			RecordedAt: "2026-03-01T11:00:00Z",
		})
		s.Require().NoError(err)
	}
	s.Require().NoError(tx.Commit())

	notes, err := s.repo.ListNotes(s.ctx, c.ID)
	s.Require().NoError(err)
	s.Require().Len(notes, 3)
	s.Equal("note 0", notes[0].Text)
	s.Equal("note 2", notes[2].Text)

	tx, err = s.conn.BeginTx(s.ctx, nil)
	s.Require().NoError(err)
	s.Require().NoError(s.repo.DeleteCaseTx(s.ctx, tx, c.ID))
	s.Require().NoError(tx.Commit())

	notes, err = s.repo.ListNotes(s.ctx, c.ID)
	s.Require().NoError(err)
	s.Empty(notes)

	_, err = s.repo.GetCase(s.ctx, c.ID)
	s.ErrorIs(err, repo.ErrNotFound)
}

func (s *CaseStoreSuite) TestListCasesNewestFirst() {
	s.insert(s.newCase("a", "tok-a"))
	s.insert(s.newCase("b", "tok-b"))
	s.insert(s.newCase("c", "tok-c"))

	all, err := s.repo.ListCases(s.ctx, repo.CaseFilters{})
	s.Require().NoError(err)
	s.Require().Len(all, 3)
	s.Equal("c", all[0].ID)

	limited, err := s.repo.ListCases(s.ctx, repo.CaseFilters{Limit: 1, Status: domain.StatusOpen})
	s.Require().NoError(err)
	s.Len(limited, 1)
}
