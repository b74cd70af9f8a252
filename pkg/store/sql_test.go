package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/Mindburn-Labs/govbox/pkg/contracts"
)

func TestRebind(t *testing.T) {
	pg := NewSQLStore(nil, DialectPostgres)
	if got := pg.rebind(`SELECT a FROM t WHERE x = ? AND y = ?`); got != `SELECT a FROM t WHERE x = $1 AND y = $2` {
		t.Errorf("postgres rebind = %q", got)
	}
	lite := NewSQLStore(nil, DialectSQLite)
	if got := lite.rebind(`WHERE x = ?`); got != `WHERE x = ?` {
		t.Errorf("sqlite rebind = %q", got)
	}
}

func TestSQLStore_ResolveProposalCAS(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer func() { _ = db.Close() }()

	s := NewSQLStore(db, DialectPostgres)
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE proposals SET status = \$1, resolved_at = \$2 WHERE id = \$3 AND status = \$4`).
		WithArgs("PASSED", at, "p1", "PROPOSED").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.ResolveProposal(context.Background(), "p1", contracts.StatusPassed, at); err != nil {
		t.Errorf("error was not expected while resolving: %s", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestSQLStore_ResolveProposalLostRace(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer func() { _ = db.Close() }()

	s := NewSQLStore(db, DialectPostgres)
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec("UPDATE proposals").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM proposals p WHERE p.id = \\$1").
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "community_id", "action_id", "content_type", "kind", "creators", "status", "created_at", "resolved_at"}).
			AddRow("p1", "com-1", "a1", "slack.pin_message", "add", `[]`, "FAILED", at, at))

	err = s.ResolveProposal(context.Background(), "p1", contracts.StatusPassed, at)
	if !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestSQLStore_UniqueViolationIsConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer func() { _ = db.Close() }()

	s := NewSQLStore(db, DialectPostgres)
	mock.ExpectExec("INSERT INTO rules").WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key"})

	err = s.CreateRule(context.Background(), contracts.Rule{ID: "r1", CommunityID: "c1"})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestSQLStore_CreateProposalRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer func() { _ = db.Close() }()

	s := NewSQLStore(db, DialectPostgres)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO proposals").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO actions").WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	err = s.CreateProposal(context.Background(),
		contracts.Proposal{ID: "p1", Status: contracts.StatusProposed},
		contracts.ActionRecord{ID: "a1"})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}
