package store

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/mohammad-safakhou/researcher/internal/observer"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db, nil), mock
}

func TestCreateRun(t *testing.T) {
	st, mock := newMockStore(t)

	query := regexp.QuoteMeta(`INSERT INTO research_runs (id, query, status, created_at, updated_at) VALUES ($1,$2,$3,NOW(),NOW())`)
	mock.ExpectExec(query).
		WithArgs("run-1", "fetch items", "running").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.CreateRun(context.Background(), "run-1", "fetch items", "running"); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateRunDuplicate(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO research_runs`)).
		WillReturnError(&pq.Error{Code: uniqueViolation})

	err := st.CreateRun(context.Background(), "run-1", "q", "running")
	if !errors.Is(err, ErrRunExists) {
		t.Fatalf("expected ErrRunExists, got %v", err)
	}
}

func TestCreateRunRequiresID(t *testing.T) {
	st, _ := newMockStore(t)
	if err := st.CreateRun(context.Background(), "", "q", "running"); err == nil {
		t.Fatalf("expected error for empty id")
	}
}

func TestSaveRunStateDefaultsEmptyState(t *testing.T) {
	st, mock := newMockStore(t)

	query := regexp.QuoteMeta(`UPDATE research_runs SET status=$2, state=$3, updated_at=NOW() WHERE id=$1`)
	mock.ExpectExec(query).
		WithArgs("run-1", "awaiting_human", []byte(`{}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.SaveRunState(context.Background(), "run-1", "awaiting_human", nil); err != nil {
		t.Fatalf("SaveRunState: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestFinishRun(t *testing.T) {
	st, mock := newMockStore(t)

	answer := "the answer"
	state := json.RawMessage(`{"original_query":"q"}`)
	query := regexp.QuoteMeta(`UPDATE research_runs SET status=$2, final_answer=$3, error=$4, state=$5, updated_at=NOW() WHERE id=$1`)
	mock.ExpectExec(query).
		WithArgs("run-1", "completed", &answer, nil, []byte(state)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.FinishRun(context.Background(), "run-1", "completed", &answer, nil, state); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetRun(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now()

	query := regexp.QuoteMeta(`SELECT id, query, status, final_answer, error, state, created_at, updated_at FROM research_runs WHERE id=$1`)
	mock.ExpectQuery(query).
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "query", "status", "final_answer", "error", "state", "created_at", "updated_at"}).
			AddRow("run-1", "q", "failed", nil, "boom", []byte(`{"a":1}`), now, now))

	rec, ok, err := st.GetRun(context.Background(), "run-1")
	if err != nil || !ok {
		t.Fatalf("GetRun: ok=%v err=%v", ok, err)
	}
	if rec.FinalAnswer != nil {
		t.Fatalf("expected nil final answer, got %q", *rec.FinalAnswer)
	}
	if rec.Error == nil || *rec.Error != "boom" {
		t.Fatalf("unexpected error column: %v", rec.Error)
	}
	if string(rec.State) != `{"a":1}` {
		t.Fatalf("unexpected state %s", rec.State)
	}
}

func TestGetRunMissing(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM research_runs WHERE id=$1`)).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, ok, err := st.GetRun(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if ok {
		t.Fatalf("expected missing run")
	}
}

func TestObservePersistsStep(t *testing.T) {
	st, mock := newMockStore(t)
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	query := regexp.QuoteMeta(`INSERT INTO research_steps (run_id, state, summary, status, occurred_at) VALUES ($1,$2,$3,$4,$5)`)
	mock.ExpectExec(query).
		WithArgs("run-1", "STASH", "web_search: 1/2 succeeded", observer.StatusWarning, ts).
		WillReturnResult(sqlmock.NewResult(1, 1))

	st.Observe(context.Background(), observer.Step{
		RunID:     "run-1",
		State:     "STASH",
		Summary:   "web_search: 1/2 succeeded",
		Status:    observer.StatusWarning,
		Timestamp: ts,
	})
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestObserveSwallowsErrors(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO research_steps`)).
		WillReturnError(errors.New("connection refused"))

	st.Observe(context.Background(), observer.Step{RunID: "run-1", State: "PLAN", Status: observer.StatusOK})
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListSteps(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now()

	query := regexp.QuoteMeta(`SELECT id, run_id, state, summary, status, occurred_at FROM research_steps WHERE run_id=$1 ORDER BY occurred_at ASC, id ASC`)
	mock.ExpectQuery(query).
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "run_id", "state", "summary", "status", "occurred_at"}).
			AddRow(1, "run-1", "ROUTE", "research", "ok", now).
			AddRow(2, "run-1", "PLAN", "web_search", "ok", now.Add(time.Second)))

	steps, err := st.ListSteps(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("ListSteps: %v", err)
	}
	if len(steps) != 2 || steps[0].State != "ROUTE" || steps[1].State != "PLAN" {
		t.Fatalf("unexpected steps: %+v", steps)
	}
}
