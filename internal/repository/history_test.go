package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestHistoryAppendAndListSince(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewHistoryRepository(db)

	mock.ExpectExec("INSERT INTO entity_history").WillReturnResult(sqlmock.NewResult(1, 1))
	if err := repo.Append(context.Background(), "tank.fresh", map[string]any{"level": 72}, time.Now()); err != nil {
		t.Fatalf("append: %v", err)
	}

	since := time.Now().Add(-time.Hour)
	mock.ExpectQuery("SELECT id, entity_id, state_json, recorded_at FROM entity_history").
		WillReturnRows(sqlmock.NewRows([]string{"id", "entity_id", "state_json", "recorded_at"}).
			AddRow(int64(1), "tank.fresh", []byte(`{"level":72}`), time.Now()))

	recs, err := repo.ListSince(context.Background(), "tank.fresh", since)
	if err != nil {
		t.Fatalf("list since: %v", err)
	}
	if len(recs) != 1 || recs[0].EntityID != "tank.fresh" {
		t.Fatalf("unexpected records: %+v", recs)
	}
}

func TestHistoryDeleteOlderThanReturnsRowsAffected(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewHistoryRepository(db)

	mock.ExpectExec("DELETE FROM entity_history").WillReturnResult(sqlmock.NewResult(0, 42))

	n, err := repo.DeleteOlderThan(context.Background(), time.Now().AddDate(0, 0, -7))
	if err != nil {
		t.Fatalf("delete older than: %v", err)
	}
	if n != 42 {
		t.Fatalf("expected 42 rows pruned, got %d", n)
	}
}
