package spatialstore

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"

	"github.com/MycosoftLabs/mycosoft-mas-sub007/internal/collectors"
)

func TestUpsertExecutesOnConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO mindex.timeline_entries")
	mock.ExpectExec("INSERT INTO mindex.timeline_entries").
		WithArgs("11111111-1111-1111-1111-111111111111", "earthquake", sqlmock.AnyArg(), -122.0, 37.5, sqlmock.AnyArg(), "usgs", 0.9).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	store := New(db, logrus.New())
	n, err := store.Upsert(context.Background(), []collectors.TimelineEvent{{
		ID:           "11111111-1111-1111-1111-111111111111",
		EntityType:   "earthquake",
		Lat:          37.5,
		Lng:          -122.0,
		Source:       "usgs",
		QualityScore: 0.9,
		Properties:   map[string]interface{}{"magnitude": 4.2},
	}})
	if err != nil {
		t.Fatalf("Upsert returned error: %v", err)
	}
	if n != 1 {
		t.Fatalf("ingested = %d, want 1", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpsertEmptyIsNoop(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	store := New(db, logrus.New())
	n, err := store.Upsert(context.Background(), nil)
	if err != nil || n != 0 {
		t.Fatalf("Upsert(nil) = (%d, %v), want (0, nil)", n, err)
	}
}

func TestUpsertSwallowsRowFailureAndContinues(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO mindex.timeline_entries")
	mock.ExpectExec("INSERT INTO mindex.timeline_entries").
		WillReturnError(errors.New("constraint violation"))
	mock.ExpectExec("INSERT INTO mindex.timeline_entries").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	store := New(db, logrus.New())
	n, err := store.Upsert(context.Background(), []collectors.TimelineEvent{
		{ID: "bad", EntityType: "aircraft", Properties: map[string]interface{}{}},
		{ID: "good", EntityType: "aircraft", Properties: map[string]interface{}{}},
	})
	if err != nil {
		t.Fatalf("Upsert returned error: %v", err)
	}
	if n != 1 {
		t.Fatalf("ingested = %d, want 1 (one row failed, one succeeded)", n)
	}
}
