package store

import (
	"context"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	sqlxdb := sqlx.NewDb(db, "sqlmock")
	return sqlxdb, mock, func() {
		db.Close()
	}
}

func TestBuildQueryIndexedFormulation(t *testing.T) {
	sqlText, args, err := buildQuery(Query{
		Collection: "globalNotifications",
		Filters:    []Filter{{Field: "targetRoles", Op: OpArrayContains, Value: "student"}},
		Sort:       &Sort{Field: "createdAt", Descending: true},
		Limit:      50,
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT id, data FROM documents WHERE collection = $1 AND data->$2 ? $3 ORDER BY (data->>$4)::timestamptz DESC NULLS LAST LIMIT 50", sqlText)
	assert.Equal(t, []interface{}{"globalNotifications", "targetRoles", "student", "createdAt"}, args)
}

func TestBuildQueryDefaultsToRecencyOrder(t *testing.T) {
	sqlText, args, err := buildQuery(Query{Collection: "globalNotifications", Limit: 100})
	require.NoError(t, err)
	assert.Equal(t, "SELECT id, data FROM documents WHERE collection = $1 ORDER BY inserted_at DESC LIMIT 100", sqlText)
	assert.Equal(t, []interface{}{"globalNotifications"}, args)
}

func TestBuildQueryInFilter(t *testing.T) {
	sqlText, _, err := buildQuery(Query{
		Collection: "users",
		Filters:    []Filter{{Field: "role", Op: OpIn, Value: []string{"student", "faculty"}}},
	})
	require.NoError(t, err)
	assert.Contains(t, sqlText, "data->>$2 = ANY($3)")
}

func TestBuildQueryUnsupportedOperator(t *testing.T) {
	_, _, err := buildQuery(Query{
		Collection: "globalNotifications",
		Filters:    []Filter{{Field: "createdAt", Op: ">", Value: "2025"}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedQuery)
}

func TestInsertResolvesServerTimestamp(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	store := NewPostgres(db, "", nil)

	mock.ExpectExec("INSERT INTO documents").
		WithArgs("globalNotifications", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := store.Insert(context.Background(), "globalNotifications", Document{
		"title":     "Exam schedule",
		"createdAt": ServerTimestamp,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryDecodesSnapshots(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	store := NewPostgres(db, "", nil)

	rows := sqlmock.NewRows([]string{"id", "data"}).
		AddRow("n1", []byte(`{"title":"Holiday notice","targetRoles":["student"]}`)).
		AddRow("n2", []byte(`{"title":"Fee reminder","targetRoles":["student","faculty"]}`))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, data FROM documents WHERE collection = $1 AND data->$2 ? $3")).
		WithArgs("globalNotifications", "targetRoles", "student").
		WillReturnRows(rows)

	snaps, err := store.Query(context.Background(), Query{
		Collection: "globalNotifications",
		Filters:    []Filter{{Field: "targetRoles", Op: OpArrayContains, Value: "student"}},
	})
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, "n1", snaps[0].ID)
	assert.Equal(t, "Holiday notice", snaps[0].Data["title"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMergeUpdateArrayUnion(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	store := NewPostgres(db, "", nil)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE documents SET data = jsonb_set").
		WithArgs("globalNotifications", "n1", "readBy", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.MergeUpdate(context.Background(), "globalNotifications", "n1",
		[]Update{ArrayUnion("readBy", "user-1")})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMergeUpdateMissingDocument(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	store := NewPostgres(db, "", nil)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE documents SET data = jsonb_set").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.MergeUpdate(context.Background(), "globalNotifications", "missing",
		[]Update{ArrayUnion("readBy", "user-1")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscribeRejectsUnsupportedQuery(t *testing.T) {
	db, _, cleanup := newMock(t)
	defer cleanup()
	store := NewPostgres(db, "", nil)

	cancel, err := store.Subscribe(Query{
		Collection: "globalNotifications",
		Filters:    []Filter{{Field: "createdAt", Op: "<", Value: "2025"}},
	}, func([]Snapshot) {}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedQuery)
	assert.Nil(t, cancel)
}
