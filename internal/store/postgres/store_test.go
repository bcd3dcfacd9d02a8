package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodalwatch/ace/internal/domain"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func TestStore_GetRoot_Found(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	root := domain.RootAnalysis{UUID: "root-1", Version: "v1"}
	blob, err := json.Marshal(root)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT json FROM roots WHERE uuid = \$1`).
		WithArgs("root-1").
		WillReturnRows(sqlmock.NewRows([]string{"json"}).AddRow(blob))

	got, err := s.GetRoot(ctx, "root-1")
	require.NoError(t, err)
	assert.Equal(t, "v1", got.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetRoot_NotFound(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT json FROM roots WHERE uuid = \$1`).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetRoot(ctx, "ghost")
	assert.ErrorIs(t, err, domain.ErrRootNotFound)
}

func TestStore_SaveRoot_StaleVersionWhenNoRowsAffected(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE roots SET version = \$1, json = \$2 WHERE uuid = \$3 AND version = \$4`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	current := domain.RootAnalysis{UUID: "root-1", Version: "v-current"}
	blob, err := json.Marshal(current)
	require.NoError(t, err)
	mock.ExpectQuery(`SELECT json FROM roots WHERE uuid = \$1`).
		WithArgs("root-1").
		WillReturnRows(sqlmock.NewRows([]string{"json"}).AddRow(blob))

	root := &domain.RootAnalysis{UUID: "root-1", Version: "v-stale"}
	_, err = s.SaveRoot(ctx, root)

	var staleErr *domain.StaleVersionError
	require.ErrorAs(t, err, &staleErr)
	assert.Equal(t, "v-current", staleErr.Current)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SaveRoot_Success(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE roots SET version = \$1, json = \$2 WHERE uuid = \$3 AND version = \$4`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	root := &domain.RootAnalysis{UUID: "root-1", Version: "v-old"}
	newVersion, err := s.SaveRoot(ctx, root)
	require.NoError(t, err)
	assert.NotEqual(t, "v-old", newVersion)
	assert.Equal(t, newVersion, root.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_DeleteRequest_CleansLinksOnlyWhenRowAffected(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	mock.ExpectExec(`DELETE FROM analysis_requests WHERE id = \$1`).
		WithArgs("ar-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM linked_requests WHERE src_id = \$1 OR dest_id = \$1`).
		WithArgs("ar-1").
		WillReturnResult(sqlmock.NewResult(0, 2))

	ok, err := s.DeleteRequest(ctx, "ar-1")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_LinkAndLinked(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	mock.ExpectExec(`INSERT INTO linked_requests`).
		WithArgs("existing", "dup-1").
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, s.LinkRequests(ctx, "existing", "dup-1"))

	mock.ExpectQuery(`SELECT dest_id FROM linked_requests WHERE src_id = \$1`).
		WithArgs("existing").
		WillReturnRows(sqlmock.NewRows([]string{"dest_id"}).AddRow("dup-1").AddRow("dup-2"))

	linked, err := s.Linked(ctx, "existing")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"dup-1", "dup-2"}, linked)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ExpiredRequests(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	ar := domain.AnalysisRequest{ID: "ar-1", Deadline: time.Now().Add(-time.Hour)}
	blob, err := json.Marshal(ar)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT json FROM analysis_requests WHERE deadline < \$1 AND deadline > \$2`).
		WillReturnRows(sqlmock.NewRows([]string{"json"}).AddRow(blob))

	out, err := s.ExpiredRequests(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "ar-1", out[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}
