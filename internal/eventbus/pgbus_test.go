package eventbus

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestPgBus_PublishCallsNotify(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`SELECT pg_notify\(\$1, \$2\)`).
		WithArgs(EventARNew, `"ar-1"`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	// PgBus's constructor opens a real pq.Listener against dsn, which
	// requires a live connection; Publish alone only needs db, so this
	// test exercises Publish's query shape directly without dialing out.
	b := &PgBus{db: db, handlers: make(map[string][]Handler)}

	err = b.Publish(context.Background(), Event{Name: EventARNew, Payload: "ar-1"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
