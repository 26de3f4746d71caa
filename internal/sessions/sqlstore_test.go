package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/nexus/pkg/models"
)

func TestSQLStoreRebindPostgres(t *testing.T) {
	pg := &SQLStore{driver: "postgres"}
	require.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", pg.rebind("SELECT * FROM t WHERE a = ? AND b = ?"))

	lite := &SQLStore{driver: "sqlite3"}
	require.Equal(t, "SELECT * FROM t WHERE a = ?", lite.rebind("SELECT * FROM t WHERE a = ?"))
}

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLStoreFromDB(db, "sqlite3"), mock
}

func TestSQLStoreAppendSkipsAdjacentDuplicate(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	cols := []string{"id", "session_id", "role", "content", "tool_calls", "tool_call_id", "name", "metadata", "created_at"}
	mock.ExpectQuery(`SELECT .* FROM messages WHERE session_id = \? ORDER BY seq DESC LIMIT 1`).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("m0", "s1", "user", "hello", "", "", "", "{}", time.Now()))

	err := store.AppendMessage(ctx, "s1", &models.Message{Role: models.RoleUser, Content: "hello"})
	require.NoError(t, err)
	// No INSERT expected: the duplicate is dropped silently.
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreAppendInsertsFreshMessage(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	cols := []string{"id", "session_id", "role", "content", "tool_calls", "tool_call_id", "name", "metadata", "created_at"}
	mock.ExpectQuery(`SELECT .* FROM messages WHERE session_id = \? ORDER BY seq DESC LIMIT 1`).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows(cols))
	mock.ExpectExec(`INSERT INTO messages`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.AppendMessage(ctx, "s1", &models.Message{Role: models.RoleUser, Content: "hello"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreGetHistoryRehydratesToolCalls(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	cols := []string{"id", "session_id", "role", "content", "tool_calls", "tool_call_id", "name", "metadata", "created_at"}
	toolCalls := `[{"id":"tc1","name":"get_system_info","input":{}}]`
	// Rows arrive newest-first; GetHistory reverses them into insertion order.
	mock.ExpectQuery(`SELECT .* FROM messages WHERE session_id = \? ORDER BY seq DESC`).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("m2", "s1", "assistant", "", toolCalls, "", "", "{}", time.Now()).
			AddRow("m1", "s1", "user", "hi", "", "", "", "{}", time.Now()))

	history, err := store.GetHistory(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, models.RoleUser, history[0].Role)
	require.Equal(t, models.RoleAssistant, history[1].Role)
	require.Len(t, history[1].ToolCalls, 1)
	require.Equal(t, "get_system_info", history[1].ToolCalls[0].Name)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreResetDeletesMessagesOnly(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(`DELETE FROM messages WHERE session_id = \?`).
		WithArgs("s1").
		WillReturnResult(sqlmock.NewResult(0, 3))

	require.NoError(t, store.Reset(ctx, "s1"))
	require.NoError(t, mock.ExpectationsWereMet())
}
