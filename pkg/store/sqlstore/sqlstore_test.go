package sqlstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentgw/pkg/store"
	"github.com/harun/agentgw/pkg/store/storetest"
)

func openSQLite(t *testing.T) *DB {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "agentgw.db") + "?_busy_timeout=5000"
	db, err := Open(context.Background(), DefaultConfig(SQLite, dsn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLiteConformance(t *testing.T) {
	storetest.RunAll(t, openSQLite(t).Store())
}

func TestSQLiteMigrateIdempotent(t *testing.T) {
	db := openSQLite(t)
	require.NoError(t, db.Migrate(context.Background()))
}

func TestSQLitePurge(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	repo := db.Store().Idempotency

	base := time.Now().UTC()
	require.NoError(t, repo.Put(ctx, &store.IdempotencyRecord{Key: "old", Method: "m", Fingerprint: "f", Result: []byte("{}"), CreatedAt: base.Add(-2 * time.Hour), ExpiresAt: base.Add(-time.Hour)}))
	require.NoError(t, repo.Put(ctx, &store.IdempotencyRecord{Key: "new", Method: "m", Fingerprint: "f", Result: []byte("{}"), CreatedAt: base, ExpiresAt: base.Add(time.Hour)}))

	n, err := repo.Purge(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestOpenValidation(t *testing.T) {
	_, err := Open(context.Background(), Config{Dialect: SQLite})
	assert.Error(t, err)

	_, err = Open(context.Background(), Config{Dialect: "oracle", DSN: "x"})
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	pg := NewWithDB(nil, Postgres)
	lite := NewWithDB(nil, SQLite)

	q := "SELECT * FROM t WHERE a = ? AND b = ?"
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", pg.rebind(q))
	assert.Equal(t, q, lite.rebind(q))
	assert.Equal(t, " FOR UPDATE", pg.forUpdate())
	assert.Empty(t, lite.forUpdate())
}

// setupMockDB creates a postgres-dialect store over sqlmock.
func setupMockDB(t *testing.T) (sqlmock.Sqlmock, *store.Store) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return mock, NewWithDB(db, Postgres).Store()
}

func TestPostgresTranscriptAppend(t *testing.T) {
	tests := []struct {
		name        string
		setupMock   func(sqlmock.Sqlmock)
		wantErr     bool
		errContains string
	}{
		{
			name: "successful append",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`INSERT INTO transcript_entries .* VALUES \(\$1,\$2,\$3,\$4,\$5,\$6\)`).
					WithArgs("e-1", "s-1", "r-1", "agent.accepted", `{"runId":"r-1"}`, sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(1, 1))
			},
		},
		{
			name: "database error",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO transcript_entries").
					WillReturnError(errors.New("connection refused"))
			},
			wantErr:     true,
			errContains: "append transcript",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, s := setupMockDB(t)
			tt.setupMock(mock)

			err := s.Transcripts.Append(context.Background(), &store.TranscriptEntry{
				ID:        "e-1",
				SessionID: "s-1",
				RunID:     "r-1",
				Event:     "agent.accepted",
				Payload:   []byte(`{"runId":"r-1"}`),
				CreatedAt: time.Now(),
			})
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
			} else {
				require.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresIdempotencyPutConflict(t *testing.T) {
	mock, s := setupMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM idempotency_records").
		WithArgs("k", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO idempotency_records").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.Idempotency.Put(context.Background(), &store.IdempotencyRecord{Key: "k", Result: []byte("{}")})
	assert.True(t, errors.Is(err, store.ErrExists))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSessionGetNotFound(t *testing.T) {
	mock, s := setupMockDB(t)

	mock.ExpectQuery(`SELECT .* FROM sessions WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.Sessions.Get(context.Background(), "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPolicyUpdateLocksRow(t *testing.T) {
	mock, s := setupMockDB(t)
	scope := store.PolicyScope{TenantID: "t1", WorkspaceID: "w1", ScopeKey: "default"}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT tools, tool_default, high_risk, version, updated_at\s+FROM policies .* FOR UPDATE`).
		WithArgs("t1", "w1", "default").
		WillReturnRows(sqlmock.NewRows([]string{"tools", "tool_default", "high_risk", "version", "updated_at"}).
			AddRow(`{"echo":"allow"}`, "allow", "deny", int64(3), time.Now()))
	mock.ExpectExec("INSERT INTO policies").
		WithArgs("t1", "w1", "default", `{"bash.exec":"allow","echo":"allow"}`, "allow", "deny", int64(4), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	p, err := s.Policies.Update(context.Background(), scope, func(p *store.PolicyRecord) error {
		p.Tools["bash.exec"] = store.Allow
		p.Version++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), p.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPurge(t *testing.T) {
	mock, s := setupMockDB(t)

	mock.ExpectExec(`DELETE FROM idempotency_records WHERE expires_at <= \$1`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := s.Idempotency.Purge(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
