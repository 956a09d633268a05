package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/harun/agentgw/pkg/store"
)

const sessionColumns = `id, session_key, tenant_id, workspace_id, owner_id, runtime_mode, sync_state,
	title, preview, context_usage, compaction_count, memory_flush_state, last_run_id, archived,
	created_at, updated_at`

// Sessions is a SQL SessionRepository
type Sessions struct {
	d *DB
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*store.Session, error) {
	var s store.Session
	var mode, sync, flush string
	err := row.Scan(
		&s.ID, &s.SessionKey, &s.TenantID, &s.WorkspaceID, &s.OwnerID, &mode, &sync,
		&s.Title, &s.Preview, &s.ContextUsage, &s.CompactionCount, &flush, &s.LastRunID, &s.Archived,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.RuntimeMode = store.RuntimeMode(mode)
	s.SyncState = store.SyncState(sync)
	s.MemoryFlushState = store.FlushState(flush)
	return &s, nil
}

func (r *Sessions) GetOrCreate(ctx context.Context, s *store.Session) (*store.Session, bool, error) {
	res, err := r.d.exec(ctx, r.d.db, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (session_key) DO NOTHING
	`,
		s.ID, s.SessionKey, s.TenantID, s.WorkspaceID, s.OwnerID, string(s.RuntimeMode), string(s.SyncState),
		s.Title, s.Preview, s.ContextUsage, s.CompactionCount, string(s.MemoryFlushState), s.LastRunID, s.Archived,
		utc(s.CreatedAt), utc(s.UpdatedAt),
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("insert session: %w", err)
	}

	got, err := r.GetByKey(ctx, s.SessionKey)
	if err != nil {
		return nil, false, err
	}
	return got, n == 1, nil
}

func (r *Sessions) Get(ctx context.Context, id string) (*store.Session, error) {
	return r.getWhere(ctx, r.d.db, "id", id, false)
}

func (r *Sessions) GetByKey(ctx context.Context, sessionKey string) (*store.Session, error) {
	return r.getWhere(ctx, r.d.db, "session_key", sessionKey, false)
}

func (r *Sessions) getWhere(ctx context.Context, q execer, column, value string, lock bool) (*store.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE ` + column + ` = ?`
	if lock {
		query += r.d.forUpdate()
	}
	s, err := scanSession(r.d.queryRow(ctx, q, query, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

func (r *Sessions) List(ctx context.Context, tenantID, workspaceID string, includeArchived bool) ([]*store.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE tenant_id = ? AND workspace_id = ?`
	if !includeArchived {
		query += ` AND archived = FALSE`
	}
	query += ` ORDER BY updated_at DESC, id ASC`

	rows, err := r.d.query(ctx, r.d.db, query, tenantID, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := make([]*store.Session, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

func (r *Sessions) Update(ctx context.Context, id string, fn func(*store.Session) error) (*store.Session, error) {
	var out *store.Session
	err := r.d.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := r.getWhere(ctx, tx, "id", id, true)
		if err != nil {
			return err
		}
		next := cur.Clone()
		if err := fn(next); err != nil {
			return err
		}
		_, err = r.d.exec(ctx, tx, `
			UPDATE sessions
			SET owner_id = ?,
				runtime_mode = ?,
				sync_state = ?,
				title = ?,
				preview = ?,
				context_usage = ?,
				compaction_count = ?,
				memory_flush_state = ?,
				last_run_id = ?,
				archived = ?,
				updated_at = ?
			WHERE id = ?
		`,
			next.OwnerID, string(next.RuntimeMode), string(next.SyncState), next.Title, next.Preview,
			next.ContextUsage, next.CompactionCount, string(next.MemoryFlushState), next.LastRunID,
			next.Archived, utc(next.UpdatedAt), id,
		)
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		next.ID, next.SessionKey, next.TenantID, next.WorkspaceID, next.CreatedAt =
			cur.ID, cur.SessionKey, cur.TenantID, cur.WorkspaceID, cur.CreatedAt
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Sessions) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.d.queryRow(ctx, r.d.db, `SELECT COUNT(*) FROM sessions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}
