package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"bulkrun/internal/model"
	logx "bulkrun/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// sqliteStore keeps one row per batch and item with the full record as JSON
// and the filterable columns alongside.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; this also serializes read-modify-write.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) CreateBatch(ctx context.Context, b *model.Batch, items []*model.Item) error {
	if b == nil || b.ID == "" {
		return errors.New("storage: batch id is required")
	}
	bdata, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO batches(id, owner_id, type, status, created_at, updated_at, data) VALUES(?,?,?,?,?,?,?)`,
			b.ID, b.OwnerID, string(b.Type), string(b.Status), b.CreatedAt.UnixNano(), b.UpdatedAt.UnixNano(), string(bdata),
		)
		if err != nil {
			if isConstraint(err) {
				return fmt.Errorf("%w: batch %s", ErrExists, b.ID)
			}
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO items(batch_id, id, idx, status, data) VALUES(?,?,?,?,?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, it := range items {
			idata, err := json.Marshal(it)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, b.ID, it.ID, it.Index, string(it.Status), string(idata)); err != nil {
				if isConstraint(err) {
					return fmt.Errorf("%w: item %s", ErrExists, it.ID)
				}
				return err
			}
		}
		return nil
	})
}

func (s *sqliteStore) GetBatch(ctx context.Context, id string) (*model.Batch, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM batches WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var b model.Batch
	if err := json.Unmarshal([]byte(data), &b); err != nil {
		return nil, false, err
	}
	return &b, true, nil
}

func (s *sqliteStore) UpdateBatch(ctx context.Context, id string, fn func(b *model.Batch) error) (*model.Batch, error) {
	var out *model.Batch
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var data string
		err := tx.QueryRowContext(ctx, `SELECT data FROM batches WHERE id = ?`, id).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: batch %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		var cur model.Batch
		if err := json.Unmarshal([]byte(data), &cur); err != nil {
			return err
		}
		next := cur.Clone()
		if err := fn(next); err != nil {
			return err
		}
		next.ID = cur.ID
		next.TotalItems = cur.TotalItems
		b, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE batches SET owner_id=?, type=?, status=?, updated_at=?, data=? WHERE id=?`,
			next.OwnerID, string(next.Type), string(next.Status), next.UpdatedAt.UnixNano(), string(b), id,
		)
		out = next
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *sqliteStore) ListBatches(ctx context.Context, f BatchFilter) ([]*model.Batch, int, error) {
	var (
		where []string
		args  []any
	)
	if f.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, f.OwnerID)
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(f.Type))
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(ph, ",")+")")
	}
	if !f.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < ?")
		args = append(args, f.UpdatedBefore.UnixNano())
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM batches`+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	offset := max(f.Offset, 0)
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM batches`+cond+` ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := []*model.Batch{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, 0, err
		}
		var b model.Batch
		if err := json.Unmarshal([]byte(data), &b); err != nil {
			return nil, 0, err
		}
		out = append(out, &b)
	}
	return out, total, rows.Err()
}

func (s *sqliteStore) DeleteBatch(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM batches WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: batch %s", ErrNotFound, id)
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM items WHERE batch_id = ?`, id)
		return err
	})
}

func (s *sqliteStore) GetItem(ctx context.Context, batchID, itemID string) (*model.Item, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM items WHERE batch_id = ? AND id = ?`, batchID, itemID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var it model.Item
	if err := json.Unmarshal([]byte(data), &it); err != nil {
		return nil, false, err
	}
	return &it, true, nil
}

func (s *sqliteStore) ListItems(ctx context.Context, batchID string, f ItemFilter) ([]*model.Item, int, error) {
	cond := " WHERE batch_id = ?"
	args := []any{batchID}
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		cond += " AND status IN (" + strings.Join(ph, ",") + ")"
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM items`+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM items`+cond+` ORDER BY idx ASC LIMIT ? OFFSET ?`,
		append(args, limit, max(f.Offset, 0))...,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := []*model.Item{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, 0, err
		}
		var it model.Item
		if err := json.Unmarshal([]byte(data), &it); err != nil {
			return nil, 0, err
		}
		out = append(out, &it)
	}
	return out, total, rows.Err()
}

func (s *sqliteStore) UpdateItem(ctx context.Context, batchID, itemID string, fn func(it *model.Item) error) (*model.Item, error) {
	var out *model.Item
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var data string
		err := tx.QueryRowContext(ctx, `SELECT data FROM items WHERE batch_id = ? AND id = ?`, batchID, itemID).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: item %s/%s", ErrNotFound, batchID, itemID)
		}
		if err != nil {
			return err
		}
		var cur model.Item
		if err := json.Unmarshal([]byte(data), &cur); err != nil {
			return err
		}
		next := cur.Clone()
		if err := fn(next); err != nil {
			return err
		}
		next.ID, next.BatchID, next.Index = cur.ID, cur.BatchID, cur.Index
		b, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE items SET status=?, data=? WHERE batch_id=? AND id=?`, string(next.Status), string(b), batchID, itemID)
		out = next
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, _ = s.db.ExecContext(pctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isConstraint(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "constraint")
}
