package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/otterscale/kube-explorer/internal/core"
)

type watchRow struct {
	ID        string `db:"id"`
	CreatedAt int64  `db:"created_at"`
	Body      string `db:"body"`
}

// watchRepo implements core.WatchRepo on the watches table. The watch
// is stored as JSON; id and created_at are lifted out for keying and
// ordering.
type watchRepo struct {
	db  *DB
	log *slog.Logger
}

// NewWatchRepo returns a core.WatchRepo backed by db.
func NewWatchRepo(db *DB) core.WatchRepo {
	return &watchRepo{
		db:  db,
		log: slog.Default().With("component", "watch-repo"),
	}
}

var _ core.WatchRepo = (*watchRepo)(nil)

// List returns the stored watches oldest first. Rows that no longer
// decode are logged and skipped.
func (r *watchRepo) List(ctx context.Context) ([]core.Watch, error) {
	var rows []watchRow
	if err := r.db.db.SelectContext(ctx, &rows, `SELECT id, created_at, body FROM watches ORDER BY created_at ASC, id ASC`); err != nil {
		return nil, fmt.Errorf("failed to list watches: %w", err)
	}

	watches := make([]core.Watch, 0, len(rows))
	for _, row := range rows {
		var w core.Watch
		if err := json.Unmarshal([]byte(row.Body), &w); err != nil {
			r.log.Warn("skipping undecodable watch", "watch_id", row.ID, "error", err)
			continue
		}
		watches = append(watches, w)
	}
	return watches, nil
}

// Save inserts w or replaces the stored watch with the same id.
func (r *watchRepo) Save(ctx context.Context, w core.Watch) error {
	body, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to encode watch %s: %w", w.ID, err)
	}

	row := watchRow{ID: w.ID, CreatedAt: w.CreatedAt.UnixNano(), Body: string(body)}
	_, err = r.db.db.NamedExecContext(ctx, `
INSERT INTO watches (id, created_at, body) VALUES (:id, :created_at, :body)
ON CONFLICT(id) DO UPDATE SET created_at = excluded.created_at, body = excluded.body`, row)
	if err != nil {
		return fmt.Errorf("failed to save watch %s: %w", w.ID, err)
	}
	return nil
}

// Delete removes the watch with the given id. Deleting an unknown id
// is not an error.
func (r *watchRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.db.db.ExecContext(ctx, `DELETE FROM watches WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete watch %s: %w", id, err)
	}
	return nil
}
