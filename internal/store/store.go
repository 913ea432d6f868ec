// Copyright 2025 James Ross
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flyingrobots/vk-collector/internal/task"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/klauspost/compress/zstd"
)

// Store is the durable Postgres-backed persistence layer for tasks, groups,
// posts and comments. All writes that mutate a task's metrics are issued as
// single atomic UPDATE statements so concurrent readers see a consistent
// snapshot of status and metrics together.
type Store struct {
	db  *sql.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func Open(cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	s := &Store{db: db, enc: enc, dec: dec}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// Config mirrors the subset of internal/config.Postgres the Store needs,
// kept separate so the package has no import-cycle dependency on config.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) compress(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return s.enc.EncodeAll(b, nil)
}

func (s *Store) decompress(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, nil
	}
	return s.dec.DecodeAll(b, nil)
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		groups_total INTEGER NOT NULL DEFAULT 0,
		groups_processed INTEGER NOT NULL DEFAULT 0,
		posts_total INTEGER NOT NULL DEFAULT 0,
		posts_processed INTEGER NOT NULL DEFAULT 0,
		comments_total INTEGER NOT NULL DEFAULT 0,
		comments_processed INTEGER NOT NULL DEFAULT 0,
		errors INTEGER NOT NULL DEFAULT 0,
		parameters BYTEA,
		result BYTEA,
		error TEXT NOT NULL DEFAULT '',
		execution_time_ms BIGINT NOT NULL DEFAULT 0,
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ,
		created_by TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks (created_at DESC, id DESC);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status);

	CREATE TABLE IF NOT EXISTS groups (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		vk_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		uploaded_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE(task_id, vk_id)
	);

	CREATE TABLE IF NOT EXISTS posts (
		vk_post_id BIGINT PRIMARY KEY,
		owner_id BIGINT NOT NULL,
		group_vk_id TEXT NOT NULL,
		text TEXT NOT NULL DEFAULT '',
		date TIMESTAMPTZ,
		likes INTEGER NOT NULL DEFAULT 0,
		task_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS idx_posts_task ON posts (task_id);
	CREATE INDEX IF NOT EXISTS idx_posts_group ON posts (group_vk_id);

	CREATE TABLE IF NOT EXISTS comments (
		vk_comment_id BIGINT PRIMARY KEY,
		post_vk_id BIGINT NOT NULL,
		owner_id BIGINT NOT NULL,
		author_id BIGINT NOT NULL,
		author_name TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL DEFAULT '',
		date TIMESTAMPTZ,
		likes INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS idx_comments_post ON comments (post_vk_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateTask inserts a new task row, pending, with groups_total set to the
// number of groups and every other metric zeroed, and inserts its groups.
func (s *Store) CreateTask(ctx context.Context, in task.CreateInput) (task.Task, error) {
	id := uuid.NewString()
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return task.Task{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, type, status, priority, groups_total, parameters, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, id, string(in.Type), string(task.StatusPending), in.Priority, len(in.Groups), s.compress(in.Parameters), in.CreatedBy, now)
	if err != nil {
		return task.Task{}, fmt.Errorf("insert task: %w", err)
	}

	for _, g := range in.Groups {
		gid := uuid.NewString()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO groups (id, task_id, vk_id, name, status, uploaded_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (task_id, vk_id) DO NOTHING
		`, gid, id, g.VKID, g.Name, "", now)
		if err != nil {
			return task.Task{}, fmt.Errorf("insert group: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return task.Task{}, fmt.Errorf("commit: %w", err)
	}
	return s.GetTask(ctx, id)
}

// GetTask loads a task and its groups. Returns task.KindNotFound if absent.
func (s *Store) GetTask(ctx context.Context, id string) (task.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, status, priority,
		       groups_total, groups_processed, posts_total, posts_processed,
		       comments_total, comments_processed, errors,
		       parameters, result, error, execution_time_ms,
		       started_at, finished_at, created_by, created_at, updated_at
		FROM tasks WHERE id = $1
	`, id)

	var t task.Task
	var typ, status string
	var params, result []byte
	var startedAt, finishedAt sql.NullTime
	err := row.Scan(&t.ID, &typ, &status, &t.Priority,
		&t.Metrics.GroupsTotal, &t.Metrics.GroupsProcessed, &t.Metrics.PostsTotal, &t.Metrics.PostsProcessed,
		&t.Metrics.CommentsTotal, &t.Metrics.CommentsProcessed, &t.Metrics.Errors,
		&params, &result, &t.Error, &t.ExecutionTime,
		&startedAt, &finishedAt, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return task.Task{}, task.NewError(task.KindNotFound, "task not found: "+id, nil)
	}
	if err != nil {
		return task.Task{}, fmt.Errorf("scan task: %w", err)
	}
	t.Type = task.Type(typ)
	t.Status = task.Status(status)
	if startedAt.Valid {
		v := startedAt.Time
		t.StartedAt = &v
	}
	if finishedAt.Valid {
		v := finishedAt.Time
		t.FinishedAt = &v
	}
	if t.Parameters, err = s.decompress(params); err != nil {
		return task.Task{}, fmt.Errorf("decompress parameters: %w", err)
	}
	if t.Result, err = s.decompress(result); err != nil {
		return task.Task{}, fmt.Errorf("decompress result: %w", err)
	}

	groups, err := s.groupsForTask(ctx, id)
	if err != nil {
		return task.Task{}, err
	}
	t.Groups = groups
	return t, nil
}

func (s *Store) groupsForTask(ctx context.Context, taskID string) ([]task.Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, vk_id, name, status, uploaded_at
		FROM groups WHERE task_id = $1 ORDER BY uploaded_at ASC, id ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}
	defer rows.Close()

	var out []task.Group
	for rows.Next() {
		var g task.Group
		var status string
		if err := rows.Scan(&g.ID, &g.TaskID, &g.VKID, &g.Name, &status, &g.UploadedAt); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		g.Status = task.GroupStatus(status)
		out = append(out, g)
	}
	return out, rows.Err()
}

// ListFilter parameterizes ListTasks.
type ListFilter struct {
	Page   int
	Limit  int
	Status task.Status
	Type   task.Type
	Query  string // fuzzy-matched against group names by the caller (internal/taskservice)
}

type ListResult struct {
	Items []task.Task
	Total int
}

func (s *Store) ListTasks(ctx context.Context, f ListFilter) (ListResult, error) {
	where := "WHERE 1=1"
	args := []any{}
	n := 0
	addArg := func(v any) int {
		n++
		args = append(args, v)
		return n
	}
	if f.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", addArg(string(f.Status)))
	}
	if f.Type != "" {
		where += fmt.Sprintf(" AND type = $%d", addArg(string(f.Type)))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM tasks "+where, args...).Scan(&total); err != nil {
		return ListResult{}, fmt.Errorf("count tasks: %w", err)
	}

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit
	limArg := addArg(limit)
	offArg := addArg(offset)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id FROM tasks %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d
	`, where, limArg, offArg), args...)
	if err != nil {
		return ListResult{}, fmt.Errorf("list tasks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return ListResult{}, err
		}
		ids = append(ids, id)
	}
	rows.Close()

	items := make([]task.Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetTask(ctx, id)
		if err != nil {
			return ListResult{}, err
		}
		items = append(items, t)
	}
	return ListResult{Items: items, Total: total}, nil
}

// StatusUpdate carries the optional side-effect fields of a status change.
type StatusUpdate struct {
	StartedAt  *time.Time
	FinishedAt *time.Time
	Error      string
	Result     []byte
}

// UpdateTaskStatus enforces the transition table and is a no-op error if the
// move is illegal.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, to task.Status, upd StatusUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var from string
	if err := tx.QueryRowContext(ctx, "SELECT status FROM tasks WHERE id = $1 FOR UPDATE", id).Scan(&from); err != nil {
		if err == sql.ErrNoRows {
			return task.NewError(task.KindNotFound, "task not found: "+id, nil)
		}
		return fmt.Errorf("select status: %w", err)
	}
	if !task.CanTransition(task.Status(from), to) {
		return task.NewError(task.KindConflict, fmt.Sprintf("illegal transition %s -> %s", from, to), nil)
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET status = $1, updated_at = $2,
			started_at = COALESCE(started_at, $3),
			finished_at = COALESCE($4, finished_at),
			error = CASE WHEN $5 <> '' THEN $5 ELSE error END,
			result = CASE WHEN $6 IS NOT NULL THEN $6 ELSE result END,
			execution_time_ms = CASE WHEN $4 IS NOT NULL AND started_at IS NOT NULL
				THEN EXTRACT(EPOCH FROM ($4 - started_at)) * 1000 ELSE execution_time_ms END
		WHERE id = $7
	`, string(to), now, upd.StartedAt, upd.FinishedAt, upd.Error, s.compress(upd.Result), id)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return tx.Commit()
}

// IncrementMetrics atomically applies a delta; no field is ever driven
// negative.
func (s *Store) IncrementMetrics(ctx context.Context, id string, d task.MetricsDelta) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			groups_total = GREATEST(groups_total + $1, 0),
			groups_processed = GREATEST(groups_processed + $2, 0),
			posts_total = GREATEST(posts_total + $3, 0),
			posts_processed = GREATEST(posts_processed + $4, 0),
			comments_total = GREATEST(comments_total + $5, 0),
			comments_processed = GREATEST(comments_processed + $6, 0),
			errors = GREATEST(errors + $7, 0),
			updated_at = now()
		WHERE id = $8
	`, d.GroupsTotal, d.GroupsProcessed, d.PostsTotal, d.PostsProcessed,
		d.CommentsTotal, d.CommentsProcessed, d.Errors, id)
	if err != nil {
		return fmt.Errorf("increment metrics: %w", err)
	}
	return nil
}

// GroupUpsertCounts reports the outcome of UpsertGroups. Inserted counts
// rows written (new, or whose name or status changed); Duplicate counts rows
// that already held the same name and status.
type GroupUpsertCounts struct {
	Inserted, Duplicate, Invalid int
}

func (s *Store) UpsertGroups(ctx context.Context, taskID string, items []task.Group) (GroupUpsertCounts, error) {
	var counts GroupUpsertCounts
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return counts, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, g := range items {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO groups (id, task_id, vk_id, name, status, uploaded_at)
			VALUES ($1, $2, $3, $4, $5, now())
			ON CONFLICT (task_id, vk_id) DO UPDATE SET name = EXCLUDED.name, status = EXCLUDED.status
			WHERE groups.name IS DISTINCT FROM EXCLUDED.name OR groups.status IS DISTINCT FROM EXCLUDED.status
		`, uuid.NewString(), taskID, g.VKID, g.Name, string(g.Status))
		if err != nil {
			return counts, fmt.Errorf("upsert group: %w", err)
		}
		n, _ := res.RowsAffected()
		switch {
		case g.Status == task.GroupInvalid:
			counts.Invalid++
		case n == 1:
			counts.Inserted++
		default:
			counts.Duplicate++
		}
	}
	if err := tx.Commit(); err != nil {
		return counts, fmt.Errorf("commit: %w", err)
	}
	return counts, nil
}

func (s *Store) UpsertPosts(ctx context.Context, taskID string, items []task.Post) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, p := range items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO posts (vk_post_id, owner_id, group_vk_id, text, date, likes, task_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
			ON CONFLICT (vk_post_id) DO UPDATE SET
				text = EXCLUDED.text, likes = EXCLUDED.likes, updated_at = now()
		`, p.VKPostID, p.OwnerID, p.GroupVKID, p.Text, p.Date, p.Likes, taskID)
		if err != nil {
			return fmt.Errorf("upsert post %d: %w", p.VKPostID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) UpsertComments(ctx context.Context, items []task.Comment) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, c := range items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO comments (vk_comment_id, post_vk_id, owner_id, author_id, author_name, text, date, likes, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
			ON CONFLICT (vk_comment_id) DO UPDATE SET
				text = EXCLUDED.text, likes = EXCLUDED.likes, updated_at = now()
		`, c.VKCommentID, c.PostVKID, c.OwnerID, c.AuthorID, c.AuthorName, c.Text, c.Date, c.Likes)
		if err != nil {
			return fmt.Errorf("upsert comment %d: %w", c.VKCommentID, err)
		}
	}
	return tx.Commit()
}

// ResultsFilter parameterizes GetResults.
type ResultsFilter struct {
	GroupVKID string
	PostVKID  int64
	Limit     int
	Offset    int
}

type Results struct {
	Posts         []task.Post
	TotalComments int
}

func (s *Store) GetResults(ctx context.Context, taskID string, f ResultsFilter) (Results, error) {
	where := "WHERE task_id = $1"
	args := []any{taskID}
	n := 1
	if f.GroupVKID != "" {
		n++
		where += fmt.Sprintf(" AND group_vk_id = $%d", n)
		args = append(args, f.GroupVKID)
	}
	if f.PostVKID != 0 {
		n++
		where += fmt.Sprintf(" AND vk_post_id = $%d", n)
		args = append(args, f.PostVKID)
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	n++
	limArg := n
	args = append(args, limit)
	n++
	offArg := n
	args = append(args, f.Offset)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT vk_post_id, owner_id, group_vk_id, text, date, likes, task_id, created_at, updated_at
		FROM posts %s ORDER BY date DESC, vk_post_id DESC LIMIT $%d OFFSET $%d
	`, where, limArg, offArg), args...)
	if err != nil {
		return Results{}, fmt.Errorf("query posts: %w", err)
	}
	defer rows.Close()

	var posts []task.Post
	for rows.Next() {
		var p task.Post
		var date sql.NullTime
		if err := rows.Scan(&p.VKPostID, &p.OwnerID, &p.GroupVKID, &p.Text, &date, &p.Likes, &p.TaskID, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return Results{}, fmt.Errorf("scan post: %w", err)
		}
		if date.Valid {
			p.Date = date.Time
		}
		posts = append(posts, p)
	}

	var totalComments int
	err = s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM comments WHERE post_vk_id IN (SELECT vk_post_id FROM posts WHERE task_id = $1)
	`, taskID).Scan(&totalComments)
	if err != nil {
		return Results{}, fmt.Errorf("count comments: %w", err)
	}
	return Results{Posts: posts, TotalComments: totalComments}, nil
}

// PruneOlderThan deletes terminal tasks (and cascading groups) whose
// updated_at is older than cutoff. When deletePosts/deleteComments are set,
// their posts/comments are also removed.
func (s *Store) PruneOlderThan(ctx context.Context, cutoff time.Time, deletePosts, deleteComments bool) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if deleteComments {
		q := `DELETE FROM comments WHERE post_vk_id IN (
			SELECT vk_post_id FROM posts WHERE task_id IN (
				SELECT id FROM tasks WHERE status IN ('completed','failed') AND updated_at < $1))`
		if _, err := tx.ExecContext(ctx, q, cutoff); err != nil {
			return 0, fmt.Errorf("prune comments: %w", err)
		}
	}
	if deletePosts {
		q := `DELETE FROM posts WHERE task_id IN (
			SELECT id FROM tasks WHERE status IN ('completed','failed') AND updated_at < $1)`
		if _, err := tx.ExecContext(ctx, q, cutoff); err != nil {
			return 0, fmt.Errorf("prune posts: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, `
		DELETE FROM tasks WHERE status IN ('completed','failed') AND updated_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, tx.Commit()
}
