// Copyright 2025 James Ross
package archive

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/flyingrobots/vk-collector/internal/config"
	"github.com/flyingrobots/vk-collector/internal/store"
	"go.uber.org/zap"
)

// Archiver rolls a task's stored posts up into per-group aggregate rows and
// exports those rows to S3 (one NDJSON object per task) and/or ClickHouse for
// long-term analysis. Raw posts and comments are not exported. Either sink is
// optional; a disabled sink is skipped.
type Archiver struct {
	cfg      config.ArchiveConfig
	store    *store.Store
	uploader *s3manager.Uploader
	ch       *sql.DB
	log      *zap.Logger
}

func New(cfg config.ArchiveConfig, st *store.Store, log *zap.Logger) (*Archiver, error) {
	a := &Archiver{cfg: cfg, store: st, log: log}
	if !cfg.Enabled {
		return a, nil
	}

	if cfg.S3Bucket != "" {
		sess, err := session.NewSession(&aws.Config{Region: aws.String(cfg.S3Region)})
		if err != nil {
			return nil, fmt.Errorf("aws session: %w", err)
		}
		a.uploader = s3manager.NewUploader(sess)
	}

	if cfg.ClickHouseDSN != "" {
		db := clickhouse.OpenDB(&clickhouse.Options{
			Addr:        []string{cfg.ClickHouseDSN},
			Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
			DialTimeout: 10 * time.Second,
		})
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("ping clickhouse: %w", err)
		}
		if err := ensureRollupTable(db, cfg.ClickHouseTable); err != nil {
			return nil, err
		}
		a.ch = db
	}
	return a, nil
}

func ensureRollupTable(db *sql.DB, table string) error {
	if table == "" {
		table = "vk_post_rollups"
	}
	_, err := db.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			task_id String,
			group_vk_id String,
			post_count UInt64,
			comment_count UInt64,
			total_likes UInt64,
			rolled_up_at DateTime
		) ENGINE = MergeTree() ORDER BY (task_id, group_vk_id)
	`, table))
	return err
}

// rollupRow is one group's aggregate within a task, exported to ClickHouse
// and also serialized as one line of the S3 NDJSON object.
type rollupRow struct {
	TaskID       string `json:"taskId"`
	GroupVKID    string `json:"groupVkId"`
	PostCount    int64  `json:"postCount"`
	CommentCount int64  `json:"commentCount"`
	TotalLikes   int64  `json:"totalLikes"`
}

// RollupTask computes per-group aggregates for taskID and exports them to
// whichever sinks are configured. Called by the worker for analyze_posts
// tasks once collection has finished.
func (a *Archiver) RollupTask(ctx context.Context, taskID string) error {
	if !a.cfg.Enabled {
		return nil
	}

	rows, err := a.store.GetResults(ctx, taskID, store.ResultsFilter{Limit: 1000})
	if err != nil {
		return fmt.Errorf("load results for rollup: %w", err)
	}

	byGroup := map[string]*rollupRow{}
	for _, p := range rows.Posts {
		r, ok := byGroup[p.GroupVKID]
		if !ok {
			r = &rollupRow{TaskID: taskID, GroupVKID: p.GroupVKID}
			byGroup[p.GroupVKID] = r
		}
		r.PostCount++
		r.TotalLikes += int64(p.Likes)
	}

	out := make([]rollupRow, 0, len(byGroup))
	for _, r := range byGroup {
		out = append(out, *r)
	}

	if a.uploader != nil {
		if err := a.exportToS3(ctx, taskID, out); err != nil {
			a.log.Warn("s3 archive export failed", zap.String("task_id", taskID), zap.Error(err))
		}
	}
	if a.ch != nil {
		if err := a.exportToClickHouse(ctx, out); err != nil {
			a.log.Warn("clickhouse rollup export failed", zap.String("task_id", taskID), zap.Error(err))
		}
	}
	return nil
}

func (a *Archiver) exportToS3(ctx context.Context, taskID string, rows []rollupRow) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encode ndjson: %w", err)
		}
	}
	key := fmt.Sprintf("%s/%s.ndjson", a.cfg.S3Prefix, taskID)
	_, err := a.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(a.cfg.S3Bucket),
		Key:    aws.String(key),
		Body:   &buf,
	})
	if err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}
	return nil
}

func (a *Archiver) exportToClickHouse(ctx context.Context, rows []rollupRow) error {
	table := a.cfg.ClickHouseTable
	if table == "" {
		table = "vk_post_rollups"
	}
	tx, err := a.ch.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clickhouse tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (task_id, group_vk_id, post_count, comment_count, total_likes, rolled_up_at) VALUES (?, ?, ?, ?, ?, ?)",
		table))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare insert: %w", err)
	}
	now := time.Now().UTC()
	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.TaskID, r.GroupVKID, r.PostCount, r.CommentCount, r.TotalLikes, now); err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("insert rollup row: %w", err)
		}
	}
	stmt.Close()
	return tx.Commit()
}

func (a *Archiver) Close() error {
	if a.ch != nil {
		return a.ch.Close()
	}
	return nil
}
