//go:build integration_tests
// +build integration_tests

// Copyright 2025 James Ross
package integration

import (
	"context"
	"testing"
	"time"

	"github.com/flyingrobots/vk-collector/internal/store"
	"github.com/flyingrobots/vk-collector/internal/task"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

func openTestStore(t *testing.T) (*store.Store, func()) {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("vkcollector"),
		postgres.WithUsername("vkcollector"),
		postgres.WithPassword("vkcollector"),
	)
	require.NoError(t, err)

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	st, err := store.Open(store.Config{DSN: dsn, MaxOpenConns: 5, MaxIdleConns: 2, ConnMaxLifetime: time.Minute})
	require.NoError(t, err)

	cleanup := func() {
		_ = st.Close()
		_ = pgContainer.Terminate(ctx)
	}
	return st, cleanup
}

func TestStoreTaskLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	st, cleanup := openTestStore(t)
	defer cleanup()
	ctx := context.Background()

	created, err := st.CreateTask(ctx, task.CreateInput{
		Type:      task.TypeFetchComments,
		Priority:  5,
		Groups:    []task.Group{{VKID: "42"}},
		CreatedBy: "integration-test",
	})
	require.NoError(t, err)
	require.Equal(t, task.StatusPending, created.Status)

	started := time.Now().UTC()
	require.NoError(t, st.UpdateTaskStatus(ctx, created.ID, task.StatusProcessing, store.StatusUpdate{StartedAt: &started}))

	fetched, err := st.GetTask(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusProcessing, fetched.Status)
	require.NotNil(t, fetched.StartedAt)

	finished := time.Now().UTC()
	require.NoError(t, st.UpdateTaskStatus(ctx, created.ID, task.StatusCompleted, store.StatusUpdate{FinishedAt: &finished}))

	// Terminal status is a dead end: no further transition is legal.
	err = st.UpdateTaskStatus(ctx, created.ID, task.StatusProcessing, store.StatusUpdate{})
	require.Error(t, err)
}

func TestStoreUpsertIsIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	st, cleanup := openTestStore(t)
	defer cleanup()
	ctx := context.Background()

	created, err := st.CreateTask(ctx, task.CreateInput{
		Type:      task.TypeFetchComments,
		Groups:    []task.Group{{VKID: "7"}},
		CreatedBy: "integration-test",
	})
	require.NoError(t, err)

	group := task.Group{TaskID: created.ID, VKID: "7", Name: "Seven Group", Status: task.GroupValid}
	counts, err := st.UpsertGroups(ctx, created.ID, []task.Group{group})
	require.NoError(t, err)
	require.Equal(t, 1, counts.Inserted)

	// Re-upserting the same group must not duplicate it.
	counts2, err := st.UpsertGroups(ctx, created.ID, []task.Group{group})
	require.NoError(t, err)
	require.Equal(t, 1, counts2.Duplicate)

	post := task.Post{TaskID: created.ID, VKPostID: 100, OwnerID: -7, GroupVKID: "7", Text: "hello", Date: time.Now().UTC(), Likes: 3}
	require.NoError(t, st.UpsertPosts(ctx, created.ID, []task.Post{post}))

	post.Likes = 9 // simulate a like-count update on resumed collection
	require.NoError(t, st.UpsertPosts(ctx, created.ID, []task.Post{post}))

	results, err := st.GetResults(ctx, created.ID, store.ResultsFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, results.Posts, 1)
	require.Equal(t, 9, results.Posts[0].Likes)

	require.NoError(t, st.IncrementMetrics(ctx, created.ID, task.MetricsDelta{PostsTotal: 1, PostsProcessed: 1}))
	withMetrics, err := st.GetTask(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, 1, withMetrics.Metrics.PostsTotal)
}

func TestStorePruneOlderThanRemovesTerminalTasks(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	st, cleanup := openTestStore(t)
	defer cleanup()
	ctx := context.Background()

	created, err := st.CreateTask(ctx, task.CreateInput{Type: task.TypeFetchComments, CreatedBy: "integration-test"})
	require.NoError(t, err)
	started := time.Now().UTC()
	require.NoError(t, st.UpdateTaskStatus(ctx, created.ID, task.StatusProcessing, store.StatusUpdate{StartedAt: &started}))
	finished := time.Now().UTC()
	require.NoError(t, st.UpdateTaskStatus(ctx, created.ID, task.StatusCompleted, store.StatusUpdate{FinishedAt: &finished}))

	pruned, err := st.PruneOlderThan(ctx, time.Now().UTC().Add(time.Hour), true, true)
	require.NoError(t, err)
	require.Equal(t, int64(1), pruned)

	_, err = st.GetTask(ctx, created.ID)
	require.Error(t, err)
	require.Equal(t, task.KindNotFound, task.KindOf(err))
}
