package persistence

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"testing/synctest"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentplane/internal/common/config"
	"github.com/kandev/agentplane/internal/common/logger"
	"github.com/kandev/agentplane/internal/controller"
	"github.com/kandev/agentplane/internal/db"
	"github.com/kandev/agentplane/internal/messagebus"
	"github.com/kandev/agentplane/internal/registry"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	pool, err := db.Open(config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	store, err := NewSQLStore(pool, true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleAgent(state registry.AgentState) registry.AgentRecord {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return registry.AgentRecord{
		AgentID:       "a1",
		Name:          "Analyst",
		Role:          "analysis",
		Capabilities:  []string{"analysis", "reporting"},
		State:         state,
		Zone:          "eu-1",
		LastHeartbeat: now,
		RegisteredAt:  now,
	}
}

func TestSQLStoreSaveAgentUpserts(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveAgent(ctx, sampleAgent(registry.StateIdle)))
	require.NoError(t, store.SaveAgent(ctx, sampleAgent(registry.StateBusy)))

	agents, err := store.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, registry.StateBusy, agents[0].State)
	assert.Equal(t, []string{"analysis", "reporting"}, agents[0].Capabilities)
	assert.True(t, agents[0].RegisteredAt.Equal(sampleAgent("").RegisteredAt))
}

func TestSQLStoreSaveTask(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	task := controller.Task{
		TaskID:    "t1",
		AgentID:   "a1",
		TaskType:  "analyze",
		Data:      map[string]any{"doc": "q3"},
		Priority:  controller.PriorityHigh,
		Status:    controller.StatusPending,
		CreatedAt: created,
		History:   []controller.TaskTransition{{To: controller.StatusPending, At: created}},
	}
	require.NoError(t, store.SaveTask(ctx, task))

	done := created.Add(time.Minute)
	task.Status = controller.StatusCompleted
	task.Result = "ok"
	task.CompletedAt = &done
	task.History = append(task.History, controller.TaskTransition{From: controller.StatusPending, To: controller.StatusCompleted, At: done})
	require.NoError(t, store.SaveTask(ctx, task))

	got, err := store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, controller.StatusCompleted, got.Status)
	assert.Equal(t, controller.PriorityHigh, got.Priority)
	assert.Equal(t, map[string]any{"doc": "q3"}, got.Data)
	assert.Equal(t, "ok", got.Result)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(done))
	assert.Len(t, got.History, 2)

	_, err = store.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestSQLStoreDeleteExpiredMessages(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	msgs := []messagebus.AgentMessage{
		{ID: "m1", FromAgent: "a", ToAgent: "b", MessageType: messagebus.Coordination, Priority: messagebus.PriorityNormal, TTLSeconds: 10, CreatedAt: now},
		{ID: "m2", FromAgent: "a", ToAgent: "b", MessageType: messagebus.Coordination, Priority: messagebus.PriorityNormal, TTLSeconds: 60, CreatedAt: now},
		{ID: "m3", FromAgent: "a", ToAgent: "b", MessageType: messagebus.Coordination, Priority: messagebus.PriorityNormal, CreatedAt: now},
	}
	for _, m := range msgs {
		require.NoError(t, store.SaveMessage(ctx, m))
	}
	require.NoError(t, store.SaveMessage(ctx, msgs[0]), "duplicate ids are ignored")

	n, err := store.DeleteExpiredMessages(ctx, now.Add(10*time.Second))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	count, err := store.CountMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.SaveAgent(ctx, sampleAgent(registry.StateIdle)))
	require.NoError(t, store.SaveTask(ctx, controller.Task{TaskID: "t1", Status: controller.StatusPending}))
	require.NoError(t, store.SaveMessage(ctx, messagebus.AgentMessage{ID: "m1", TTLSeconds: 1, CreatedAt: now}))

	_, ok := store.Agent("a1")
	assert.True(t, ok)
	_, ok = store.Task("t1")
	assert.True(t, ok)

	n, err := store.DeleteExpiredMessages(ctx, now.Add(time.Second))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	_, ok = store.Message("m1")
	assert.False(t, ok)

	require.NoError(t, store.Close())
	assert.True(t, store.Closed())
}

func TestAsyncWriterFlushesOnClose(t *testing.T) {
	inner := NewMemoryStore()
	w := NewAsyncWriter(inner, WriterConfig{}, newTestLogger())
	ctx := context.Background()

	require.NoError(t, w.SaveAgent(ctx, sampleAgent(registry.StateIdle)))
	require.NoError(t, w.SaveTask(ctx, controller.Task{TaskID: "t1"}))
	require.NoError(t, w.SaveMessage(ctx, messagebus.AgentMessage{ID: "m1"}))
	require.NoError(t, w.Close())

	_, ok := inner.Agent("a1")
	assert.True(t, ok)
	_, ok = inner.Task("t1")
	assert.True(t, ok)
	_, ok = inner.Message("m1")
	assert.True(t, ok)
	assert.EqualValues(t, 3, w.Written())
	assert.True(t, inner.Closed())

	require.NoError(t, w.SaveTask(ctx, controller.Task{TaskID: "t2"}), "saves after close are dropped silently")
	assert.EqualValues(t, 1, w.Dropped())
	_, err := w.DeleteExpiredMessages(ctx, time.Now())
	assert.ErrorIs(t, err, ErrWriterClosed)
	require.NoError(t, w.Close())
}

type failingStore struct {
	NoopStore
	calls int
}

func (s *failingStore) SaveTask(context.Context, controller.Task) error {
	s.calls++
	return errors.New("disk full")
}

func TestAsyncWriterBreakerOpensAfterFailures(t *testing.T) {
	inner := &failingStore{}
	w := NewAsyncWriter(inner, WriterConfig{MaxFailures: 3, BreakerTimeout: time.Hour}, newTestLogger())
	ctx := context.Background()

	for range 5 {
		require.NoError(t, w.SaveTask(ctx, controller.Task{TaskID: "t"}))
	}
	require.NoError(t, w.Close())

	assert.Equal(t, 3, inner.calls, "writes stop reaching the store once the breaker opens")
	assert.EqualValues(t, 5, w.Dropped())
	assert.Equal(t, gobreaker.StateOpen, w.BreakerState())
}

type blockingStore struct {
	NoopStore
	release chan struct{}
}

func (s *blockingStore) SaveTask(context.Context, controller.Task) error {
	<-s.release
	return nil
}

func TestAsyncWriterDropsWhenBufferFull(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		inner := &blockingStore{release: make(chan struct{})}
		w := NewAsyncWriter(inner, WriterConfig{BufferSize: 1}, newTestLogger())
		ctx := context.Background()

		require.NoError(t, w.SaveTask(ctx, controller.Task{TaskID: "t1"}))
		synctest.Wait() // t1 is being written

		require.NoError(t, w.SaveTask(ctx, controller.Task{TaskID: "t2"}))
		require.NoError(t, w.SaveTask(ctx, controller.Task{TaskID: "t3"}))
		assert.EqualValues(t, 1, w.Dropped())

		close(inner.release)
		require.NoError(t, w.Close())
		assert.EqualValues(t, 2, w.Written())
	})
}

func TestProvideMemoryDriver(t *testing.T) {
	cfg := &config.Config{Database: config.DatabaseConfig{Driver: "memory"}}
	store, err := Provide(cfg, newTestLogger())
	require.NoError(t, err)
	assert.IsType(t, NoopStore{}, store)
}

func TestProvideSQLiteDriver(t *testing.T) {
	cfg := &config.Config{Database: config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "p.db")}}
	store, err := Provide(cfg, newTestLogger())
	require.NoError(t, err)
	require.IsType(t, &AsyncWriter{}, store)
	require.NoError(t, store.SaveAgent(context.Background(), sampleAgent(registry.StateIdle)))
	require.NoError(t, store.Close())
}
