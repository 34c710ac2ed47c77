package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockDB implements database.Querier for testing.
type mockDB struct {
	mu     sync.Mutex
	count  int
	events int
}

func (m *mockDB) Exec(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count++
	m.events += len(args) / 10
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (m *mockDB) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	return nil, nil
}

func (m *mockDB) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	return nil
}

func (m *mockDB) insertCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

func (m *mockDB) eventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events
}

func TestAsyncLogger_FlushesOnInterval(t *testing.T) {
	db := &mockDB{}
	logger := NewAsyncLogger(NewStore(db), LoggerConfig{
		BufferSize:    100,
		BatchSize:     10,
		FlushInterval: 50 * time.Millisecond,
	})

	logger.Log(context.Background(), Event{
		OrgID:  "org-a",
		Action: ActionRoleCreated,
		Source: SourceAPI,
	})

	assert.Eventually(t, func() bool { return db.insertCount() >= 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, logger.Close())
}

func TestAsyncLogger_FlushesOnBatchSize(t *testing.T) {
	db := &mockDB{}
	logger := NewAsyncLogger(NewStore(db), LoggerConfig{
		BufferSize:    100,
		BatchSize:     3,
		FlushInterval: 10 * time.Second,
	})

	for range 3 {
		logger.Log(context.Background(), Event{OrgID: "org-a", Action: ActionUserRoleAssigned, Source: SourceAPI})
	}

	assert.Eventually(t, func() bool { return db.eventCount() == 3 }, time.Second, 10*time.Millisecond)
	require.NoError(t, logger.Close())
	assert.Equal(t, 1, db.insertCount())
}

func TestAsyncLogger_CloseFlushesPending(t *testing.T) {
	db := &mockDB{}
	logger := NewAsyncLogger(NewStore(db), LoggerConfig{
		BufferSize:    100,
		BatchSize:     100,
		FlushInterval: 10 * time.Second,
	})

	for range 5 {
		logger.Log(context.Background(), Event{Action: ActionRoleUpdated})
	}
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close())
	assert.Equal(t, 5, db.eventCount())
}

func TestAsyncLogger_DropsWhenBufferFull(t *testing.T) {
	db := &mockDB{}
	logger := NewAsyncLogger(NewStore(db), LoggerConfig{
		BufferSize:    2,
		BatchSize:     100,
		FlushInterval: 10 * time.Second,
	})

	for range 10 {
		logger.Log(context.Background(), Event{Action: ActionAccessDenied})
	}

	require.NoError(t, logger.Close())
	assert.LessOrEqual(t, db.eventCount(), 10)
}

type blockingWriter struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (w *blockingWriter) InsertBatch(context.Context, []Event) error {
	w.once.Do(func() {
		close(w.entered)
		<-w.release
	})
	return nil
}

type failingWriter struct{}

func (failingWriter) InsertBatch(context.Context, []Event) error {
	return assert.AnError
}

func TestAsyncLogger_Metrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	w := &blockingWriter{entered: make(chan struct{}), release: make(chan struct{})}
	logger := NewAsyncLogger(w, LoggerConfig{BufferSize: 1, BatchSize: 1, Metrics: m})

	logger.Log(context.Background(), Event{Action: ActionRoleCreated})
	<-w.entered
	logger.Log(context.Background(), Event{Action: ActionRoleUpdated})
	logger.Log(context.Background(), Event{Action: ActionRoleDeleted})

	assert.Equal(t, float64(1), testutil.ToFloat64(m.Dropped))
	close(w.release)
	require.NoError(t, logger.Close())

	failing := NewAsyncLogger(failingWriter{}, LoggerConfig{Metrics: m})
	failing.Log(context.Background(), Event{Action: ActionRoleCreated})
	require.NoError(t, failing.Close())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.FlushFailures))
}

func TestSlogLogger(t *testing.T) {
	var buf bytes.Buffer
	l := SlogLogger{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}

	l.Log(context.Background(), Event{
		OrgID:      "org-a",
		ActorID:    "admin-1",
		Action:     ActionRoleDeleted,
		TargetType: TargetRole,
		TargetID:   "role-1",
		Source:     SourceAPI,
		Metadata:   map[string]any{"force": true},
	})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "audit", line["msg"])
	assert.Equal(t, ActionRoleDeleted, line["action"])
	assert.Equal(t, "role-1", line["target_id"])
	assert.Equal(t, map[string]any{"force": true}, line["metadata"])
}
