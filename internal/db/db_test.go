package db

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/doorway.report/internal/monitoring"
	"github.com/banshee-data/doorway.report/internal/pipeline"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "doorway_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func event(kind pipeline.EventKind, occupancy uint64, at time.Time) pipeline.Event {
	return pipeline.Event{
		ID:        uuid.New(),
		Kind:      kind,
		IsOpen:    kind != pipeline.EventDoorClosed,
		Occupancy: occupancy,
		At:        at,
	}
}

func TestPragmasApplied(t *testing.T) {
	db := setupTestDB(t)

	var journalMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var busyTimeout int
	require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	assert.Equal(t, 5000, busyTimeout)

	var synchronous int
	require.NoError(t, db.QueryRow("PRAGMA synchronous").Scan(&synchronous))
	assert.Equal(t, 1, synchronous, "synchronous should be NORMAL")
}

func TestNewDB_MigratesToLatest(t *testing.T) {
	db := setupTestDB(t)

	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.EqualValues(t, 1, version)
	assert.False(t, dirty)

	// reopening an up-to-date database is a no-op
	again, err := NewDB(db.Path())
	require.NoError(t, err)
	defer again.Close()
}

func TestMigrateDown(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, db.migrateDown())

	version, _, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.EqualValues(t, 0, version)

	_, err = db.Exec(`SELECT 1 FROM door_events`)
	assert.Error(t, err, "door_events should be dropped")
}

func TestRecordAndRecentDoorEvents(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	opened := event(pipeline.EventDoorOpened, 0, base)
	crossed := event(pipeline.EventCrossing, 1, base.Add(time.Second))
	closed := event(pipeline.EventDoorClosed, 1, base.Add(2*time.Second))
	closed.Reason = pipeline.ReasonTimeout

	for _, ev := range []pipeline.Event{opened, crossed, closed} {
		require.NoError(t, db.RecordDoorEvent(ctx, ev))
	}

	got, err := db.RecentDoorEvents(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []pipeline.Event{closed, crossed, opened}, got)

	got, err = db.RecentDoorEvents(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, closed.ID, got[0].ID)

	n, err := db.CountDoorEvents(ctx, pipeline.EventCrossing)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	n, err = db.CountDoorEvents(ctx, "")
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestSummary(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	sum, err := db.Summary(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, sum.SchemaVersion)
	assert.Zero(t, sum.Total)
	assert.Len(t, sum.ByKind, 4, "every kind is reported, even when zero")

	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, kind := range []pipeline.EventKind{
		pipeline.EventDoorOpened, pipeline.EventCrossing, pipeline.EventCrossing, pipeline.EventDoorClosed,
	} {
		require.NoError(t, db.RecordDoorEvent(ctx, event(kind, uint64(i), base.Add(time.Duration(i)*time.Second))))
	}

	sum, err = db.Summary(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 4, sum.Total)
	assert.Equal(t, map[pipeline.EventKind]int64{
		pipeline.EventDoorOpened:     1,
		pipeline.EventDoorClosed:     1,
		pipeline.EventCrossing:       2,
		pipeline.EventOccupancyReset: 0,
	}, sum.ByKind)
}

func TestRecordDoorEvent_DuplicateID(t *testing.T) {
	db := setupTestDB(t)
	ev := event(pipeline.EventCrossing, 1, time.Now())

	require.NoError(t, db.RecordDoorEvent(context.Background(), ev))
	assert.Error(t, db.RecordDoorEvent(context.Background(), ev))
}

func TestRecentDoorEvents_DefaultLimit(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	base := time.Now().UTC()
	for i := 0; i < DefaultEventLimit+5; i++ {
		require.NoError(t, db.RecordDoorEvent(ctx, event(pipeline.EventCrossing, uint64(i), base.Add(time.Duration(i)))))
	}

	got, err := db.RecentDoorEvents(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, got, DefaultEventLimit)
	assert.EqualValues(t, DefaultEventLimit+4, got[0].Occupancy)
}

func TestRecordEvents_DrainsChannel(t *testing.T) {
	db := setupTestDB(t)
	events := make(chan pipeline.Event, 4)
	dup := event(pipeline.EventDoorOpened, 0, time.Now())
	events <- dup
	events <- event(pipeline.EventCrossing, 1, time.Now())
	events <- dup // rejected, logged and skipped
	events <- event(pipeline.EventOccupancyReset, 0, time.Now())
	close(events)

	assert.Equal(t, 3, db.RecordEvents(events))

	n, err := db.CountDoorEvents(context.Background(), "")
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestAttachAdminRoutes(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, db.RecordDoorEvent(context.Background(), event(pipeline.EventCrossing, 1, time.Now())))

	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	t.Run("backup", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/debug/backup", nil)
		req.RemoteAddr = "127.0.0.1:12345"
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Contains(t, rec.Header().Get("Content-Disposition"), ".db.gz")

		gz, err := gzip.NewReader(rec.Body)
		require.NoError(t, err)
		data, err := io.ReadAll(gz)
		require.NoError(t, err)
		assert.Equal(t, "SQLite format 3\x00", string(data[:16]))
	})

	t.Run("tailsql mounted", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/debug/tailsql/", nil)
		req.RemoteAddr = "127.0.0.1:12345"
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		assert.NotEqual(t, http.StatusNotFound, rec.Code)
	})
}
