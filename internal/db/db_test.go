package db

import (
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/laserstream/internal/laser"
	"github.com/banshee-data/laserstream/internal/laser/events"
	"github.com/banshee-data/laserstream/internal/laser/safety"
	"github.com/banshee-data/laserstream/internal/laser/stream"
	"github.com/banshee-data/laserstream/internal/monitoring"
	"github.com/banshee-data/laserstream/internal/testutil"
)

func init() {
	monitoring.SetLogger(nil)
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestOpenDB_MigratesToLatest(t *testing.T) {
	db := openTestDB(t)

	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, LatestVersion, version)
	assert.False(t, dirty)

	// reopening is a no-op
	require.NoError(t, db.MigrateUp())

	require.NoError(t, db.MigrateDown())
	version, _, err = db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	_, err = db.Sessions(0)
	assert.Error(t, err)

	require.NoError(t, db.MigrateUp())
	_, err = db.Sessions(0)
	assert.NoError(t, err)
}

func TestRecordEvent_AndFilter(t *testing.T) {
	db := openTestDB(t)

	evs := []laser.Event{
		{Kind: laser.EventDACDetected, Time: t0, DAC: "etherdream:aa", Detail: "10.0.0.2:7765"},
		{Kind: laser.EventConnected, Time: t0.Add(time.Second), DAC: "etherdream:aa", Session: "s1"},
		{Kind: laser.EventFrameTruncated, Time: t0.Add(2 * time.Second), DAC: "etherdream:aa", Session: "s1", Dropped: 42, Err: laser.ErrFrameOverflow},
		{Kind: laser.EventDACDetected, Time: t0.Add(3 * time.Second), DAC: "serial:x"},
	}
	for _, e := range evs {
		require.NoError(t, db.RecordEvent(e))
	}

	all, err := db.Events(EventFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "serial:x", all[0].DAC, "newest first")

	trunc, err := db.Events(EventFilter{Kind: laser.EventFrameTruncated})
	require.NoError(t, err)
	require.Len(t, trunc, 1)
	assert.Equal(t, 42, trunc[0].Dropped)
	assert.Equal(t, laser.ErrFrameOverflow.Error(), trunc[0].Error)
	assert.Equal(t, "s1", trunc[0].Session)
	assert.True(t, trunc[0].Time.Equal(t0.Add(2*time.Second)))

	byDAC, err := db.Events(EventFilter{DAC: "etherdream:aa", Since: t0.Add(time.Second), Limit: 1})
	require.NoError(t, err)
	require.Len(t, byDAC, 1)
	assert.Equal(t, "frame-truncated", byDAC[0].Kind)

	counts, err := db.EventCounts()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"dac-detected": 2, "connected": 1, "frame-truncated": 1}, counts)
}

func TestRecordSession(t *testing.T) {
	db := openTestDB(t)

	s := stream.Stats{
		Session:        "abc",
		DAC:            "sim:alpha",
		PointRate:      30000,
		IntervalPoints: 500,
		BatchesSent:    12,
		PointsSent:     6000,
		Underruns:      3,
		Truncated:      7,
		Safety:         safety.Snapshot{Clamped: 1, PowerScaled: 2, JumpBlanked: 3, NonFinite: 4},
		Started:        t0,
	}
	require.NoError(t, db.RecordSession(s, t0.Add(time.Minute), laser.ErrBufferUnderrun))

	got, err := db.Sessions(0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "abc", got[0].Session)
	assert.EqualValues(t, "sim:alpha", got[0].DAC)
	assert.Equal(t, uint32(30000), got[0].PointRate)
	assert.Equal(t, uint64(3), got[0].Underruns)
	assert.Equal(t, s.Safety, got[0].Safety)
	assert.Equal(t, laser.ErrBufferUnderrun.Error(), got[0].EndError)
	assert.True(t, got[0].Ended.Equal(t0.Add(time.Minute)))
	assert.Equal(t, laser.StateDisconnected, got[0].State)
}

func TestRecord_FromBus(t *testing.T) {
	db := openTestDB(t)
	bus := events.NewBus()
	id, ch := bus.Subscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		db.Record(context.Background(), ch)
	}()
	bus.Publish(laser.Event{Kind: laser.EventUnderrun, DAC: "sim:alpha", Err: errors.New("dry")})
	bus.Publish(laser.Event{Kind: laser.EventDisconnected, DAC: "sim:alpha"})

	require.Eventually(t, func() bool {
		evs, err := db.Events(EventFilter{DAC: "sim:alpha"})
		return err == nil && len(evs) == 2
	}, 2*time.Second, 5*time.Millisecond)

	bus.Unsubscribe(id)
	<-done
}

func TestAdminRoutes(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.RecordEvent(laser.Event{Kind: laser.EventDACLost, Time: t0, DAC: "sim:alpha"}))

	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	rec := testutil.Serve(mux, http.MethodGet, "/debug/journal?kind=dac-lost")
	require.Equal(t, http.StatusOK, rec.Code)
	got := testutil.DecodeJSON[[]EventRecord](t, rec)
	require.Len(t, got, 1)
	assert.Equal(t, "sim:alpha", got[0].DAC)

	for _, target := range []string{"/debug/journal?kind=nope", "/debug/journal?limit=-1"} {
		rec = testutil.Serve(mux, http.MethodGet, target)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}

	rec = testutil.Serve(mux, http.MethodGet, "/debug/sessions")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = testutil.Serve(mux, http.MethodGet, "/debug/backup")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Regexp(t, `filename=journal-\d+\.db\.gz$`, rec.Header().Get("Content-Disposition"))
	gz, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	raw, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Equal(t, "SQLite format 3\x00", string(raw[:16]))
}

func TestBackupStem(t *testing.T) {
	assert.Equal(t, "journal", backupStem("/var/lib/laserd/journal.db"))
	assert.Equal(t, "my_journal", backupStem("/tmp/my journal.sqlite"))
	assert.Equal(t, "unknown", backupStem("/tmp/.db"))
}
