package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initTestDB(t *testing.T) {
	t.Helper()
	require.NoError(t, Init(Config{Path: filepath.Join(t.TempDir(), "spoold.db")}))
	t.Cleanup(func() { Close() })
}

func TestInit_MigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spoold.db")
	conn, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	conn, err = Open(path)
	require.NoError(t, err)
	defer conn.Close()

	var n int
	require.NoError(t, conn.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestOperations_NotInitialized(t *testing.T) {
	Close()
	err := History.Record(context.Background(), &HistoryEntry{Printer: "lp"})
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.False(t, Enabled())
}

func TestHistory_RecordAndList(t *testing.T) {
	initTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, event := range []string{"job_arrived", "job_started", "job_completed"} {
		require.NoError(t, History.Record(ctx, &HistoryEntry{
			Printer: "lp", JobID: "alice@host+001", Number: 1, Owner: "alice",
			Event: event, State: "pending", CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, History.Record(ctx, &HistoryEntry{
		Printer: "other", JobID: "bob@host+002", Event: "job_arrived", CreatedAt: base,
	}))

	entries, err := History.List(ctx, HistoryFilter{Printer: "lp"})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "job_completed", entries[0].Event)
	assert.Equal(t, "alice", entries[0].Owner)

	from := base.Add(30 * time.Second)
	entries, err = History.List(ctx, HistoryFilter{Printer: "lp", FromDate: &from})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	counts, err := History.CountByEvent(ctx, "lp")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"job_arrived": 1, "job_started": 1, "job_completed": 1}, counts)

	old, err := History.ForArchival(ctx, GetDB(), base.Add(90*time.Second))
	require.NoError(t, err)
	assert.Len(t, old, 3)
}

func TestSettings(t *testing.T) {
	initTestDB(t)
	ctx := context.Background()

	_, err := Settings.GetSetting(ctx, "admin_password")
	assert.ErrorIs(t, err, sql.ErrNoRows)

	require.NoError(t, Settings.SetSetting(ctx, "admin_password", "hash1", true))
	require.NoError(t, Settings.SetSetting(ctx, "admin_password", "hash2", true))
	s, err := Settings.GetSetting(ctx, "admin_password")
	require.NoError(t, err)
	assert.Equal(t, "hash2", s.Value)
	assert.True(t, s.Encrypted)

	all, err := Settings.ListSettings(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, Settings.DeleteSetting(ctx, "admin_password"))
	_, err = Settings.GetSetting(ctx, "admin_password")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestCountersAndAudit(t *testing.T) {
	initTestDB(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, Counters.IncrementDailyCounter(ctx, "lp", day))
	require.NoError(t, Counters.IncrementDailyCounter(ctx, "lp", day))
	counters, err := Counters.GetCounters(ctx, "lp", day, day)
	require.NoError(t, err)
	require.Len(t, counters, 1)
	assert.Equal(t, int64(2), counters[0].Count)

	require.NoError(t, Audit.CreateAuditLog(ctx, &AuditLog{Action: "hold", Printer: "lp", JobID: "7", Actor: "admin"}))
	require.NoError(t, Audit.CreateAuditLog(ctx, &AuditLog{Action: "stop", Printer: "other", Actor: "admin"}))
	logs, err := Audit.ListAuditLogs(ctx, AuditFilter{Printer: "lp"}, 10, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "hold", logs[0].Action)
	assert.Equal(t, "7", logs[0].JobID)
}
