package db

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openRaw(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "groupcast.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := openRaw(t)

	require.NoError(t, Migrate(db, nil))
	require.NoError(t, Migrate(db, nil))

	files, err := migrationFiles()
	require.NoError(t, err)

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
	assert.Equal(t, len(files), count)
}

func TestStatusBeforeAndAfterMigrate(t *testing.T) {
	db := openRaw(t)

	before, err := Status(db)
	require.NoError(t, err)
	require.NotEmpty(t, before)
	assert.Equal(t, "000", before[0].Version)
	for _, m := range before {
		assert.False(t, m.Applied, m.File)
	}

	require.NoError(t, Migrate(db, nil))

	after, err := Status(db)
	require.NoError(t, err)
	for _, m := range after {
		assert.True(t, m.Applied, m.File)
	}
}

func TestSchemaCascadesTargetsAndKeepsHistory(t *testing.T) {
	db := openRaw(t)
	require.NoError(t, Migrate(db, nil))

	ts := "2026-01-01T00:00:00Z"
	_, err := db.Exec(`INSERT INTO scheduled_jobs (id, schedule_type, schedule_time, created_at, updated_at)
		VALUES ('job-1', 'once', '09:00', ?, ?)`, ts, ts)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO job_targets (job_id, group_id, channel_id) VALUES ('job-1', 'g1', 'c1')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO dispatch_history (id, job_id, job_ref, group_id, channel_id, status, dispatched_at)
		VALUES ('r1', 'job-1', 'job-1', 'g1', 'c1', 'sent', ?)`, ts)
	require.NoError(t, err)

	_, err = db.Exec(`DELETE FROM scheduled_jobs WHERE id = 'job-1'`)
	require.NoError(t, err)

	var targets int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM job_targets`).Scan(&targets))
	assert.Zero(t, targets)

	var jobID sql.NullString
	var jobRef string
	require.NoError(t, db.QueryRow(`SELECT job_id, job_ref FROM dispatch_history WHERE id = 'r1'`).Scan(&jobID, &jobRef))
	assert.False(t, jobID.Valid)
	assert.Equal(t, "job-1", jobRef)
}

func TestSchemaRejectsUnknownStatus(t *testing.T) {
	db := openRaw(t)
	require.NoError(t, Migrate(db, nil))

	_, err := db.Exec(`INSERT INTO dispatch_history (id, job_ref, group_id, channel_id, status, dispatched_at)
		VALUES ('r1', 'job-1', 'g1', 'c1', 'maybe', '2026-01-01T00:00:00Z')`)
	assert.Error(t, err)
}
