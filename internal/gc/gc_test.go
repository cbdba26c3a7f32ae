package gc

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sharded4/s4/internal/job"
	"github.com/sharded4/s4/internal/pool"
	"github.com/sharded4/s4/internal/store"
)

func newTestLoop(t *testing.T) (*Loop, *store.Store, *job.Table) {
	t.Helper()
	s, err := store.New(t.TempDir())
	require.NoError(t, err)
	jobs := job.NewTable()
	p := pool.New("misc", 2)
	l := New(s, jobs, p, 50*time.Millisecond)
	return l, s, jobs
}

func touch(t *testing.T, path string, age time.Duration) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	then := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, then, then))
}

func TestSweepJobsRemovesExpiredPutJobAndItsTempfile(t *testing.T) {
	l, s, jobs := newTestLoop(t)

	tempPath, err := s.NewTempFile()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(tempPath, []byte("partial"), 0o644))

	j := jobs.New(job.Put, "s4://b/f", s.DataPath("s4://b/f"))
	j.TempPath = tempPath
	j.CreatedAt = time.Now().Add(-time.Hour)

	require.NoError(t, l.sweepJobs())

	_, ok := jobs.Get(j.ID)
	require.False(t, ok)
	_, err = os.Stat(tempPath)
	require.True(t, os.IsNotExist(err))
}

func TestSweepJobsLeavesFreshJobsAlone(t *testing.T) {
	l, s, jobs := newTestLoop(t)
	j := jobs.New(job.Get, "s4://b/f", s.DataPath("s4://b/f"))

	require.NoError(t, l.sweepJobs())

	_, ok := jobs.Get(j.ID)
	require.True(t, ok)
}

func TestSweepTempFilesDeletesOnlyStaleEntries(t *testing.T) {
	l, s, _ := newTestLoop(t)

	stale := filepath.Join(s.TempFilesDir(), "stale")
	fresh := filepath.Join(s.TempFilesDir(), "fresh")
	touch(t, stale, time.Hour)
	touch(t, fresh, 0)

	require.NoError(t, l.sweepTempFiles())

	_, err := os.Stat(stale)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	require.NoError(t, err)
}

func TestSweepTempDirsDeletesRecursively(t *testing.T) {
	l, s, _ := newTestLoop(t)

	staleDir := filepath.Join(s.TempDirsDir(), "stale")
	require.NoError(t, os.Mkdir(staleDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(staleDir, "leftover"), []byte("x"), 0o644))
	then := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(staleDir, then, then))

	require.NoError(t, l.sweepTempDirs())

	_, err := os.Stat(staleDir)
	require.True(t, os.IsNotExist(err))
}
