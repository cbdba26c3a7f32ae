// Package gc implements the background sweeper: every five seconds,
// on the misc pool, it reclaims expired transfer jobs, stale
// tempfiles, and stale tempdirs. Any exception inside a sweep is fatal
// to the process — a storage node is not allowed to silently leak.
package gc

import (
	"context"
	"time"

	"github.com/sharded4/s4/internal/job"
	"github.com/sharded4/s4/internal/metrics"
	"github.com/sharded4/s4/internal/pool"
	"github.com/sharded4/s4/internal/s4log"
	"github.com/sharded4/s4/internal/store"
)

// Interval is how often the sweep runs.
const Interval = 5 * time.Second

// Loop runs the three GC sweeps.
type Loop struct {
	Store       *store.Store
	Jobs        *job.Table
	Pool        *pool.Pool
	MaxTimeout  time.Duration // the maximum of all configured transfer timeouts
	GracePeriod time.Duration // added to 2x MaxTimeout for tempfile/tempdir staleness
}

// New builds a Loop. GracePeriod defaults to one minute, added on top
// of twice the configured transfer timeout when computing staleness
// cutoffs.
func New(s *store.Store, jobs *job.Table, p *pool.Pool, maxTimeout time.Duration) *Loop {
	return &Loop{Store: s, Jobs: jobs, Pool: p, MaxTimeout: maxTimeout, GracePeriod: time.Minute}
}

// Run blocks, sweeping every Interval until ctx is cancelled. A sweep
// error is fatal: Run calls onFatal and returns, rather than quietly
// continuing to leak state.
func (l *Loop) Run(ctx context.Context, onFatal func(error)) {
	log := s4log.WithComponent(s4log.ComponentGC)
	ticker := time.NewTicker(Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.sweepOnce(ctx); err != nil {
				log.Error().Err(err).Msg("gc sweep failed, this node cannot be trusted to continue")
				onFatal(err)
				return
			}
		}
	}
}

func (l *Loop) sweepOnce(ctx context.Context) error {
	ch, err := pool.Submit(ctx, l.Pool, l.MaxTimeout, func(_ context.Context, started func()) (struct{}, error) {
		started()
		if err := l.sweepJobs(); err != nil {
			return struct{}{}, err
		}
		if err := l.sweepTempFiles(); err != nil {
			return struct{}{}, err
		}
		if err := l.sweepTempDirs(); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, nil
	})
	if err != nil {
		return err
	}
	return (<-ch).Err
}

// sweepJobs removes jobs older than the maximum transfer timeout,
// along with a PUT job's tempfile and stub sidecar.
func (l *Loop) sweepJobs() error {
	cutoff := time.Now().Add(-l.MaxTimeout)
	log := s4log.WithComponent(s4log.ComponentGC)
	for _, j := range l.Jobs.Expired(cutoff) {
		if j.Direction == job.Put {
			l.Store.Abort(j.TempPath, j.Path, l.Store.ChecksumPath(j.Path))
		}
		j.Finish("", context.DeadlineExceeded)
		l.Jobs.Delete(j.ID)
		metrics.GCReclaimedTotal.WithLabelValues("job").Inc()
		log.Debug().Str("job_id", j.ID).Str("key", j.Key).Msg("reclaimed abandoned job")
	}
	return nil
}

// sweepTempFiles removes stale staging files under _tempfiles/.
func (l *Loop) sweepTempFiles() error {
	return l.sweepStale(l.Store.StaleTempFiles, "tempfile", false)
}

// sweepTempDirs removes stale scratch directories under _tempdirs/.
func (l *Loop) sweepTempDirs() error {
	return l.sweepStale(l.Store.StaleTempDirs, "tempdir", true)
}

// sweepStale computes its cutoff at twice the maximum transfer timeout
// plus a grace period, not just the timeout plus a minute: a tempfile
// or tempdir can still be legitimately in use by a confirm that itself
// has up to MaxTimeout left to run after staging finished, so the
// cutoff must clear two full timeouts before the grace period on top.
func (l *Loop) sweepStale(list func(time.Time) ([]store.StaleEntry, error), kind string, recursive bool) error {
	cutoff := time.Now().Add(-(2*l.MaxTimeout + l.GracePeriod))
	entries, err := list(cutoff)
	if err != nil {
		return err
	}
	log := s4log.WithComponent(s4log.ComponentGC)
	for _, e := range entries {
		var delErr error
		if recursive {
			delErr = l.Store.DeleteRecursive(e.Path)
		} else {
			delErr = l.Store.Delete(e.Path)
		}
		if delErr != nil {
			return delErr
		}
		metrics.GCReclaimedTotal.WithLabelValues(kind).Inc()
		log.Debug().Str("path", e.Path).Msg("reclaimed stale " + kind)
	}
	return nil
}
