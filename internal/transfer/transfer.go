// Package transfer implements the two-phase PUT and GET protocol:
// prepare allocates a port and admits the recv/send+hash pipeline onto
// its pool under the start-countdown discipline of internal/pool;
// confirm awaits the pipeline's settlement and performs the
// single-writer publish (PUT) or the three-way checksum cross-check
// (GET).
package transfer

import (
	"context"
	"os"
	"time"

	"github.com/sharded4/s4/internal/job"
	"github.com/sharded4/s4/internal/key"
	"github.com/sharded4/s4/internal/metrics"
	"github.com/sharded4/s4/internal/pool"
	"github.com/sharded4/s4/internal/routing"
	"github.com/sharded4/s4/internal/s4err"
	"github.com/sharded4/s4/internal/s4log"
	"github.com/sharded4/s4/internal/store"
	"github.com/sharded4/s4/internal/xxh3"
)

// Node bundles the per-node state the PUT/GET protocol needs.
type Node struct {
	Store   *store.Store
	Jobs    *job.Table
	Pools   *pool.Pools
	Router  *routing.Router
	Bins    Binaries
	Timeout time.Duration
}

// New builds a transfer Node with the default helper binary names.
func New(s *store.Store, jobs *job.Table, pools *pool.Pools, router *routing.Router, timeout time.Duration) *Node {
	return &Node{Store: s, Jobs: jobs, Pools: pools, Router: router, Bins: DefaultBinaries(), Timeout: timeout}
}

// runSync submits a quick, non-suspending task to a pool under the
// same admission discipline as every other task class, signaling
// started immediately since there is no further suspension inside fn.
// Used for the single-writer pool's existence checks, tempfile
// allocation, and publish/abort steps.
func runSync[T any](ctx context.Context, p *pool.Pool, timeout time.Duration, fn func() (T, error)) (T, error) {
	ch, err := pool.Submit(ctx, p, timeout, func(_ context.Context, started func()) (T, error) {
		started()
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	res := <-ch
	return res.Value, res.Err
}

func rejectNonLocal(rt *routing.Router, k string) error {
	if rt != nil && !rt.IsLocal(k) {
		return s4err.New(s4err.KindMalformed, "key %q is not owned by this node", k)
	}
	return nil
}

// PreparePut validates the key, verifies it is absent under the
// single-writer pool, allocates a port and tempfile, then admits the
// recv|hash pipeline onto the IO-recv pool.
func (n *Node) PreparePut(ctx context.Context, k string) (jobID string, port int, err error) {
	if err := key.Validate(k); err != nil {
		return "", 0, s4err.New(s4err.KindMalformed, "%v", err)
	}
	if key.IsReservedBucket(key.Bucket(k)) {
		return "", 0, s4err.New(s4err.KindMalformed, "bucket %q is reserved", key.Bucket(k))
	}
	if err := rejectNonLocal(n.Router, k); err != nil {
		return "", 0, err
	}

	dataPath := n.Store.DataPath(k)

	tempPath, err := runSync(ctx, n.Pools.Writer, n.Timeout, func() (string, error) {
		if n.Store.Exists(dataPath) {
			return "", s4err.New(s4err.KindAlreadyExists, "key %q already exists", k)
		}
		tp, err := n.Store.NewTempFile()
		if err != nil {
			return "", s4err.New(s4err.KindInternal, "allocate tempfile: %v", err)
		}
		return tp, nil
	})
	if err != nil {
		metrics.TransferTotal.WithLabelValues("put", "rejected").Inc()
		return "", 0, err
	}

	port, err = reservePort()
	if err != nil {
		n.Store.Abort(tempPath)
		metrics.TransferTotal.WithLabelValues("put", "rejected").Inc()
		return "", 0, s4err.New(s4err.KindInternal, "reserve port: %v", err)
	}

	j := n.Jobs.New(job.Put, k, dataPath)
	j.TempPath = tempPath

	ch, err := pool.Submit(ctx, n.Pools.IORecv, n.Timeout, func(taskCtx context.Context, started func()) (string, error) {
		return n.runPutPipeline(taskCtx, port, tempPath, started)
	})
	if err != nil {
		n.Jobs.Delete(j.ID)
		n.Store.Abort(tempPath)
		metrics.TransferTotal.WithLabelValues("put", "busy").Inc()
		return "", 0, err
	}

	go func() {
		r := <-ch
		j.Finish(r.Value, r.Err)
	}()

	return j.ID, port, nil
}

// ConfirmPut awaits the pipeline, cross-checks the checksum the client
// presents against the one the server computed while receiving, and on
// match publishes the blob on the single-writer pool.
func (n *Node) ConfirmPut(ctx context.Context, jobID, clientChecksum string) error {
	j, ok := n.Jobs.Get(jobID)
	if !ok {
		return s4err.New(s4err.KindMalformed, "unknown job %q", jobID)
	}
	if j.Direction != job.Put {
		return s4err.New(s4err.KindMalformed, "job %q is not a put job", jobID)
	}

	select {
	case <-j.Settle:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer n.Jobs.Delete(jobID)

	if j.Err != nil {
		n.Store.Abort(j.TempPath)
		metrics.TransferTotal.WithLabelValues("put", "integrity").Inc()
		s4log.WithJob(jobID).Error().Err(j.Err).Str("key", j.Key).Msg("put receive pipeline failed")
		if se, ok := s4err.As(j.Err); ok {
			return se
		}
		return s4err.New(s4err.KindIntegrity, "receive pipeline failed: %v", j.Err)
	}
	if j.Checksum != clientChecksum {
		n.Store.Abort(j.TempPath)
		metrics.TransferTotal.WithLabelValues("put", "integrity").Inc()
		s4log.WithJob(jobID).Error().Str("key", j.Key).Str("server_checksum", j.Checksum).Str("client_checksum", clientChecksum).Msg("put checksum mismatch")
		return s4err.New(s4err.KindIntegrity, "checksum mismatch: server=%s client=%s", j.Checksum, clientChecksum)
	}

	_, err := runSync(ctx, n.Pools.Writer, n.Timeout, func() (struct{}, error) {
		if n.Store.Exists(j.Path) {
			n.Store.Abort(j.TempPath)
			return struct{}{}, s4err.New(s4err.KindAlreadyExists, "key %q now exists", j.Key)
		}
		if err := n.Store.Publish(j.TempPath, j.Path, j.Checksum); err != nil {
			n.Store.Abort(j.TempPath, j.Path, n.Store.ChecksumPath(j.Path))
			return struct{}{}, s4err.New(s4err.KindInternal, "publish %q: %v", j.Key, err)
		}
		return struct{}{}, nil
	})
	if err != nil {
		metrics.TransferTotal.WithLabelValues("put", "already_exists_or_failed").Inc()
		return err
	}
	metrics.TransferTotal.WithLabelValues("put", "success").Inc()
	return nil
}

// PrepareGet verifies the blob exists, reads its sidecar checksum, then
// admits the hash|send pipeline onto the IO-send pool.
func (n *Node) PrepareGet(ctx context.Context, k, clientAddress string, clientPort int) (jobID string, err error) {
	if err := key.Validate(k); err != nil {
		return "", s4err.New(s4err.KindMalformed, "%v", err)
	}
	if err := rejectNonLocal(n.Router, k); err != nil {
		return "", err
	}

	dataPath := n.Store.DataPath(k)
	if !n.Store.Exists(dataPath) {
		metrics.TransferTotal.WithLabelValues("get", "not_found").Inc()
		return "", s4err.New(s4err.KindNotFound, "key %q not found", k)
	}
	diskChecksum, err := n.Store.ReadChecksum(dataPath)
	if err != nil {
		metrics.TransferTotal.WithLabelValues("get", "not_found").Inc()
		return "", s4err.New(s4err.KindNotFound, "read checksum for %q: %v", k, err)
	}

	j := n.Jobs.New(job.Get, k, dataPath)
	j.DiskChecksum = diskChecksum

	ch, err := pool.Submit(ctx, n.Pools.IOSend, n.Timeout, func(taskCtx context.Context, started func()) (string, error) {
		return n.runGetPipeline(taskCtx, dataPath, clientAddress, clientPort, started)
	})
	if err != nil {
		n.Jobs.Delete(j.ID)
		metrics.TransferTotal.WithLabelValues("get", "busy").Inc()
		return "", err
	}

	go func() {
		r := <-ch
		j.Finish(r.Value, r.Err)
	}()

	return j.ID, nil
}

// ConfirmGet awaits the pipeline and requires its checksum to equal
// both the on-disk sidecar and the client's checksum.
func (n *Node) ConfirmGet(ctx context.Context, jobID, clientChecksum string) error {
	j, ok := n.Jobs.Get(jobID)
	if !ok {
		return s4err.New(s4err.KindMalformed, "unknown job %q", jobID)
	}
	if j.Direction != job.Get {
		return s4err.New(s4err.KindMalformed, "job %q is not a get job", jobID)
	}

	select {
	case <-j.Settle:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer n.Jobs.Delete(jobID)

	if j.Err != nil {
		metrics.TransferTotal.WithLabelValues("get", "integrity").Inc()
		s4log.WithJob(jobID).Error().Err(j.Err).Str("key", j.Key).Msg("get send pipeline failed")
		if se, ok := s4err.As(j.Err); ok {
			return se
		}
		return s4err.New(s4err.KindIntegrity, "send pipeline failed: %v", j.Err)
	}
	if j.Checksum != j.DiskChecksum || j.Checksum != clientChecksum {
		metrics.TransferTotal.WithLabelValues("get", "integrity").Inc()
		s4log.WithJob(jobID).Error().Str("key", j.Key).Str("disk_checksum", j.DiskChecksum).Str("server_checksum", j.Checksum).Str("client_checksum", clientChecksum).Msg("get checksum mismatch")
		return s4err.New(s4err.KindIntegrity, "checksum mismatch: disk=%s server=%s client=%s", j.DiskChecksum, j.Checksum, clientChecksum)
	}
	metrics.TransferTotal.WithLabelValues("get", "success").Inc()
	return nil
}

// LocalPut publishes a blob after a successful map/map_from_n task:
// sourcePath (already on this node's filesystem, typically scratch
// output under _tempdirs/) is checksummed and published to k without
// ever going over the loopback network — there is no client on the
// other end to race, so the recv/send helpers and their TCP
// side-channel would be pure overhead here. Runs entirely on the
// single-writer pool.
func (n *Node) LocalPut(ctx context.Context, k, sourcePath string) error {
	if err := key.Validate(k); err != nil {
		return s4err.New(s4err.KindMalformed, "%v", err)
	}

	dataPath := n.Store.DataPath(k)
	_, err := runSync(ctx, n.Pools.Writer, n.Timeout, func() (struct{}, error) {
		if n.Store.Exists(dataPath) {
			return struct{}{}, s4err.New(s4err.KindAlreadyExists, "key %q already exists", k)
		}
		f, err := os.Open(sourcePath)
		if err != nil {
			return struct{}{}, s4err.New(s4err.KindInternal, "open %s: %v", sourcePath, err)
		}
		checksum, err := xxh3.SumReader(f)
		f.Close()
		if err != nil {
			return struct{}{}, s4err.New(s4err.KindInternal, "checksum %s: %v", sourcePath, err)
		}
		if err := n.Store.Publish(sourcePath, dataPath, checksum); err != nil {
			return struct{}{}, s4err.New(s4err.KindInternal, "publish %q: %v", k, err)
		}
		return struct{}{}, nil
	})
	if err != nil {
		metrics.TransferTotal.WithLabelValues("local_put", "failed").Inc()
		return err
	}
	metrics.TransferTotal.WithLabelValues("local_put", "success").Inc()
	return nil
}
