// Package mapexec implements the colocated shuffle engine: map,
// map_to_n, map_from_n. Each operation runs a user-supplied shell
// command against blobs that are guaranteed (by the routing invariant
// in internal/routing) to already live on this node, then publishes
// results either locally or, for map_to_n's scatter step, to whichever
// peer owns the destination key.
//
// Each group of tasks fans out over its own goroutines reporting
// through a shared results channel, and cancels every sibling as soon
// as one fails.
package mapexec

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/sharded4/s4/internal/client"
	"github.com/sharded4/s4/internal/key"
	"github.com/sharded4/s4/internal/metrics"
	"github.com/sharded4/s4/internal/pool"
	"github.com/sharded4/s4/internal/roster"
	"github.com/sharded4/s4/internal/routing"
	"github.com/sharded4/s4/internal/s4err"
	"github.com/sharded4/s4/internal/s4log"
	"github.com/sharded4/s4/internal/store"
	"github.com/sharded4/s4/internal/transfer"
	"github.com/sharded4/s4/internal/xxh3"
)

// Pair is one (in_key, out_key) argument to map.
type Pair struct {
	In  string
	Out string
}

// PairToN is one (in_key, out_dir) argument to map_to_n.
type PairToN struct {
	In     string
	OutDir string
}

// Node bundles the state map/map_to_n/map_from_n need. Shell commands
// run under Shell -c; every task is admission-gated by Pool, the
// node's single compute pool.
type Node struct {
	Store         *store.Store
	Transfer      *transfer.Node
	Pool          *pool.Pool
	Router        *routing.Router
	Shell         string
	Timeout       time.Duration
	PeerBackoff   time.Duration
	NewPeerClient func(roster.Entry) *client.Client
}

// New builds a mapexec Node with default shell and peer-client wiring.
func New(s *store.Store, tr *transfer.Node, p *pool.Pool, router *routing.Router, timeout time.Duration) *Node {
	return &Node{
		Store:       s,
		Transfer:    tr,
		Pool:        p,
		Router:      router,
		Shell:       "/bin/sh",
		Timeout:     timeout,
		PeerBackoff: 200 * time.Millisecond,
		NewPeerClient: func(e roster.Entry) *client.Client {
			return client.New("http://"+e.DialAddress(), timeout)
		},
	}
}

func (n *Node) shell() string {
	if n.Shell == "" {
		return "/bin/sh"
	}
	return n.Shell
}

// runGroup fans a group of tasks out concurrently, cancels every
// sibling as soon as one fails, and returns that first error.
func runGroup(ctx context.Context, n int, task func(taskCtx context.Context, i int) error) error {
	groupCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			err := task(groupCtx, i)
			if err != nil {
				cancel()
			}
			errs <- err
		}()
	}

	var first error
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil && first == nil {
			first = err
		}
	}
	return first
}

// runShellFile runs cmd under n.Shell -c with inPath as stdin and
// outPath as stdout, in outPath's directory, setting "filename" in the
// environment to the absolute input path. Used by map's single-output
// pipeline.
func (n *Node) runShellFile(ctx context.Context, cmd, inPath, outPath string) error {
	in, err := os.Open(inPath)
	if err != nil {
		return s4err.New(s4err.KindInternal, "open %s: %v", inPath, err)
	}
	defer in.Close()

	out, err := os.Create(outPath)
	if err != nil {
		return s4err.New(s4err.KindInternal, "create %s: %v", outPath, err)
	}
	defer out.Close()

	c := exec.CommandContext(ctx, n.shell(), "-c", cmd)
	c.Dir = filepath.Dir(outPath)
	c.Stdin = in
	c.Stdout = out
	var stderr bytes.Buffer
	c.Stderr = &stderr
	c.Env = append(os.Environ(), "filename="+inPath)

	return shellErr(c.Run(), "", stderr.String())
}

func shellErr(runErr error, stdout, stderr string) error {
	if runErr == nil {
		return nil
	}
	exitCode := -1
	if ee, ok := runErr.(*exec.ExitError); ok {
		exitCode = ee.ExitCode()
	}
	return s4err.New(s4err.KindCmdFailure, "command failed: %v", runErr).WithBody(&s4err.CmdResult{
		Stdout:   stdout,
		Stderr:   stderr,
		ExitCode: exitCode,
	})
}

// Map runs cmd against each (in, out) pair: pairs have already been
// verified by the caller to share an owner with this node. Each pair
// runs its command in a fresh scratch directory and, on success, the
// output is published locally to out_key.
func (n *Node) Map(ctx context.Context, cmd string, pairs []Pair) error {
	return runGroup(ctx, len(pairs), func(taskCtx context.Context, i int) error {
		return n.runMapTask(taskCtx, cmd, pairs[i])
	})
}

func (n *Node) runMapTask(ctx context.Context, cmd string, p Pair) error {
	ch, err := pool.Submit(ctx, n.Pool, n.Timeout, func(taskCtx context.Context, started func()) (struct{}, error) {
		started()

		scratchDir, err := n.Store.NewTempDir()
		if err != nil {
			return struct{}{}, s4err.New(s4err.KindInternal, "allocate scratch dir: %v", err)
		}

		inPath := n.Store.DataPath(p.In)
		outputPath := filepath.Join(scratchDir, "output")
		if err := n.runShellFile(taskCtx, cmd, inPath, outputPath); err != nil {
			return struct{}{}, err // scratchDir left for GC
		}

		if err := n.Transfer.LocalPut(taskCtx, p.Out, outputPath); err != nil {
			return struct{}{}, err
		}
		os.RemoveAll(scratchDir)
		return struct{}{}, nil
	})
	if err != nil {
		return err
	}
	res := <-ch
	if res.Err != nil {
		metrics.MapTasksTotal.WithLabelValues("map", "failed").Inc()
		s4log.WithKey(p.In).Error().Err(res.Err).Msg("map task failed")
	} else {
		metrics.MapTasksTotal.WithLabelValues("map", "success").Inc()
	}
	return res.Err
}

// MapToN runs the scatter step of the shuffle: cmd's stdout names the
// files it emitted into its scratch directory, one per line, and each
// is uploaded to a derived out_key — locally if this node owns it,
// otherwise as a peer PUT with unlimited retry on busy/internal but
// terminal on not_found/already_exists.
func (n *Node) MapToN(ctx context.Context, cmd string, pairs []PairToN) error {
	return runGroup(ctx, len(pairs), func(taskCtx context.Context, i int) error {
		return n.runMapToNTask(taskCtx, cmd, pairs[i])
	})
}

func (n *Node) runMapToNTask(ctx context.Context, cmd string, p PairToN) error {
	ch, err := pool.Submit(ctx, n.Pool, n.Timeout, func(taskCtx context.Context, started func()) (struct{}, error) {
		started()

		scratchDir, err := n.Store.NewTempDir()
		if err != nil {
			return struct{}{}, s4err.New(s4err.KindInternal, "allocate scratch dir: %v", err)
		}

		inPath := n.Store.DataPath(p.In)
		in, err := os.Open(inPath)
		if err != nil {
			return struct{}{}, s4err.New(s4err.KindInternal, "open %s: %v", inPath, err)
		}
		defer in.Close()

		c := exec.CommandContext(taskCtx, n.shell(), "-c", cmd)
		c.Dir = scratchDir
		c.Stdin = in
		c.Env = append(os.Environ(), "filename="+inPath)
		var stdout, stderr bytes.Buffer
		c.Stdout = &stdout
		c.Stderr = &stderr

		if err := shellErr(c.Run(), stdout.String(), stderr.String()); err != nil {
			return struct{}{}, err
		}

		filenames := splitNonEmptyLines(stdout.String())
		baseIn := filepath.Base(p.In)
		for _, fname := range filenames {
			filePath := filepath.Join(scratchDir, fname)
			outKey := key.Join(p.OutDir, baseIn, filepath.Base(fname))
			if err := n.publishShuffled(taskCtx, outKey, filePath); err != nil {
				return struct{}{}, err
			}
		}
		os.RemoveAll(scratchDir)
		return struct{}{}, nil
	})
	if err != nil {
		return err
	}
	res := <-ch
	if res.Err != nil {
		metrics.MapTasksTotal.WithLabelValues("map_to_n", "failed").Inc()
		s4log.WithKey(p.In).Error().Err(res.Err).Msg("map_to_n task failed")
	} else {
		metrics.MapTasksTotal.WithLabelValues("map_to_n", "success").Inc()
	}
	return res.Err
}

func (n *Node) publishShuffled(ctx context.Context, outKey, filePath string) error {
	if n.Router == nil || n.Router.IsLocal(outKey) {
		return n.Transfer.LocalPut(ctx, outKey, filePath)
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return s4err.New(s4err.KindInternal, "read %s: %v", filePath, err)
	}
	peer := n.NewPeerClient(n.Router.Owner(outKey))
	return peer.PutWithRetry(ctx, outKey, data, func(b []byte) string {
		sum, _ := xxh3.SumReader(bytes.NewReader(b))
		return sum
	}, n.PeerBackoff)
}

func splitNonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// MapFromN runs the reduce step of the shuffle. Each group's keys
// share a numeric bucket segment and therefore already live on this
// node (the routing invariant internal/routing documents); the
// command reads their absolute paths from standard input and its
// stdout is local-PUT to the bucket's output key.
func (n *Node) MapFromN(ctx context.Context, cmd, outDir string, groups [][]string) error {
	return runGroup(ctx, len(groups), func(taskCtx context.Context, i int) error {
		return n.runMapFromNTask(taskCtx, cmd, outDir, groups[i])
	})
}

func (n *Node) runMapFromNTask(ctx context.Context, cmd, outDir string, group []string) error {
	if len(group) == 0 {
		return nil
	}
	ch, err := pool.Submit(ctx, n.Pool, n.Timeout, func(taskCtx context.Context, started func()) (struct{}, error) {
		started()

		scratchDir, err := n.Store.NewTempDir()
		if err != nil {
			return struct{}{}, s4err.New(s4err.KindInternal, "allocate scratch dir: %v", err)
		}

		paths := make([]string, len(group))
		for i, k := range group {
			paths[i] = n.Store.DataPath(k)
		}

		outputPath := filepath.Join(scratchDir, "output")
		out, err := os.Create(outputPath)
		if err != nil {
			return struct{}{}, s4err.New(s4err.KindInternal, "create %s: %v", outputPath, err)
		}
		defer out.Close()

		c := exec.CommandContext(taskCtx, n.shell(), "-c", cmd)
		c.Stdin = strings.NewReader(strings.Join(paths, "\n") + "\n")
		c.Stdout = out
		var stderr bytes.Buffer
		c.Stderr = &stderr

		if err := shellErr(c.Run(), "", stderr.String()); err != nil {
			return struct{}{}, err
		}

		outName := key.BucketSegment(group[0])
		if suffix := commonSuffix(group); suffix != "" {
			outName += "_" + suffix
		}
		outKey := key.Join(outDir, outName)

		if err := n.Transfer.LocalPut(taskCtx, outKey, outputPath); err != nil {
			return struct{}{}, err
		}
		os.RemoveAll(scratchDir)
		return struct{}{}, nil
	})
	if err != nil {
		return err
	}
	res := <-ch
	if res.Err != nil {
		metrics.MapTasksTotal.WithLabelValues("map_from_n", "failed").Inc()
		s4log.WithComponent(s4log.ComponentMapexec).Error().Err(res.Err).Str("out_dir", outDir).Msg("map_from_n task failed")
	} else {
		metrics.MapTasksTotal.WithLabelValues("map_from_n", "success").Inc()
	}
	return res.Err
}

// commonSuffix returns the non-numeric tail shared by every key's
// bucket segment (the text after the first '_' in the last path
// component), or "" if the keys disagree or have no such tail.
func commonSuffix(keys []string) string {
	var tail string
	for i, k := range keys {
		last := path.Base(key.Path(k))
		_, rest, _ := strings.Cut(last, "_")
		if i == 0 {
			tail = rest
			continue
		}
		if rest != tail {
			return ""
		}
	}
	return tail
}
