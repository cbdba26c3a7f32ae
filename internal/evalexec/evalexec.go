// Package evalexec implements eval(key, cmd): it reads a blob through
// a user-supplied shell pipeline and returns its standard output,
// running on the compute pool under the transfer timeout.
package evalexec

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/sharded4/s4/internal/key"
	"github.com/sharded4/s4/internal/pool"
	"github.com/sharded4/s4/internal/routing"
	"github.com/sharded4/s4/internal/s4err"
	"github.com/sharded4/s4/internal/store"
)

// Node bundles the per-node state eval needs.
type Node struct {
	Store   *store.Store
	Pool    *pool.Pool
	Router  *routing.Router
	Shell   string // defaults to "/bin/sh" when empty
	Timeout time.Duration
}

// New builds an evalexec Node. The shell defaults to "/bin/sh".
func New(s *store.Store, p *pool.Pool, router *routing.Router, timeout time.Duration) *Node {
	return &Node{Store: s, Pool: p, Router: router, Shell: "/bin/sh", Timeout: timeout}
}

// Eval implements eval(key, cmd): the blob at key is redirected onto
// cmd's standard input and cmd runs under n.Shell -c, bounded by the
// compute pool's admission discipline and the transfer timeout. A
// non-zero exit yields cmd_failure with the {stdout, stderr, exitcode}
// body; a missing key yields not_found.
func (n *Node) Eval(ctx context.Context, k, cmd string) (string, error) {
	if err := key.Validate(k); err != nil {
		return "", s4err.New(s4err.KindMalformed, "%v", err)
	}
	if n.Router != nil && !n.Router.IsLocal(k) {
		return "", s4err.New(s4err.KindMalformed, "key %q is not owned by this node", k)
	}

	dataPath := n.Store.DataPath(k)
	if !n.Store.Exists(dataPath) {
		return "", s4err.New(s4err.KindNotFound, "key %q not found", k)
	}

	shell := n.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	out, err := pool.Submit(ctx, n.Pool, n.Timeout, func(taskCtx context.Context, started func()) (string, error) {
		started()

		in, err := os.Open(dataPath)
		if err != nil {
			return "", s4err.New(s4err.KindInternal, "open blob %s: %v", dataPath, err)
		}
		defer in.Close()

		runCtx, cancel := context.WithTimeout(taskCtx, n.Timeout)
		defer cancel()

		c := exec.CommandContext(runCtx, shell, "-c", cmd)
		c.Stdin = in
		var stdout, stderr bytes.Buffer
		c.Stdout = &stdout
		c.Stderr = &stderr

		runErr := c.Run()
		if runErr != nil {
			exitCode := -1
			if ee, ok := runErr.(*exec.ExitError); ok {
				exitCode = ee.ExitCode()
			}
			return "", s4err.New(s4err.KindCmdFailure, "eval command failed: %v", runErr).WithBody(&s4err.CmdResult{
				Stdout:   stdout.String(),
				Stderr:   stderr.String(),
				ExitCode: exitCode,
			})
		}
		return stdout.String(), nil
	})
	if err != nil {
		return "", err
	}

	res := <-out
	return res.Value, res.Err
}
