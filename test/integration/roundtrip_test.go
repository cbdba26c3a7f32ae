// Package integration exercises a real multi-process s4 cluster end to
// end: build the real binary, spawn a handful of nodes, and talk to
// them over the network exactly as an external client would.
package integration

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sharded4/s4/internal/xxh3"
	"github.com/sharded4/s4/test/framework"
)

func buildS4d(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	out := filepath.Join(dir, "s4d")
	cmd := exec.Command("go", "build", "-o", out, "github.com/sharded4/s4/cmd/s4d")
	cmd.Dir = repoRoot(t)
	output, err := cmd.CombinedOutput()
	require.NoError(t, err, "build s4d: %s", output)
	return out
}

func repoRoot(t *testing.T) string {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	return filepath.Join(wd, "..", "..")
}

func checksumOf(b []byte) string {
	sum, _ := xxh3.SumReader(bytes.NewReader(b))
	return sum
}

// TestPutGetRoundTripAcrossThreeNodes starts a 3-node cluster, puts a
// key against whichever node owns it, and reads it back.
func TestPutGetRoundTripAcrossThreeNodes(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns real s4d processes; skipped in -short runs")
	}

	binary := buildS4d(t)
	cluster, err := framework.NewCluster(&framework.Config{
		NumNodes: 3,
		Binary:   binary,
		BaseDir:  t.TempDir(),
		LogLevel: "warn",
	})
	require.NoError(t, err)
	require.NoError(t, cluster.Start())
	defer cluster.Stop()
	defer func() {
		if !t.Failed() {
			return
		}
		for i, n := range cluster.Nodes {
			t.Logf("node %d (%s) logs:\n%s", i, n.Address, n.Process.Logs())
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	contents := []byte("123")
	key := "s4://b/f.txt"

	var putErr error
	for _, n := range cluster.Nodes {
		if err := n.Client.Put(ctx, key, contents, checksumOf); err == nil {
			putErr = nil
			break
		} else {
			putErr = err
		}
	}
	require.NoError(t, putErr)

	var got []byte
	var getErr error
	for _, n := range cluster.Nodes {
		got, getErr = n.Client.Get(ctx, key, checksumOf)
		if getErr == nil {
			break
		}
	}
	require.NoError(t, getErr)
	require.Equal(t, contents, got)
}
