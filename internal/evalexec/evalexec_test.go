package evalexec

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sharded4/s4/internal/pool"
	"github.com/sharded4/s4/internal/s4err"
	"github.com/sharded4/s4/internal/store"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	s, err := store.New(t.TempDir())
	require.NoError(t, err)
	return New(s, pool.New("compute", 2), nil, time.Second)
}

func writeBlob(t *testing.T, s *store.Store, k, contents string) {
	t.Helper()
	path := s.DataPath(k)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	require.NoError(t, os.WriteFile(s.ChecksumPath(path), []byte("deadbeefdeadbeef"), 0o644))
}

func TestEvalReturnsPipelineStdout(t *testing.T) {
	n := newTestNode(t)
	writeBlob(t, n.Store, "s4://b/f.txt", "hello\n")

	out, err := n.Eval(context.Background(), "s4://b/f.txt", "tr a-z A-Z")
	require.NoError(t, err)
	require.Equal(t, "HELLO\n", out)
}

func TestEvalNotFound(t *testing.T) {
	n := newTestNode(t)
	_, err := n.Eval(context.Background(), "s4://b/missing", "cat")
	require.Error(t, err)
	se, ok := s4err.As(err)
	require.True(t, ok)
	require.Equal(t, s4err.KindNotFound, se.Kind)
}

func TestEvalCmdFailureCarriesBody(t *testing.T) {
	n := newTestNode(t)
	writeBlob(t, n.Store, "s4://b/f.txt", "x")

	_, err := n.Eval(context.Background(), "s4://b/f.txt", "exit 3")
	require.Error(t, err)
	se, ok := s4err.As(err)
	require.True(t, ok)
	require.Equal(t, s4err.KindCmdFailure, se.Kind)
	require.Equal(t, 3, se.Body.ExitCode)
}
