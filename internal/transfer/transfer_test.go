package transfer

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sharded4/s4/internal/job"
	"github.com/sharded4/s4/internal/pool"
	"github.com/sharded4/s4/internal/store"
)

// builtBins is populated once by TestMain with real, compiled helper
// binaries so these tests exercise the actual recv/send/hash
// subprocess pipelines, not a mock.
var builtBins Binaries

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "s4-helpers-")
	if err != nil {
		fmt.Fprintln(os.Stderr, "transfer_test: mkdtemp:", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	build := func(name, pkg string) string {
		out := filepath.Join(dir, name)
		cmd := exec.Command("go", "build", "-o", out, pkg)
		cmd.Stdout = os.Stderr
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "transfer_test: build %s: %v\n", name, err)
			os.Exit(1)
		}
		return out
	}

	builtBins = Binaries{
		Recv: build("s4-recv", "github.com/sharded4/s4/cmd/s4-recv"),
		Send: build("s4-send", "github.com/sharded4/s4/cmd/s4-send"),
		Hash: build("s4-hash", "github.com/sharded4/s4/cmd/s4-hash"),
	}

	os.Exit(m.Run())
}

func newTestNode(t *testing.T) *Node {
	t.Helper()
	s, err := store.New(t.TempDir())
	require.NoError(t, err)
	n := &Node{
		Store:   s,
		Jobs:    job.NewTable(),
		Pools:   pool.NewPools(pool.Capacities{IORecv: 2, IOSend: 2, Compute: 2, Misc: 2, Writer: 1}),
		Router:  nil, // no router: every key is treated as local
		Bins:    builtBins,
		Timeout: 2 * time.Second,
	}
	return n
}

func TestPutGetRoundTrip(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()
	const key = "s4://b/f.txt"
	const contents = "123"

	jobID, port, err := n.PreparePut(ctx, key)
	require.NoError(t, err)

	checksum := streamPut(t, port, contents)
	require.NoError(t, n.ConfirmPut(ctx, jobID, checksum))

	data, err := os.ReadFile(n.Store.DataPath(key))
	require.NoError(t, err)
	require.Equal(t, contents, string(data))

	onDisk, err := n.Store.ReadChecksum(n.Store.DataPath(key))
	require.NoError(t, err)
	require.Equal(t, checksum, onDisk)

	sinkDone := make(chan string, 1)
	clientPort := startSink(t, sinkDone)

	getJobID, err := n.PrepareGet(ctx, key, "127.0.0.1", clientPort)
	require.NoError(t, err)

	received := <-sinkDone
	require.Equal(t, contents, received)

	require.NoError(t, n.ConfirmGet(ctx, getJobID, checksum))
}

func TestPutIsCreateOnly(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()
	const key = "s4://b/once"

	jobID, port, err := n.PreparePut(ctx, key)
	require.NoError(t, err)
	checksum := streamPut(t, port, "abc")
	require.NoError(t, n.ConfirmPut(ctx, jobID, checksum))

	_, _, err = n.PreparePut(ctx, key)
	require.Error(t, err)
}

func TestConfirmPutRejectsWrongChecksum(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()
	const key = "s4://b/bad"

	jobID, port, err := n.PreparePut(ctx, key)
	require.NoError(t, err)
	streamPut(t, port, "abc")

	err = n.ConfirmPut(ctx, jobID, "0000000000000000")
	require.Error(t, err)

	_, err = os.Stat(n.Store.DataPath(key))
	require.True(t, os.IsNotExist(err))
}

func TestPrepareGetNotFound(t *testing.T) {
	n := newTestNode(t)
	_, err := n.PrepareGet(context.Background(), "s4://b/missing", "127.0.0.1", 9)
	require.Error(t, err)
}

// streamPut dials the prepared port and streams contents through the
// real hash|send pipeline, returning the checksum it computed.
func streamPut(t *testing.T, port int, contents string) string {
	t.Helper()
	hashCmd := exec.Command(builtBins.Hash, "--stream")
	stdin, err := hashCmd.StdinPipe()
	require.NoError(t, err)

	sendCmd := exec.Command(builtBins.Send, "127.0.0.1", fmt.Sprint(port))
	stdout, err := hashCmd.StdoutPipe()
	require.NoError(t, err)
	sendCmd.Stdin = stdout

	var hashErr, sendErr bytes.Buffer
	hashCmd.Stderr = &hashErr
	sendCmd.Stderr = &sendErr

	require.NoError(t, hashCmd.Start())
	require.NoError(t, sendCmd.Start())

	_, err = stdin.Write([]byte(contents))
	require.NoError(t, err)
	require.NoError(t, stdin.Close())

	require.NoError(t, hashCmd.Wait())
	require.NoError(t, sendCmd.Wait())

	return strings.TrimSpace(hashErr.String())
}

// startSink listens on an ephemeral port, hands its number back, and
// delivers whatever bytes arrive on it to done.
func startSink(t *testing.T, done chan<- string) int {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := lis.Addr().(*net.TCPAddr).Port

	go func() {
		defer lis.Close()
		conn, err := lis.Accept()
		if err != nil {
			done <- ""
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		n, _ := conn.Read(buf)
		done <- string(buf[:n])
	}()

	return port
}
