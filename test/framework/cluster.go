package framework

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sharded4/s4/internal/client"
)

// Config controls a test s4 cluster: N homogeneous peer nodes sharing
// one roster file, each an s4d binary spawned as a real OS process.
// There is no manager/worker split or quorum to wait for — every node
// is an equal peer as soon as its HTTP server answers /health.
type Config struct {
	NumNodes int
	Binary   string // path to a built s4d binary
	BaseDir  string // parent of each node's data-dir and roster file
	LogLevel string
}

// DefaultConfig reads S4D_BINARY/S4_TEST_DATA_DIR, falling back to a
// bin/s4d binary and a temp-dir data root.
func DefaultConfig() *Config {
	binary := os.Getenv("S4D_BINARY")
	if binary == "" {
		binary = "bin/s4d"
	}
	dataDir := os.Getenv("S4_TEST_DATA_DIR")
	if dataDir == "" {
		dataDir = filepath.Join(os.TempDir(), "s4-test")
	}
	return &Config{NumNodes: 3, Binary: binary, BaseDir: dataDir, LogLevel: "info"}
}

// Node is one running peer: its process, its roster address, its HTTP
// client, and its data directory.
type Node struct {
	Address string // "127.0.0.1:<port>", the address this node was given in the roster
	DataDir string
	Process *Process
	Client  *client.Client
}

// Cluster is a set of s4d peer processes sharing one roster file.
type Cluster struct {
	Config *Config
	Nodes  []*Node

	rosterPath string
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewCluster allocates listen ports, writes the shared roster file, and
// prepares (but does not yet start) every node's process.
func NewCluster(cfg *Config) (*Cluster, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.NumNodes < 1 {
		return nil, fmt.Errorf("framework: cluster needs at least one node")
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("framework: create base dir: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Cluster{Config: cfg, ctx: ctx, cancel: cancel}

	addrs := make([]string, cfg.NumNodes)
	for i := 0; i < cfg.NumNodes; i++ {
		port, err := reserveLocalPort()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("framework: reserve port for node %d: %w", i, err)
		}
		addrs[i] = fmt.Sprintf("127.0.0.1:%d", port)
	}

	c.rosterPath = filepath.Join(cfg.BaseDir, "roster.conf")
	if err := writeRoster(c.rosterPath, addrs); err != nil {
		cancel()
		return nil, err
	}

	for i, addr := range addrs {
		dataDir := filepath.Join(cfg.BaseDir, fmt.Sprintf("node-%d", i))
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			cancel()
			return nil, fmt.Errorf("framework: create data dir for node %d: %w", i, err)
		}

		p := NewProcess(cfg.Binary)
		p.Ctx, p.Cancel = ctx, cancel
		p.Args = []string{"--log-level", cfg.LogLevel, "serve", "--data-dir", dataDir, "--roster", c.rosterPath}
		p.Env = []string{
			"S4_LISTEN_ADDRESS=" + addr,
		}

		c.Nodes = append(c.Nodes, &Node{
			Address: addr,
			DataDir: dataDir,
			Process: p,
			Client:  client.New("http://"+addr, 10*time.Second),
		})
	}

	return c, nil
}

// Start launches every node process and waits for each to answer
// /health.
func (c *Cluster) Start() error {
	for i, n := range c.Nodes {
		if err := n.Process.Start(); err != nil {
			return fmt.Errorf("framework: start node %d: %w", i, err)
		}
	}
	for i, n := range c.Nodes {
		if err := waitHealthy(n.Address, 10*time.Second); err != nil {
			return fmt.Errorf("framework: node %d never became healthy: %w", i, err)
		}
	}
	return nil
}

// Stop gracefully stops every node, falling back to Kill on timeout.
func (c *Cluster) Stop() error {
	var firstErr error
	for _, n := range c.Nodes {
		if !n.Process.IsRunning() {
			continue
		}
		if err := n.Process.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.cancel()
	return firstErr
}

func writeRoster(path string, addrs []string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("framework: write roster: %w", err)
	}
	defer f.Close()
	for _, addr := range addrs {
		if _, err := fmt.Fprintln(f, addr); err != nil {
			return fmt.Errorf("framework: write roster line: %w", err)
		}
	}
	return nil
}

func reserveLocalPort() (int, error) {
	// S4_LISTEN_ADDRESS lines in the roster must be assigned before any
	// node starts, so this probes a free port the same way
	// internal/transfer.reservePort does for pipeline ports.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	_, portStr, err := net.SplitHostPort(l.Addr().String())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}

func waitHealthy(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + addr + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("framework: %s did not become healthy within %s", addr, timeout)
}
