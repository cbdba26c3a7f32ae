// Command s4-recv is the TCP stream sink helper: it listens on a
// given port, accepts exactly one connection, and streams the
// received bytes to standard output, then closes.
//
// This is a minimal, literal implementation of a narrow contract, not
// a parameterized feature.
package main

import (
	"fmt"
	"io"
	"net"
	"os"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: s4-recv <port>")
		os.Exit(2)
	}

	lis, err := net.Listen("tcp", "0.0.0.0:"+os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "s4-recv: listen: %v\n", err)
		os.Exit(1)
	}
	defer lis.Close()

	// Readiness marker: the node spawning this process reads one line
	// from our stderr before it tells the client the port is ready to
	// dial, so the client never races our listener's bind.
	fmt.Fprintln(os.Stderr, "READY")

	conn, err := lis.Accept()
	if err != nil {
		fmt.Fprintf(os.Stderr, "s4-recv: accept: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	if _, err := io.Copy(os.Stdout, conn); err != nil {
		fmt.Fprintf(os.Stderr, "s4-recv: copy: %v\n", err)
		os.Exit(1)
	}
}
