// Command s4-hash is the streaming-checksum helper: in --stream mode
// it is a transparent pass-through, copying standard input to standard
// output byte-for-byte, and once the input is exhausted it writes the
// accumulated 64-bit checksum, lowercase hex, as a single line on
// standard error.
//
// This is a minimal, literal implementation of a narrow contract, not
// a parameterized feature. The hash itself is internal/xxh3, so this
// binary and the in-process confirm_put/confirm_get checksum verifiers
// always agree on what "the checksum" of a stream means.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sharded4/s4/internal/xxh3"
)

func main() {
	stream := false
	for _, arg := range os.Args[1:] {
		if arg == "--stream" {
			stream = true
		}
	}
	if !stream {
		fmt.Fprintln(os.Stderr, "usage: s4-hash --stream")
		os.Exit(2)
	}

	d := xxh3.New()
	w := io.MultiWriter(os.Stdout, d)
	if _, err := io.Copy(w, os.Stdin); err != nil {
		fmt.Fprintf(os.Stderr, "s4-hash: copy: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintln(os.Stderr, d.Sum())
}
