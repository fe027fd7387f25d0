// Command statengine is the reference CLI for the deterministic
// concurrent state-machine engine: it wires a configurable storage
// backend, logger, and metrics exporter around a trivial demonstration
// Application and drives it through one block's worth of transactions
// read from a file or stdin. There is no networking, consensus, or peer
// layer here (explicitly out of scope): "run" is a batch driver for
// manual testing, not a live node, grounded on
// cmd/blockberry/{root,start,version}.go's command structure.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
