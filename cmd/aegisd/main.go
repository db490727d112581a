// Command aegisd serves the hybrid inference orchestrator: a resident Fast
// model and a Deep model streamed from disk behind one admission queue.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "aegisd:", err)
		os.Exit(1)
	}
}
