// Command tssx runs the shared-memory transport benchmarks: a raw
// ping-pong over a named segment (sync-server, sync-client) and an echo
// exchange through the interposed socket calls (echo-server, echo-client).
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
