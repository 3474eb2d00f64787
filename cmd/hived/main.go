// Command hived runs the topology sync daemon, node health monitor and
// placement HTTP API of one partition dimension, and carries the
// administrative commands that install, lock and rebalance it.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
