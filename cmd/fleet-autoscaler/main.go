// Command fleet-autoscaler keeps a fleet of stateless service replicas sized
// to their observed load.
package main

import (
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
