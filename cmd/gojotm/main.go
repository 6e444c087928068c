// Command gojotm runs transaction test scripts through the lock-based
// transaction manager and writes the resulting transaction log.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
