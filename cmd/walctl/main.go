// Command walctl is the operator CLI for the replication core: copy, create,
// ls, restore, verify, rm, and snapshot subcommands over a database's
// segment store, mirroring bottomless-cli's shape (main.rs,
// replicator_extras.rs) translated into a cobra command tree.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
