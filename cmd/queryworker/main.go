// queryworker is the child process spawned by the worker pool. It speaks
// line-delimited JSON over stdin/stdout and logs diagnostics to stderr.
package main

import (
	"fmt"
	"os"

	"querychat/dbpool"
	"querychat/worker"
)

func main() {
	logf := func(msg string) {
		fmt.Fprintln(os.Stderr, msg)
	}

	dbm := dbpool.New(dbpool.EngineSQLite, logf)
	w := worker.New(dbm, logf)
	defer w.Close()

	if err := w.Run(os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "worker exiting: %v\n", err)
		os.Exit(1)
	}
}
