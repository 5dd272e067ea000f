// Command minidb drives a minidb database from the shell: open it and
// run a short demo workload, run restart recovery in isolation, or force
// a fuzzy checkpoint.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "minidb",
	Short: "A transactional storage engine with WAL, MGL locking, and ARIES recovery",
	Long: `minidb - a teaching database's transactional core

Commands:
  run         Open a database, run a short demo transaction workload, close
  recover     Run restart recovery against an existing data directory
  checkpoint  Force a fuzzy checkpoint and exit`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
