// Command atolctl submits receipts to Atol Online and polls their reports
// from the command line. It reads the same ATOL_* and CACHE_* environment as
// the bridge; with CACHE_TYPE=file, successive invocations share one token.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(newClient).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
