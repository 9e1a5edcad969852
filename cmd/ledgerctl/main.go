// Command ledgerctl is the operator tool for the credit ledger. It talks to
// the database directly and needs no running bot.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(openFromEnv).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
