// driverscan scans driver search directories, maintains the persisted scan
// manifest, and prints the resulting registry. It doubles as its own scan
// child: when re-executed with the scan-child environment marker set, it
// runs only the first-load pass and exits.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
