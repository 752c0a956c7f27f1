// Command mediadriver launches the media driver: the Conductor, Sender,
// and Receiver agents plus the ambient metrics/health surface. Grounded on
// the teacher's cmd/nonchalant/main.go entrypoint shape (flag parsing,
// config load+validate, start, block on shutdown signal), adapted to a
// spf13/cobra root command per SPEC_FULL.md's process-shape note — cobra
// is already a dependency in the retrieved corpus (cuemby-warren) and its
// multi-command surface gives the driver room to grow (companion tools)
// the way flag.Parse alone would not.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
