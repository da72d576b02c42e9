// Command blipctl drives a BLIP engine from the command line: an
// echo-server/echo-client pair exercising spec §8 scenario S1, and a
// monitor subcommand rendering live connection counters. Grounded on
// strandctl's Cobra root (single entry point, PersistentPreRunE loading
// config before any subcommand runs).
package main

import "os"

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
