// Command worker runs the periodic jobs the billing engine relies on: the
// session sweeper and subscription renewals. Schedule `sweep` and `renew` from
// cron, or run `loop` as a long-lived process.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
