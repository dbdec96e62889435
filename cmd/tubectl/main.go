// tubectl is the command-line client for tubewatchd.
package main

import "github.com/xtxerr/tubewatch/cmd/tubectl/cmd"

func main() {
	cmd.Execute()
}
