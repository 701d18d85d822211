// Command rrreplay replays a previously recorded trace.
package main

import "github.com/tickloop/rr/cmd/rrreplay/cmd"

func main() {
	cmd.Execute()
}
