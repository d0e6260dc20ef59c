// Command loafd is the loaf runtime daemon and compiler CLI, a cobra
// command tree: compile, run, server, test, info.
package main

import "os"

func main() {
	os.Exit(Execute())
}
