// Command prismctl is the operator CLI for a running Prism daemon's
// admin HTTP surface.
package main

import "github.com/prismproxy/prism/cmd/prismctl/cmd"

func main() {
	cmd.Execute()
}
