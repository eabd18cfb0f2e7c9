// Command prism is the Prism L4 reverse proxy daemon.
package main

import "github.com/prismproxy/prism/cmd/prism/cmd"

func main() {
	cmd.Execute()
}
