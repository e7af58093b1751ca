// Command docsync manages collaborative documents and runs the relay server.
package main

import "github.com/mesh-intelligence/docsync/internal/cli"

func main() {
	cli.Execute()
}
