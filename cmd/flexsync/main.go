// Command flexsync inspects a flexible sync subscription store file.
package main

import "github.com/mesh-intelligence/flexsync/internal/cli"

func main() {
	cli.Execute()
}
