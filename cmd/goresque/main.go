// Command goresque runs a worker with no local handlers, which suits the
// fastcgi strategy, and the queue administration commands.
package main

import "github.com/BranchIntl/goresque/cli"

func main() {
	cli.Execute()
}
