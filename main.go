// The main package for the discord-crawler executable.
package main

import (
	"github.com/JakeFAU/discord-history-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
