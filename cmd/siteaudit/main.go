package main

import (
	"github.com/JakeFAU/site-audit/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
