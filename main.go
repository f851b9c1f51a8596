// The main package for the submitter executable.
package main

import (
	"github.com/JakeFAU/directory-submitter/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
