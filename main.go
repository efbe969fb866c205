// The main package for the blogcrawler executable.
package main

import (
	"github.com/JakeFAU/blogroll-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
