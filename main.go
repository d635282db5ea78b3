// The main package for the scrolldepth executable.
package main

import "github.com/JakeFAU/scrolldepth/cmd"

func main() {
	cmd.Execute()
}
