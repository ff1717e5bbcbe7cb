// cmd/main.go
package main

import cmd "github.com/mwiater/koboldsweep/cmd/koboldsweep"

// main starts the koboldsweep CLI application by delegating to the cobra
// root command defined in the koboldsweep package.
func main() {
	cmd.Execute()
}
