// Command sidekick runs the AI VTuber sidekick and its maintenance commands.
package main

import "os"

func main() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
