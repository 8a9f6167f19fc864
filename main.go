// The main package for the cragwatch executable.
package main

import (
	"github.com/joho/godotenv"

	"github.com/JakeFAU/cragwatch/cmd"
)

// main loads an optional .env file and defers to the Cobra CLI.
func main() {
	_ = godotenv.Load()
	cmd.Execute()
}
