// Command nexus runs the personal AI gateway: the agent orchestration
// runtime, its channel adapters, and the HTTP front door.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

func main() {
	// Local development keeps API keys in .env; absence is fine.
	_ = godotenv.Load()

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
