// Command ccshell is the CrossCloud shell host. It runs the sync engine as
// a child process, answers the engine's requests, and restarts the engine
// when it dies or stops answering pings.
package main

import "github.com/joho/godotenv"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	_ = godotenv.Load()
	Execute()
}
