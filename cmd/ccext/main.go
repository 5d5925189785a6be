// Command ccext is the headless file-manager extension. It polls the
// engine over the rendezvous socket for the sync root and status changes
// and keeps badges for the watched tree.
package main

import "github.com/joho/godotenv"

func main() {
	_ = godotenv.Load()
	Execute()
}
