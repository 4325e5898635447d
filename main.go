package main

import (
	"log"

	"github.com/NotMugil/Inzx/cmd"
)

func main() {
	cmd.Execute()
	// If the command failed, Execute() has already called os.Exit(1).
	// Reaching here means the command completed (or the daemon shut down cleanly).
	log.Println("inzx finished.")
}
