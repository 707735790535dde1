// vcli runs shell sessions in a background service and queues commands on
// them from scripts.
package main

import (
	"os"

	"vcli/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
