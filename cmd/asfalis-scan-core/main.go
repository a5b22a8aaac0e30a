// Command asfalis-scan-core runs the scan orchestration core's CLI.
package main

import "github.com/Kousthubh-Veturi/asfalis-scan-core/cmd"

func main() {
	cmd.Execute()
}
