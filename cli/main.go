package main

import "southwinds.dev/medvault/cli/cmd"

func main() {
	cmd.Execute()
}
