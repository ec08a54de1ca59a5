package main

import "github.com/steiger/concierge/cmd"

func main() {
	cmd.Execute()
}
