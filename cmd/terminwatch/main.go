package main

import "github.com/example/termin-watch/cmd"

func main() {
	cmd.Execute()
}
