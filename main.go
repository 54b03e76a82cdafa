package main

import "github.com/drgolem/asciiterm/cmd"

func main() {
	cmd.Execute()
}
