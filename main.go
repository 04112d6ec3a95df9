package main

import "github.com/stephnangue/tally/cmd"

func main() {
	cmd.Execute()
}
