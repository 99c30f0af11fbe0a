package main

import "github.com/example/tourbook/cmd"

func main() {
	cmd.Execute()
}
