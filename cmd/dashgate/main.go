package main

import "github.com/jmcleod/dashgate/cmd/dashgate/cmd"

func main() {
	cmd.Execute()
}
