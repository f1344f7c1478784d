package main

import "github.com/mochi-ai/mochi-server/cmd"

func main() {
	cmd.Execute()
}
