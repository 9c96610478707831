package main

import "batcher-core/cmd/batcher-cli/cmd"

func main() {
	cmd.Execute()
}
