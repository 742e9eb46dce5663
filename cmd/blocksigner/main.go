package main

import "github.com/onenameio/blockstore/cmd/blocksigner/cmd"

func main() {
	cmd.Execute()
}
