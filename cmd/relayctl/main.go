package main

import (
	"log"

	"github.com/scribeworks/minuterelay/cmd/relayctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
