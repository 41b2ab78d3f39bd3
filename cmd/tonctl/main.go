package main

import (
	"log"

	"github.com/austindbirch/tonharbor/cmd/tonctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
