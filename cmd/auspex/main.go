package main

import (
	"log"

	"github.com/jpvargasdev/Auspex/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		log.Fatal(err)
	}
}
