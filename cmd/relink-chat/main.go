package main

import (
	"log"

	"relink/internal/cli"
)

func main() {
	root := cli.NewRootCmd()
	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}
