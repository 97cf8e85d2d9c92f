// Package main is the entry point for the docwatch binary.
package main

import (
	"log"
	"os"

	"docwatch.dev/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}
