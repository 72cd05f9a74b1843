//go:build !test

package main

import (
	"log"

	"github.com/go-microvm/microvm/flag"
)

func main() {
	if err := flag.Parse(); err != nil {
		log.Fatal(err)
	}
}
