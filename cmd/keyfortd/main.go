package main

import (
	"log"

	"github.com/keyfort/keyfort"
)

func main() {
	app, err := keyfort.New()
	if err != nil {
		log.Fatalf("Failed to build application: %v", err)
	}
	app.Run()
}
