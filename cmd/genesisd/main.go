package main

import (
	"log"

	"github.com/tzsexpertacademy/genesis-fresh-start-system-sub000/cmd/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
