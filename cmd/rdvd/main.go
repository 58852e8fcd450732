package main

import (
	"github.com/criticalstack/rendezvous/cmd/rdvd/app"
	"github.com/criticalstack/rendezvous/pkg/log"
)

func main() {
	if err := app.NewCommand().Execute(); err != nil {
		log.Fatalf("%+v", err)
	}
}
