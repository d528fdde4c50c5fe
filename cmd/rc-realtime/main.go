// Package main is the rc-realtime entry point (HTTP + WebSocket notification fabric).
package main

import (
	"log"

	"github.com/crystal-devs/rc-realtime/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
