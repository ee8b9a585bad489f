package main

import (
	"fmt"
	"os"

	"walletd/internal/server"
)

func main() {
	role := "api"
	if len(os.Args) > 1 {
		role = os.Args[1]
	}
	server.ConfigLoad()
	switch role {
	case "api":
		server.ApiInit()
	case "watch":
		server.WatchInit()
	case "work":
		server.WorkInit()
	default:
		fmt.Println("usage: walletd [api|watch|work] [config.json]")
		os.Exit(2)
	}
}
