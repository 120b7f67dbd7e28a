package main

import (
	"fmt"
	"os"

	"github.com/joshp123/moenhome/internal/config"
)

// version is set at link time.
var version = "dev"

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		serveMain(nil)
		return
	}

	switch args[0] {
	case "serve":
		serveMain(args[1:])
	case "auth":
		authMain(args[1:])
	case "version":
		fmt.Println(version)
	case "-h", "--help", "help":
		usage()
	default:
		if len(args[0]) > 0 && args[0][0] == '-' {
			serveMain(args)
			return
		}
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Println("moenhome [command] [args]")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  serve [--config <path>]   run the gRPC, HTTP and MQTT surfaces (default)")
	fmt.Println("  auth <command>            log in or persist token state")
	fmt.Println("  version                   print the build version")
}

func defaultConfigPath() string {
	if path := os.Getenv("MOENHOME_CONFIG"); path != "" {
		return path
	}
	return config.DefaultPath
}

func fatal(action string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", action, err)
	os.Exit(1)
}
