package main

import (
	"fmt"
	"os"
)

const usage = `usage: flowcanvas <command> [flags]

commands:
  serve            start the panel API (and the MCP stdio server when enabled)
  run <file>       execute a workflow JSON file and print the final state
  install          write ~/.flowcanvas/settings.json and reload a running server
  version          print the version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "serve":
		os.Exit(runServe())
	case "run":
		os.Exit(runRun(args))
	case "install":
		runInstall(args)
	case "version", "--version", "-v":
		printVersion()
	case "help", "--help", "-h":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
}
