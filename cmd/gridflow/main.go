package main

import (
	"fmt"
	"log/slog"
	"os"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("gridflow %s\n", version)
		return
	case "serve":
		err = runServe()
	case "run":
		err = runTicks(os.Args[2:])
	case "submit":
		err = runSubmit(os.Args[2:])
	case "tick":
		err = runTrigger(os.Args[2:])
	case "export":
		err = runExport(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		slog.Error(os.Args[1]+" failed", "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: gridflow <command>

Commands:
  serve      Run the grid with its tick cadence, intake, and web API
  run        Run ticks locally and print a summary (-n <ticks> | -until-quiescent)
  submit     Submit a work item to a running grid
  tick       Ask a running grid for an immediate tick
  export     Write the audit history to a zstd file (-f <out.jsonl.zst>)
  version    Print version
`)
}

// parseArgs collects "--key value" pairs. Anything else is ignored.
func parseArgs(args []string) map[string]string {
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" && i+1 < len(args) {
			result[args[i][2:]] = args[i+1]
			i++
		}
	}
	return result
}
