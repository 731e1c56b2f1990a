// Command crashcoredemo exercises the crashcore Orchestrator end-to-end
// against a real HTTP endpoint, without a host app or a real mobile
// runtime around it.
//
// Usage:
//
//	crashcoredemo -endpoint <url> [-base-dir <dir>] [-cache-dir <dir>] <command>
//
// Commands:
//
//	trigger-native-crash <0..4>   raise a fatal signal and let the native
//	                               handler capture and report it on the
//	                               next run
//	handle-managed-exception      report a synthetic managed exception
//	                               and wait for it to reach the endpoint
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/souleimagara/crashcore"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run is separated from main for testability; it never calls os.Exit
// itself.
func run(args []string) int {
	fs := flag.NewFlagSet("crashcoredemo", flag.ContinueOnError)
	endpoint := fs.String("endpoint", "http://localhost:8080", "crash ingestion endpoint")
	baseDir := fs.String("base-dir", "./crashcoredemo-data", "durable crash/startup state directory")
	cacheDir := fs.String("cache-dir", "./crashcoredemo-cache", "fingerprint store / disk-probe scratch directory")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprintln(os.Stderr, "usage: crashcoredemo [-endpoint url] [-base-dir dir] [-cache-dir dir] trigger-native-crash <0-4>|handle-managed-exception")
		return 2
	}

	orch := crashcore.New(*baseDir, *cacheDir)
	if err := orch.Initialize(*endpoint, true); err != nil {
		fmt.Fprintf(os.Stderr, "initialize: %v\n", err)
		return 1
	}
	defer orch.Shutdown()

	switch rest[0] {
	case "trigger-native-crash":
		if len(rest) != 2 {
			fmt.Fprintln(os.Stderr, "usage: crashcoredemo trigger-native-crash <0-4>")
			return 2
		}
		kind, err := strconv.Atoi(rest[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid kind %q: %v\n", rest[1], err)
			return 2
		}
		// this call does not return: the signal terminates the process,
		// and the trailer it leaves behind is recovered on the next run's
		// Initialize (step 5 of the startup sequence).
		if err := orch.TriggerNativeCrash(kind); err != nil {
			fmt.Fprintf(os.Stderr, "trigger-native-crash: %v\n", err)
			return 1
		}
		return 0

	case "handle-managed-exception":
		orch.HandleManagedException(
			"com.example.DemoError",
			"synthetic crash from crashcoredemo",
			"at Demo.run(Demo.java:1)",
			true,
			map[string]string{"source": "crashcoredemo"},
		)
		// HandleManagedException's send is best-effort and asynchronous;
		// give it a moment to reach the endpoint before the deferred
		// Shutdown flushes the rest and this process exits.
		time.Sleep(500 * time.Millisecond)
		return 0

	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", rest[0])
		return 2
	}
}
