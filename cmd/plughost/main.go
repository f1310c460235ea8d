package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"plughost/internal/app"
)

func main() {
	var (
		cfgPath string
		once    bool
		check   bool
		history int
		plugin  string
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (json or yaml)")
	flag.BoolVar(&once, "once", false, "run every plugin once, then exit")
	flag.BoolVar(&check, "check", false, "load the plugins directory, print a report and exit")
	flag.IntVar(&history, "history", 0, "print the last N journal records and exit")
	flag.StringVar(&plugin, "plugin", "", "filter -history by plugin identity")
	flag.Parse()

	a, err := app.New(app.Options{ConfigPath: cfgPath, Once: once})
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(app.ExitStartup)
	}

	// Signals are handled by the app so SIGINT and SIGTERM map to distinct codes.
	ctx := context.Background()
	switch {
	case check:
		os.Exit(a.Check(ctx, os.Stdout))
	case history > 0:
		os.Exit(a.History(ctx, os.Stdout, plugin, history))
	default:
		os.Exit(a.Run(ctx))
	}
}
