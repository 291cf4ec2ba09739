package main

import (
	"fmt"
	"os"

	"github.com/rolledback/onedrive-sync/internal/provider"
	"github.com/rolledback/onedrive-sync/internal/provider/dryrun"
	"github.com/rolledback/onedrive-sync/internal/provider/onedrive"
)

var version = "dev"

func main() {
	registry := provider.NewRegistry()
	registry.Register(provider.ModeLive, onedrive.Factory)
	registry.Register(provider.ModeDryRun, dryrun.Factory)
	registry.Register(provider.ModeOffline, dryrun.OfflineFactory)

	app := newApp(registry)
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "onedrive-sync: %v\n", err)
		os.Exit(1)
	}
}
