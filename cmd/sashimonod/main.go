package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gadget78/sashimono/common/version"
	"github.com/gadget78/sashimono/internal/sashimono/app"
	"github.com/gadget78/sashimono/internal/sashimono/config"
)

func main() {
	fmt.Printf("Sashimono Contract Instance Agent\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	configPath := flag.String("config", "/etc/sashimono/sashimono.yaml", "path to the daemon's YAML configuration file")
	flag.Parse()

	cfg := config.Load(*configPath)

	sashimono, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize sashimono daemon: %v\n", err)
		os.Exit(1)
	}
	defer sashimono.Stop()

	if err := sashimono.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running sashimono daemon: %v\n", err)
		os.Exit(1)
	}
}
