// Command fedicored is the federation core's entrypoint, grounded on
// the teacher's main.go: parse flags, load configuration, construct
// and run the application, blocking until an interrupt signal.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/kodenet/fedicore/internal/app"
	"github.com/kodenet/fedicore/internal/config"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	versionFlag := flag.Bool("v", false, "print version information")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("fedicored v%s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	a := app.New(cfg)
	if err := a.Initialize(); err != nil {
		log.Fatalf("failed to initialize application: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		log.Fatalf("application error: %v", err)
	}
}
