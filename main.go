// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/petervdpas/meshroom/internal/app"
	"github.com/petervdpas/meshroom/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Meshroom v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "host":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "Error: host command requires a peer directory and a room id")
			fmt.Fprintln(os.Stderr, "Usage: meshroom host <peer-directory> <room-id>")
			os.Exit(1)
		}
		run(args[1], app.Options{RoomID: args[2]})

	case "join":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "Error: join command requires a peer directory and an invite token")
			fmt.Fprintln(os.Stderr, "Usage: meshroom join <peer-directory> <invite-token>")
			os.Exit(1)
		}
		run(args[1], app.Options{Invite: args[2]})

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func run(peerDirArg string, opt app.Options) {
	absDir, err := filepath.Abs(peerDirArg)
	if err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Peer directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, "meshroom.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Created default config at %s", cfgPath)
	}

	printBanner(absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	opt.PeerDir = absDir
	opt.CfgPath = cfgPath
	opt.Cfg = cfg
	if err := app.Run(ctx, opt); err != nil {
		log.Fatalf("Meshroom failed: %v", err)
	}
}

func printBanner(peerDir, cfgPath string, cfg config.Config) {
	fmt.Println("╔══════════════════════════════════════════╗")
	fmt.Println("║  Meshroom · peer-to-peer meeting rooms   ║")
	fmt.Println("╚══════════════════════════════════════════╝")
	fmt.Printf("  peer dir: %s\n", peerDir)
	fmt.Printf("  config:   %s\n", cfgPath)
	fmt.Printf("  username: %s\n", cfg.Profile.Username)
	if cfg.Bridge.HTTPAddr != "" {
		fmt.Printf("  bridge:   http://%s\n", cfg.Bridge.HTTPAddr)
	}
	fmt.Println()
}

func showUsage() {
	fmt.Println("Meshroom - peer-to-peer meeting rooms")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  meshroom host <directory> <room-id>    Create a room and host it")
	fmt.Println("  meshroom join <directory> <token>      Join a room with an invite token")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  -h          Show this help")
	fmt.Println("  -version    Show version")
}
