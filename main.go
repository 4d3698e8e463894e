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

	"github.com/rvdmeulen/huddle/internal/app"
	"github.com/rvdmeulen/huddle/internal/config"
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
		fmt.Printf("Huddle v%s\n", appVersion)
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

	switch command := args[0]; command {
	case "tracker":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: tracker command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: huddle tracker <directory>")
			os.Exit(1)
		}
		run(args[1], "tracker", app.RunTracker)

	case "peer":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: peer command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: huddle peer <directory>")
			os.Exit(1)
		}
		run(args[1], "peer", app.RunPeer)

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func run(dirArg, role string, runner func(context.Context, app.Options) error) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid %s directory: %v", role, err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Create %s directory: %v", role, err)
	}

	cfgPath := filepath.Join(absDir, "huddle.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Created default config at %s", cfgPath)
	}

	printBanner(role, absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := runner(ctx, app.Options{Dir: absDir, CfgPath: cfgPath, Cfg: cfg}); err != nil {
		log.Fatalf("%s failed: %v", role, err)
	}
}

func showUsage() {
	fmt.Println("Huddle - hybrid chat coordination")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  huddle tracker <directory>   Run the coordination tracker")
	fmt.Println("  huddle peer <directory>      Run a peer node")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  tracker <directory>")
	fmt.Println("        Run the central tracker from the specified directory")
	fmt.Println("        A default huddle.json is created if none exists")
	fmt.Println()
	fmt.Println("  peer <directory>")
	fmt.Println("        Run a peer node from the specified directory")
	fmt.Println("        Set identity.username in huddle.json and HUDDLE_PASSWORD in the")
	fmt.Println("        environment to log in as a registered user; otherwise the peer")
	fmt.Println("        starts a visitor session under identity.display_name")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Run a tracker")
	fmt.Println("  huddle tracker ./run/tracker")
	fmt.Println()
	fmt.Println("  # Run a peer against it")
	fmt.Println("  huddle peer ./run/alice")
}

func printBanner(role, dir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                     Huddle Runner                      ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Mode:           %s\n", role)
	fmt.Printf("Directory:      %s\n", dir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	fmt.Println()

	if role == "tracker" {
		fmt.Printf("Coordination:   %s:%d\n", cfg.Tracker.Bind, cfg.Tracker.Port)
		if cfg.Tracker.OpsPort > 0 {
			fmt.Println("┌─────────────────────────────────────────────────────┐")
			fmt.Printf("│ 📊 OPS MONITOR: http://%s:%d/api/health      │\n", cfg.Tracker.OpsBind, cfg.Tracker.OpsPort)
			fmt.Println("└─────────────────────────────────────────────────────┘")
		}
	} else {
		fmt.Printf("Tracker:        %s\n", cfg.Peer.TrackerAddr)
		if cfg.Identity.Username != "" {
			fmt.Printf("Identity:       %s\n", cfg.Identity.Username)
		} else {
			fmt.Printf("Identity:       visitor (%s)\n", cfg.Identity.DisplayName)
		}
	}
	fmt.Println()
}
