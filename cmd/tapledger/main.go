// tapledger - authoritative economy backend for a tap-to-earn game
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ernie/tapledger/internal/api"
	"github.com/ernie/tapledger/internal/auth"
	"github.com/ernie/tapledger/internal/config"
	"github.com/ernie/tapledger/internal/events"
	"github.com/ernie/tapledger/internal/ledger"
	"github.com/ernie/tapledger/internal/storage"
	"github.com/klauspost/compress/gzhttp"
	flag "github.com/spf13/pflag"
)

var version = "dev"

const defaultConfigPath = "/etc/tapledger/config.yml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		cmdInit(os.Args[2:])
	case "serve":
		cmdServe(os.Args[2:])
	case "admin":
		cmdAdmin(os.Args[2:])
	case "accounts":
		cmdAccounts(os.Args[2:])
	case "sign-init":
		cmdSignInit(os.Args[2:])
	case "version":
		fmt.Printf("tapledger %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: tapledger <command> [options] [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  init [--force]                      Write a default configuration file")
	fmt.Println("  serve                               Start the ledger server")
	fmt.Println("  admin add [--admin] <username>      Add an operator (prompts for password)")
	fmt.Println("  admin remove <username>             Remove an operator")
	fmt.Println("  admin list                          List operators")
	fmt.Println("  admin reset <username>              Reset an operator's password")
	fmt.Println("  accounts list [--limit N] [--offset N]")
	fmt.Println("                                      List accounts by most recent sync")
	fmt.Println("  accounts show <id>                  Show one account with its invitees")
	fmt.Println("  accounts ban <id>                   Ban an account")
	fmt.Println("  accounts unban <id>                 Lift a ban")
	fmt.Println("  accounts adjust <id> <delta> [--set]")
	fmt.Println("                                      Add delta to (or set) an account balance")
	fmt.Println("  accounts delete [--yes] <id>        Delete an account")
	fmt.Println("  sign-init <account-id>              Print signed init data for manual testing")
	fmt.Println("  version                             Show version")
	fmt.Println("  help                                Show this help")
	fmt.Println()
	fmt.Println("Global Options:")
	fmt.Println("  --config <path>    Path to configuration file (default /etc/tapledger/config.yml)")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  sudo tapledger init")
	fmt.Println("  tapledger serve --config /etc/tapledger/config.yml")
	fmt.Println("  tapledger admin add --admin ops")
	fmt.Println("  tapledger accounts adjust 123456789 -- -250")
}

// openStore connects to the backend selected by the config
func openStore(ctx context.Context, cfg *config.Config) (*storage.Store, error) {
	if cfg.Database.Driver == "postgres" {
		return storage.Open(ctx, storage.DialectPostgres, cfg.Database.DSN)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	return storage.Open(ctx, storage.DialectSQLite, cfg.Database.Path)
}

// ledgerOptions translates the config policy switches
func ledgerOptions(cfg config.LedgerConfig) ledger.Options {
	opts := ledger.DefaultOptions()
	opts.AdoptUnfencedSessions = cfg.AdoptsUnfencedSessions()
	opts.CreditReferrerCumulative = cfg.CreditsReferrerCumulative()
	opts.CommissionOnTop = cfg.CommissionOnTop
	opts.MaxCommitAttempts = cfg.MaxCommitAttempts
	return opts
}

// connectEvents wires the bus to NATS when configured. Failures degrade to
// in-process delivery only.
func connectEvents(bus *events.Bus, cfg config.EventsConfig, host string) {
	url := cfg.NATSURL
	if cfg.EmbeddedNATS {
		clientURL, err := bus.StartEmbeddedNATS(host, cfg.NATSPort)
		if err != nil {
			log.Printf("Warning: embedded NATS failed to start: %v", err)
			return
		}
		log.Printf("Embedded NATS listening at %s", clientURL)
		if url == "" {
			url = clientURL
		}
	}
	if url == "" {
		return
	}
	if err := bus.ConnectNATS(url, cfg.SubjectPrefix); err != nil {
		log.Printf("Warning: %v; ledger events stay in-process", err)
		return
	}
	log.Printf("Publishing ledger events to %s under %s.ledger.*", url, cfg.SubjectPrefix)
}

// cmdServe starts the ledger server
func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	cfgPath := *configPath
	if cfgPath == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			cfgPath = defaultConfigPath
		} else {
			log.Fatalf("No config file found at %s. Use --config to specify a config file.", defaultConfigPath)
		}
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("tapledger %s starting...", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()
	log.Printf("Database initialized (%s)", store.Dialect())

	bus := events.NewBus()
	defer bus.Close()
	connectEvents(bus, cfg.Events, cfg.Server.ListenAddr)

	verifier := auth.NewVerifier(cfg.Auth.BotToken, cfg.Auth.MaxInitDataAge)
	svc := ledger.NewService(store, verifier, bus, ledgerOptions(cfg.Ledger))

	authService := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenDuration)
	if cfg.Auth.JWTSecret == "" {
		log.Printf("Warning: No JWT secret configured. Admin tokens will use an empty secret.")
	}

	router := api.NewRouter(store, svc, bus, authService, cfg.Server.RateLimit, cfg.Server.RateBurst)
	router.StartFeed()

	// The live feed upgrades the connection, so it bypasses compression
	compressed := gzhttp.GzipHandler(router)
	handler := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/ws" {
			router.ServeHTTP(w, req)
			return
		}
		compressed.ServeHTTP(w, req)
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.ListenAddr, cfg.Server.HTTPPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("HTTP server listening on %s", addr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, shutting down...", sig)
	case err := <-serverErr:
		log.Fatalf("HTTP server error: %v", err)
	}

	// Sequential shutdown: stop accepting requests, then the feed, then the bus
	log.Println("Shutting down HTTP server...")
	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := server.Shutdown(httpCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	log.Println("Stopping ledger feed...")
	router.Shutdown()

	cancel()
	log.Println("Shutdown complete")
}

// cmdInit writes a default configuration with a fresh JWT secret
func cmdInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to write the configuration file")
	force := fs.Bool("force", false, "overwrite an existing configuration file")
	fs.Parse(args)

	if _, err := os.Stat(*configPath); err == nil && !*force {
		fmt.Printf("tapledger is already initialized (%s exists).\n", *configPath)
		fmt.Println("To re-initialize, remove the config file first or pass --force.")
		return
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		fmt.Fprintf(os.Stderr, "Error generating JWT secret: %v\n", err)
		os.Exit(1)
	}

	cfg := config.Default()
	cfg.Auth.JWTSecret = hex.EncodeToString(secret)
	cfg.Auth.MaxInitDataAge = 24 * time.Hour
	if err := config.Save(*configPath, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config: %s\n", *configPath)

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create %s: %v\n", filepath.Dir(cfg.Database.Path), err)
	} else {
		fmt.Printf("Directory: %s\n", filepath.Dir(cfg.Database.Path))
	}

	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Printf("  1. Set auth.bot_token in %s\n", *configPath)
	fmt.Println("  2. Create an operator: tapledger admin add --admin <username>")
	fmt.Println("  3. Start the server: tapledger serve")
}
