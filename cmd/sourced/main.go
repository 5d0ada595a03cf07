// sourced - source-side backup agent
//
//	sourced run      Run one backup pass over the configured roots
//	sourced watch    Keep running passes as the roots change
//	sourced keygen   Generate signing and identity key material
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"filippo.io/age"

	"sourced/internal/config"
	"sourced/internal/keys"
	"sourced/internal/logging"
	"sourced/internal/platform"
	"sourced/internal/server"
	"sourced/internal/watcher"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch cmd := os.Args[1]; cmd {
	case "run":
		err = cmdRun(os.Args[2:])
	case "watch":
		err = cmdWatch(os.Args[2:])
	case "keygen":
		err = cmdKeygen(os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "sourced %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`sourced - source-side backup agent

USAGE:
    sourced <command> [options]

COMMANDS:
    run       Run one full pass: scan the roots, send changed files
    watch     Run passes continuously as the roots change
    keygen    Generate signing key and age identity in the data dir
    help      Show this help message

OPTIONS (run, watch, keygen):
    -config <path>    Config file (default: ` + config.DefaultPath() + `)

Environment overrides: SOURCED_BROKER_URL, SOURCED_TOKEN, SOURCED_DATA_DIR.`)
}

// setup loads the config, prepares logging, and secures the data
// directory. Shared by every subcommand.
func setup(args []string, cmd string) (*config.Config, *slog.Logger, error) {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	configPath := fs.String("config", config.DefaultPath(), "config file path")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, nil, err
	}

	log, err := logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format, "sourced")
	if err != nil {
		return nil, nil, err
	}

	if err := platform.PrivateDirectory(cfg.Backup.DataDir); err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func cmdRun(args []string) error {
	cfg, log, err := setup(args, "run")
	if err != nil {
		return err
	}

	lock, err := platform.AcquireLock(cfg.Backup.DataDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runPass(ctx, cfg, log)
}

func cmdWatch(args []string) error {
	cfg, log, err := setup(args, "watch")
	if err != nil {
		return err
	}

	lock, err := platform.AcquireLock(cfg.Backup.DataDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	debounce := time.Duration(cfg.Backup.DebounceMs) * time.Millisecond
	w, err := watcher.New(cfg.Backup.Roots, debounce)
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Start(); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer w.Stop()

	// An initial pass picks up whatever changed while the agent was
	// down; afterwards each debounced change burst triggers another.
	if err := runPass(ctx, cfg, log); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return nil
		case err := <-w.Errors():
			log.Error("watch error", "error", err)
		case <-w.Triggers():
			if err := runPass(ctx, cfg, log); err != nil {
				return err
			}
		}
	}
}

// runPass builds a server and runs exactly one pass. Each pass owns
// its store and peer connection from open to shutdown.
func runPass(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	sourceKey, err := loadKeys(cfg)
	if err != nil {
		return err
	}

	srv, err := server.NewBuilder().
		Settings(cfg).
		Crypto(keys.SystemRandom{}, sourceKey).
		Logger(log.With("component", "server")).
		Build(ctx)
	if err != nil {
		return err
	}
	return srv.Serve(ctx)
}

func cmdKeygen(args []string) error {
	cfg, log, err := setup(args, "keygen")
	if err != nil {
		return err
	}

	publicKey, err := keys.GenerateIdentity(cfg.Backup.DataDir)
	if err != nil {
		return err
	}
	log.Info("generated key material", "dir", cfg.Backup.DataDir)
	fmt.Printf("age public key: %s\n", publicKey)
	return nil
}

// loadKeys assembles the source's key set from the configured paths.
func loadKeys(cfg *config.Config) (*keys.Keys, error) {
	signingPath := cfg.Keys.SigningKey
	if signingPath == "" {
		signingPath = filepath.Join(cfg.Backup.DataDir, "signing.key")
	}
	signing, err := keys.LoadSigningKey(signingPath)
	if err != nil {
		return nil, err
	}

	var recipient age.Recipient
	switch {
	case cfg.Keys.Recipient != "":
		recipient, err = keys.ParseRecipient(cfg.Keys.Recipient)
	case cfg.Keys.RecipientFile != "":
		recipient, err = keys.LoadRecipient(cfg.Keys.RecipientFile)
	default:
		return nil, fmt.Errorf("no sink recipient configured (keys.recipient or keys.recipient_file)")
	}
	if err != nil {
		return nil, err
	}

	return keys.New(signing, recipient), nil
}
