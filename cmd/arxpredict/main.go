// Command arxpredict is the backend entry point for the confidential
// prediction market. It loads configuration, validates it, wires
// dependencies, sets up signal handling, and starts the application in the
// configured mode. The keygen and encrypt-key subcommands manage the
// cluster master key.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alanyoungcy/arxpredict/internal/app"
	"github.com/alanyoungcy/arxpredict/internal/config"
	"github.com/alanyoungcy/arxpredict/internal/crypto"
	"github.com/alanyoungcy/arxpredict/internal/mxe"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "keygen":
			exitOn(keygen(os.Args[2:]))
			return
		case "encrypt-key":
			exitOn(encryptKey(os.Args[2:]))
			return
		}
	}
	serve()
}

func serve() {
	configPath := flag.String("config", "config.toml", "path to configuration file (empty for defaults and environment only)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("arxpredict starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
	)
	logger.Debug("active configuration", slog.Any("config", config.RedactedConfig(cfg)))

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
		} else {
			logger.Error("application exited with error",
				slog.String("error", err.Error()),
			)
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			application.Close()
			os.Exit(1)
		}
	}

	logger.Info("arxpredict stopped")
}

// keygen prints a fresh master key and the cluster public key derived from
// it.
func keygen(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	keyID := fs.String("key-id", "mxe-1", "cluster key id")
	if err := fs.Parse(args); err != nil {
		return err
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	pub, err := publicKey(*keyID, key)
	if err != nil {
		return err
	}
	fmt.Printf("master_key = %q\npublic_key = %q\n", key, pub)
	return nil
}

// encryptKey writes the master key from ARXPREDICT_MXE_MASTER_KEY as a
// password-protected JSON file.
func encryptKey(args []string) error {
	fs := flag.NewFlagSet("encrypt-key", flag.ContinueOnError)
	out := fs.String("out", "mxe-key.json", "output path")
	keyID := fs.String("key-id", "mxe-1", "cluster key id")
	if err := fs.Parse(args); err != nil {
		return err
	}

	key := os.Getenv("ARXPREDICT_MXE_MASTER_KEY")
	password := os.Getenv("ARXPREDICT_MXE_KEY_PASSWORD")
	if key == "" || password == "" {
		return errors.New("encrypt-key: ARXPREDICT_MXE_MASTER_KEY and ARXPREDICT_MXE_KEY_PASSWORD must be set")
	}

	blob, err := crypto.EncryptKey(key, password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, blob, 0o600); err != nil {
		return fmt.Errorf("encrypt-key: write %s: %w", *out, err)
	}
	pub, err := publicKey(*keyID, key)
	if err != nil {
		return err
	}
	fmt.Printf("wrote %s\npublic_key = %q\n", *out, pub)
	return nil
}

func publicKey(keyID, keyHex string) (string, error) {
	master, err := crypto.LoadKey(crypto.KeyConfig{RawKey: keyHex})
	if err != nil {
		return "", err
	}
	exec, err := mxe.NewExecutor(keyID, master, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		return "", err
	}
	pub := exec.PublicKey()
	return hex.EncodeToString(pub[:]), nil
}

func exitOn(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
