package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"nexa/internal/infra/config"
	"nexa/internal/infra/logger"
	"nexa/internal/infra/metrics"
	"nexa/internal/infra/tracer"
)

func main() {
	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "--help", "-h", "help":
		showUsage()
	case "serve":
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
	case "doctor":
		if err := runDoctor(); err != nil {
			fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
			os.Exit(1)
		}
	case "encrypt":
		if err := runEncrypt(); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'nexa --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`nexa - agent routing and tool composition service

USAGE:
    nexa [COMMAND] [FLAGS]

COMMANDS:
    serve       Run the HTTP server (default)
    doctor      Run health checks on your setup
    encrypt     Encrypt a secret read from stdin with NEXA_CONFIG_KEY

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: NEXA_* variables override config`)
}

// configPath returns the --config flag value, NEXA_CONFIG, or config.yaml.
func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("NEXA_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func run() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer closeLog()
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(tctx); err != nil {
			log.Warn("tracer shutdown", "error", err)
		}
	}()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	app, err := buildApp(ctx, cfg, m, log)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.server.Start(ctx); err != nil {
		return err
	}
	log.Info("nexa ready", "addr", app.server.BoundAddr(), "session_store", cfg.SessionStore.Backend)

	<-ctx.Done()
	log.Info("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := app.server.Shutdown(sctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Error("http shutdown", "error", err)
	}
	// Completed turns may still be persisting.
	app.turns.Wait()
	return nil
}

// runEncrypt prints the encrypted form of one line read from stdin, for use
// as an "enc:" value in config.yaml.
func runEncrypt() error {
	passphrase := os.Getenv("NEXA_CONFIG_KEY")
	if passphrase == "" {
		return errors.New("NEXA_CONFIG_KEY is not set")
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("read secret: %w", err)
	}
	out, err := config.EncryptValue(strings.TrimRight(line, "\r\n"), passphrase)
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}
