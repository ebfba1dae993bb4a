// cmd/comsrv/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"comsrv/internal/bus"
	"comsrv/internal/config"
	"comsrv/internal/dispatcher"
	"comsrv/internal/inventory"
	"comsrv/internal/lock"
	"comsrv/internal/server"
	"comsrv/internal/transport/serial"
	"comsrv/internal/utils"
)

// Application represents the relay process
type Application struct {
	config *config.Config
	logger *zap.Logger

	inventory  *inventory.Inventory
	locks      *lock.Manager
	bus        *bus.Bus
	dispatcher *dispatcher.Dispatcher
	server     *server.Server

	quit chan struct{}
}

func main() {
	flags := pflag.NewFlagSet("comsrv", pflag.ContinueOnError)
	flags.IntP("ws-port", "p", 5902, "WebSocket port to listen on")
	flags.IntP("http-port", "h", 5903, "HTTP port to listen on")
	verbose := flags.BoolP("verbose", "v", false, "enable verbose logging")
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: comsrv [-p <ws_port>] [-h <http_port>] [-v]")
		fmt.Fprintln(os.Stderr, "       comsrv ports")
		flags.PrintDefaults()
	}
	if err := flags.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if flags.NArg() > 0 && flags.Arg(0) == "ports" {
		if err := printSerialPorts(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to list serial ports: %v\n", err)
			os.Exit(1)
		}
		return
	}

	app, err := NewApplication(flags, *verbose)
	if err != nil {
		fmt.Printf("Failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Start(); err != nil {
		app.logger.Fatal("Failed to start application", zap.Error(err))
	}
}

// NewApplication creates a new application instance
func NewApplication(flags *pflag.FlagSet, verbose bool) (*Application, error) {
	cfg, err := config.Load(flags)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	app := &Application{
		config: cfg,
		logger: logger,
		quit:   make(chan struct{}, 1),
	}

	app.inventory = inventory.New(logger)
	app.locks = lock.NewManager(logger)
	app.bus = bus.New(logger)
	app.dispatcher = dispatcher.New(app.inventory, app.locks, app.bus, logger, dispatcher.Options{
		RequestTimeout: cfg.Dispatcher.RequestTimeout,
		DropGrace:      cfg.Dispatcher.DropGrace,
		OnShutdown: func() {
			select {
			case app.quit <- struct{}{}:
			default:
			}
		},
	})
	app.server = server.New(app.dispatcher, cfg, logger)

	logger.Info("Application initialized",
		zap.String("ws_address", cfg.GetWsAddr()),
		zap.String("http_address", cfg.GetHttpAddr()),
	)
	return app, nil
}

// Start runs the listeners and blocks until shutdown
func (app *Application) Start() error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- app.server.Run()
	}()

	app.waitForShutdown(errCh)
	return nil
}

// waitForShutdown waits for a shutdown signal, a Shutdown request or a
// fatal listener error, then performs graceful shutdown
func (app *Application) waitForShutdown(errCh <-chan error) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		app.logger.Info("Received shutdown signal", zap.String("signal", s.String()))
	case <-app.quit:
		app.logger.Info("Shutdown requested over RPC")
	case err := <-errCh:
		if err != nil {
			app.logger.Error("Listener failed", zap.Error(err))
			app.shutdown()
			os.Exit(1)
		}
	}
	app.shutdown()
}

// shutdown performs graceful shutdown: stop accepting requests, drop
// all instruments, flush logs
func (app *Application) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	app.server.Shutdown(ctx)
	app.inventory.DropAll(app.config.Dispatcher.DropGrace)

	app.logger.Info("Application shutdown completed")
	if err := utils.CloseLogger(app.logger); err != nil {
		fmt.Printf("Logger close error: %v\n", err)
	}
}

// printSerialPorts renders the detected serial ports as a table
func printSerialPorts() error {
	ports, err := serial.ListPorts()
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"#", "Port"})
	for i, port := range ports {
		table.Append([]string{fmt.Sprintf("%d", i+1), port})
	}
	table.Render()
	return nil
}
