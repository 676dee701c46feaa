// Long-running surfaces: the web UI and the MCP server.

package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/richinex/tally/gate"
	"github.com/richinex/tally/mcp"
	"github.com/richinex/tally/tools"
	"github.com/richinex/tally/web"
	"golang.org/x/sync/errgroup"
)

const readHeaderTimeout = 10 * time.Second

// Serve runs the web UI until SIGINT or SIGTERM, then shuts down gracefully.
// An empty addr uses TALLY_ADDR.
func Serve(ctx context.Context, addr string, opts Options) error {
	app, err := Bootstrap(ctx, opts)
	if err != nil {
		return err
	}
	defer app.Close()

	if addr == "" {
		addr = app.Settings.Server.Addr
	}

	g := gate.New(gate.Credentials{Username: app.Settings.Auth.Username, Password: app.Settings.Auth.Password})
	if g.UsesDefaults() {
		app.Logger.Warn("login accepts the default credentials; set TALLY_USERNAME and TALLY_PASSWORD")
	}

	srv, err := web.New(g, app.Facade, app.Logger)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		app.Logger.Info("serving", app.Logger.Args("addr", addr, "script", app.DB.Source()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		app.Logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.Settings.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down: %w", err)
		}
		return nil
	})

	return group.Wait()
}

// ServeMCP serves the database tools to MCP clients over stdio. No API key
// is needed. Logs go to stderr because stdout carries the protocol.
func ServeMCP(ctx context.Context, opts Options) error {
	settings, err := loadSettings(opts)
	if err != nil {
		return err
	}
	logger, err := newLogger(settings, os.Stderr)
	if err != nil {
		return err
	}

	db, err := openDatabase(ctx, settings, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	toolConfig := tools.ToolConfig{
		AttemptTimeout: settings.Agent.ToolTimeout,
		MaxRetries:     settings.Agent.ToolMaxRetries,
	}
	return mcp.NewServer(db, Version, toolConfig, logger).Run(ctx)
}

// PrintMCPConfig writes the client configuration that launches this binary
// as an MCP server. With configPath, the entry is merged into that file's
// servers and the result is printed.
func PrintMCPConfig(configPath string, opts Options) error {
	settings, err := loadSettings(opts)
	if err != nil {
		return err
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate executable: %w", err)
	}
	script, err := filepath.Abs(settings.Data.Script)
	if err != nil {
		return fmt.Errorf("failed to resolve script path: %w", err)
	}

	cfg := mcp.ClientConfig(exe, script, settings.Data.Engine)
	if configPath != "" {
		existing, err := mcp.LoadConfig(configPath)
		if err != nil {
			return err
		}
		existing.Merge(cfg)
		cfg = *existing
	}

	data, err := cfg.JSON()
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}
