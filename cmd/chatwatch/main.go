// CLAUDE:SUMMARY CLI entry point for chatwatch: live Chrome mode, one-shot offline HTML mode, chi control API with optional MCP.
// Command chatwatch extracts chat messages and unread markers from a
// messaging web page.
//
// Usage:
//
//	chatwatch -config chatwatch.yaml               # watch page.url in Chrome
//	chatwatch -config chatwatch.yaml -http :8790   # same, with the control API
//	chatwatch -html thread.html -diagnostics       # one-shot run over a saved page
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/chatwatch"
	"github.com/hazyhaar/chatwatch/dom"
)

const version = "0.1.0"

type options struct {
	configPath  string
	htmlPath    string
	pageURL     string
	httpAddr    string
	dbPath      string
	profileID   string
	wait        time.Duration
	diagnostics bool
}

func main() {
	var o options
	flag.StringVar(&o.configPath, "config", "", "path to chatwatch.yaml config file")
	flag.StringVar(&o.htmlPath, "html", "", "run once over a saved HTML page and exit")
	flag.StringVar(&o.pageURL, "url", "", "page URL (live mode: overrides page.url; -html: used for variant detection)")
	flag.StringVar(&o.httpAddr, "http", "", "control API listen address (overrides http.addr)")
	flag.StringVar(&o.dbPath, "db", "", "SQLite database path (overrides db.path)")
	flag.StringVar(&o.profileID, "profile", "", "force a strategy profile id")
	flag.DurationVar(&o.wait, "wait", 2*time.Second, "-html: time given to discovery before exiting")
	flag.BoolVar(&o.diagnostics, "diagnostics", false, "-html: print a diagnostics snapshot on exit")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, o); err != nil {
		logger.Error("chatwatch: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, o options) error {
	cfg := chatwatch.DefaultConfig()
	if o.configPath != "" {
		var err error
		if cfg, err = chatwatch.LoadConfigFile(o.configPath); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}
	if o.pageURL != "" {
		cfg.Page.URL = o.pageURL
	}
	if o.httpAddr != "" {
		cfg.HTTP.Addr = o.httpAddr
	}
	if o.dbPath != "" {
		cfg.DB.Path = o.dbPath
	}
	if o.profileID != "" {
		cfg.Engine.ProfileID = o.profileID
	}

	if o.htmlPath != "" {
		return runOffline(ctx, logger, cfg, o)
	}
	if cfg.Page.URL == "" {
		fmt.Fprintln(os.Stderr, "usage: chatwatch -config <file> | -url <url> | -html <file>")
		os.Exit(2)
	}
	return runLive(ctx, logger, cfg)
}

func runLive(ctx context.Context, logger *slog.Logger, cfg *chatwatch.Config) error {
	live, err := chatwatch.StartLive(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer live.Close()

	e, err := chatwatch.New(cfg, chatwatch.WithLogger(logger), chatwatch.WithLive(live))
	if err != nil {
		return err
	}
	if err := e.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer e.Stop()

	if cfg.HTTP.Addr == "" {
		<-ctx.Done()
		return nil
	}
	return serve(ctx, logger, e, cfg.HTTP)
}

// runOffline watches a saved page. Presence stays off: there is no page
// to click in.
func runOffline(ctx context.Context, logger *slog.Logger, cfg *chatwatch.Config, o options) error {
	f, err := os.Open(o.htmlPath)
	if err != nil {
		return err
	}
	doc, err := dom.Parse(f, dom.WithURL(cfg.Page.URL))
	f.Close()
	if err != nil {
		return err
	}
	cfg.Presence.Enabled = false

	e, err := chatwatch.New(cfg, chatwatch.WithLogger(logger), chatwatch.WithDocument(doc))
	if err != nil {
		return err
	}
	if err := e.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(o.wait):
	}

	if o.diagnostics {
		d, err := e.Diagnostics(context.Background())
		if err != nil {
			logger.Warn("chatwatch: diagnostics", "error", err)
		} else {
			data, _ := json.Marshal(d)
			os.Stdout.Write(data)
			os.Stdout.Write([]byte("\n"))
		}
	}
	return e.Stop()
}

func serve(ctx context.Context, logger *slog.Logger, e *chatwatch.Engine, hc chatwatch.HTTPConfig) error {
	srv := &http.Server{
		Addr:              hc.Addr,
		Handler:           newRouter(ctx, logger, e, hc),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("chatwatch: control API starting", "addr", hc.Addr, "mcp", hc.MCP)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		return fmt.Errorf("control API: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("chatwatch: control API shutdown", "error", err)
	}
	logger.Info("chatwatch: control API stopped")
	return nil
}
