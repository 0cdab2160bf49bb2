package cli

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/urfave/cli/v3"

	"github.com/tobert/tracelanes/internal/mcpserver"
	"github.com/tobert/tracelanes/internal/otlpreceiver"
	"github.com/tobert/tracelanes/internal/storage"
	"github.com/tobert/tracelanes/internal/webui"
)

// ServeCommand returns the CLI command definition for the 'serve' subcommand.
// This command starts the OTLP gRPC receiver and the MCP server.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the OTLP receiver and MCP server",
		Description: `Starts an OTLP gRPC receiver on localhost:0 (ephemeral port) and an
MCP server on stdio, or on streamable HTTP with --transport http. Traces
sent to the receiver, and snapshots or Collector JSONL found in file
sources, become span timelines the agent can read through MCP tools.

Settings are layered: defaults, ~/.config/tracelanes/config.json, the
nearest .tracelanes.json or .tracelanes.yaml, then --config, then flags.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Config file (JSON or YAML); skips project config discovery",
			},
			&cli.IntFlag{
				Name:  "span-buffer-size",
				Usage: "Number of OTLP spans to buffer",
				Value: storage.DefaultSpanCapacity,
			},
			&cli.IntFlag{
				Name:  "log-buffer-size",
				Usage: "Number of correlated OTLP log records to buffer",
				Value: storage.DefaultLogCapacity,
			},
			&cli.IntFlag{
				Name:  "snapshot-buffer-size",
				Usage: "Number of trace snapshots to keep in memory",
				Value: storage.DefaultSnapshotCapacity,
			},
			&cli.StringFlag{
				Name:  "otlp-host",
				Usage: "OTLP server bind address",
				Value: "127.0.0.1",
			},
			&cli.IntFlag{
				Name:  "otlp-port",
				Usage: "OTLP server port (0 for ephemeral)",
				Value: 0,
			},
			&cli.BoolFlag{
				Name:  "no-otlp",
				Usage: "Do not start the OTLP receiver; read traces from file sources only",
			},
			&cli.StringFlag{
				Name:  "transport",
				Usage: "MCP transport: stdio or http",
				Value: "stdio",
			},
			&cli.StringFlag{
				Name:  "http-host",
				Usage: "HTTP transport bind address",
				Value: "127.0.0.1",
			},
			&cli.IntFlag{
				Name:  "http-port",
				Usage: "HTTP transport port",
				Value: 4390,
			},
			&cli.BoolFlag{
				Name:  "stateless",
				Usage: "Run the HTTP transport without sessions",
			},
			&cli.IntFlag{
				Name:  "webui-port",
				Usage: "Serve the web UI on its own port (stdio) or a separate port (http); 0 shares the HTTP port",
			},
			&cli.StringSliceFlag{
				Name:    "file-source",
				Aliases: []string{"f"},
				Usage:   "Directory of *.trace.json snapshots or Collector *.jsonl to watch (repeatable)",
			},
			&cli.StringFlag{
				Name:  "otel-config",
				Usage: "OpenTelemetry Collector config; its file exporter directories become file sources",
			},
			&cli.BoolFlag{
				Name:  "active-only",
				Usage: "Read only traces.jsonl in file sources, skipping rotated archives",
			},
			&cli.StringFlag{
				Name:  "redis-addr",
				Usage: "Redis address for the trace archive (empty disables it)",
			},
			&cli.StringFlag{
				Name:    "redis-password",
				Usage:   "Redis password",
				Sources: cli.EnvVars("TRACELANES_REDIS_PASSWORD"),
			},
			&cli.IntFlag{
				Name:  "redis-db",
				Usage: "Redis database number",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable verbose logging",
			},
		},
		Action: runServe,
	}
}

// configFromFlags layers explicitly set flags over the effective config.
func configFromFlags(cmd *cli.Command) (*Config, error) {
	cfg, err := LoadEffectiveConfig(cmd.String("config"))
	if err != nil {
		return nil, err
	}

	flags := &Config{}
	if cmd.IsSet("span-buffer-size") {
		flags.SpanBufferSize = cmd.Int("span-buffer-size")
	}
	if cmd.IsSet("log-buffer-size") {
		flags.LogBufferSize = cmd.Int("log-buffer-size")
	}
	if cmd.IsSet("snapshot-buffer-size") {
		flags.SnapshotBufferSize = cmd.Int("snapshot-buffer-size")
	}
	if cmd.IsSet("otlp-host") {
		flags.OTLPHost = cmd.String("otlp-host")
	}
	if cmd.IsSet("otlp-port") {
		flags.OTLPPort = cmd.Int("otlp-port")
	}
	if cmd.IsSet("transport") {
		flags.Transport = cmd.String("transport")
	}
	if cmd.IsSet("http-host") {
		flags.HTTPHost = cmd.String("http-host")
	}
	if cmd.IsSet("http-port") {
		flags.HTTPPort = cmd.Int("http-port")
	}
	if cmd.IsSet("webui-port") {
		flags.WebUIPort = cmd.Int("webui-port")
	}
	if cmd.IsSet("otel-config") {
		flags.OtelConfig = cmd.String("otel-config")
	}
	if cmd.IsSet("redis-addr") {
		flags.RedisAddr = cmd.String("redis-addr")
	}
	if cmd.IsSet("redis-password") {
		flags.RedisPassword = cmd.String("redis-password")
	}
	if cmd.IsSet("redis-db") {
		flags.RedisDB = cmd.Int("redis-db")
	}
	flags.FileSources = cmd.StringSlice("file-source")
	flags.NoOTLP = cmd.Bool("no-otlp")
	flags.Stateless = cmd.Bool("stateless")
	flags.ActiveOnly = cmd.Bool("active-only")
	flags.Verbose = cmd.Bool("verbose")

	cfg = MergeConfigs(cfg, flags)
	if cfg.Transport != "stdio" && cfg.Transport != "http" {
		return nil, fmt.Errorf("unknown transport %q (want stdio or http)", cfg.Transport)
	}
	return cfg, nil
}

// runServe is the action handler for the serve command.
// It wires together all components: storage, OTLP receiver, file sources,
// the web UI, and the MCP server.
func runServe(cliCtx context.Context, cmd *cli.Command) error {
	cfg, err := configFromFlags(cmd)
	if err != nil {
		return err
	}

	if cfg.Verbose {
		log.Println("🔧 Configuration:")
		log.Printf("  Span buffer: %d spans\n", cfg.SpanBufferSize)
		log.Printf("  Log buffer: %d records\n", cfg.LogBufferSize)
		log.Printf("  Snapshot buffer: %d traces\n", cfg.SnapshotBufferSize)
		if cfg.NoOTLP {
			log.Println("  OTLP: disabled")
		} else {
			log.Printf("  OTLP bind: %s:%d\n", cfg.OTLPHost, cfg.OTLPPort)
		}
		log.Printf("  Transport: %s\n", cfg.Transport)
		if cfg.RedisAddr != "" {
			log.Printf("  Archive: redis at %s\n", cfg.RedisAddr)
		}
		log.Println()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Create the trace store, with an archive if configured
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	// 2. Create and start OTLP gRPC receiver
	var otlpServer *otlpreceiver.Server
	otlpErrChan := make(chan error, 1)
	if !cfg.NoOTLP {
		otlpServer, err = otlpreceiver.NewServer(
			otlpreceiver.Config{
				Host:           cfg.OTLPHost,
				Port:           cfg.OTLPPort,
				MaxRecvMsgSize: cfg.OTLPMaxRecv,
				Logs:           store,
			},
			store,
		)
		if err != nil {
			return fmt.Errorf("failed to create OTLP server: %w", err)
		}
		go func() {
			otlpErrChan <- otlpServer.Start(ctx)
		}()
		defer otlpServer.Stop()

		endpoint := otlpServer.Endpoint()
		log.Printf("🌐 OTLP gRPC server listening on %s\n", endpoint)
		if cfg.Verbose {
			log.Printf("   Programs can send traces with: OTEL_EXPORTER_OTLP_ENDPOINT=http://%s\n", endpoint)
			log.Printf("   Log records with a trace id sent to the same endpoint appear on their request's lane\n")
		}
	}

	// 3. Create MCP server
	mcpServer, err := mcpserver.NewServer(store, otlpServer, mcpserver.ServerOptions{Verbose: cfg.Verbose})
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	// 4. Start file sources
	startFileSources(ctx, cfg, mcpServer)

	// 5. Setup graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			if cfg.Verbose {
				log.Printf("📡 Received signal %v, initiating graceful shutdown...\n", sig)
			}
			cancel()
		case <-ctx.Done():
		}
	}()

	ui := webui.New(store)

	if cfg.Transport == "http" {
		return runHTTPTransport(ctx, cfg, mcpServer, ui, otlpErrChan)
	}

	// Stdio: the web UI only runs when given its own port
	if cfg.WebUIPort > 0 {
		addr := fmt.Sprintf("%s:%d", cfg.WebUIHost, cfg.WebUIPort)
		go func() {
			if err := ui.ListenAndServe(ctx, addr); err != nil {
				log.Printf("⚠️  Web UI stopped: %v\n", err)
			}
		}()
		log.Printf("🖥️  Web UI at http://%s/ui/\n", addr)
	}

	// 6. Run MCP server on stdio (blocks until stdin closes or context cancelled)
	log.Println("🎯 MCP server ready on stdio")
	log.Println("💡 Use MCP tools to list traces and read their timelines")
	log.Println()

	if err := mcpServer.Run(ctx); err != nil {
		// Check if OTLP server had an error
		select {
		case otlpErr := <-otlpErrChan:
			if otlpErr != nil {
				return fmt.Errorf("OTLP server error: %w", otlpErr)
			}
		default:
		}

		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}

// openStore creates the trace store, connecting the Redis archive when
// an address is configured.
func openStore(ctx context.Context, cfg *Config) (*storage.TraceStore, error) {
	opts := storage.Options{
		SpanCapacity:     cfg.SpanBufferSize,
		LogCapacity:      cfg.LogBufferSize,
		SnapshotCapacity: cfg.SnapshotBufferSize,
	}

	rc, ok, err := cfg.RedisConfig()
	if err != nil {
		return nil, err
	}
	if ok {
		connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		archive, err := storage.ConnectRedis(connectCtx, rc)
		if err != nil {
			return nil, fmt.Errorf("failed to open trace archive: %w", err)
		}
		opts.Archive = archive
		log.Printf("🗄️  Archiving traces to redis at %s\n", rc.Addr)
	}

	store := storage.NewTraceStore(opts)
	if cfg.Verbose {
		log.Printf("✅ Created trace store (capacity: %d spans, %d snapshots)\n",
			opts.SpanCapacity, opts.SnapshotCapacity)
	}
	return store, nil
}

// startFileSources watches every configured directory, plus the file
// exporter directories of the Collector config. Failures are logged and
// skipped so one bad directory does not stop the server.
func startFileSources(ctx context.Context, cfg *Config, srv *mcpserver.Server) {
	dirs := cfg.FileSources
	if cfg.OtelConfig != "" {
		found, err := ParseOtelConfig(cfg.OtelConfig)
		if err != nil {
			log.Printf("⚠️  %v\n", err)
		}
		for _, dir := range found {
			log.Printf("🔎 Collector file exporter directory: %s\n", dir)
		}
		dirs = append(dirs, found...)
	}

	for _, dir := range dirs {
		if err := srv.AddFileSource(ctx, dir, cfg.ActiveOnly); err != nil {
			log.Printf("⚠️  File source %s: %v\n", dir, err)
			continue
		}
		log.Printf("📁 Watching %s\n", dir)
	}
}

// runHTTPTransport serves MCP over streamable HTTP at /mcp, with the web UI
// on the same listener unless it has a port of its own.
func runHTTPTransport(ctx context.Context, cfg *Config, srv *mcpserver.Server, ui *webui.Server, otlpErrChan chan error) error {
	handler := mcp.NewStreamableHTTPHandler(
		func(*http.Request) *mcp.Server { return srv.MCPServer() },
		&mcp.StreamableHTTPOptions{Stateless: cfg.Stateless},
	)

	mux := http.NewServeMux()
	mux.Handle("/mcp", checkOrigin(cfg.AllowedOrigins, handler))

	if cfg.WebUIPort > 0 && cfg.WebUIPort != cfg.HTTPPort {
		addr := fmt.Sprintf("%s:%d", cfg.WebUIHost, cfg.WebUIPort)
		go func() {
			if err := ui.ListenAndServe(ctx, addr); err != nil {
				log.Printf("⚠️  Web UI stopped: %v\n", err)
			}
		}()
		log.Printf("🖥️  Web UI at http://%s/ui/\n", addr)
	} else {
		ui.RegisterRoutes(mux)
		log.Printf("🖥️  Web UI at http://%s:%d/ui/\n", cfg.HTTPHost, cfg.HTTPPort)
	}

	addr := fmt.Sprintf("%s:%d", cfg.HTTPHost, cfg.HTTPPort)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	httpErrChan := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			httpErrChan <- err
		}
		close(httpErrChan)
	}()
	log.Printf("🎯 MCP server ready at http://%s/mcp\n", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown()
		return server.Shutdown(shutdownCtx)

	case err := <-httpErrChan:
		srv.Shutdown()
		if err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil

	case err := <-otlpErrChan:
		srv.Shutdown()
		if err != nil {
			return fmt.Errorf("OTLP receiver error: %w", err)
		}
		return nil
	}
}

// checkOrigin rejects browser requests whose Origin matches none of the
// allowed patterns. Requests without an Origin header pass.
func checkOrigin(allowed []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && !originAllowed(origin, allowed) {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// originAllowed matches origin against glob patterns such as
// "http://localhost:*".
func originAllowed(origin string, allowed []string) bool {
	for _, pattern := range allowed {
		if ok, err := path.Match(pattern, origin); err == nil && ok {
			return true
		}
	}
	return false
}
