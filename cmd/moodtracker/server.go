package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/moodtracker/internal/api"
	"github.com/kalambet/moodtracker/internal/cacheproxy"
	"github.com/kalambet/moodtracker/internal/config"
	"github.com/kalambet/moodtracker/internal/offline"
	"github.com/kalambet/moodtracker/internal/remote"
	"github.com/kalambet/moodtracker/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the moodtracker server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running moodtracker server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connectivity, storage and cache status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "moodtracker.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "moodtracker version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	kc := config.NewKeychain()
	apiToken, err := config.GetAPIToken(kc)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("moodtracker is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("moodtracker is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A failed open is not fatal: the store retries on every call and the
	// API answers 503 until it succeeds.
	store := storage.New(cfg.Storage.DataDir, storage.WithQuota(int64(cfg.Storage.QuotaBytes)))
	if err := store.Init(ctx); err != nil {
		slog.Warn("storage unavailable at startup", "error", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	coordOpts := []offline.Option{
		offline.WithMaxAttempts(cfg.Sync.MaxAttempts),
		offline.WithPeriodicInterval(cfg.Sync.PeriodicInterval),
		offline.WithLogger(slog.Default().With("component", "offline")),
	}
	if cfg.Sync.RemoteURL != "" {
		rc := remote.NewClient(cfg.Sync.RemoteURL, config.GetSyncToken(kc))
		coordOpts = append(coordOpts,
			offline.WithPusher(rc),
			offline.WithProber(remote.NewProber(rc, cfg.Sync.ProbeInterval)),
		)
		slog.Info("sync remote configured", "url", cfg.Sync.RemoteURL)
	}
	coord := offline.New(store, coordOpts...)
	store.SetConnectivity(coord)
	defer coord.Close()

	var (
		cacheCtl api.CacheControl
		proxy    *cacheproxy.Proxy
	)
	if cfg.Proxy.OriginURL != "" {
		cache, err := cacheproxy.OpenSQLiteCache(ctx, filepath.Join(cfg.Storage.DataDir, "cache.db"))
		if err != nil {
			return fmt.Errorf("opening response cache: %w", err)
		}
		defer cache.Close()

		proxy, err = cacheproxy.New(cacheproxy.Config{
			OriginURL:         cfg.Proxy.OriginURL,
			Version:           cfg.Proxy.Version,
			CoreAssets:        cfg.Proxy.CoreAssets,
			ExternalAllowlist: cfg.Proxy.ExternalAllowlist,
			APIPrefixes:       cfg.Proxy.APIPrefixes,
			OfflinePage:       cfg.Proxy.OfflinePage,
			AutoActivate:      cfg.Proxy.AutoActivate,
		}, cache, coord)
		if err != nil {
			return fmt.Errorf("configuring caching proxy: %w", err)
		}
		defer proxy.Close()
		cacheCtl = proxy
	}

	appHandler := api.NewAppHandler(api.AppDeps{
		Store:       store,
		Coordinator: coord,
		Cache:       cacheCtl,
		Token:       apiToken,
		Logger:      slog.Default().With("component", "api"),
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if cfg.Server.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConns)
	}
	srv := &http.Server{
		Handler:           appHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	servers := []*http.Server{srv}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		coord.Run(gctx)
		return nil
	})

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "moodtracker listening on %s\n", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	if proxy != nil {
		proxyAddr := fmt.Sprintf("127.0.0.1:%d", cfg.Proxy.Port)
		proxySrv := &http.Server{
			Addr:              proxyAddr,
			Handler:           proxy.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		servers = append(servers, proxySrv)

		g.Go(func() error {
			if err := proxy.Install(gctx); err != nil {
				// The proxy keeps serving pass-through until a later install.
				slog.Error("cache install failed", "version", cfg.Proxy.Version, "error", err)
			}
			return nil
		})
		g.Go(func() error {
			fmt.Fprintf(os.Stderr, "caching proxy for %s listening on %s\n", cfg.Proxy.OriginURL, proxyAddr)
			if err := proxySrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("proxy server: %w", err)
			}
			return nil
		})
	}

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Store: store, Coordinator: coord, Cache: cacheCtl}, version)
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			fmt.Fprintln(os.Stderr, "shutting down...")
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, s := range servers {
			if err := s.Shutdown(shutdownCtx); err != nil {
				slog.Warn("server shutdown", "error", err)
			}
		}
		return nil
	})

	err = g.Wait()
	if proxy != nil {
		proxy.Flush()
	}
	return err
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("moodtracker is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop moodtracker (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to moodtracker (PID %d)", pid)
	return nil
}

type statusReport struct {
	Online  bool `json:"online"`
	Storage struct {
		storage.StorageStats
		Usage string `json:"usage"`
		Quota string `json:"quota"`
	} `json:"storage"`
	Cache *struct {
		Version       string `json:"version"`
		State         string `json:"state"`
		ActiveVersion string `json:"activeVersion"`
		Size          string `json:"size"`
	} `json:"cache,omitempty"`
}

func showStatus(ctx context.Context) error {
	client, err := newAPIClient()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	health, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
		return nil
	}
	health.Body.Close()
	if health.StatusCode != http.StatusOK {
		printStatus("Server", "error (HTTP %d)", health.StatusCode)
		return nil
	}
	printStatus("Server", "running at %s", client.baseURL)

	resp, err := client.get(ctx, "/status")
	if err != nil {
		return err
	}
	var st statusReport
	if err := decodeJSON(resp, &st); err != nil {
		return err
	}
	printStatusReport(st)
	return nil
}

func printStatusReport(st statusReport) {
	if st.Online {
		printStatus("Connectivity", "%s", colorize(colorGreen, "online"))
	} else {
		printStatus("Connectivity", "%s", colorize(colorYellow, "offline"))
	}
	printStatus("Entries", "%d (%d unsynced)", st.Storage.TotalEntries, st.Storage.UnsyncedCount)
	queue := fmt.Sprintf("%d pending", st.Storage.QueueLength)
	if st.Storage.DeadLetters > 0 {
		queue += ", " + colorize(colorRed, fmt.Sprintf("%d dead", st.Storage.DeadLetters))
	}
	printStatus("Queue", "%s", queue)
	printStatus("Storage", "%s of %s (%.1f%%)", st.Storage.Usage, st.Storage.Quota, st.Storage.PercentUsed)
	if st.Cache != nil {
		printStatus("Cache", "%s (%s), %s", st.Cache.Version, st.Cache.State, st.Cache.Size)
	} else {
		printStatus("Cache", "disabled")
	}
}
