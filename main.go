package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iwangbowen/simple-scp/internal/config"
	"github.com/iwangbowen/simple-scp/internal/database"
	"github.com/iwangbowen/simple-scp/internal/handlers"
	"github.com/iwangbowen/simple-scp/internal/history"
	"github.com/iwangbowen/simple-scp/internal/hosts"
	"github.com/iwangbowen/simple-scp/internal/kvstore"
	"github.com/iwangbowen/simple-scp/internal/logging"
	"github.com/iwangbowen/simple-scp/internal/remote"
	"github.com/iwangbowen/simple-scp/internal/sshpool"
	"github.com/iwangbowen/simple-scp/internal/transfer"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--export-history":
			runCLICommand("export-history")
			return
		case "--import-history":
			runCLICommand("import-history")
			return
		}
	}

	config.Load()
	logging.Init()

	store, closeStore, err := openStore()
	if err != nil {
		log.Fatalf("Store init: %v", err)
	}
	defer closeStore()

	ctx := context.Background()

	hostMgr := hosts.NewManager(store)
	var seed *hosts.File
	if config.Cfg.HostsFile != "" {
		seed, err = hosts.LoadFile(config.Cfg.HostsFile)
		if err != nil {
			log.Fatalf("Hosts file: %v", err)
		}
		n, err := hostMgr.Seed(ctx, seed)
		if err != nil {
			log.Fatalf("Seed hosts: %v", err)
		}
		log.Printf("Seeded %d hosts from %s", n, config.Cfg.HostsFile)
	}
	creds := hosts.NewStaticCredentials(seed)

	if config.Cfg.KnownHostsFile == "" {
		log.Printf("WARNING: KNOWN_HOSTS_FILE not set; remote host keys are not verified")
	}
	pool := sshpool.New(&sshpool.SSHDialer{KnownHostsFile: config.Cfg.KnownHostsFile}, sshpool.Options{
		MaxSize:         config.Cfg.MaxPoolSize,
		IdleTimeout:     config.Cfg.IdleTimeout,
		CleanupInterval: config.Cfg.CleanupInterval,
		ConnectTimeout:  config.Cfg.ConnectTimeout,
		ConnectRate:     config.Cfg.ConnectRate,
		ConnectBurst:    config.Cfg.ConnectBurst,
	})
	log.Printf("Connection pool initialized (max=%d, idle_timeout=%s)", config.Cfg.MaxPoolSize, config.Cfg.IdleTimeout)

	hist, err := history.Initialize(ctx, store, history.Options{MaxSize: config.Cfg.MaxHistorySize})
	if err != nil {
		log.Fatalf("History init: %v", err)
	}

	tasks := transfer.NewManager()
	remoteSvc := remote.NewService(hostMgr, creds, pool, tasks, hist)

	handlers.Pool = pool
	handlers.History = hist
	handlers.Hosts = hostMgr
	handlers.Tasks = tasks
	handlers.Remote = remoteSvc

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", handlers.HealthCheck)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Connection pool
		r.Get("/pool", handlers.GetPoolStatus)
		r.Get("/pool/events", handlers.GetPoolEvents)
		r.Post("/pool/cleanup", handlers.CleanupPool)
		r.Delete("/pool/{hostId}", handlers.ClosePoolConnection)

		// Live pool, transfer and history updates
		r.Get("/events", handlers.EventStream)

		// Hosts and groups
		r.Get("/hosts", handlers.ListHosts)
		r.Post("/hosts", handlers.CreateHost)
		r.Get("/hosts/{id}", handlers.GetHost)
		r.Put("/hosts/{id}", handlers.UpdateHost)
		r.Delete("/hosts/{id}", handlers.DeleteHost)
		r.Put("/hosts/{id}/group", handlers.MoveHost)
		r.Get("/hosts/{id}/browse", handlers.BrowseRemote)

		r.Get("/groups", handlers.ListGroups)
		r.Post("/groups", handlers.CreateGroup)
		r.Put("/groups/{id}", handlers.UpdateGroup)
		r.Delete("/groups/{id}", handlers.DeleteGroup)

		// Transfers
		r.Get("/transfers", handlers.ListTransfers)
		r.Post("/transfers", handlers.StartTransfer)
		r.Get("/transfers/{id}", handlers.GetTransfer)
		r.Post("/transfers/{id}/cancel", handlers.CancelTransfer)

		// History
		r.Get("/history", handlers.ListHistory)
		r.Delete("/history", handlers.ClearHistory)
		r.Get("/history/recent", handlers.RecentHistory)
		r.Get("/history/stats", handlers.GetHistoryStats)
		r.Get("/history/export", handlers.ExportHistory)
		r.Post("/history/import", handlers.ImportHistory)
		r.Delete("/history/{id}", handlers.DeleteHistoryEntry)

		// Server logs
		r.Get("/server-logs", handlers.GetServerLogs)
		r.Delete("/server-logs", handlers.ClearServerLogs)
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}

	// In-flight transfers record their cancellation before the pool goes away.
	remoteSvc.Close()
	pool.CloseAll()
	hist.Dispose()
	log.Println("Server stopped")
}

// openStore selects the persistence backend for hosts and history.
func openStore() (kvstore.Store, func(), error) {
	switch config.Cfg.StoreBackend {
	case "sqlite":
		if err := database.Init(); err != nil {
			return nil, nil, err
		}
		log.Printf("Using SQLite store at %s", config.Cfg.DatabasePath)
		return database.NewSettingsStore(database.DB), func() { database.Close() }, nil
	case "redis":
		rs, err := kvstore.NewRedis(config.Cfg.RedisAddr, config.Cfg.RedisPassword, config.Cfg.RedisDB, config.Cfg.RedisPrefix)
		if err != nil {
			return nil, nil, err
		}
		log.Printf("Using Redis store at %s", config.Cfg.RedisAddr)
		return rs, func() { rs.Close() }, nil
	case "memory":
		log.Printf("WARNING: using in-memory store; hosts and history are lost on restart")
		return kvstore.NewMemory(), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", config.Cfg.StoreBackend)
}

func runCLICommand(command string) {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	file := fs.String("file", "", "History JSON file")
	fs.Parse(os.Args[2:])

	if *file == "" {
		fmt.Fprintf(os.Stderr, "Usage: simple-scp --%s --file <path>\n", command)
		os.Exit(1)
	}

	config.Load()
	store, closeStore, err := openStore()
	if err != nil {
		log.Fatalf("Store init: %v", err)
	}
	defer closeStore()

	ctx := context.Background()
	hist, err := history.Initialize(ctx, store, history.Options{MaxSize: config.Cfg.MaxHistorySize})
	if err != nil {
		log.Fatalf("History init: %v", err)
	}
	defer hist.Dispose()

	switch command {
	case "export-history":
		doc, err := hist.Export()
		if err != nil {
			log.Fatalf("Export failed: %v", err)
		}
		if err := os.WriteFile(*file, []byte(doc), 0o600); err != nil {
			log.Fatalf("Write %s: %v", *file, err)
		}
		fmt.Printf("Exported %d records to %s\n", len(hist.History()), *file)

	case "import-history":
		b, err := os.ReadFile(*file)
		if err != nil {
			log.Fatalf("Read %s: %v", *file, err)
		}
		if err := hist.Import(ctx, string(b)); err != nil {
			log.Fatalf("Import failed: %v", err)
		}
		fmt.Printf("History now holds %d records.\n", len(hist.History()))
	}
}
