package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/PortNumber53/media-discovery-thing/internal/dispatch"
	"github.com/PortNumber53/media-discovery-thing/internal/handlers"
	"github.com/PortNumber53/media-discovery-thing/internal/schedule"
	"github.com/PortNumber53/media-discovery-thing/internal/scrape"
	"github.com/PortNumber53/media-discovery-thing/internal/scrape/providers"
	"github.com/PortNumber53/media-discovery-thing/internal/store"
	"github.com/PortNumber53/media-discovery-thing/internal/workers"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/cors"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()
	if err := run(defaultDeps()); err != nil {
		log.Fatal(err)
	}
}

type deps struct {
	getenv         func(string) string
	openDB         func(driverName, dataSourceName string) (*sql.DB, error)
	migrateUp      func(db *sql.DB) error
	listenAndServe func(srv *http.Server) error
	notify         func(c chan<- os.Signal, sig ...os.Signal)
	stopCh         chan os.Signal
}

func defaultDeps() deps {
	return deps{
		getenv:         os.Getenv,
		openDB:         sql.Open,
		migrateUp:      migrateUp,
		listenAndServe: (*http.Server).ListenAndServe,
		notify:         signal.Notify,
	}
}

func migrateUp(db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("db is nil")
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("Failed to init migration driver: %w", err)
	}
	migrator, err := migrate.NewWithDatabaseInstance("file://db/migrations", "postgres", driver)
	if err != nil {
		return fmt.Errorf("Failed to create migrator: %w", err)
	}
	if err := migrator.Up(); err != nil && err != migrate.ErrNoChange {
		// If the DB is dirty, allow an opt-in forced recovery.
		// This is a common failure mode after an interrupted migration.
		if os.Getenv("MIGRATE_FORCE_DIRTY") != "" {
			v, dirty, verr := migrator.Version()
			if verr == nil && dirty {
				// Force to the current version (clears dirty flag), then retry.
				if ferr := migrator.Force(int(v)); ferr == nil {
					if err2 := migrator.Up(); err2 == nil || err2 == migrate.ErrNoChange {
						log.Printf("Database was dirty at version %d; forced and recovered", v)
						return nil
					} else {
						return fmt.Errorf("Database migration failed after forcing dirty version %d: %w", v, err2)
					}
				}
			}
		}
		// Keep error message explicit for manual recovery (best-effort hint).
		if v, dirty, verr := migrator.Version(); verr == nil && dirty {
			return fmt.Errorf("Database migration failed: %w (hint: run `go run db/migrate.go -force=%d` or set MIGRATE_FORCE_DIRTY=1)", err, v)
		}
		return fmt.Errorf("Database migration failed: %w", err)
	}
	return nil
}

func run(d deps) error {
	// Root context for background workers and graceful shutdown
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	databaseURL := ""
	userAgent := ""
	if d.getenv != nil {
		databaseURL = d.getenv("DATABASE_URL")
		userAgent = d.getenv("USER_AGENT")
	}
	if databaseURL == "" {
		return fmt.Errorf("DATABASE_URL environment variable is required")
	}
	if userAgent == "" {
		return fmt.Errorf("USER_AGENT environment variable is required")
	}

	if d.openDB == nil {
		return fmt.Errorf("openDB dependency is required")
	}
	db, err := d.openDB("postgres", databaseURL)
	if err != nil {
		return fmt.Errorf("Failed to connect to database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(5)

	if err := db.Ping(); err != nil {
		return fmt.Errorf("Failed to ping database: %w", err)
	}

	// Run migrations on startup
	if d.migrateUp != nil {
		if err := d.migrateUp(db); err != nil {
			return err
		}
	}
	log.Println("Database is up-to-date")

	st := store.New(db)
	client := &http.Client{Timeout: 30 * time.Second}
	limiter := scrape.NewRateLimiter()
	providerMap := providers.Build(client, limiter)

	// Optional broker: absence of AMQP_URL disables the publish path entirely.
	var broker *dispatch.Publisher
	if amqpURL := d.getenv("AMQP_URL"); amqpURL != "" {
		broker, err = dispatch.Connect(amqpURL)
		if err != nil {
			return fmt.Errorf("Failed to connect to AMQP: %w", err)
		}
		defer broker.Close()
		log.Printf("[Startup] AMQP publisher connected")
	} else {
		log.Printf("[Startup] AMQP_URL not set, broker publishing disabled")
	}

	// Background scrape worker; NO_WORKER leaves only the read API running.
	if d.getenv("NO_WORKER") == "" {
		go func() {
			providerMap.Initialize(rootCtx)
			dispatcher := dispatch.NewDispatcher(client, st, broker)
			worker := schedule.NewWorker(st, providerMap, dispatcher)
			worker.Run(rootCtx)
		}()
		// Retention is opt-in; history is cheap until it isn't.
		if d.getenv("SCRAPE_RETENTION_ENABLED") == "true" {
			go (&workers.ScrapeRetentionWorker{DB: db}).Start(rootCtx)
		}
	} else {
		log.Printf("[Startup] NO_WORKER set, scrape worker disabled")
	}

	// Setup router
	h := handlers.New(st, providerMap)
	handler := buildCORSHandler(h.Routes())
	handler = requestLogger(handler)

	port := resolvePort(d.getenv)
	srv := newHTTPServer(handler, port)

	// Handle graceful shutdown on SIGINT/SIGTERM
	stop := d.stopCh
	if stop == nil {
		stop = make(chan os.Signal, 1)
		if d.notify != nil {
			d.notify(stop, os.Interrupt, syscall.SIGTERM)
		}
	}

	go func() {
		<-stop
		log.Println("Shutting down server...")
		cancel()
		ctx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("Server starting on %s", srv.Addr)
	if d.listenAndServe == nil {
		return fmt.Errorf("listenAndServe dependency is required")
	}
	if err := d.listenAndServe(srv); err != nil && err != http.ErrServerClosed {
		return err
	}
	log.Println("Server stopped")
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Default: only log mutating routes to keep noise down.
		// If LOG_LEVEL=debug/trace, log all requests.
		lvl := strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL")))
		logAll := lvl == "debug" || lvl == "trace"
		if !logAll && r.Method == http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		log.Printf("[HTTP] method=%s path=%s status=%d bytes=%d durMs=%d",
			r.Method, r.URL.Path, rec.status, rec.bytes, time.Since(start).Milliseconds())
	})
}

func resolvePort(getenv func(string) string) string {
	if getenv == nil {
		return "18931"
	}
	port := getenv("PORT")
	if port == "" {
		return "18931"
	}
	return port
}

func buildCORSHandler(r http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:18930", "http://localhost:3000"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

func newHTTPServer(handler http.Handler, port string) *http.Server {
	addr := ":" + port
	if strings.Contains(port, ":") {
		// If port string already contains ":", assume it's a full address (e.g. "127.0.0.1:8080")
		addr = port
	}
	return &http.Server{
		Handler:      handler,
		Addr:         addr,
		WriteTimeout: 120 * time.Second,
		ReadTimeout:  120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}
