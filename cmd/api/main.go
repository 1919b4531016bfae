package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"neuroscan-backend/cmd"
	"neuroscan-backend/internal/api"
	"neuroscan-backend/internal/database"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type APIConfig struct {
	cmd.ModelConfig

	APIPort        string   `env:"PORT" envDefault:"8001"`
	HistoryDSN     string   `env:"HISTORY_DSN" envDefault:"file::memory:"`
	MaxUploadBytes int64    `env:"MAX_UPLOAD_BYTES" envDefault:"33554432"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
}

func main() {
	log.Println("Starting API Server...")

	cmd.LoadEnvFile()

	var cfg APIConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	db, err := database.NewDatabase(cfg.HistoryDSN)
	if err != nil {
		log.Fatalf("Failed to open history database: %v", err)
	}

	engine, err := cmd.NewEngine(cfg.ModelConfig)
	if err != nil {
		log.Fatalf("Failed to configure model: %v", err)
	}

	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))

	metrics := api.NewMetrics()
	apiHandler := api.NewBackendService(engine, db, metrics, cfg.MaxUploadBytes)

	r.Route("/api/v1", apiHandler.AddRoutes)
	r.Handle("/metrics", metrics.Handler())

	server := &http.Server{Handler: r}

	ln, err := net.Listen("tcp", ":"+cfg.APIPort)
	if err != nil {
		log.Fatalf("Could not listen on %s: %v", cfg.APIPort, err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	log.Printf("API server listening on port %s", cfg.APIPort)
	if err := serve(server, ln, quit, 30*time.Second); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server stopped.")
}

// serve runs server on ln until quit fires, then shuts it down and returns
// once in-flight requests have finished or drainTimeout has passed.
func serve(server *http.Server, ln net.Listener, quit <-chan os.Signal, drainTimeout time.Duration) error {
	drained := make(chan error, 1)
	go func() {
		<-quit
		log.Println("Shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		drained <- server.Shutdown(ctx)
	}()

	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("error serving: %w", err)
	}

	if err := <-drained; err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}
