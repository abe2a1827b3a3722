package main

import (
	"log"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/knowmap/backend/internal/batches"
	"github.com/knowmap/backend/internal/cache"
	"github.com/knowmap/backend/internal/concepts"
	"github.com/knowmap/backend/internal/database"
	"github.com/knowmap/backend/internal/httpapi"
	"github.com/knowmap/backend/internal/templates"
)

func main() {
	// Initialize database
	db, err := database.Connect()
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Shared KV store for the inference mutex and hot batch snapshots.
	// Falls back to in-process memory for single-worker deployments.
	var kv cache.Store
	redisStore, err := cache.NewRedisStore()
	if err != nil {
		log.Printf("WARN: redis unavailable (%v), using in-memory store", err)
		kv = cache.NewMemoryStore()
	} else {
		defer redisStore.Close()
		kv = redisStore
	}

	// Wire stores and the orchestrator
	conceptStore := concepts.NewStore(db)
	service := batches.NewService(
		batches.NewStore(db),
		templates.NewStore(db),
		conceptStore,
		kv,
		batches.DefaultConfig(),
	)
	handler := httpapi.NewHandler(service, conceptStore)

	// Setup router
	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()
	handler.RegisterRoutes(api)

	// Health check
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	// CORS
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-User-ID"},
		AllowCredentials: true,
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	log.Printf("Server starting on :%s", port)
	if err := http.ListenAndServe(":"+port, c.Handler(r)); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
