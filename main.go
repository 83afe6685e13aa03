package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/patrickmn/go-cache"
	"github.com/samruddhi/portfolio-sync/backend/src/config"
	"github.com/samruddhi/portfolio-sync/backend/src/database"
	"github.com/samruddhi/portfolio-sync/backend/src/handlers"
	"github.com/samruddhi/portfolio-sync/backend/src/logger"
	"github.com/samruddhi/portfolio-sync/backend/src/security"
	"github.com/samruddhi/portfolio-sync/backend/src/services"
	"github.com/samruddhi/portfolio-sync/backend/src/utils"
	"golang.org/x/time/rate"
)

func proxyHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Forwarded-Proto") == "https" {
			r.URL.Scheme = "https"
			r.TLS = &tls.ConnectionState{}
		}
		next.ServeHTTP(w, r)
	})
}

func rateLimitMiddleware(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				logger.FromContext(r.Context()).Warn("Rate limit exceeded", "path", r.URL.Path)
				utils.SendJSONError(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func enableCORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && slices.Contains(allowedOrigins, origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Authorization, X-Requested-With, If-None-Match")
				w.Header().Set("Access-Control-Expose-Headers", "ETag, X-Request-ID")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type application struct {
	cfg           *config.AppConfig
	auth          *security.AuthService
	priceService  services.PriceService
	uploadService services.UploadService
	router        http.Handler
}

func newApplication(cfg *config.AppConfig) *application {
	reportCache := cache.New(services.DefaultCacheExpiration, services.CacheCleanupInterval)

	priceService := services.NewPriceService(database.DB, cfg)
	syncService := services.NewSyncService(database.DB, priceService, cfg.MergeWorkers, cfg.MergeMaxRetries)
	uploadService := services.NewUploadService(database.DB, cfg, syncService, reportCache)

	app := &application{
		cfg:           cfg,
		auth:          security.NewAuthService(cfg.JWTSecret),
		priceService:  priceService,
		uploadService: uploadService,
	}
	app.router = app.routes()
	return app
}

func (app *application) routes() http.Handler {
	uploadHandler := handlers.NewUploadHandler(app.uploadService, app.cfg.MaxUploadSizeBytes)
	portfolioHandler := handlers.NewPortfolioHandler(database.DB)
	schemeHandler := handlers.NewSchemeHandler(database.DB, app.priceService)

	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(handlers.ContextualLoggerMiddleware)
	r.Use(proxyHeadersMiddleware)
	r.Use(enableCORS(app.cfg.AllowedOrigins))
	r.Use(rateLimitMiddleware(rate.NewLimiter(rate.Every(100*time.Millisecond), 30)))

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		utils.WriteJSON(w, http.StatusOK, map[string]string{"message": "portfolio-sync backend is running"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(handlers.AuthMiddleware(app.auth))

		r.Post("/upload", uploadHandler.HandleUpload)
		r.Get("/upload/latest", uploadHandler.HandleGetLatestReport)
		r.Get("/upload/history", uploadHandler.HandleListBatches)
		r.Get("/positions", portfolioHandler.HandleGetPositions)
		r.Get("/identities/{identifier}", portfolioHandler.HandleGetIdentity)
		r.Get("/schemes", schemeHandler.HandleListSchemes)
		r.Post("/schemes", schemeHandler.HandleAddScheme)
		r.Post("/admin/nav/refresh", schemeHandler.HandleRefreshNAV)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		utils.SendJSONError(w, "not found", http.StatusNotFound)
	})
	return r
}

// runIngest processes local files as one batch and prints the report.
func (app *application) runIngest(ctx context.Context, paths []string, opts services.BatchOptions) error {
	if len(paths) == 0 {
		return errors.New("-ingest needs at least one file argument")
	}
	files := make([]services.UploadedFile, 0, len(paths))
	for _, p := range paths {
		f := services.UploadedFile{Name: filepath.Base(p)}
		data, err := os.ReadFile(p)
		if err != nil {
			f.Rejected = fmt.Errorf("read %s: %w", p, err)
		}
		f.Data = data
		files = append(files, f)
	}

	report, err := app.uploadService.ProcessBatch(ctx, files, opts)
	if report != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(report); encErr != nil {
			return encErr
		}
	}
	return err
}

func (app *application) runRefresh(ctx context.Context) error {
	result, err := app.priceService.RefreshNAVs(ctx)
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(result)
}

func main() {
	refreshNAV := flag.Bool("refresh-nav", false, "refresh NAVs of watched schemes once and exit")
	ingest := flag.Bool("ingest", false, "process the file arguments as one batch and exit")
	confirmReset := flag.Bool("confirm-reset", false, "confirm a restatement batch (with -ingest)")
	forceReset := flag.Bool("force-reset", false, "treat the batch as a full restatement (with -ingest)")
	issueToken := flag.String("issue-token", "", "print a bearer token for the given subject and exit")
	flag.Parse()

	config.LoadConfig()
	logger.InitLogger(config.Cfg.LogLevel)

	if *issueToken != "" {
		token, err := security.NewAuthService(config.Cfg.JWTSecret).GenerateToken(*issueToken)
		if err != nil {
			stdlog.Fatalf("Failed to issue token: %v", err)
		}
		fmt.Println(token)
		return
	}

	logger.L.Info("Initializing database...", "path", config.Cfg.DatabasePath)
	database.InitDB(config.Cfg.DatabasePath)
	database.RunMigrations()
	defer database.DB.Close()

	app := newApplication(config.Cfg)
	ctx := context.Background()

	switch {
	case *refreshNAV:
		if err := app.runRefresh(ctx); err != nil {
			logger.L.Error("NAV refresh failed", "error", err)
			os.Exit(1)
		}
		return
	case *ingest:
		opts := services.BatchOptions{ConfirmReset: *confirmReset, ForceReset: *forceReset}
		if err := app.runIngest(ctx, flag.Args(), opts); err != nil {
			logger.L.Error("Ingest failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if len(config.Cfg.JWTSecret) < 32 {
		logger.L.Error("JWT_SECRET configuration invalid.")
		os.Exit(1)
	}

	serverAddr := ":" + config.Cfg.Port
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      app.router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.L.Info("Server starting", "address", serverAddr, "allowedOrigins", strings.Join(config.Cfg.AllowedOrigins, ","))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		stdlog.Fatalf("Failed to start server: %v", err)
	}
}
