package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dnenashev/ocr-shools-import/config"
	"github.com/dnenashev/ocr-shools-import/handler"
	"github.com/dnenashev/ocr-shools-import/middleware"
	"github.com/dnenashev/ocr-shools-import/pkg/logger"
	"github.com/dnenashev/ocr-shools-import/service"
	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func main() {
	// Load configuration
	cfg, err := config.Load("config.yaml")
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Initialize logger
	logger.Init(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})

	slog.Info("configuration loaded successfully")

	// Connect to MongoDB
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		cancel()
		slog.Error("failed to connect to mongodb", "error", err)
		os.Exit(1)
	}
	if err := client.Ping(ctx, nil); err != nil {
		cancel()
		slog.Error("failed to ping mongodb", "error", err)
		os.Exit(1)
	}
	cancel()

	db := client.Database(cfg.Mongo.Database)
	store := service.NewStudentStore(db)
	if err := store.EnsureIndexes(context.Background()); err != nil {
		slog.Error("failed to ensure indexes", "error", err)
		os.Exit(1)
	}

	// Initialize image storage
	storage, err := service.NewImageStorage(&cfg.Storage)
	if err != nil {
		slog.Error("failed to initialize image storage", "error", err)
		os.Exit(1)
	}
	if minioStorage, ok := storage.(*service.MinioStorage); ok {
		if err := minioStorage.EnsureBucket(context.Background()); err != nil {
			slog.Error("failed to ensure MINIO bucket", "error", err)
			os.Exit(1)
		}
	}

	// Initialize services and handlers
	ocrSvc := service.NewOCRService(&cfg.OCR)
	amoSvc := service.NewAmoService(&cfg.Amo, store)

	authHandler := handler.NewAuthHandler(cfg)
	uploadHandler := handler.NewUploadHandler(cfg, ocrSvc, storage, store)
	adminHandler := handler.NewAdminHandler(store, amoSvc, storage)

	// Setup Gin router
	gin.SetMode(gin.ReleaseMode)
	router := gin.New() // Use New() instead of Default() to avoid default middleware

	// Add custom middleware
	router.Use(middleware.RequestID())                 // Request ID for tracing
	router.Use(middleware.Recovery())                  // Panic recovery
	router.Use(middleware.RequestLogger())             // Access logging
	router.Use(corsMiddleware())                       // CORS
	router.Use(middleware.RateLimit(100, time.Minute)) // Rate limiting: 100 requests per minute

	// Locally stored images are served back to the admin panel
	if cfg.Storage.Backend == "" || cfg.Storage.Backend == "local" {
		router.Static("/uploads", cfg.Storage.UploadDir)
	}

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})

	// Public upload flow
	router.POST("/upload", uploadHandler.Upload)
	router.POST("/upload/feedback", uploadHandler.UploadFeedback)
	router.POST("/upload/save", uploadHandler.Save)
	router.POST("/upload/manual", uploadHandler.Manual)

	// Login gets a tighter rate limit than the rest of the API
	router.POST("/admin/login", middleware.RateLimit(10, time.Minute), authHandler.Login)
	router.POST("/admin/logout", authHandler.Logout)

	// Protected admin routes
	admin := router.Group("/admin")
	admin.Use(middleware.AdminAuth(&cfg.Auth))
	{
		admin.GET("/students", adminHandler.ListStudents)
		admin.GET("/students/:id", adminHandler.GetStudent)
		admin.PUT("/students/:id", adminHandler.UpdateStudent)
		admin.DELETE("/students/:id", adminHandler.DeleteStudent)
		admin.POST("/send-to-amo", adminHandler.SendToAmo)
		admin.POST("/verify-amo", adminHandler.VerifyAmo)
		admin.GET("/stats", adminHandler.Stats)
		admin.GET("/export-csv", adminHandler.ExportCSV)
	}

	// Create server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		slog.Info("server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	if err := client.Disconnect(shutdownCtx); err != nil {
		slog.Error("failed to disconnect mongodb", "error", err)
	}

	slog.Info("server exited gracefully")
}

// corsMiddleware handles CORS headers
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
