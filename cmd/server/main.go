package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/Brownie44l1/kidney-api/internal/cache"
	"github.com/Brownie44l1/kidney-api/internal/config"
	"github.com/Brownie44l1/kidney-api/internal/handlers"
	"github.com/Brownie44l1/kidney-api/internal/logging"
	"github.com/Brownie44l1/kidney-api/internal/metrics"
	"github.com/Brownie44l1/kidney-api/internal/model"
	"github.com/Brownie44l1/kidney-api/internal/preprocess"
	"github.com/Brownie44l1/kidney-api/internal/reporting"
)

var version = "dev"

func main() {
	// If running from cmd/server, go up two levels so the default
	// models/ paths resolve.
	if wd, err := os.Getwd(); err == nil && filepath.Base(wd) == "server" {
		if err := os.Chdir(filepath.Join(wd, "..", "..")); err != nil {
			log.Fatalf("Failed to change to project root: %v", err)
		}
	}

	cfg := config.Load()
	logging.Init(cfg.Log.Format, logging.ParseLevel(cfg.Log.Level))
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}
	gin.SetMode(cfg.GinMode)

	labels, err := model.LoadLabels(cfg.Model.LabelsPath)
	if err != nil {
		log.Fatalf("Failed to load labels: %v", err)
	}

	layout, err := preprocess.ParseLayout(cfg.Preprocess.Layout)
	if err != nil {
		log.Fatal(err)
	}
	filter, err := preprocess.ParseFilter(cfg.Preprocess.ResizeFilter)
	if err != nil {
		log.Fatal(err)
	}
	pre := preprocess.New(cfg.Preprocess.ImageSize, layout, filter,
		preprocess.WithMaxPixels(cfg.Upload.MaxPixels))

	reporter, err := reporting.New(cfg.SentryDSN, cfg.Env, version)
	if err != nil {
		log.Fatalf("Failed to configure error reporting: %v", err)
	}

	m := metrics.New()

	svc := model.NewService(cfg.Model.Path, labels,
		model.OpenONNX(model.ONNXOptions{
			LibPath:        cfg.Model.RuntimeLibPath,
			IntraOpThreads: cfg.Model.IntraOpThreads,
		}),
		model.WithExpectedShape(pre.Shape()),
		model.WithLoadHook(m.ObserveLoad),
	)

	if cfg.Model.EagerLoad {
		log.WithField("path", cfg.Model.Path).Info("Loading model")
		if _, err := svc.Load(); err != nil {
			log.Fatalf("Failed to load model: %v", err)
		}
	}

	opts := handlers.Options{
		MaxUploadBytes: cfg.Upload.MaxBytes,
		LabelsPath:     cfg.Model.LabelsPath,
		ResizeFilter:   cfg.Preprocess.ResizeFilter,
		Metrics:        m,
		Reporter:       reporter,
	}

	var redisCache *cache.Redis
	if cfg.Cache.Address != "" {
		redisCache = cache.NewRedis(cfg.Cache.Address, cfg.Cache.MaxConnections, cfg.Cache.TTL)
		if err := redisCache.Ping(); err != nil {
			log.WithError(err).WithField("address", cfg.Cache.Address).Warn("Redis not reachable, predictions will be computed until it is")
		}
		opts.Cache = redisCache
	}

	handler := handlers.NewHandler(svc, pre, opts)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handlers.NewRouter(handler, m),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	log.Printf("Server starting on port %s", cfg.Port)
	log.Printf("Model: %s (loaded on first prediction: %t)", cfg.Model.Path, !cfg.Model.EagerLoad)
	log.Printf("Classes: %v", []string(labels))
	log.Println("Endpoints:")
	log.Println("  GET  /              - Upload page")
	log.Println("  GET  /health        - Health check")
	log.Println("  POST /predict       - Classify one uploaded scan")
	log.Println("  POST /predict/batch - Classify several uploaded scans")
	log.Println("  GET  /debug         - Configuration and load state")
	log.Println("  GET  /model-info    - Model architecture and classes")
	log.Println("  GET  /metrics       - Prometheus metrics")
	log.Printf("Upload test: curl -X POST -F \"file=@scan.jpg\" http://localhost:%s/predict", cfg.Port)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}

	if err := svc.Close(); err != nil {
		log.WithError(err).Warn("Failed to close model")
	}
	if redisCache != nil {
		if err := redisCache.Close(); err != nil {
			log.WithError(err).Warn("Failed to close Redis pool")
		}
	}
	if err := model.ShutdownRuntime(); err != nil {
		log.WithError(err).Warn("Failed to shut down ONNX Runtime")
	}
	reporter.Flush()
	log.Info("Server exited")
}
