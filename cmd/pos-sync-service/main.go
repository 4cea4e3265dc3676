package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/retail_pos/config"
	"github.com/mmdatafocus/retail_pos/middlewares"
	"github.com/mmdatafocus/retail_pos/models"
	"github.com/mmdatafocus/retail_pos/possync"
	"github.com/mmdatafocus/retail_pos/utils"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

func main() {
	port := os.Getenv("POS_SYNC_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	deviceKeys := config.DeviceKeys()
	if len(deviceKeys) == 0 {
		logger.WithFields(logrus.Fields{"field": "POS_DEVICE_KEYS"}).Warn("no device keys registered; every sync request will be rejected")
	}

	// The port opens before MySQL and redis are up; app routes answer 503 until then.
	r := gin.New()
	r.Use(middlewares.CorrelationIdMiddleware())
	r.Use(middlewares.ReadinessGate(func() bool {
		return config.GetDB() != nil && config.GetRedisDB() != nil
	}))
	r.Use(middlewares.Cors())
	r.Use(middlewares.ErrorLogger(logger))
	r.Use(gin.Recovery())

	syncGroup := r.Group("/api/pos/sync", middlewares.DeviceAuthMiddleware(deviceKeys))
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if utils.EnvBoolDefault("RATE_LIMIT_ENABLED", false) {
		limit := int64(utils.IntFromEnv("RATE_LIMIT_MAX_REQUESTS", 600))
		window := time.Duration(utils.IntFromEnv("RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second
		// the readiness gate runs first, so the redis client exists by the time this is reached
		syncGroup.Use(func(c *gin.Context) {
			middlewares.NewRateLimiter(config.GetRedisDB(), limit, window).RateLimitMiddleware(c)
		})
	}
	possync.NewServer(possync.ModelsBackend{}, logger).RegisterRoutes(syncGroup)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	select {
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}
}
