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
	"github.com/mmdatafocus/retail_pos/docstore"
	"github.com/mmdatafocus/retail_pos/localapi"
	"github.com/mmdatafocus/retail_pos/middlewares"
	"github.com/mmdatafocus/retail_pos/offline"
	"github.com/mmdatafocus/retail_pos/reconcile"
	"github.com/mmdatafocus/retail_pos/utils"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8090"

func main() {
	port := os.Getenv("POS_DEVICE_PORT")
	if port == "" {
		port = defaultPort
	}
	deviceId := strings.TrimSpace(os.Getenv("POS_DEVICE_ID"))
	storeId := strings.TrimSpace(os.Getenv("POS_STORE_ID"))

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	ldb, err := config.OpenLocalDB(config.LocalStorePath())
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "local_store"}).Fatal(err)
	}
	store, err := docstore.NewSQLStore(sigCtx, ldb)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "local_store"}).Fatal(err)
	}
	defer store.Close()

	// Optional; the push lock falls back to an in-process mutex.
	config.ConnectRedisIfConfigured()

	opts := offline.DefaultOptions()
	opts.Logger = logger
	categories := offline.NewCategoryModel(store.Collection(docstore.EntityTypeCategory), opts)
	products := offline.NewProductModel(store.Collection(docstore.EntityTypeProduct), opts)
	sales := offline.NewSaleModel(store.Collection(docstore.EntityTypeSale), opts)

	var syncer localapi.Syncer
	if strings.TrimSpace(os.Getenv("POS_SYNC_BASE_URL")) != "" {
		upstream, err := reconcile.NewHTTPUpstreamFromEnv()
		if err != nil {
			logger.WithFields(logrus.Fields{"field": "sync_upstream"}).Fatal(err)
		}
		rec := reconcile.New(
			reconcile.Models{Categories: categories, Products: products, Sales: sales},
			store.Collection(docstore.EntityTypeSyncState),
			upstream,
			reconcile.ConfigFromEnv(deviceId),
		)
		syncer = rec
		interval := time.Duration(utils.IntFromEnv("POS_SYNC_INTERVAL_SECONDS", 60)) * time.Second
		go rec.Run(sigCtx, interval)
	} else {
		logger.WithFields(logrus.Fields{"field": "POS_SYNC_BASE_URL"}).Warn("no sync service configured; running offline only")
	}

	r := gin.New()
	r.Use(middlewares.CorrelationIdMiddleware())
	r.Use(middlewares.ReadinessGate(func() bool { return true }))
	r.Use(middlewares.Cors())
	r.Use(middlewares.ErrorLogger(logger))
	r.Use(gin.Recovery())

	localapi.New(categories, products, sales, syncer, logger).
		RegisterRoutes(r.Group("/api/local", localapi.DeviceContext(deviceId, storeId)))

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
