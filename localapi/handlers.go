// Package localapi serves the offline models to the till UI over HTTP on the device.
package localapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/retail_pos/config"
	"github.com/mmdatafocus/retail_pos/docstore"
	"github.com/mmdatafocus/retail_pos/offline"
	"github.com/mmdatafocus/retail_pos/reconcile"
	"github.com/mmdatafocus/retail_pos/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const CashierIdHeader = "x-cashier-id"

// Syncer runs one reconciliation pass on demand.
type Syncer interface {
	SyncOnce(ctx context.Context) (reconcile.SyncReport, error)
}

// crudModel is the part of an offline model the generic routes use.
type crudModel[T any] interface {
	Create(ctx context.Context, input *T) offline.Result[T]
	FindByID(ctx context.Context, id string) offline.Result[T]
	FindAll(ctx context.Context, opts offline.ListOptions) offline.ListResult[T]
	Update(ctx context.Context, id string, patch map[string]any) offline.Result[T]
	Delete(ctx context.Context, id string) offline.Result[T]
}

type Handler struct {
	categories *offline.CategoryModel
	products   *offline.ProductModel
	sales      *offline.SaleModel
	syncer     Syncer
	logger     *logrus.Logger
}

// New builds the handler. syncer may be nil when no sync service is configured.
func New(categories *offline.CategoryModel, products *offline.ProductModel, sales *offline.SaleModel, syncer Syncer, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &Handler{
		categories: categories,
		products:   products,
		sales:      sales,
		syncer:     syncer,
		logger:     logger,
	}
}

// DeviceContext stamps the device, its store and the cashier (from x-cashier-id) into
// the request context so new sales pick them up.
func DeviceContext(deviceId, storeId string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if deviceId != "" {
			ctx = utils.SetDeviceIdInContext(ctx, deviceId)
		}
		if storeId != "" {
			ctx = utils.SetStoreIdInContext(ctx, storeId)
		}
		if cashier := strings.TrimSpace(c.GetHeader(CashierIdHeader)); cashier != "" {
			ctx = utils.SetCashierIdInContext(ctx, cashier)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	categories := rg.Group("/categories")
	categories.GET("", h.listCategories)
	registerCRUD[offline.Category](categories, h.categories)

	products := rg.Group("/products")
	products.GET("", h.listProducts)
	products.POST("/:id/stock", h.adjustStock)
	registerCRUD[offline.Product](products, h.products)

	sales := rg.Group("/sales")
	sales.GET("", h.listSales)
	sales.GET("/counts", h.saleCounts)
	registerCRUD[offline.Sale](sales, h.sales)

	rg.POST("/sync", h.sync)
}

// registerCRUD mounts create, read, update and delete for one model. Listing is left to
// the caller because each entity filters differently.
func registerCRUD[T any](rg *gin.RouterGroup, m crudModel[T]) {
	rg.POST("", func(c *gin.Context) {
		var input T
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, offline.Result[T]{Error: err.Error(), Kind: docstore.KindInvalid})
			return
		}
		res := m.Create(c.Request.Context(), &input)
		writeResult(c, http.StatusCreated, res.Success, res.Kind, res)
	})
	rg.GET("/:id", func(c *gin.Context) {
		res := m.FindByID(c.Request.Context(), c.Param("id"))
		writeResult(c, http.StatusOK, res.Success, res.Kind, res)
	})
	rg.PUT("/:id", func(c *gin.Context) {
		var patch map[string]any
		if err := c.ShouldBindJSON(&patch); err != nil {
			c.JSON(http.StatusBadRequest, offline.Result[T]{Error: err.Error(), Kind: docstore.KindInvalid})
			return
		}
		res := m.Update(c.Request.Context(), c.Param("id"), patch)
		writeResult(c, http.StatusOK, res.Success, res.Kind, res)
	})
	rg.DELETE("/:id", func(c *gin.Context) {
		res := m.Delete(c.Request.Context(), c.Param("id"))
		writeResult(c, http.StatusOK, res.Success, res.Kind, res)
	})
}

func writeResult(c *gin.Context, okStatus int, success bool, kind docstore.Kind, body any) {
	if success {
		c.JSON(okStatus, body)
		return
	}
	c.JSON(statusForKind(kind), body)
}

func statusForKind(kind docstore.Kind) int {
	switch kind {
	case docstore.KindNotFound:
		return http.StatusNotFound
	case docstore.KindConflict:
		return http.StatusConflict
	case docstore.KindInvalid:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func bindListOptions(c *gin.Context) (offline.ListOptions, bool) {
	var opts offline.ListOptions
	if err := c.ShouldBindQuery(&opts); err != nil || opts.Limit < 0 || opts.Skip < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "limit and skip must be non-negative numbers", "kind": docstore.KindInvalid})
		return opts, false
	}
	return opts, true
}

func (h *Handler) listCategories(c *gin.Context) {
	ctx := c.Request.Context()
	var res offline.ListResult[offline.Category]
	switch {
	case c.Query("name") != "":
		res = h.categories.FindByName(ctx, c.Query("name"))
	case c.Query("parent_id") != "":
		res = h.categories.FindChildren(ctx, c.Query("parent_id"))
	default:
		opts, ok := bindListOptions(c)
		if !ok {
			return
		}
		res = h.categories.FindAll(ctx, opts)
	}
	writeResult(c, http.StatusOK, res.Success, res.Kind, res)
}

func (h *Handler) listProducts(c *gin.Context) {
	ctx := c.Request.Context()
	opts, ok := bindListOptions(c)
	if !ok {
		return
	}

	// sku and barcode identify one product; answer as a list so the shape stays stable
	var one *offline.Result[offline.Product]
	switch {
	case c.Query("sku") != "":
		r := h.products.FindBySKU(ctx, c.Query("sku"))
		one = &r
	case c.Query("barcode") != "":
		r := h.products.FindByBarcode(ctx, c.Query("barcode"))
		one = &r
	}
	if one != nil {
		if !one.Success && one.Kind == docstore.KindNotFound {
			c.JSON(http.StatusOK, offline.ListResult[offline.Product]{Success: true, Entities: []*offline.Product{}})
			return
		}
		if !one.Success {
			writeResult(c, http.StatusOK, false, one.Kind, one)
			return
		}
		c.JSON(http.StatusOK, offline.ListResult[offline.Product]{Success: true, Entities: []*offline.Product{one.Entity}})
		return
	}

	var res offline.ListResult[offline.Product]
	if categoryId := c.Query("category_id"); categoryId != "" {
		res = h.products.FindByCategory(ctx, categoryId, opts)
	} else {
		res = h.products.FindAll(ctx, opts)
	}
	writeResult(c, http.StatusOK, res.Success, res.Kind, res)
}

type stockAdjustment struct {
	Delta decimal.Decimal `json:"delta"`
}

func (h *Handler) adjustStock(c *gin.Context) {
	var body stockAdjustment
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, offline.Result[offline.Product]{Error: err.Error(), Kind: docstore.KindInvalid})
		return
	}
	res := h.products.AdjustStock(c.Request.Context(), c.Param("id"), body.Delta)
	writeResult(c, http.StatusOK, res.Success, res.Kind, res)
}

func (h *Handler) listSales(c *gin.Context) {
	ctx := c.Request.Context()
	opts, ok := bindListOptions(c)
	if !ok {
		return
	}
	var res offline.ListResult[offline.Sale]
	if status := c.Query("status"); status != "" {
		res = h.sales.FindByStatus(ctx, offline.SyncStatus(status), opts)
	} else {
		res = h.sales.FindAll(ctx, opts)
	}
	writeResult(c, http.StatusOK, res.Success, res.Kind, res)
}

func (h *Handler) saleCounts(c *gin.Context) {
	ctx := c.Request.Context()
	counts := map[offline.SyncStatus]int{}
	for _, st := range []offline.SyncStatus{offline.SyncStatusPending, offline.SyncStatusFailed, offline.SyncStatusSynced} {
		res := h.sales.CountByStatus(ctx, st)
		if !res.Success {
			writeResult(c, http.StatusOK, false, res.Kind, res)
			return
		}
		counts[st] = res.Count
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "counts": counts})
}

func (h *Handler) sync(c *gin.Context) {
	if h.syncer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "sync service is not configured"})
		return
	}
	report, err := h.syncer.SyncOnce(c.Request.Context())
	if errors.Is(err, reconcile.ErrSyncInProgress) {
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": err.Error(), "report": report})
		return
	}
	if err != nil {
		config.LogError(h.logger, "localapi", "sync", "manual sync", report, err)
		c.JSON(http.StatusBadGateway, gin.H{"success": false, "error": err.Error(), "report": report})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "report": report})
}
