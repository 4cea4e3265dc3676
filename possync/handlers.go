package possync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/retail_pos/config"
	"github.com/mmdatafocus/retail_pos/models"
	"github.com/mmdatafocus/retail_pos/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const moduleName = "possync"

const (
	EntityCategory = "category"
	EntityProduct  = "product"
	EntitySale     = "sale"
)

const defaultMaxBatch = 200

// Server holds the device-facing sync handlers.
type Server struct {
	backend  Backend
	logger   *logrus.Logger
	tracer   trace.Tracer
	maxBatch int
}

func NewServer(backend Backend, logger *logrus.Logger) *Server {
	maxBatch := utils.IntFromEnv("POS_SYNC_MAX_BATCH", defaultMaxBatch)
	if maxBatch <= 0 {
		maxBatch = defaultMaxBatch
	}
	return &Server{
		backend:  backend,
		logger:   logger,
		tracer:   otel.Tracer("retail-pos-sync"),
		maxBatch: maxBatch,
	}
}

// pushSpec describes how one entity type is applied to the server of record.
type pushSpec[T any] struct {
	entityType string
	handler    string
	clientId   func(T) string
	apply      func(ctx context.Context, deviceId string, item T) (PushItemResult, error)
}

// runPush applies a batch under the device lock. A repeated idempotency key replays the
// stored response; every item gets its own outcome and failures are recorded on the run.
func runPush[T any](s *Server, c *gin.Context, spec pushSpec[T]) {
	ctx := c.Request.Context()
	deviceId, ok := utils.GetDeviceIdFromContext(ctx)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req PushRequest[T]
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	if len(req.Items) > s.maxBatch {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "too many items in batch"})
		return
	}

	release, err := utils.DeviceLock(ctx, deviceId, "pos_push_"+spec.entityType, moduleName, spec.handler)
	if errors.Is(err, utils.ErrorLockNotObtained) {
		c.JSON(http.StatusConflict, gin.H{"error": "sync already in progress"})
		return
	} else if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer release()

	key := strings.TrimSpace(req.IdempotencyKey)
	if key != "" {
		skip, stored, err := s.backend.BeginIdempotency(ctx, deviceId, spec.handler, key)
		if errors.Is(err, models.ErrIdempotencyInProgress) {
			c.JSON(http.StatusConflict, gin.H{"error": "batch already in progress"})
			return
		} else if err != nil {
			config.LogErrorCtx(ctx, s.logger, moduleName, spec.handler, "begin idempotency", key, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if skip {
			c.Data(http.StatusOK, "application/json; charset=utf-8", stored)
			return
		}
	}

	run, err := s.backend.StartRun(ctx, deviceId, spec.entityType, key)
	if err != nil {
		config.LogErrorCtx(ctx, s.logger, moduleName, spec.handler, "start sync run", deviceId, err)
		if key != "" {
			_ = s.backend.MarkIdempotencyFailed(ctx, deviceId, spec.handler, key, err)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	ctx = utils.SetSyncRunIdInContext(ctx, run.ID)

	resp := PushResponse{
		RunId:   run.ID,
		Results: make([]PushItemResult, 0, len(req.Items)),
	}
	stats := map[string]int{}
	synced, failed, retryableFailed := 0, 0, 0
	for _, item := range req.Items {
		res, err := spec.apply(ctx, deviceId, item)
		if err != nil {
			clientId := spec.clientId(item)
			retryable := !errors.Is(err, models.ErrInvalidInput)
			code := "apply_failed"
			if !retryable {
				code = "invalid_input"
			}
			res = PushItemResult{ClientId: clientId, Status: ItemStatusFailed, Error: err.Error(), Retryable: retryable}
			if rerr := s.backend.RecordError(ctx, run.ID, deviceId, spec.entityType, clientId, code, err.Error(), item, retryable); rerr != nil {
				config.LogErrorCtx(ctx, s.logger, moduleName, spec.handler, "record sync error", clientId, rerr)
			}
			failed++
			if retryable {
				retryableFailed++
			}
		} else {
			synced++
		}
		stats[res.Status]++
		resp.Results = append(resp.Results, res)
	}

	if err := s.backend.FinishRun(ctx, run, stats, synced, failed); err != nil {
		config.LogErrorCtx(ctx, s.logger, moduleName, spec.handler, "finish sync run", run.ID, err)
	}
	resp.Status = run.Status

	body, err := json.Marshal(resp)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	// Only settled batches are kept for replay; a retryable failure releases the key.
	if key != "" && retryableFailed > 0 {
		if err := s.backend.MarkIdempotencyFailed(ctx, deviceId, spec.handler, key, fmt.Errorf("%d retryable item failures", retryableFailed)); err != nil {
			config.LogErrorCtx(ctx, s.logger, moduleName, spec.handler, "mark idempotency failed", key, err)
		}
	} else if key != "" {
		if err := s.backend.MarkIdempotencySucceeded(ctx, deviceId, spec.handler, key, body); err != nil {
			config.LogErrorCtx(ctx, s.logger, moduleName, spec.handler, "mark idempotency succeeded", key, err)
		}
	}
	s.logger.WithFields(logrus.Fields{
		"device_id":   deviceId,
		"entity_type": spec.entityType,
		"run_id":      run.ID,
		"synced":      synced,
		"failed":      failed,
	}).Info("device push applied")
	c.Data(http.StatusOK, "application/json; charset=utf-8", body)
}

func outcomeStatus(outcome models.UpsertOutcome) string {
	switch outcome {
	case models.UpsertCreated:
		return ItemStatusCreated
	case models.UpsertStale:
		return ItemStatusSkipped
	default:
		return ItemStatusUpdated
	}
}

func (s *Server) PushCategoriesHandler(c *gin.Context) {
	runPush(s, c, pushSpec[CategoryPayload]{
		entityType: EntityCategory,
		handler:    "PushCategories",
		clientId:   func(p CategoryPayload) string { return p.ClientId },
		apply: func(ctx context.Context, deviceId string, p CategoryPayload) (PushItemResult, error) {
			row, outcome, err := s.backend.UpsertCategory(ctx, deviceId, &models.NewPosCategory{
				ClientId:        p.ClientId,
				Name:            p.Name,
				Description:     p.Description,
				ParentClientId:  p.ParentClientId,
				IsActive:        p.IsActive,
				ClientUpdatedAt: p.ClientUpdatedAt,
			})
			if err != nil {
				return PushItemResult{}, err
			}
			return PushItemResult{ClientId: p.ClientId, ServerId: row.ID, Status: outcomeStatus(outcome)}, nil
		},
	})
}

func (s *Server) PushProductsHandler(c *gin.Context) {
	runPush(s, c, pushSpec[ProductPayload]{
		entityType: EntityProduct,
		handler:    "PushProducts",
		clientId:   func(p ProductPayload) string { return p.ClientId },
		apply: func(ctx context.Context, deviceId string, p ProductPayload) (PushItemResult, error) {
			row, outcome, err := s.backend.UpsertProduct(ctx, deviceId, &models.NewPosProduct{
				ClientId:         p.ClientId,
				Name:             p.Name,
				Sku:              p.Sku,
				Barcode:          p.Barcode,
				CategoryClientId: p.CategoryClientId,
				Price:            p.Price,
				CostPrice:        p.CostPrice,
				StockQuantity:    p.StockQuantity,
				Unit:             p.Unit,
				IsActive:         p.IsActive,
				ClientUpdatedAt:  p.ClientUpdatedAt,
			})
			if err != nil {
				return PushItemResult{}, err
			}
			return PushItemResult{ClientId: p.ClientId, ServerId: row.ID, Status: outcomeStatus(outcome)}, nil
		},
	})
}

func (s *Server) PushSalesHandler(c *gin.Context) {
	runPush(s, c, pushSpec[SalePayload]{
		entityType: EntitySale,
		handler:    "PushSales",
		clientId:   func(p SalePayload) string { return p.ClientId },
		apply:      s.applySale,
	})
}

func (s *Server) applySale(ctx context.Context, deviceId string, p SalePayload) (PushItemResult, error) {
	ctx, span := s.tracer.Start(ctx, "possync.CreateSale", trace.WithAttributes(
		attribute.String("device_id", deviceId),
		attribute.String("client_id", p.ClientId),
	))
	defer span.End()

	items := make([]models.NewPosSaleItem, 0, len(p.Items))
	for _, it := range p.Items {
		items = append(items, models.NewPosSaleItem{
			ProductClientId: it.ProductClientId,
			ProductServerId: it.ProductServerId,
			Name:            it.Name,
			Quantity:        it.Quantity,
			Price:           it.Price,
			Total:           it.Total,
		})
	}
	sale, created, err := s.backend.CreateSale(ctx, deviceId, &models.NewPosSale{
		ClientId:        p.ClientId,
		Items:           items,
		TotalAmount:     p.TotalAmount,
		PaymentMethod:   p.PaymentMethod,
		CashierId:       p.CashierId,
		SoldAt:          p.SoldAt,
		ClientUpdatedAt: p.ClientUpdatedAt,
	})
	if err != nil {
		span.RecordError(err)
		return PushItemResult{}, err
	}
	if !created {
		return PushItemResult{ClientId: p.ClientId, ServerId: sale.ID, Status: ItemStatusDuplicate}, nil
	}

	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	runId, _ := utils.GetSyncRunIdFromContext(ctx)
	msgId, err := s.backend.PublishSaleSynced(ctx, config.SaleSyncedMessage{
		SaleId:        sale.ID,
		StoreId:       sale.StoreId,
		DeviceId:      deviceId,
		ClientId:      sale.ClientId,
		TotalAmount:   sale.TotalAmount.String(),
		SoldAt:        sale.SoldAt,
		CorrelationId: correlationId,
		SyncRunId:     runId,
	})
	if err != nil {
		// the sale is stored; downstream consumers can backfill from pos_sales
		config.LogErrorCtx(ctx, s.logger, moduleName, "applySale", "publish sale synced", sale.ID, err)
	} else if msgId != "" {
		span.SetAttributes(attribute.String("message_id", msgId))
	}
	return PushItemResult{ClientId: p.ClientId, ServerId: sale.ID, Status: ItemStatusCreated}, nil
}

// ListProductsHandler serves the catalogue changed since the caller's cursor.
func (s *Server) ListProductsHandler(c *gin.Context) {
	var since time.Time
	if raw := strings.TrimSpace(c.Query("updated_since")); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "updated_since must be RFC3339"})
			return
		}
		since = t
	}
	afterId, err := parseUintQuery(c, "after_id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "after_id must be a number"})
		return
	}
	limit, err := parseUintQuery(c, "limit")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a number"})
		return
	}

	page, err := s.backend.ListProducts(c.Request.Context(), since, afterId, int(limit))
	if err != nil {
		config.LogErrorCtx(c.Request.Context(), s.logger, moduleName, "ListProducts", "list products", since, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := ProductListResponse{
		Items:     make([]ServerProduct, 0, len(page.Items)),
		HasMore:   page.HasMore,
		NextSince: since,
	}
	for _, p := range page.Items {
		resp.Items = append(resp.Items, ServerProduct{
			Id:               p.ID,
			Name:             p.Name,
			CategoryClientId: p.CategoryClientId,
			Sku:              p.Sku,
			Barcode:          p.Barcode,
			Price:            p.Price,
			CostPrice:        p.CostPrice,
			StockQuantity:    p.StockQuantity,
			Unit:             p.Unit,
			IsActive:         utils.DereferencePtr(p.IsActive, true),
			UpdatedAt:        p.UpdatedAt,
		})
	}
	if n := len(resp.Items); n > 0 {
		resp.NextSince = resp.Items[n-1].UpdatedAt
		resp.NextAfterId = resp.Items[n-1].Id
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) ListRunsHandler(c *gin.Context) {
	ctx := c.Request.Context()
	deviceId, ok := utils.GetDeviceIdFromContext(ctx)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	limit, err := parseUintQuery(c, "limit")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a number"})
		return
	}
	runs, err := s.backend.ListRuns(ctx, deviceId, int(limit))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	resp := SyncHistoryResponse{Items: make([]SyncRunResponse, 0, len(runs))}
	for i := range runs {
		resp.Items = append(resp.Items, toRunResponse(&runs[i]))
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) GetRunHandler(c *gin.Context) {
	ctx := c.Request.Context()
	deviceId, ok := utils.GetDeviceIdFromContext(ctx)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	runId, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
		return
	}
	run, errs, err := s.backend.GetRun(ctx, deviceId, uint(runId))
	if errors.Is(err, utils.ErrorRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	} else if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	resp := SyncRunDetailResponse{
		SyncRunResponse: toRunResponse(run),
		Errors:          make([]SyncErrorResponse, 0, len(errs)),
	}
	for _, e := range errs {
		resp.Errors = append(resp.Errors, SyncErrorResponse{
			ID:         e.ID,
			EntityType: e.EntityType,
			ClientId:   e.ClientId,
			Code:       e.ErrorCode,
			Message:    e.Message,
			Retryable:  e.Retryable,
		})
	}
	c.JSON(http.StatusOK, resp)
}

// PingHandler lets devices check reachability and their key in one call.
func (s *Server) PingHandler(c *gin.Context) {
	deviceId, _ := utils.GetDeviceIdFromContext(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"device_id": deviceId, "server_time": time.Now().UTC()})
}

func toRunResponse(run *models.DeviceSyncRun) SyncRunResponse {
	return SyncRunResponse{
		ID:            run.ID,
		DeviceId:      run.DeviceId,
		EntityType:    run.EntityType,
		Status:        run.Status,
		StartedAt:     formatTime(run.StartedAt),
		FinishedAt:    formatTime(run.FinishedAt),
		DurationMs:    run.DurationMs,
		RecordsSynced: run.RecordsSynced,
		ErrorCount:    run.ErrorCount,
	}
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func parseUintQuery(c *gin.Context, name string) (uint, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	return uint(v), err
}
