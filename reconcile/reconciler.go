// Package reconcile pushes locally written documents to the server of record and mirrors
// the server catalogue back into the device store.
package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/retail_pos/config"
	"github.com/mmdatafocus/retail_pos/docstore"
	"github.com/mmdatafocus/retail_pos/offline"
	"github.com/mmdatafocus/retail_pos/possync"
	"github.com/mmdatafocus/retail_pos/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const moduleName = "reconcile"

const (
	defaultBatchSize = 50
	defaultOverlap   = 2 * time.Minute
	maxPullPages     = 20
	maxSaleRounds    = 10
)

var ErrSyncInProgress = errors.New("sync already in progress")

// PushResult lists document ids by outcome.
type PushResult struct {
	EntityType docstore.EntityType `json:"entity_type"`
	Synced     []string            `json:"synced"`
	Failed     []string            `json:"failed"`
}

type SyncReport struct {
	Pushes []PushResult `json:"pushes"`
	Pulled int          `json:"pulled"`
	Purged int          `json:"purged"`
}

// Pusher sends everything still dirty for one entity type upstream.
type Pusher interface {
	PushPending(ctx context.Context, et docstore.EntityType) (PushResult, error)
}

type Models struct {
	Categories *offline.CategoryModel
	Products   *offline.ProductModel
	Sales      *offline.SaleModel
}

type Config struct {
	DeviceId  string
	BatchSize int
	// PushOverlap is how far behind the push cursor each catalogue scan starts, so a
	// document stamped before the cursor but stored after it still goes up.
	PushOverlap time.Duration
	Retry       config.SyncRetryConfig
	// Retention of synced sales. Zero keeps them forever.
	Retention time.Duration
	Now       func() time.Time
	Logger    *logrus.Logger
}

func ConfigFromEnv(deviceId string) Config {
	return Config{
		DeviceId:    deviceId,
		BatchSize:   utils.IntFromEnv("POS_SYNC_BATCH_SIZE", defaultBatchSize),
		PushOverlap: time.Duration(utils.IntFromEnv("POS_SYNC_PUSH_OVERLAP_SECONDS", int(defaultOverlap/time.Second))) * time.Second,
		Retry:       config.GetSyncRetryConfig(),
		Retention:   config.SyncedSaleRetention(),
	}
}

type Reconciler struct {
	categories *offline.CategoryModel
	products   *offline.ProductModel
	sales      *offline.SaleModel
	cursors    cursorStore
	upstream   Upstream

	deviceId  string
	batchSize int
	overlap   time.Duration
	retry     config.SyncRetryConfig
	retention time.Duration
	now       func() time.Time
	logger    *logrus.Logger
	tracer    trace.Tracer
}

func New(m Models, state docstore.Collection, upstream Upstream, cfg Config) *Reconciler {
	r := &Reconciler{
		categories: m.Categories,
		products:   m.Products,
		sales:      m.Sales,
		cursors:    cursorStore{col: state},
		upstream:   upstream,
		deviceId:   cfg.DeviceId,
		batchSize:  cfg.BatchSize,
		overlap:    cfg.PushOverlap,
		retry:      cfg.Retry,
		retention:  cfg.Retention,
		now:        cfg.Now,
		logger:     cfg.Logger,
		tracer:     otel.Tracer("retail-pos-reconcile"),
	}
	if r.batchSize <= 0 {
		r.batchSize = defaultBatchSize
	}
	if r.overlap <= 0 {
		r.overlap = defaultOverlap
	}
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	if r.logger == nil {
		r.logger = config.GetLogger()
	}
	if r.deviceId == "" {
		r.deviceId = "local"
	}
	return r
}

func (r *Reconciler) lock(ctx context.Context, et docstore.EntityType, funcName string) (func(), error) {
	release, err := utils.DeviceLock(ctx, r.deviceId, "pos_reconcile_"+string(et), moduleName, funcName)
	if errors.Is(err, utils.ErrorLockNotObtained) {
		return nil, ErrSyncInProgress
	}
	return release, err
}

// PushPending pushes one entity type. Sales go when pending or when a failed push is due
// for retry; categories and products go when modified after the stored cursor.
func (r *Reconciler) PushPending(ctx context.Context, et docstore.EntityType) (PushResult, error) {
	result := PushResult{EntityType: et, Synced: []string{}, Failed: []string{}}
	ctx, span := r.tracer.Start(ctx, "reconcile.PushPending", trace.WithAttributes(
		attribute.String("entity_type", string(et)),
	))
	defer span.End()

	release, err := r.lock(ctx, et, "PushPending")
	if err != nil {
		return result, err
	}
	defer release()

	switch et {
	case docstore.EntityTypeCategory:
		err = pushCatalog(ctx, r, categorySpec(r), &result)
	case docstore.EntityTypeProduct:
		err = pushCatalog(ctx, r, productSpec(r), &result)
	case docstore.EntityTypeSale:
		err = r.pushSales(ctx, &result)
	default:
		err = fmt.Errorf("cannot push entity type %q", et)
	}
	span.SetAttributes(
		attribute.Int("synced", len(result.Synced)),
		attribute.Int("failed", len(result.Failed)),
	)
	if err != nil {
		span.RecordError(err)
	}
	r.logger.WithFields(logrus.Fields{
		"entity_type": et,
		"synced":      len(result.Synced),
		"failed":      len(result.Failed),
	}).Info("push pending finished")
	return result, err
}

// pushedDoc is a document's position in the updated_at order.
type pushedDoc struct {
	id        string
	updatedAt time.Time
}

// nextPushCursor advances cur over the leading run of settled docs, stopping short of
// the first doc that still has to be pushed. docs are in updated_at order.
func nextPushCursor(cur time.Time, docs []pushedDoc, settled map[string]bool) time.Time {
	next := cur
	for _, d := range docs {
		if !settled[d.id] {
			if !next.Before(d.updatedAt) {
				next = d.updatedAt.Add(-time.Nanosecond)
			}
			return next
		}
		next = d.updatedAt
	}
	return next
}

// batchKey is stable for the same documents at the same revisions, so a resent batch
// replays on the server instead of being applied twice.
func batchKey(et docstore.EntityType, idRevs [][2]string) string {
	h := sha256.New()
	for _, ir := range idRevs {
		h.Write([]byte(ir[0]))
		h.Write([]byte{0})
		h.Write([]byte(ir[1]))
		h.Write([]byte{0})
	}
	return string(et) + "-" + hex.EncodeToString(h.Sum(nil))[:32]
}

// catalogSpec adapts one cursor-driven entity type to pushCatalog.
type catalogSpec[T any, P any] struct {
	et   docstore.EntityType
	list func(ctx context.Context, since time.Time, limit int) offline.ListResult[T]
	meta func(*T) offline.Meta
	// payload returns false for documents the device does not own.
	payload     func(ctx context.Context, v *T) (P, bool)
	serverId    func(*T) *uint
	setServerId func(ctx context.Context, id string, serverId uint) error
	push        func(ctx context.Context, req possync.PushRequest[P]) (*possync.PushResponse, error)
}

func categorySpec(r *Reconciler) catalogSpec[offline.Category, possync.CategoryPayload] {
	return catalogSpec[offline.Category, possync.CategoryPayload]{
		et: docstore.EntityTypeCategory,
		list: func(ctx context.Context, since time.Time, limit int) offline.ListResult[offline.Category] {
			return r.categories.FindModifiedSince(ctx, since, offline.ListOptions{Limit: limit})
		},
		meta: func(c *offline.Category) offline.Meta { return c.Meta },
		payload: func(_ context.Context, c *offline.Category) (possync.CategoryPayload, bool) {
			return possync.CategoryPayload{
				ClientId:        c.ID,
				Name:            c.Name,
				Description:     c.Description,
				ParentClientId:  c.ParentCategoryId,
				IsActive:        utils.DereferencePtr(c.IsActive, true),
				ClientUpdatedAt: c.UpdatedAt,
			}, true
		},
		serverId: func(c *offline.Category) *uint { return c.ServerId },
		setServerId: func(ctx context.Context, id string, serverId uint) error {
			if res := r.categories.SetServerID(ctx, id, serverId); !res.Success {
				return errors.New(res.Error)
			}
			return nil
		},
		push: r.upstream.PushCategories,
	}
}

func productSpec(r *Reconciler) catalogSpec[offline.Product, possync.ProductPayload] {
	return catalogSpec[offline.Product, possync.ProductPayload]{
		et: docstore.EntityTypeProduct,
		list: func(ctx context.Context, since time.Time, limit int) offline.ListResult[offline.Product] {
			return r.products.FindModifiedSince(ctx, since, offline.ListOptions{Limit: limit})
		},
		meta: func(p *offline.Product) offline.Meta { return p.Meta },
		payload: func(_ context.Context, p *offline.Product) (possync.ProductPayload, bool) {
			// mirrors of server rows are owned by the server
			if p.ServerUpdatedAt != nil {
				return possync.ProductPayload{}, false
			}
			return possync.ProductPayload{
				ClientId:         p.ID,
				Name:             p.Name,
				Sku:              p.Sku,
				Barcode:          p.Barcode,
				CategoryClientId: p.CategoryId,
				Price:            p.Price,
				CostPrice:        p.CostPrice,
				StockQuantity:    p.StockQuantity,
				Unit:             p.Unit,
				IsActive:         utils.DereferencePtr(p.IsActive, true),
				ClientUpdatedAt:  p.UpdatedAt,
			}, true
		},
		serverId: func(p *offline.Product) *uint { return p.ServerId },
		setServerId: func(ctx context.Context, id string, serverId uint) error {
			if res := r.products.SetServerID(ctx, id, serverId); !res.Success {
				return errors.New(res.Error)
			}
			return nil
		},
		push: r.upstream.PushProducts,
	}
}

func pushCatalog[T any, P any](ctx context.Context, r *Reconciler, spec catalogSpec[T, P], result *PushResult) error {
	cur, rev, err := r.cursors.load(ctx, spec.et)
	if err != nil {
		return err
	}

	since := cur.PushedUntil
	if !since.IsZero() {
		since = since.Add(-r.overlap)
	}
	for {
		list := spec.list(ctx, since, r.batchSize)
		if !list.Success {
			return errors.New(list.Error)
		}
		if len(list.Entities) == 0 {
			return nil
		}

		docs := make([]pushedDoc, 0, len(list.Entities))
		settled := map[string]bool{}
		idRevs := make([][2]string, 0, len(list.Entities))
		req := possync.PushRequest[P]{Items: make([]P, 0, len(list.Entities))}
		owned := make([]*T, 0, len(list.Entities))
		for _, v := range list.Entities {
			m := spec.meta(v)
			docs = append(docs, pushedDoc{id: m.ID, updatedAt: m.UpdatedAt})
			if cur.pushed(m.ID, m.Rev) {
				settled[m.ID] = true
				continue
			}
			p, ok := spec.payload(ctx, v)
			if !ok {
				settled[m.ID] = true
				continue
			}
			req.Items = append(req.Items, p)
			idRevs = append(idRevs, [2]string{m.ID, m.Rev})
			owned = append(owned, v)
		}

		dirty := false
		if len(owned) > 0 {
			req.IdempotencyKey = batchKey(spec.et, idRevs)
			resp, err := spec.push(ctx, req)
			if err != nil {
				for _, v := range owned {
					result.Failed = append(result.Failed, spec.meta(v).ID)
				}
				return err
			}
			for _, v := range owned {
				m := spec.meta(v)
				id := m.ID
				res, found := resp.ResultFor(id)
				if !found || res.Status == possync.ItemStatusFailed {
					result.Failed = append(result.Failed, id)
					settled[id] = found && !res.Retryable
					if found {
						r.logger.WithFields(logrus.Fields{
							"entity_type": spec.et,
							"id":          id,
							"retryable":   res.Retryable,
						}).Warn("server rejected document: " + res.Error)
					}
				} else {
					result.Synced = append(result.Synced, id)
					settled[id] = true
					if res.ServerId != 0 {
						if sid := spec.serverId(v); sid == nil || *sid != res.ServerId {
							if err := spec.setServerId(ctx, id, res.ServerId); err != nil {
								config.LogError(r.logger, moduleName, "pushCatalog", "store server id", id, err)
							}
						}
					}
				}
				if settled[id] {
					cur.remember(id, m.Rev, m.UpdatedAt)
					dirty = true
				}
			}
		}

		next := nextPushCursor(since, docs, settled)
		if next.After(cur.PushedUntil) {
			cur.PushedUntil = next
			dirty = true
		}
		if dirty {
			cur.forgetThrough(cur.PushedUntil.Add(-r.overlap))
			if rev, err = r.cursors.save(ctx, spec.et, cur, rev); err != nil {
				return err
			}
		}
		if !next.After(since) || len(list.Entities) < r.batchSize {
			return nil
		}
		since = next
	}
}

func (r *Reconciler) salePayload(ctx context.Context, s *offline.Sale) possync.SalePayload {
	items := make([]possync.SaleItemPayload, 0, len(s.Items))
	for _, it := range s.Items {
		item := possync.SaleItemPayload{
			ProductClientId: it.ProductId,
			Name:            it.Name,
			Quantity:        it.Quantity,
			Price:           it.Price,
			Total:           utils.DereferencePtr(it.Total, it.Quantity.Mul(it.Price)),
		}
		if p := r.products.FindByID(ctx, it.ProductId); p.Success && p.Entity.ServerId != nil {
			item.ProductServerId = p.Entity.ServerId
		}
		items = append(items, item)
	}
	p := possync.SalePayload{
		ClientId:        s.ID,
		Items:           items,
		PaymentMethod:   s.PaymentMethod,
		CashierId:       s.CashierId,
		StoreId:         s.StoreId,
		SoldAt:          s.SoldAt,
		ClientUpdatedAt: s.UpdatedAt,
	}
	if s.TotalAmount != nil {
		p.TotalAmount = *s.TotalAmount
	}
	return p
}

// pushSales sends due sales in batches. The server dedupes on the sale id, so a sale
// that reached the server before a crash comes back as a duplicate and is marked synced.
func (r *Reconciler) pushSales(ctx context.Context, result *PushResult) error {
	for round := 0; round < maxSaleRounds; round++ {
		due := r.sales.DueForSync(ctx, r.now(), r.batchSize)
		if !due.Success {
			return errors.New(due.Error)
		}
		if len(due.Entities) == 0 {
			return nil
		}

		req := possync.PushRequest[possync.SalePayload]{Items: make([]possync.SalePayload, 0, len(due.Entities))}
		idRevs := make([][2]string, 0, len(due.Entities))
		for _, s := range due.Entities {
			req.Items = append(req.Items, r.salePayload(ctx, s))
			idRevs = append(idRevs, [2]string{s.ID, s.Rev})
		}
		req.IdempotencyKey = batchKey(docstore.EntityTypeSale, idRevs)

		resp, err := r.upstream.PushSales(ctx, req)
		if err != nil {
			for _, s := range due.Entities {
				r.markSaleFailed(ctx, s, err.Error(), IsRetryable(err))
				result.Failed = append(result.Failed, s.ID)
			}
			return err
		}

		synced := 0
		for _, s := range due.Entities {
			res, found := resp.ResultFor(s.ID)
			switch {
			case !found:
				r.markSaleFailed(ctx, s, "server returned no result for sale", true)
				result.Failed = append(result.Failed, s.ID)
			case res.Status == possync.ItemStatusFailed:
				r.markSaleFailed(ctx, s, res.Error, res.Retryable)
				result.Failed = append(result.Failed, s.ID)
			default:
				// a failed local write leaves the sale due; the next push comes back as a duplicate
				if ms := r.sales.MarkSynced(ctx, s.ID, res.ServerId); !ms.Success {
					config.LogError(r.logger, moduleName, "pushSales", "mark sale synced", s.ID, errors.New(ms.Error))
					result.Failed = append(result.Failed, s.ID)
					continue
				}
				result.Synced = append(result.Synced, s.ID)
				synced++
			}
		}
		if synced == 0 || len(due.Entities) < r.batchSize {
			return nil
		}
	}
	return nil
}

func (r *Reconciler) markSaleFailed(ctx context.Context, s *offline.Sale, msg string, retryable bool) {
	delay := r.retry.MaxBackoff
	if retryable {
		delay = utils.Backoff(s.SyncAttempts+1, r.retry.BaseBackoff, r.retry.MaxBackoff)
	}
	if res := r.sales.MarkFailed(ctx, s.ID, msg, r.now().Add(delay)); !res.Success {
		config.LogError(r.logger, moduleName, "markSaleFailed", "mark sale failed", s.ID, errors.New(res.Error))
	}
}

// PullProducts mirrors catalogue changes since the stored cursor. It stops at the first
// row it cannot store, so that row is fetched again next time.
func (r *Reconciler) PullProducts(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "reconcile.PullProducts")
	defer span.End()

	release, err := r.lock(ctx, docstore.EntityTypeProduct, "PullProducts")
	if err != nil {
		return 0, err
	}
	defer release()

	cur, rev, err := r.cursors.load(ctx, docstore.EntityTypeProduct)
	if err != nil {
		return 0, err
	}

	pulled := 0
	for page := 0; page < maxPullPages; page++ {
		resp, err := r.upstream.ListProducts(ctx, cur.PulledUntil, cur.PulledAfterId, r.batchSize)
		if err != nil {
			span.RecordError(err)
			return pulled, err
		}

		var mirrorErr error
		advanced := false
		for _, sp := range resp.Items {
			res := r.products.UpsertFromServer(ctx, r.mirror(ctx, sp))
			if !res.Success {
				mirrorErr = fmt.Errorf("mirror product %d: %s", sp.Id, res.Error)
				break
			}
			cur.PulledUntil = sp.UpdatedAt
			cur.PulledAfterId = sp.Id
			advanced = true
			pulled++
		}
		if advanced {
			if rev, err = r.cursors.save(ctx, docstore.EntityTypeProduct, cur, rev); err != nil {
				return pulled, err
			}
		}
		if mirrorErr != nil {
			span.RecordError(mirrorErr)
			return pulled, mirrorErr
		}
		if !resp.HasMore || !advanced {
			break
		}
	}
	span.SetAttributes(attribute.Int("pulled", pulled))
	return pulled, nil
}

func (r *Reconciler) mirror(ctx context.Context, sp possync.ServerProduct) *offline.Product {
	serverId := sp.Id
	updatedAt := sp.UpdatedAt
	isActive := sp.IsActive
	p := &offline.Product{
		Name:            sp.Name,
		Sku:             sp.Sku,
		Barcode:         sp.Barcode,
		Price:           sp.Price,
		CostPrice:       sp.CostPrice,
		StockQuantity:   sp.StockQuantity,
		Unit:            sp.Unit,
		IsActive:        &isActive,
		ServerId:        &serverId,
		ServerUpdatedAt: &updatedAt,
	}
	if sp.CategoryClientId != nil {
		if c := r.categories.FindByID(ctx, *sp.CategoryClientId); c.Success {
			p.CategoryId = sp.CategoryClientId
		}
	}
	return p
}

// SyncOnce pushes categories, products and sales, pulls the catalogue and applies the
// synced-sale retention. It carries on past a failing step and reports every error.
func (r *Reconciler) SyncOnce(ctx context.Context) (SyncReport, error) {
	report := SyncReport{Pushes: []PushResult{}}
	var errs []error
	for _, et := range []docstore.EntityType{docstore.EntityTypeCategory, docstore.EntityTypeProduct, docstore.EntityTypeSale} {
		res, err := r.PushPending(ctx, et)
		report.Pushes = append(report.Pushes, res)
		if err != nil {
			errs = append(errs, fmt.Errorf("push %s: %w", et, err))
		}
	}

	pulled, err := r.PullProducts(ctx)
	report.Pulled = pulled
	if err != nil {
		errs = append(errs, fmt.Errorf("pull products: %w", err))
	}

	if r.retention > 0 {
		purge := r.sales.PurgeSynced(ctx, r.now().Add(-r.retention))
		report.Purged = purge.Count
		if !purge.Success {
			errs = append(errs, fmt.Errorf("purge synced sales: %s", purge.Error))
		}
	}
	return report, errors.Join(errs...)
}

// Run calls SyncOnce every interval while the sync service answers, until ctx ends.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		r.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Reconciler) tick(ctx context.Context) {
	if err := r.upstream.Ping(ctx); err != nil {
		r.logger.WithError(err).Debug("sync service unreachable, staying offline")
		return
	}
	report, err := r.SyncOnce(ctx)
	if err != nil {
		config.LogError(r.logger, moduleName, "Run", "sync once", report, err)
	}
}
