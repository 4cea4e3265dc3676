package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/mmdatafocus/retail_pos/config"
	"github.com/mmdatafocus/retail_pos/docstore"
	"github.com/mmdatafocus/retail_pos/offline"
	"github.com/shopspring/decimal"
)

// pos-harness runs the offline store scenarios against a real local database and
// cleans up test fixtures.
//
// Examples:
//
//	go run ./cmd/pos-harness --scenarios=A,B,C,D
//	go run ./cmd/pos-harness --db=./data/pos-local.db --scenarios=C --attempts=50
//	go run ./cmd/pos-harness --db=./data/pos-local.db --purge-prefix=test_product_ --dry-run=false --confirm=DELETE
func main() {
	var (
		dbPath      = flag.String("db", ":memory:", "local store path (default: throwaway in-memory store)")
		scenarios   = flag.String("scenarios", "A,B,C,D", "comma separated scenarios to run")
		attempts    = flag.Int("attempts", 10, "attempt count for the concurrent update scenario")
		purgePrefix = flag.String("purge-prefix", "", "purge documents whose id starts with this prefix, then exit")
		entity      = flag.String("entity", string(docstore.EntityTypeProduct), "entity type for --purge-prefix")
		dryRun      = flag.Bool("dry-run", true, "list only (no writes) for --purge-prefix")
		confirm     = flag.String("confirm", "", "type DELETE to purge when dry-run=false")
	)
	flag.Parse()

	ldb, err := config.OpenLocalDB(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open local store: %v\n", err)
		os.Exit(1)
	}
	ctx := context.Background()
	store, err := docstore.NewSQLStore(ctx, ldb)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init local store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	if *purgePrefix != "" {
		et := docstore.EntityType(*entity)
		if !et.IsValid() {
			fmt.Fprintf(os.Stderr, "unknown --entity %q\n", *entity)
			os.Exit(2)
		}
		if !*dryRun && strings.TrimSpace(*confirm) != "DELETE" {
			fmt.Fprintln(os.Stderr, "set --confirm=DELETE to proceed")
			os.Exit(2)
		}
		if err := purge(ctx, store.Collection(et), *purgePrefix, *dryRun); err != nil {
			fmt.Fprintf(os.Stderr, "purge: %v\n", err)
			os.Exit(1)
		}
		return
	}

	opts := offline.DefaultOptions()
	opts.Logger = config.GetLogger()
	h := &harness{store: store, opts: opts, attempts: *attempts}

	runs := map[string]func(context.Context) error{
		"A": h.scenarioA,
		"B": h.scenarioB,
		"C": h.scenarioC,
		"D": h.scenarioD,
	}
	failed := 0
	for _, name := range strings.Split(*scenarios, ",") {
		name = strings.ToUpper(strings.TrimSpace(name))
		run, ok := runs[name]
		if !ok {
			fmt.Fprintf(os.Stderr, "unknown scenario %q\n", name)
			os.Exit(2)
		}
		if err := run(ctx); err != nil {
			failed++
			fmt.Printf("scenario %s FAIL: %s\n", name, err.Error())
			continue
		}
		fmt.Printf("scenario %s OK\n", name)
	}
	if failed > 0 {
		os.Exit(1)
	}
}

type harness struct {
	store    docstore.Store
	opts     offline.Options
	attempts int
}

// fixtureOptions makes every fixture id start with test_<entity>_ so scenario D and
// --purge-prefix can find them again.
func (h *harness) fixtureOptions(et docstore.EntityType) offline.Options {
	opts := h.opts
	opts.IDPrefix = "test_" + string(et)
	return opts
}

func (h *harness) scenarioA(ctx context.Context) error {
	products := offline.NewProductModel(h.store.Collection(docstore.EntityTypeProduct), h.fixtureOptions(docstore.EntityTypeProduct))
	name := "Test Coffee " + docstore.NewConventions().GenerateID("run")
	created := products.Create(ctx, &offline.Product{
		Name:          name,
		Price:         decimal.RequireFromString("2.50"),
		StockQuantity: decimal.NewFromInt(100),
	})
	if !created.Success {
		return fmt.Errorf("create: %s", created.Error)
	}

	all := products.FindAll(ctx, offline.ListOptions{})
	if !all.Success {
		return fmt.Errorf("find all: %s", all.Error)
	}
	matches := 0
	for _, p := range all.Entities {
		if p.Name != name {
			continue
		}
		matches++
		if !p.Price.Equal(decimal.RequireFromString("2.50")) {
			return fmt.Errorf("price = %s, want 2.50", p.Price)
		}
	}
	if matches != 1 {
		return fmt.Errorf("found %d products named %q, want 1", matches, name)
	}
	return nil
}

func (h *harness) scenarioB(ctx context.Context) error {
	sales := offline.NewSaleModel(h.store.Collection(docstore.EntityTypeSale), h.fixtureOptions(docstore.EntityTypeSale))
	total := decimal.RequireFromString("5.00")
	created := sales.Create(ctx, &offline.Sale{
		Items: []offline.SaleItem{{
			ProductId: "p1",
			Quantity:  decimal.NewFromInt(2),
			Price:     decimal.RequireFromString("2.50"),
			Total:     &total,
		}},
		TotalAmount: &total,
		SyncStatus:  offline.SyncStatusPending,
	})
	if !created.Success {
		return fmt.Errorf("create: %s", created.Error)
	}

	got := sales.FindByID(ctx, created.Entity.ID)
	if !got.Success {
		return fmt.Errorf("find: %s", got.Error)
	}
	sum := decimal.Zero
	for _, it := range got.Entity.Items {
		sum = sum.Add(*it.Total)
	}
	if got.Entity.TotalAmount == nil || !got.Entity.TotalAmount.Equal(sum) || !sum.Equal(total) {
		return fmt.Errorf("total_amount = %v, item sum = %s, want 5.00", got.Entity.TotalAmount, sum)
	}
	if got.Entity.SyncStatus != offline.SyncStatusPending {
		return fmt.Errorf("sync_status = %s, want pending", got.Entity.SyncStatus)
	}
	return nil
}

// scenarioC races two updates of one category from the same base revision and checks
// that the stored name is the write with the later updated_at.
func (h *harness) scenarioC(ctx context.Context) error {
	categories := offline.NewCategoryModel(h.store.Collection(docstore.EntityTypeCategory), h.fixtureOptions(docstore.EntityTypeCategory))
	for i := 1; i <= h.attempts; i++ {
		base := categories.Create(ctx, &offline.Category{Name: "base"})
		if !base.Success {
			return fmt.Errorf("attempt %d create: %s", i, base.Error)
		}

		names := []string{"left", "right"}
		results := make([]offline.Result[offline.Category], len(names))
		var wg sync.WaitGroup
		start := make(chan struct{})
		for j, name := range names {
			wg.Add(1)
			go func(j int, name string) {
				defer wg.Done()
				<-start
				results[j] = categories.Update(ctx, base.Entity.ID, map[string]any{"name": name})
			}(j, name)
		}
		close(start)
		wg.Wait()

		final := categories.FindByID(ctx, base.Entity.ID)
		if !final.Success {
			return fmt.Errorf("attempt %d read back: %s", i, final.Error)
		}
		want, err := latestWrite(results)
		if err != nil {
			return fmt.Errorf("attempt %d: %w", i, err)
		}
		if final.Entity.Name != want {
			return fmt.Errorf("attempt %d stored name %q, want later write %q", i, final.Entity.Name, want)
		}
	}
	return nil
}

func latestWrite(results []offline.Result[offline.Category]) (string, error) {
	var latest *offline.Category
	for _, r := range results {
		if !r.Success {
			if r.Kind != docstore.KindConflict {
				return "", errors.New(r.Error)
			}
			continue
		}
		if latest == nil || r.Entity.UpdatedAt.After(latest.UpdatedAt) {
			latest = r.Entity
		}
	}
	if latest == nil {
		return "", errors.New("both writers lost")
	}
	return latest.Name, nil
}

func (h *harness) scenarioD(ctx context.Context) error {
	col := h.store.Collection(docstore.EntityTypeProduct)
	products := offline.NewProductModel(col, h.fixtureOptions(docstore.EntityTypeProduct))
	for i := 0; i < 3; i++ {
		if res := products.Create(ctx, &offline.Product{Name: fmt.Sprintf("fixture %d", i), Price: decimal.NewFromInt(1)}); !res.Success {
			return fmt.Errorf("create fixture: %s", res.Error)
		}
	}
	if _, err := docstore.PurgePrefix(ctx, col, "test_product_"); err != nil {
		return err
	}
	left, err := col.Query(ctx, docstore.Query{Selector: docstore.Selector{IDPrefix: "test_product_"}})
	if err != nil {
		return err
	}
	if len(left) != 0 {
		return fmt.Errorf("%d test_product_ documents left after purge", len(left))
	}
	return nil
}

func purge(ctx context.Context, col docstore.Collection, prefix string, dryRun bool) error {
	docs, err := col.Query(ctx, docstore.Query{Selector: docstore.Selector{IDPrefix: prefix}})
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d documents with prefix %q\n", col.EntityType(), len(docs), prefix)
	if dryRun {
		for _, d := range docs {
			fmt.Printf("  %s rev=%s\n", d.ID, d.Rev)
		}
		return nil
	}
	removed, err := docstore.PurgePrefix(ctx, col, prefix)
	fmt.Printf("removed %d\n", removed)
	return err
}
