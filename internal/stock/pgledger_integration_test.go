package stock_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/nandasafiq/go-shop-orders/internal/stock"
	"github.com/nandasafiq/go-shop-orders/internal/testutil"
)

// Run with TEST_INTEGRATION=1; requires a local docker daemon.

func seedProduct(t *testing.T, db *pgxpool.Pool, qty int) string {
	t.Helper()
	id := uuid.NewString()
	_, err := db.Exec(context.Background(), `
		INSERT INTO products (id, sku, name, price_cents, stock, published)
		VALUES ($1, $2, $3, 1000, $4, TRUE)`,
		id, "SKU-"+id[:8], "test product", qty)
	if err != nil {
		t.Fatalf("seed product: %v", err)
	}
	return id
}

func seedVariant(t *testing.T, db *pgxpool.Pool, productID string, qty int) string {
	t.Helper()
	id := uuid.NewString()
	_, err := db.Exec(context.Background(), `
		INSERT INTO product_variants (id, product_id, sku, price_cents, stock)
		VALUES ($1, $2, $3, 2500, $4)`,
		id, productID, "VAR-"+id[:8], qty)
	if err != nil {
		t.Fatalf("seed variant: %v", err)
	}
	return id
}

func TestPGLedgerConcurrency(t *testing.T) {
	if !testutil.IntegrationEnabled() {
		t.Skip("set TEST_INTEGRATION=1 to run docker-backed tests")
	}

	ctx := context.Background()
	db, cleanup, err := testutil.StartPostgres(ctx)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	defer cleanup()

	ledger := stock.NewPGLedger(db, zap.NewNop())

	t.Run("two buyers one unit", func(t *testing.T) {
		id := seedProduct(t, db, 1)
		assertNoOversellPG(t, ledger, id, 1, 2, 1)
	})

	t.Run("heavy contention", func(t *testing.T) {
		id := seedProduct(t, db, 7)
		assertNoOversellPG(t, ledger, id, 7, 25, 2)
	})

	t.Run("round trip", func(t *testing.T) {
		id := seedProduct(t, db, 10)
		items := []stock.Item{{ProductID: id, Qty: 4}}
		if err := ledger.Reserve(ctx, items); err != nil {
			t.Fatalf("reserve: %v", err)
		}
		if err := ledger.Restore(ctx, items); err != nil {
			t.Fatalf("restore: %v", err)
		}
		info, err := ledger.Info(ctx, id, "")
		if err != nil {
			t.Fatalf("info: %v", err)
		}
		if info.Quantity != 10 || info.SalesCount != 0 {
			t.Fatalf("round trip left stock=%d sales=%d", info.Quantity, info.SalesCount)
		}
	})

	t.Run("all or nothing batch", func(t *testing.T) {
		okID := seedProduct(t, db, 10)
		shortID := seedProduct(t, db, 1)
		err := ledger.Reserve(ctx, []stock.Item{
			{ProductID: okID, Qty: 1},
			{ProductID: shortID, Qty: 2},
		})
		if err == nil {
			t.Fatal("expected insufficient stock error")
		}
		info, _ := ledger.Info(ctx, okID, "")
		if info.Quantity != 10 {
			t.Fatalf("first item decremented despite aborted batch: %d", info.Quantity)
		}
	})

	t.Run("low stock lists variants", func(t *testing.T) {
		parentID := seedProduct(t, db, 100) // parent itself is healthy
		variantID := seedVariant(t, db, parentID, 2)

		infos, err := ledger.LowStock(ctx, nil)
		if err != nil {
			t.Fatalf("low stock: %v", err)
		}
		var found bool
		for _, info := range infos {
			if info.VariantID == variantID {
				found = true
				if info.ProductID != parentID || info.Quantity != 2 {
					t.Fatalf("variant info %+v", info)
				}
			}
			if info.ProductID == parentID && info.VariantID == "" {
				t.Fatal("healthy parent product reported as low stock")
			}
		}
		if !found {
			t.Fatal("variant below the parent threshold missing from low stock report")
		}
	})

	t.Run("snapshots resolve catalog rows", func(t *testing.T) {
		productID := seedProduct(t, db, 5)
		variantID := seedVariant(t, db, productID, 5)

		snaps, err := ledger.Snapshots(ctx, []stock.Item{
			{ProductID: productID, Qty: 1},
			{ProductID: productID, VariantID: variantID, Qty: 1},
		})
		if err != nil {
			t.Fatalf("snapshots: %v", err)
		}
		if len(snaps) != 2 {
			t.Fatalf("snapshots = %d, want 2", len(snaps))
		}
		if snaps[0].PriceCents != 1000 || snaps[0].Name != "test product" {
			t.Fatalf("product snapshot %+v", snaps[0])
		}
		if snaps[1].PriceCents != 2500 || snaps[1].VariantID != variantID {
			t.Fatalf("variant snapshot %+v", snaps[1])
		}

		_, err = ledger.Snapshots(ctx, []stock.Item{{ProductID: uuid.NewString(), Qty: 1}})
		var ise *stock.InsufficientStockError
		if !errors.As(err, &ise) || ise.Shortages[0].Reason != stock.ReasonNotFound {
			t.Fatalf("err = %v, want not_found shortage", err)
		}
	})
}

func assertNoOversellPG(t *testing.T, l stock.Ledger, productID string, initial, n, qty int) {
	t.Helper()
	ctx := context.Background()

	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			results <- l.Reserve(ctx, []stock.Item{{ProductID: productID, Qty: qty}})
		}()
	}

	successes := 0
	for i := 0; i < n; i++ {
		if err := <-results; err == nil {
			successes++
		}
	}

	if successes*qty > initial {
		t.Fatalf("oversold: %d x %d succeeded with stock %d", successes, qty, initial)
	}
	info, err := l.Info(ctx, productID, "")
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if want := initial - successes*qty; info.Quantity != want {
		t.Fatalf("final stock %d, want %d", info.Quantity, want)
	}
}
