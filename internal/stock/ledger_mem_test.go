package stock

import (
	"context"
	"sync"
)

// memLedger is an in-memory Ledger used to exercise the reservation
// contract without a database. A single mutex serializes every batch,
// which satisfies the same linearizability guarantee the SQL
// implementation gets from row locks.
type memLedger struct {
	mu   sync.Mutex
	rows map[string]*memRow
}

type memRow struct {
	stock     int
	sales     int
	threshold int
	published bool
	sku       string
	name      string
	image     string
	price     int
}

var _ Ledger = (*memLedger)(nil)

func newMemLedger() *memLedger {
	return &memLedger{rows: make(map[string]*memRow)}
}

func (m *memLedger) seed(productID string, qty int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[productID] = &memRow{
		stock: qty, threshold: 5, published: true,
		sku: productID, name: "product " + productID, price: 1000,
	}
}

func (m *memLedger) Snapshots(_ context.Context, items []Item) ([]Snapshot, error) {
	if err := validateItems(items); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Snapshot, 0, len(items))
	var missing []Shortage
	for _, it := range items {
		row, ok := m.rows[it.Key()]
		if !ok {
			missing = append(missing, Shortage{ProductID: it.ProductID, VariantID: it.VariantID, Requested: it.Qty, Reason: ReasonNotFound})
			continue
		}
		out = append(out, Snapshot{
			ProductID: it.ProductID, VariantID: it.VariantID,
			SKU: row.sku, Name: row.name, Image: row.image, PriceCents: row.price,
		})
	}
	if len(missing) > 0 {
		return nil, &InsufficientStockError{Shortages: missing}
	}
	return out, nil
}

func (m *memLedger) Validate(_ context.Context, items []Item) ([]Shortage, error) {
	if err := validateItems(items); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var shortages []Shortage
	for _, it := range items {
		row, ok := m.rows[it.Key()]
		switch {
		case !ok:
			shortages = append(shortages, Shortage{ProductID: it.ProductID, VariantID: it.VariantID, Requested: it.Qty, Reason: ReasonNotFound})
		case !row.published:
			shortages = append(shortages, Shortage{ProductID: it.ProductID, VariantID: it.VariantID, Requested: it.Qty, Available: row.stock, Reason: ReasonUnpublished})
		case row.stock < it.Qty:
			shortages = append(shortages, Shortage{ProductID: it.ProductID, VariantID: it.VariantID, Requested: it.Qty, Available: row.stock, Reason: ReasonInsufficient})
		}
	}
	return shortages, nil
}

func (m *memLedger) Reserve(_ context.Context, items []Item) error {
	if err := validateItems(items); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var shortages []Shortage
	for _, it := range items {
		row, ok := m.rows[it.Key()]
		if !ok {
			shortages = append(shortages, Shortage{ProductID: it.ProductID, VariantID: it.VariantID, Requested: it.Qty, Reason: ReasonNotFound})
			continue
		}
		if !row.published {
			shortages = append(shortages, Shortage{ProductID: it.ProductID, VariantID: it.VariantID, Requested: it.Qty, Available: row.stock, Reason: ReasonUnpublished})
			continue
		}
		if row.stock < it.Qty {
			shortages = append(shortages, Shortage{ProductID: it.ProductID, VariantID: it.VariantID, Requested: it.Qty, Available: row.stock, Reason: ReasonInsufficient})
		}
	}
	if len(shortages) > 0 {
		return &InsufficientStockError{Shortages: shortages}
	}
	for _, it := range items {
		row := m.rows[it.Key()]
		row.stock -= it.Qty
		row.sales += it.Qty
	}
	return nil
}

func (m *memLedger) Restore(_ context.Context, items []Item) error {
	if err := validateItems(items); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, it := range items {
		row, ok := m.rows[it.Key()]
		if !ok {
			continue // best-effort
		}
		row.stock += it.Qty
		row.sales -= it.Qty
		if row.sales < 0 {
			row.sales = 0
		}
	}
	return nil
}

func (m *memLedger) Info(_ context.Context, productID, variantID string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := Item{ProductID: productID, VariantID: variantID}.Key()
	row, ok := m.rows[key]
	if !ok {
		return Info{}, ErrProductNotFound
	}
	return Info{
		ProductID:    productID,
		VariantID:    variantID,
		SKU:          row.sku,
		Quantity:     row.stock,
		SalesCount:   row.sales,
		Threshold:    row.threshold,
		IsLowStock:   row.stock <= row.threshold,
		IsOutOfStock: row.stock == 0,
	}, nil
}

func (m *memLedger) LowStock(_ context.Context, threshold *int) ([]Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Info
	for key, row := range m.rows {
		limit := row.threshold
		if threshold != nil {
			limit = *threshold
		}
		if row.stock <= limit {
			out = append(out, Info{ProductID: key, Quantity: row.stock, SalesCount: row.sales, Threshold: row.threshold, IsLowStock: true, IsOutOfStock: row.stock == 0})
		}
	}
	return out, nil
}

func (m *memLedger) Adjust(_ context.Context, productID, variantID string, delta int) (Info, error) {
	m.mu.Lock()
	key := Item{ProductID: productID, VariantID: variantID}.Key()
	row, ok := m.rows[key]
	if !ok {
		m.mu.Unlock()
		return Info{}, ErrProductNotFound
	}
	row.stock += delta
	if row.stock < 0 {
		row.stock = 0
	}
	m.mu.Unlock()
	return m.Info(context.Background(), productID, variantID)
}

func (m *memLedger) Summary(_ context.Context) (Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Summary{TotalProducts: len(m.rows)}
	for _, row := range m.rows {
		switch {
		case row.stock == 0:
			s.OutOfStock++
		case row.stock <= row.threshold:
			s.LowStock++
		}
	}
	return s, nil
}
